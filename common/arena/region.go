// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package arena

import (
	"os"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
)

const (
	defaultRegionSize = 64 << 20
	shmDir            = "/dev/shm"
)

type RegionConfig struct {
	Size int64 `json:"size"`
	// Shared maps a file so other processes can attach the same region.
	Shared bool `json:"shared"`
	// Path of the shared file, a unique temporary file when empty.
	Path string `json:"path"`
}

// Region is the memory an arena is laid out in.
type Region struct {
	data    []byte
	mm      mmap.MMap
	file    *os.File
	path    string
	created bool
}

func OpenRegion(cfg RegionConfig) (*Region, error) {
	size := cfg.Size
	if !cfg.Shared {
		if size <= 0 {
			size = defaultRegionSize
		}
		return &Region{data: make([]byte, size)}, nil
	}

	path, created := cfg.Path, false
	if path == "" {
		path, created = TempRegionPath(), true
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Info(err, "open region file failed", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Info(err, "stat region file failed", path)
	}
	if size <= 0 && fi.Size() == 0 {
		size = defaultRegionSize
	}
	if fi.Size() < size {
		if err = f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Info(err, "truncate region file failed", path)
		}
	} else {
		size = fi.Size()
	}
	mm, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Info(err, "mmap region failed", path)
	}
	return &Region{data: mm, mm: mm, file: f, path: path, created: created}, nil
}

func (r *Region) Bytes() []byte { return r.data }

func (r *Region) Path() string { return r.path }

func (r *Region) Shared() bool { return r.mm != nil }

func (r *Region) Close() error {
	if r.mm == nil {
		r.data = nil
		return nil
	}
	err := r.mm.Unmap()
	r.mm, r.data = nil, nil
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	if r.created {
		os.Remove(r.path)
	}
	return err
}

// TempRegionPath names a fresh region file, preferring tmpfs.
func TempRegionPath() string {
	dir := os.TempDir()
	if fi, err := os.Stat(shmDir); err == nil && fi.IsDir() {
		dir = shmDir
	}
	return filepath.Join(dir, "dbcache-"+uuid.NewString()+".shm")
}
