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

// Package strpool interns byte strings inside an arena. Equal strings share one
// reference counted entry; an entry is freed when its last reference is
// released. Entries are immutable once created.
//
// The pool is not synchronized, callers hold the cache lock.
package strpool

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cubefs/dbcache/common/arena"
	apierrors "github.com/cubefs/dbcache/errors"
	"github.com/cubefs/dbcache/util"
)

// RootSlot is the arena root slot holding the pool header.
const RootSlot = 0

const (
	defaultBuckets = 1024
	maxLoad        = 2

	// pool header
	offBuckets  = 0
	offNBuckets = 8
	offEntries  = 16
	offBytes    = 24
	poolHdrSize = 32

	// entry header
	offNext     = 0
	offHash     = 8
	offRefcount = 16
	offLen      = 20
	entryHdr    = 24
)

// Ref is a reference to an interned string. Zero is the nil reference.
type Ref uint64

type Stats struct {
	Entries uint64 `json:"entries"`
	Bytes   uint64 `json:"bytes"`
	Buckets uint64 `json:"buckets"`
}

type Pool struct {
	a    *arena.Arena
	root arena.Handle
}

// New creates an empty pool in a and registers it in the arena root slot.
func New(a *arena.Arena, buckets int) (*Pool, error) {
	if buckets <= 0 {
		buckets = defaultBuckets
	}
	root, err := a.Allocate(poolHdrSize)
	if err != nil {
		return nil, err
	}
	tbl, err := allocTable(a, uint64(buckets))
	if err != nil {
		a.Free(root)
		return nil, err
	}
	p := &Pool{a: a, root: root}
	p.put(offBuckets, uint64(tbl))
	p.put(offNBuckets, uint64(buckets))
	p.put(offEntries, 0)
	p.put(offBytes, 0)
	a.SetRoot(RootSlot, root)
	return p, nil
}

// Attach opens the pool created by New in an already formatted arena.
func Attach(a *arena.Arena) (*Pool, error) {
	root := a.Root(RootSlot)
	if root == 0 || a.Size(root) < poolHdrSize {
		return nil, apierrors.ErrArenaCorrupted
	}
	return &Pool{a: a, root: root}, nil
}

// Intern returns a reference to b, creating the entry on first use. Each call
// adds one reference that must be dropped with Release.
func (p *Pool) Intern(b []byte) (Ref, error) {
	h := xxhash.Sum64(b)
	if e := p.find(h, b); e != 0 {
		p.setRefcount(e, p.refcount(e)+1)
		return Ref(e), nil
	}

	e, err := p.a.Allocate(entryHdr + len(b))
	if err != nil {
		return 0, err
	}
	data := p.a.Bytes(e)
	slot := p.slot(h)
	binary.LittleEndian.PutUint64(data[offNext:], p.bucket(slot))
	binary.LittleEndian.PutUint64(data[offHash:], h)
	binary.LittleEndian.PutUint32(data[offRefcount:], 1)
	binary.LittleEndian.PutUint32(data[offLen:], uint32(len(b)))
	copy(data[entryHdr:], b)
	p.setBucket(slot, uint64(e))

	p.put(offEntries, p.get(offEntries)+1)
	p.put(offBytes, p.get(offBytes)+uint64(len(b)))
	if p.get(offEntries) > maxLoad*p.get(offNBuckets) {
		// a failed grow keeps the current table
		p.grow()
	}
	return Ref(e), nil
}

func (p *Pool) InternString(s string) (Ref, error) {
	return p.Intern(util.StringsToBytes(s))
}

// Acquire adds a reference to an existing entry.
func (p *Pool) Acquire(r Ref) error {
	e := arena.Handle(r)
	if !p.valid(e) {
		return apierrors.ErrInvalidHandle
	}
	p.setRefcount(e, p.refcount(e)+1)
	return nil
}

// Release drops a reference, freeing the entry with the last one.
func (p *Pool) Release(r Ref) error {
	e := arena.Handle(r)
	if !p.valid(e) {
		return apierrors.ErrInvalidHandle
	}
	rc := p.refcount(e)
	if rc > 1 {
		p.setRefcount(e, rc-1)
		return nil
	}

	data := p.a.Bytes(e)
	h := binary.LittleEndian.Uint64(data[offHash:])
	size := binary.LittleEndian.Uint32(data[offLen:])
	slot := p.slot(h)
	next := binary.LittleEndian.Uint64(data[offNext:])
	if cur := p.bucket(slot); cur == uint64(e) {
		p.setBucket(slot, next)
	} else {
		for cur != 0 {
			cdata := p.a.Bytes(arena.Handle(cur))
			if n := binary.LittleEndian.Uint64(cdata[offNext:]); n == uint64(e) {
				binary.LittleEndian.PutUint64(cdata[offNext:], next)
				break
			} else {
				cur = n
			}
		}
	}
	p.put(offEntries, p.get(offEntries)-1)
	p.put(offBytes, p.get(offBytes)-uint64(size))
	return p.a.Free(e)
}

// Bytes aliases the arena; the result must not be modified.
func (p *Pool) Bytes(r Ref) []byte {
	e := arena.Handle(r)
	if !p.valid(e) {
		return nil
	}
	data := p.a.Bytes(e)
	n := binary.LittleEndian.Uint32(data[offLen:])
	return data[entryHdr : entryHdr+int(n)]
}

// String copies the entry out of the arena. The nil reference is "".
func (p *Pool) String(r Ref) string {
	return string(p.Bytes(r))
}

// Lookup finds b without taking a reference.
func (p *Pool) Lookup(b []byte) (Ref, bool) {
	e := p.find(xxhash.Sum64(b), b)
	return Ref(e), e != 0
}

func (p *Pool) LookupString(s string) (Ref, bool) {
	return p.Lookup(util.StringsToBytes(s))
}

func (p *Pool) Refcount(r Ref) uint32 {
	e := arena.Handle(r)
	if !p.valid(e) {
		return 0
	}
	return p.refcount(e)
}

func (p *Pool) Len() int { return int(p.get(offEntries)) }

func (p *Pool) Stats() Stats {
	return Stats{
		Entries: p.get(offEntries),
		Bytes:   p.get(offBytes),
		Buckets: p.get(offNBuckets),
	}
}

func (p *Pool) find(h uint64, b []byte) arena.Handle {
	for cur := p.bucket(p.slot(h)); cur != 0; {
		data := p.a.Bytes(arena.Handle(cur))
		if binary.LittleEndian.Uint64(data[offHash:]) == h {
			n := binary.LittleEndian.Uint32(data[offLen:])
			if int(n) == len(b) && bytes.Equal(data[entryHdr:entryHdr+int(n)], b) {
				return arena.Handle(cur)
			}
		}
		cur = binary.LittleEndian.Uint64(data[offNext:])
	}
	return 0
}

func (p *Pool) grow() {
	oldTbl := arena.Handle(p.get(offBuckets))
	oldN := p.get(offNBuckets)
	newN := oldN * 2
	tbl, err := allocTable(p.a, newN)
	if err != nil {
		return
	}
	old := p.a.Bytes(oldTbl)
	nb := p.a.Bytes(tbl)
	for i := uint64(0); i < oldN; i++ {
		for cur := binary.LittleEndian.Uint64(old[i*8:]); cur != 0; {
			data := p.a.Bytes(arena.Handle(cur))
			next := binary.LittleEndian.Uint64(data[offNext:])
			slot := binary.LittleEndian.Uint64(data[offHash:]) % newN
			binary.LittleEndian.PutUint64(data[offNext:], binary.LittleEndian.Uint64(nb[slot*8:]))
			binary.LittleEndian.PutUint64(nb[slot*8:], cur)
			cur = next
		}
	}
	p.put(offBuckets, uint64(tbl))
	p.put(offNBuckets, newN)
	p.a.Free(oldTbl)
}

func (p *Pool) valid(e arena.Handle) bool {
	return e != 0 && p.a.Size(e) >= entryHdr && e != p.root
}

func (p *Pool) slot(h uint64) uint64 {
	return h % p.get(offNBuckets)
}

func (p *Pool) bucket(slot uint64) uint64 {
	return binary.LittleEndian.Uint64(p.a.Bytes(arena.Handle(p.get(offBuckets)))[slot*8:])
}

func (p *Pool) setBucket(slot, e uint64) {
	binary.LittleEndian.PutUint64(p.a.Bytes(arena.Handle(p.get(offBuckets)))[slot*8:], e)
}

func (p *Pool) refcount(e arena.Handle) uint32 {
	return binary.LittleEndian.Uint32(p.a.Bytes(e)[offRefcount:])
}

func (p *Pool) setRefcount(e arena.Handle, rc uint32) {
	binary.LittleEndian.PutUint32(p.a.Bytes(e)[offRefcount:], rc)
}

func (p *Pool) get(off int) uint64 {
	return binary.LittleEndian.Uint64(p.a.Bytes(p.root)[off:])
}

func (p *Pool) put(off int, v uint64) {
	binary.LittleEndian.PutUint64(p.a.Bytes(p.root)[off:], v)
}

func allocTable(a *arena.Arena, n uint64) (arena.Handle, error) {
	tbl, err := a.Allocate(int(n * 8))
	if err != nil {
		return 0, err
	}
	data := a.Bytes(tbl)
	for i := range data {
		data[i] = 0
	}
	return tbl, nil
}
