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

package errors

import "errors"

var (
	// ErrOutOfMemory is returned when the arena cannot serve an allocation.
	// Callers reject the single update and keep serving what is cached.
	ErrOutOfMemory = errors.New("arena out of memory")
	// ErrLockTimeout is retryable.
	ErrLockTimeout = errors.New("cache lock wait timeout")

	ErrNotFound   = errors.New("not found")
	ErrStaleClaim = errors.New("item claim is stale")

	ErrInvalidHandle   = errors.New("invalid arena handle")
	ErrArenaCorrupted  = errors.New("arena is corrupted")
	ErrArenaTooSmall   = errors.New("arena region is too small")
	ErrInvalidInterval = errors.New("invalid update interval")

	ErrDanglingReference = errors.New("reference to unknown entity")
	ErrInvalidEntity     = errors.New("invalid entity")
	ErrUnknownPollerType = errors.New("unknown poller type")

	ErrClosed = errors.New("cache is closed")
)

// Retryable reports whether the caller may simply try again later.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrOutOfMemory)
}
