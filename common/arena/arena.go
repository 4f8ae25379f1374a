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

// Package arena implements a fixed-capacity allocator over one contiguous
// byte region. All bookkeeping lives inside the region and every reference is
// a region-relative offset, so the same region mapped into several processes
// is valid in each of them.
//
// Region layout:
//
//	[0, headerSize)      header: magic, counters, root slots, free-list heads
//	[headerSize, len)    blocks
//
// Every block carries its size and an allocated bit both in its first and its
// last word (boundary tags). Freeing a block merges it with free neighbours
// immediately, so two free blocks are never adjacent.
//
// Free blocks are kept in segregated lists, one per power-of-two size class.
// An allocation takes the best fit of the first class that can serve it. The
// waste of a single allocation is below one minimum block after splitting;
// external fragmentation is bounded the way segregated best fit is bounded
// (Robson): a region of M bytes serving requests between s and S bytes never
// fails while live data stays below M / (1 + log2(S/s)). Capacity planning for
// the cache uses that figure.
//
// Arena is not safe for concurrent use. The cache serializes access with its
// process-wide lock.
package arena

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	apierrors "github.com/cubefs/dbcache/errors"
)

// Handle addresses the payload of an allocated block. Zero is the nil handle.
type Handle uint64

const (
	magic   = uint32(0x7a626463) // "zbdc"
	version = uint32(1)

	align     = 8
	wordSize  = 8
	overhead  = 2 * wordSize // header + footer
	minBlock  = 32           // header + next + prev + footer
	allocFlag = uint64(1)

	numClasses = 48
	minShift   = 5 // log2(minBlock)

	// RootSlots is the number of well-known handles stored in the header.
	RootSlots = 8

	offMagic      = 0
	offVersion    = 4
	offRegionSize = 8
	offUsed       = 16
	offFree       = 24
	offLive       = 32
	offAllocTotal = 40
	offRoots      = 64
	offFreeHeads  = offRoots + RootSlots*wordSize
	headerSize    = offFreeHeads + numClasses*wordSize
)

type Stats struct {
	RegionSize  uint64 `json:"region_size"`
	Capacity    uint64 `json:"capacity"`
	Used        uint64 `json:"used"`
	Free        uint64 `json:"free"`
	Live        uint64 `json:"live"`
	AllocTotal  uint64 `json:"alloc_total"`
	LargestFree uint64 `json:"largest_free"`
}

type Arena struct {
	buf []byte
	end uint64
}

// New formats region as an empty arena.
func New(region []byte) (*Arena, error) {
	size := uint64(len(region)) &^ (align - 1)
	if size < headerSize+minBlock {
		return nil, apierrors.ErrArenaTooSmall
	}
	a := &Arena{buf: region[:size], end: size}
	for i := 0; i < headerSize; i++ {
		a.buf[i] = 0
	}
	binary.LittleEndian.PutUint32(a.buf[offMagic:], magic)
	binary.LittleEndian.PutUint32(a.buf[offVersion:], version)
	a.put(offRegionSize, size)

	managed := size - headerSize
	a.setBlock(headerSize, managed, false)
	a.put(offFree, managed)
	a.insertFree(headerSize, managed)
	return a, nil
}

// Attach adopts a region formatted by New, possibly in another process.
func Attach(region []byte) (*Arena, error) {
	if len(region) < headerSize+minBlock {
		return nil, apierrors.ErrArenaTooSmall
	}
	if binary.LittleEndian.Uint32(region[offMagic:]) != magic ||
		binary.LittleEndian.Uint32(region[offVersion:]) != version {
		return nil, apierrors.ErrArenaCorrupted
	}
	size := binary.LittleEndian.Uint64(region[offRegionSize:])
	if size > uint64(len(region)) {
		return nil, apierrors.ErrArenaCorrupted
	}
	return &Arena{buf: region[:size], end: size}, nil
}

// Allocate returns a block with at least size usable bytes.
func (a *Arena) Allocate(size int) (Handle, error) {
	if size < 0 {
		return 0, apierrors.ErrInvalidHandle
	}
	need := blockSizeFor(uint64(size))
	if need > a.end-headerSize {
		return 0, apierrors.ErrOutOfMemory
	}
	b, bsize := a.findFit(need)
	if b == 0 {
		return 0, apierrors.ErrOutOfMemory
	}
	a.unlinkFree(b, bsize)
	taken := a.carve(b, bsize, need)

	a.put(offUsed, a.get(offUsed)+taken)
	a.put(offFree, a.get(offFree)-taken)
	a.put(offLive, a.get(offLive)+1)
	a.put(offAllocTotal, a.get(offAllocTotal)+1)
	return Handle(b + wordSize), nil
}

// Free returns the block to the arena and merges it with free neighbours.
func (a *Arena) Free(h Handle) error {
	b, size, err := a.block(h)
	if err != nil {
		return err
	}
	a.put(offUsed, a.get(offUsed)-size)
	a.put(offFree, a.get(offFree)+size)
	a.put(offLive, a.get(offLive)-1)
	a.release(b, size)
	return nil
}

// Resize grows or shrinks a block, moving it when it cannot grow in place.
// On failure the original block is left untouched.
func (a *Arena) Resize(h Handle, size int) (Handle, error) {
	if size < 0 {
		return 0, apierrors.ErrInvalidHandle
	}
	b, cur, err := a.block(h)
	if err != nil {
		return 0, err
	}
	need := blockSizeFor(uint64(size))

	if need <= cur {
		if cur-need >= minBlock {
			a.setBlock(b, need, true)
			a.put(offUsed, a.get(offUsed)-(cur-need))
			a.put(offFree, a.get(offFree)+(cur-need))
			a.release(b+need, cur-need)
		}
		return h, nil
	}

	next := b + cur
	if next < a.end {
		nhdr := a.get(next)
		nsize := nhdr &^ allocFlag
		if nhdr&allocFlag == 0 && cur+nsize >= need {
			a.unlinkFree(next, nsize)
			a.put(next, 0)
			a.put(b+cur-wordSize, 0)
			a.setBlock(b, cur+nsize, true)
			taken := a.carve(b, cur+nsize, need)
			a.put(offUsed, a.get(offUsed)+taken-cur)
			a.put(offFree, a.get(offFree)-(taken-cur))
			return h, nil
		}
	}

	nh, err := a.Allocate(size)
	if err != nil {
		return 0, err
	}
	copy(a.Bytes(nh), a.Bytes(h))
	if err = a.Free(h); err != nil {
		return 0, err
	}
	return nh, nil
}

// Bytes is the usable payload of h. The slice aliases the region.
func (a *Arena) Bytes(h Handle) []byte {
	b, size, err := a.block(h)
	if err != nil {
		return nil
	}
	return a.buf[b+wordSize : b+size-wordSize : b+size-wordSize]
}

// Size is the usable payload size of h, 0 for invalid handles.
func (a *Arena) Size(h Handle) int {
	_, size, err := a.block(h)
	if err != nil {
		return 0
	}
	return int(size - overhead)
}

func (a *Arena) SetRoot(slot int, h Handle) {
	a.put(uint64(offRoots+slot*wordSize), uint64(h))
}

func (a *Arena) Root(slot int) Handle {
	return Handle(a.get(uint64(offRoots + slot*wordSize)))
}

func (a *Arena) Stats() Stats {
	st := Stats{
		RegionSize: a.end,
		Capacity:   a.end - headerSize,
		Used:       a.get(offUsed),
		Free:       a.get(offFree),
		Live:       a.get(offLive),
		AllocTotal: a.get(offAllocTotal),
	}
	for c := numClasses - 1; c >= 0 && st.LargestFree == 0; c-- {
		for b := a.freeHead(c); b != 0; b = a.get(b + wordSize) {
			if size := a.get(b) &^ allocFlag; size > st.LargestFree {
				st.LargestFree = size
			}
		}
	}
	return st
}

// Check walks every block and verifies the boundary tags, the coalescing
// invariant and that used + free == capacity.
func (a *Arena) Check() error {
	var used, free, freeBlocks uint64
	prevFree := false
	for b := uint64(headerSize); b < a.end; {
		hdr := a.get(b)
		size := hdr &^ allocFlag
		if size < minBlock || size%align != 0 || b+size > a.end {
			return fmt.Errorf("%w: block %d has size %d", apierrors.ErrArenaCorrupted, b, size)
		}
		if a.get(b+size-wordSize) != hdr {
			return fmt.Errorf("%w: block %d footer mismatch", apierrors.ErrArenaCorrupted, b)
		}
		if hdr&allocFlag != 0 {
			used += size
			prevFree = false
		} else {
			if prevFree {
				return fmt.Errorf("%w: adjacent free blocks at %d", apierrors.ErrArenaCorrupted, b)
			}
			free += size
			freeBlocks++
			prevFree = true
		}
		b += size
	}
	if used != a.get(offUsed) || free != a.get(offFree) {
		return fmt.Errorf("%w: counters used=%d free=%d, walked used=%d free=%d",
			apierrors.ErrArenaCorrupted, a.get(offUsed), a.get(offFree), used, free)
	}
	if used+free != a.end-headerSize {
		return fmt.Errorf("%w: used+free=%d capacity=%d", apierrors.ErrArenaCorrupted, used+free, a.end-headerSize)
	}
	var listed uint64
	for c := 0; c < numClasses; c++ {
		for b := a.freeHead(c); b != 0; b = a.get(b + wordSize) {
			if classOf(a.get(b)&^allocFlag) != c {
				return fmt.Errorf("%w: free block %d in wrong class", apierrors.ErrArenaCorrupted, b)
			}
			listed++
		}
	}
	if listed != freeBlocks {
		return fmt.Errorf("%w: %d free blocks, %d listed", apierrors.ErrArenaCorrupted, freeBlocks, listed)
	}
	return nil
}

// Walk calls fn for every allocated block in address order until fn returns
// false. fn must not allocate or free.
func (a *Arena) Walk(fn func(h Handle) bool) {
	for b := uint64(headerSize); b < a.end; {
		hdr := a.get(b)
		size := hdr &^ allocFlag
		if size < minBlock || b+size > a.end {
			return
		}
		if hdr&allocFlag != 0 && !fn(Handle(b+wordSize)) {
			return
		}
		b += size
	}
}

func (a *Arena) block(h Handle) (b, size uint64, err error) {
	off := uint64(h)
	if off%align != 0 || off < headerSize+wordSize || off >= a.end {
		return 0, 0, apierrors.ErrInvalidHandle
	}
	b = off - wordSize
	hdr := a.get(b)
	size = hdr &^ allocFlag
	if hdr&allocFlag == 0 || size < minBlock || b+size > a.end || a.get(b+size-wordSize) != hdr {
		return 0, 0, apierrors.ErrInvalidHandle
	}
	return b, size, nil
}

// carve marks [b, b+need) allocated out of the detached free block b of size
// bsize and returns the remainder to the free lists.
func (a *Arena) carve(b, bsize, need uint64) uint64 {
	if bsize-need < minBlock {
		a.setBlock(b, bsize, true)
		return bsize
	}
	a.setBlock(b, need, true)
	a.setBlock(b+need, bsize-need, false)
	a.insertFree(b+need, bsize-need)
	return need
}

// release turns the block at b into free space. Accounting is the caller's.
func (a *Arena) release(b, size uint64) {
	if next := b + size; next < a.end {
		if nhdr := a.get(next); nhdr&allocFlag == 0 {
			nsize := nhdr
			a.unlinkFree(next, nsize)
			a.put(next, 0)
			a.put(b+size-wordSize, 0)
			size += nsize
		}
	}
	if b > headerSize {
		if pftr := a.get(b - wordSize); pftr&allocFlag == 0 {
			psize := pftr
			prev := b - psize
			a.unlinkFree(prev, psize)
			a.put(b, 0)
			a.put(b-wordSize, 0)
			b = prev
			size += psize
		}
	}
	a.setBlock(b, size, false)
	a.insertFree(b, size)
}

func (a *Arena) findFit(need uint64) (uint64, uint64) {
	for c := classOf(need); c < numClasses; c++ {
		var best, bestSize uint64
		for b := a.freeHead(c); b != 0; b = a.get(b + wordSize) {
			size := a.get(b) &^ allocFlag
			if size >= need && (best == 0 || size < bestSize) {
				best, bestSize = b, size
				if size == need {
					break
				}
			}
		}
		if best != 0 {
			return best, bestSize
		}
	}
	return 0, 0
}

func (a *Arena) insertFree(b, size uint64) {
	c := classOf(size)
	head := a.freeHead(c)
	a.put(b+wordSize, head)
	a.put(b+2*wordSize, 0)
	if head != 0 {
		a.put(head+2*wordSize, b)
	}
	a.setFreeHead(c, b)
}

func (a *Arena) unlinkFree(b, size uint64) {
	next := a.get(b + wordSize)
	prev := a.get(b + 2*wordSize)
	if prev != 0 {
		a.put(prev+wordSize, next)
	} else {
		a.setFreeHead(classOf(size), next)
	}
	if next != 0 {
		a.put(next+2*wordSize, prev)
	}
}

func (a *Arena) setBlock(b, size uint64, allocated bool) {
	v := size
	if allocated {
		v |= allocFlag
	}
	a.put(b, v)
	a.put(b+size-wordSize, v)
}

func (a *Arena) freeHead(c int) uint64 {
	return a.get(uint64(offFreeHeads + c*wordSize))
}

func (a *Arena) setFreeHead(c int, b uint64) {
	a.put(uint64(offFreeHeads+c*wordSize), b)
}

func (a *Arena) get(off uint64) uint64 {
	return binary.LittleEndian.Uint64(a.buf[off:])
}

func (a *Arena) put(off, v uint64) {
	binary.LittleEndian.PutUint64(a.buf[off:], v)
}

func blockSizeFor(size uint64) uint64 {
	need := (size+align-1)&^(align-1) + overhead
	if need < minBlock {
		need = minBlock
	}
	return need
}

func classOf(size uint64) int {
	c := bits.Len64(size) - 1 - minShift
	if c < 0 {
		return 0
	}
	if c >= numClasses {
		return numClasses - 1
	}
	return c
}
