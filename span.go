// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

import (
	"fmt"
	"os"
	"unsafe"
)

// retainedIdleSpans is the number of idle spans kept mapped once at least
// one span exists, to avoid round-tripping the OS on steady-state
// allocate/free churn. Spec treats this as a hard-coded constant, not a
// tunable.
const retainedIdleSpans = 1

// spanHeader sits at the base of every OS-mapped span. sizeAndCount packs
// two logically distinct counters into one word the same way a block's
// sizeWord packs its flags: the high 32 bits are the span's gross byte size
// (always a page multiple, so the low bits are free), the low 32 bits are
// the live block count.
type spanHeader struct {
	sizeAndCount uint64
	prev, next   *spanHeader
	freeHead     *blockHeader
}

func spanAt(addr uintptr) *spanHeader { return (*spanHeader)(unsafe.Pointer(addr)) }

func (s *spanHeader) addr() uintptr { return uintptr(unsafe.Pointer(s)) }

func (s *spanHeader) size() int { return int(s.sizeAndCount >> 32) }

func (s *spanHeader) setSize(sz int) {
	s.sizeAndCount = uint64(uint32(sz))<<32 | uint64(uint32(s.blkCount()))
}

func (s *spanHeader) blkCount() int { return int(uint32(s.sizeAndCount)) }

func (s *spanHeader) setBlkCount(c int) {
	s.sizeAndCount = s.sizeAndCount&0xFFFFFFFF00000000 | uint64(uint32(c))
}

func (s *spanHeader) incBlk() { s.setBlkCount(s.blkCount() + 1) }
func (s *spanHeader) decBlk() { s.setBlkCount(s.blkCount() - 1) }

func (s *spanHeader) firstBlock() *blockHeader { return blockAt(s.addr() + spanHeaderSize) }
func (s *spanHeader) end() uintptr             { return s.addr() + uintptr(s.size()) }

// Allocator allocates and frees memory. Its zero value is ready for use.
type Allocator struct {
	head     *spanHeader
	spans    int
	pageSize int

	allocs int // # of outstanding Malloc/Calloc calls.
	bytes  int // Bytes asked from the OS, i.e. sum of live span sizes.
	mmaps  int // # of live spans.
}

func (a *Allocator) ensurePageSize() {
	if a.pageSize == 0 {
		a.pageSize = osPageSize()
	}
}

// spanAlloc maps a fresh span able to hold at least one block of gross
// bytes, links it in as the new head of the span list (LIFO), and carves it
// into one all-covering free block.
func (a *Allocator) spanAlloc(gross int) (*spanHeader, error) {
	a.ensurePageSize()

	spsz := gross + spanHeaderSize
	if spsz < minMapSize {
		spsz = minMapSize
	}
	spsz = roundUp(spsz, a.pageSize)

	b, err := mapPages(spsz)
	if err != nil {
		if trace {
			fmt.Fprintf(os.Stderr, "spanAlloc(%#x) error: %v\n", gross, err)
		}
		return nil, err
	}

	sp := spanAt(uintptr(unsafe.Pointer(&b[0])))
	sp.setBlkCount(0)
	sp.setSize(spsz)
	sp.prev = nil
	sp.next = a.head
	if a.head != nil {
		a.head.prev = sp
	}
	a.head = sp

	blk := sp.firstBlock()
	blk.owner = sp
	blk.setSize(spsz - spanHeaderSize)
	blk.setUsed(false)
	blk.setPrevInUse(true) // No predecessor: "not free" is the safe default.
	blk.magic = magicFree
	blk.prev = nil
	blk.next = nil
	blk.writeFooter()
	sp.freeHead = blk

	a.spans++
	a.mmaps++
	a.bytes += spsz
	if trace {
		fmt.Fprintf(os.Stderr, "spanAlloc(%#x) span %#x size %#x\n", gross, sp.addr(), spsz)
	}
	return sp, nil
}

// spanFree splices sp out of the span list and unmaps it. sp must not be
// touched after this returns.
func (a *Allocator) spanFree(sp *spanHeader) error {
	a.spans--
	switch {
	case sp.prev == nil && sp.next == nil:
		a.head = nil
	case sp.prev == nil:
		a.head = sp.next
		sp.next.prev = nil
	case sp.next == nil:
		sp.prev.next = nil
	default:
		sp.prev.next = sp.next
		sp.next.prev = sp.prev
	}

	sz := sp.size()
	a.mmaps--
	a.bytes -= sz
	if trace {
		fmt.Fprintf(os.Stderr, "spanFree(%#x) size %#x\n", sp.addr(), sz)
	}
	return unmapPages(unsafe.Pointer(sp), sz)
}

// Stats is a diagnostic snapshot of allocator-wide counters, consumed by
// cmd/heapstat. It reports; it does not tune anything.
type Stats struct {
	Spans      int
	LiveBlocks int
	BytesAsked int
	Allocs     int
}

// Stats returns a snapshot of the allocator's current bookkeeping.
func (a *Allocator) Stats() Stats {
	live := 0
	for sp := a.head; sp != nil; sp = sp.next {
		live += sp.blkCount()
	}
	return Stats{
		Spans:      a.spans,
		LiveBlocks: live,
		BytesAsked: a.bytes,
		Allocs:     a.allocs,
	}
}

// Close releases all OS resources used by a and resets it to its zero
// value. It is not necessary to Close the Allocator when exiting a process.
func (a *Allocator) Close() (err error) {
	for sp := a.head; sp != nil; {
		next := sp.next
		if e := a.spanFree(sp); e != nil && err == nil {
			err = e
		}
		sp = next
	}
	*a = Allocator{}
	return err
}
