// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

import "unsafe"

// blockHeader sits at the base of every block, in use or free. prev/next
// are only meaningful while the block is free; owner always points back to
// the span it lives in. The trailing word pads the header to the fixed
// blockHeaderSize; nothing is stored there.
type blockHeader struct {
	sizeWord uint64
	prev     *blockHeader
	next     *blockHeader
	owner    *spanHeader
	magic    uint64
	_        uint64
}

func blockAt(addr uintptr) *blockHeader { return (*blockHeader)(unsafe.Pointer(addr)) }

func (b *blockHeader) addr() uintptr { return uintptr(unsafe.Pointer(b)) }

func (b *blockHeader) size() int { return int(b.sizeWord &^ flagMask) }

func (b *blockHeader) setSize(sz int) {
	b.sizeWord = uint64(sz) | (b.sizeWord & flagMask)
}

func (b *blockHeader) used() bool { return b.sizeWord&flagInUse != 0 }

func (b *blockHeader) setUsed(v bool) {
	if v {
		b.sizeWord |= flagInUse
	} else {
		b.sizeWord &^= flagInUse
	}
}

func (b *blockHeader) prevInUse() bool { return b.sizeWord&flagPrevInUse != 0 }

func (b *blockHeader) setPrevInUse(v bool) {
	if v {
		b.sizeWord |= flagPrevInUse
	} else {
		b.sizeWord &^= flagPrevInUse
	}
}

func (b *blockHeader) footerAddr() uintptr { return b.addr() + uintptr(b.size()) - 8 }

func (b *blockHeader) footer() *uint64 { return (*uint64)(unsafe.Pointer(b.footerAddr())) }

func (b *blockHeader) writeFooter() { *b.footer() = uint64(b.size()) }

// prevFooterAddr is the address of the footer belonging to the block
// physically preceding b. Only valid to read when b.prevInUse() is false.
func (b *blockHeader) prevFooterAddr() uintptr { return b.addr() - 8 }

func (b *blockHeader) payload() unsafe.Pointer {
	return unsafe.Pointer(b.addr() + blockHeaderSize)
}

func blockFromPayload(p unsafe.Pointer) *blockHeader {
	return blockAt(uintptr(p) - blockHeaderSize)
}

// nextAdjacent returns the block physically following b, or nil if b is the
// last block in its span.
func (b *blockHeader) nextAdjacent() *blockHeader {
	sp := b.owner
	n := b.addr() + uintptr(b.size())
	if n >= sp.end() {
		return nil
	}
	return blockAt(n)
}

// prepend inserts a free block at the head of s's free list.
func (s *spanHeader) prepend(b *blockHeader) {
	b.prev = nil
	b.next = s.freeHead
	if s.freeHead != nil {
		s.freeHead.prev = b
	}
	s.freeHead = b
}

// sever removes a free block from s's free list.
func (s *spanHeader) sever(b *blockHeader) {
	switch {
	case b.prev == nil && b.next == nil:
		s.freeHead = nil
	case b.prev == nil:
		s.freeHead = b.next
		b.next.prev = nil
	case b.next == nil:
		b.prev.next = nil
	default:
		b.prev.next = b.next
		b.next.prev = b.prev
	}
	b.prev = nil
	b.next = nil
}

// find performs a first-fit search: spans in list order, free list in list
// order within each span. Returns nil if no free block is big enough.
func (a *Allocator) find(gross int) *blockHeader {
	for sp := a.head; sp != nil; sp = sp.next {
		for b := sp.freeHead; b != nil; b = b.next {
			if b.size() >= gross {
				return b
			}
		}
	}
	return nil
}

// split carves a gross-sized, in-use tail off the high end of free block b,
// leaving the shrunk remainder b on the free list. The caller is
// responsible for fixing up the PREV_IN_USE bit of whatever follows the
// returned tail.
func split(b *blockHeader, gross int) *blockHeader {
	sp := b.owner
	tailAddr := b.addr() + uintptr(b.size()-gross)
	assertAligned(tailAddr)
	if tailAddr < sp.addr()+spanHeaderSize || tailAddr+uintptr(gross) > sp.end() {
		panic("malloc: split tail escapes span")
	}

	b.setSize(b.size() - gross)
	b.writeFooter()

	tail := blockAt(tailAddr)
	tail.owner = sp
	tail.setSize(gross)
	tail.setUsed(true)
	tail.setPrevInUse(false) // b, the remainder, is free.
	tail.magic = magicUsed
	return tail
}

// coalescePair merges free block y, the physical successor of free block x,
// into x. y ceases to exist; x's footer is refreshed to cover both.
func coalescePair(x, y *blockHeader) {
	x.owner.sever(y)
	x.setSize(x.size() + y.size())
	x.writeFooter()
}

// coalesce merges a newly-freed block b with its free physical neighbors,
// forward then backward, and returns the surviving block.
func coalesce(b *blockHeader) *blockHeader {
	if n := b.nextAdjacent(); n != nil && !n.used() {
		coalescePair(b, n)
	}

	if !b.prevInUse() {
		sp := b.owner
		footerAddr := b.prevFooterAddr()
		if footerAddr >= sp.addr()+spanHeaderSize {
			prevSize := int(*(*uint64)(unsafe.Pointer(footerAddr)))
			if prevSize < minBlockSize || uintptr(prevSize) > b.addr()-sp.firstBlock().addr() {
				panic("malloc: corrupted boundary tag")
			}
			prev := blockAt(b.addr() - uintptr(prevSize))
			if prev.used() || prev.size() != prevSize {
				panic("malloc: corrupted boundary tag")
			}
			coalescePair(prev, b)
			return prev
		}
	}

	return b
}
