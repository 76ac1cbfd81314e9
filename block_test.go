// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

import (
	"testing"
	"unsafe"
)

func blockOf(t *testing.T, p []byte) *blockHeader {
	t.Helper()
	if len(p) == 0 {
		t.Fatal("empty slice has no block")
	}
	return blockFromPayload(unsafe.Pointer(&p[0]))
}

// TestThreeAllocationsThenExhaustion drains a fresh span's free block down
// to a remainder too small to split, so the last allocation consumes it
// whole.
func TestThreeAllocationsThenExhaustion(t *testing.T) {
	var a Allocator
	defer a.Close()

	b1, err := a.Malloc(128)
	if err != nil {
		t.Fatal(err)
	}
	blk1 := blockOf(t, b1)
	sp := blk1.owner

	b2, err := a.Malloc(128)
	if err != nil {
		t.Fatal(err)
	}
	blk2 := blockOf(t, b2)

	// Size the third request so that after taking its block, the remainder
	// of the free block is exactly 16 bytes: below minBlockSize, so no split
	// happens and the whole remaining free block is consumed.
	remaining := sp.freeHead.size()
	payload3 := remaining - blockHeaderSize - 16
	b3, err := a.Malloc(payload3)
	if err != nil {
		t.Fatal(err)
	}
	blk3 := blockOf(t, b3)

	// Splits hand out the high end of the free block, so each allocation
	// lands just below the previous one: physical order is blk3, blk2, blk1.
	if blk3.nextAdjacent() != blk2 {
		t.Fatal("blk2 must physically follow blk3")
	}
	if blk2.nextAdjacent() != blk1 {
		t.Fatal("blk1 must physically follow blk2")
	}
	if sp.freeHead != nil {
		t.Fatal("free list must be empty after exhausting the span")
	}
	if sp.blkCount() != 3 {
		t.Fatalf("blkCount = %d, want 3", sp.blkCount())
	}
}

// TestCoalesceBidirectional allocates three adjacent blocks in a fresh span
// and frees them out of order, exercising backward-only, standalone, and
// bidirectional coalesce. Splits take the high end of the free block, so the
// physical order is r, b3, b2, b1, with b1 ending the span.
func TestCoalesceBidirectional(t *testing.T) {
	var a Allocator
	defer a.Close()

	b1, err := a.Malloc(128)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := a.Malloc(128)
	if err != nil {
		t.Fatal(err)
	}
	b3, err := a.Malloc(128)
	if err != nil {
		t.Fatal(err)
	}

	blk1 := blockOf(t, b1)
	sp := blk1.owner
	r := sp.freeHead // the all-covering remainder, free from span creation

	// Free b3: its upper neighbor b2 is in use, so it merges only backward
	// into r.
	if err := a.Free(b3); err != nil {
		t.Fatal(err)
	}
	merged := sp.freeHead
	if merged.addr() != r.addr() {
		t.Fatal("merged block must start where the original remainder started")
	}
	if merged.used() {
		t.Fatal("merged block must be free")
	}
	if merged.nextAdjacent() != blockOf(t, b2) {
		t.Fatal("merged block must end where blk2 begins")
	}

	// Free b1: standalone free block (blk2 is still in use).
	if err := a.Free(b1); err != nil {
		t.Fatal(err)
	}
	blk1 = blockOf(t, b1)
	if blk1.used() {
		t.Fatal("blk1 must be free")
	}
	if blk2 := blockOf(t, b2); blk2.nextAdjacent() != blk1 || blk2.used() == false {
		t.Fatal("blk1's neighbor (blk2) must still be in use")
	}

	// Free b2: merges with both neighbors, restoring one all-covering block.
	if err := a.Free(b2); err != nil {
		t.Fatal(err)
	}
	if sp.blkCount() != 0 {
		t.Fatalf("blkCount = %d, want 0", sp.blkCount())
	}
	if sp.freeHead == nil || sp.freeHead.next != nil {
		t.Fatal("exactly one free block must remain")
	}
	if sp.freeHead.size() != sp.size()-spanHeaderSize {
		t.Fatalf("restored free block size = %#x, want %#x", sp.freeHead.size(), sp.size()-spanHeaderSize)
	}
}

func TestNoTwoAdjacentFreeBlocks(t *testing.T) {
	var a Allocator
	defer a.Close()

	var bufs [][]byte
	for i := 0; i < 8; i++ {
		b, err := a.Malloc(64)
		if err != nil {
			t.Fatal(err)
		}
		bufs = append(bufs, b)
	}

	for _, i := range []int{1, 3, 5} {
		if err := a.Free(bufs[i]); err != nil {
			t.Fatal(err)
		}
	}

	blk := blockOf(t, bufs[0]).owner.firstBlock()
	for blk != nil {
		if n := blk.nextAdjacent(); n != nil && !blk.used() && !n.used() {
			t.Fatalf("adjacent free blocks at %#x and %#x", blk.addr(), n.addr())
		}
		blk = blk.nextAdjacent()
	}
}

func TestPrevInUseInvariant(t *testing.T) {
	var a Allocator
	defer a.Close()

	var bufs [][]byte
	for i := 0; i < 6; i++ {
		b, err := a.Malloc(96)
		if err != nil {
			t.Fatal(err)
		}
		bufs = append(bufs, b)
	}
	if err := a.Free(bufs[2]); err != nil {
		t.Fatal(err)
	}

	sp := blockOf(t, bufs[0]).owner
	blk := sp.firstBlock()
	for {
		n := blk.nextAdjacent()
		if n == nil {
			break
		}
		if n.prevInUse() != blk.used() {
			t.Fatalf("PREV_IN_USE(%#x)=%v != IN_USE(%#x)=%v", n.addr(), n.prevInUse(), blk.addr(), blk.used())
		}
		blk = n
	}
}
