// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

import (
	"fmt"
	"os"
	"reflect"
	"unsafe"
)

// poisonByte overwrites a freed block's payload for debug visibility; it is
// not a security measure.
const poisonByte = 0xAE

// blkAlloc carves gross bytes out of free block b and returns the resulting
// in-use block. If the remainder after a split would fall below
// minBlockSize, the whole block is handed out instead.
func blkAlloc(gross int, b *blockHeader) *blockHeader {
	var used *blockHeader
	if b.size()-gross < minBlockSize {
		b.owner.sever(b)
		b.setUsed(true)
		used = b
	} else {
		used = split(b, gross)
	}

	used.magic = magicUsed
	used.prev = nil
	used.next = nil
	used.owner.incBlk()
	if n := used.nextAdjacent(); n != nil {
		n.setPrevInUse(true)
	}
	return used
}

// blkFree reinitializes an in-use block as free and prepends it to its
// owner's free list. The caller decides whether to coalesce or retire the
// span afterward.
func blkFree(b *blockHeader) {
	sp := b.owner
	sp.decBlk()
	b.setUsed(false)
	b.writeFooter()
	b.magic = magicFree
	sp.prepend(b)
	if n := b.nextAdjacent(); n != nil {
		n.setPrevInUse(false)
	}
}

// assertOwned panics if blk does not lie within any span currently tracked
// by a: a payload whose derived block header falls outside every live span
// was not issued by this allocator.
func (a *Allocator) assertOwned(blk *blockHeader) {
	addr := blk.addr()
	for sp := a.head; sp != nil; sp = sp.next {
		if addr >= sp.addr()+spanHeaderSize && addr < sp.end() {
			return
		}
	}
	panic("malloc: foreign pointer")
}

func poison(b *blockHeader) {
	start := b.addr() + blockHeaderSize
	end := b.footerAddr()
	mem := unsafe.Slice((*byte)(unsafe.Pointer(start)), int(end-start))
	for i := range mem {
		mem[i] = poisonByte
	}
}

// malloc is the internal engine shared by Malloc and UnsafeMalloc: find an
// existing block or grow a new span, then carve it.
func (a *Allocator) malloc(n int) (unsafe.Pointer, error) {
	gross := grossSize(n)
	b := a.find(gross)
	if b == nil {
		sp, err := a.spanAlloc(gross)
		if err != nil {
			return nil, err
		}
		b = sp.firstBlock()
	}

	a.allocs++
	used := blkAlloc(gross, b)
	return used.payload(), nil
}

// free is the internal engine shared by Free and UnsafeFree.
func (a *Allocator) free(p unsafe.Pointer) error {
	blk := blockFromPayload(p)
	a.assertOwned(blk)
	if !blk.used() || blk.magic != magicUsed {
		panic("malloc: double free or corrupted block")
	}

	a.allocs--
	sp := blk.owner
	blkFree(blk)

	if sp.blkCount() == 0 && a.spans > retainedIdleSpans {
		return a.spanFree(sp)
	}

	merged := coalesce(blk)
	poison(merged)
	return nil
}

// resize is the internal engine shared by Realloc and UnsafeRealloc. p must
// be a currently in-use payload.
func (a *Allocator) resize(p unsafe.Pointer, n int) (unsafe.Pointer, error) {
	blk := blockFromPayload(p)
	a.assertOwned(blk)
	if !blk.used() || blk.magic != magicUsed {
		panic("malloc: realloc of freed or corrupted block")
	}

	gross := grossSize(n)
	cur := blk.size()

	if gross == cur {
		return p, nil
	}
	if n == 0 || gross < cur {
		return a.truncate(blk, gross), nil
	}
	return a.extend(blk, gross, cur, n)
}

// truncate implements the resize-shrink path: shrink b in place and turn
// the remainder into a new free block, coalescing it with whatever free
// neighbor follows.
func (a *Allocator) truncate(b *blockHeader, gross int) unsafe.Pointer {
	cur := b.size()
	remainder := cur - gross
	if remainder < minBlockSize || gross < minBlockSize {
		return b.payload()
	}

	sp := b.owner
	b.setSize(gross)

	free := blockAt(b.addr() + uintptr(gross))
	free.owner = sp
	free.setSize(remainder)
	free.setUsed(false)
	free.setPrevInUse(true) // b, the truncated block, is still in use.
	free.magic = magicFree
	free.writeFooter()
	sp.prepend(free)

	if n := free.nextAdjacent(); n != nil {
		n.setPrevInUse(false)
	}
	coalesce(free)
	return b.payload()
}

// extend implements the resize-grow path: absorb a following free neighbor
// in place when it is big enough, otherwise allocate fresh and move.
func (a *Allocator) extend(b *blockHeader, gross, cur, n int) (unsafe.Pointer, error) {
	sp := b.owner
	next := b.nextAdjacent()
	deficit := gross - cur

	if next != nil && !next.used() && next.size() >= deficit {
		leftover := cur + next.size() - gross
		sp.sever(next)

		if leftover < minBlockSize {
			b.setSize(cur + next.size())
			if after := b.nextAdjacent(); after != nil {
				after.setPrevInUse(true)
			}
			return b.payload(), nil
		}

		b.setSize(gross)
		free := blockAt(b.addr() + uintptr(gross))
		free.owner = sp
		free.setSize(leftover)
		free.setUsed(false)
		free.setPrevInUse(true)
		free.magic = magicFree
		free.writeFooter()
		sp.prepend(free)
		return b.payload(), nil
	}

	np, err := a.malloc(n)
	if err != nil {
		return nil, err
	}

	old := unsafe.Slice((*byte)(b.payload()), cur-blockHeaderSize)
	copy(unsafe.Slice((*byte)(np), cur-blockHeaderSize), old)

	if err := a.free(b.payload()); err != nil {
		return nil, err
	}
	return np, nil
}

// Malloc allocates n bytes and returns a byte slice over the allocated
// memory. The memory is not initialized. Malloc panics for n < 0 and
// returns (nil, nil) for zero size.
//
// It's ok to reslice the returned slice but the result of appending to it
// cannot be passed to Free or Realloc, as it may refer to a different
// backing array afterwards.
func (a *Allocator) Malloc(n int) (r []byte, err error) {
	if trace {
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p, %v\n", n, p, err)
		}()
	}
	if n < 0 {
		panic("malloc: invalid size")
	}
	if n == 0 {
		return nil, nil
	}

	p, err := a.malloc(n)
	if err != nil {
		return nil, err
	}

	return sliceOf(p, n, blockFromPayload(p).size()-blockHeaderSize), nil
}

// Calloc is like Malloc(count*size) except the allocated memory is zeroed.
// It returns (nil, nil), without error, if count*size overflows.
func (a *Allocator) Calloc(count, size int) (r []byte, err error) {
	if trace {
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Calloc(%#x, %#x) %p, %v\n", count, size, p, err)
		}()
	}
	if count < 0 || size < 0 {
		panic("malloc: invalid size")
	}
	if count == 0 || size == 0 {
		return nil, nil
	}

	bytes := count * size
	if bytes/size != count {
		return nil, nil
	}

	b, err := a.Malloc(bytes)
	if err != nil || b == nil {
		return nil, err
	}

	// Zero the full usable payload, not just the requested bytes: the
	// rounding slack is still reachable via UsableSize and must not leak
	// poison or a prior occupant's data.
	full := b[:cap(b)]
	for i := range full {
		full[i] = 0
	}
	return b, nil
}

// Free deallocates memory (as in C.free). The argument of Free must have
// been acquired from Calloc, Malloc or Realloc, or be nil/empty.
func (a *Allocator) Free(b []byte) (err error) {
	if trace {
		var p *byte
		if len(b) != 0 {
			p = &b[0]
		}
		defer func() { fmt.Fprintf(os.Stderr, "Free(%#x) %v\n", p, err) }()
	}
	b = b[:cap(b)]
	if len(b) == 0 {
		return nil
	}
	return a.free(unsafe.Pointer(&b[0]))
}

// Realloc changes the size of the backing array of b to n bytes, following
// the truncate/absorb/move decision documented on resize. A zero n
// truncates in place down to the minimum block size rather than freeing —
// b remains valid. If the area pointed to was moved, a Free(b) is done; on
// failure the original allocation (if any) is left untouched.
func (a *Allocator) Realloc(b []byte, n int) (r []byte, err error) {
	if trace {
		var p0 *byte
		if len(b) != 0 {
			p0 = &b[0]
		}
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Realloc(%p, %#x) %p, %v\n", p0, n, p, err)
		}()
	}
	if cap(b) == 0 {
		return a.Malloc(n)
	}

	p, err := a.resize(unsafe.Pointer(&b[:cap(b)][0]), n)
	if err != nil {
		return nil, err
	}

	return sliceOf(p, n, blockFromPayload(p).size()-blockHeaderSize), nil
}

// UnsafeMalloc is like Malloc except it returns an unsafe.Pointer.
func (a *Allocator) UnsafeMalloc(n int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() { fmt.Fprintf(os.Stderr, "Malloc(%#x) %p, %v\n", n, r, err) }()
	}
	if n < 0 {
		panic("malloc: invalid size")
	}
	if n == 0 {
		return nil, nil
	}
	return a.malloc(n)
}

// UnsafeCalloc is like Calloc except it returns an unsafe.Pointer.
func (a *Allocator) UnsafeCalloc(count, size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() { fmt.Fprintf(os.Stderr, "Calloc(%#x, %#x) %p, %v\n", count, size, r, err) }()
	}
	if count < 0 || size < 0 {
		panic("malloc: invalid size")
	}
	if count == 0 || size == 0 {
		return nil, nil
	}

	bytes := count * size
	if bytes/size != count {
		return nil, nil
	}

	p, err := a.UnsafeMalloc(bytes)
	if p == nil || err != nil {
		return nil, err
	}

	// Zero the full usable payload, not just the requested bytes: the
	// rounding slack is still reachable via UnsafeUsableSize.
	mem := unsafe.Slice((*byte)(p), UnsafeUsableSize(p))
	for i := range mem {
		mem[i] = 0
	}
	return p, nil
}

// UnsafeFree is like Free except its argument is an unsafe.Pointer, which
// must have been acquired from UnsafeCalloc, UnsafeMalloc or
// UnsafeRealloc.
func (a *Allocator) UnsafeFree(p unsafe.Pointer) (err error) {
	if trace {
		defer func() { fmt.Fprintf(os.Stderr, "Free(%#x) %v\n", p, err) }()
	}
	if p == nil {
		return nil
	}
	return a.free(p)
}

// UnsafeRealloc is like Realloc except its first argument and result are
// unsafe.Pointer.
func (a *Allocator) UnsafeRealloc(p unsafe.Pointer, n int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() { fmt.Fprintf(os.Stderr, "UnsafeRealloc(%p, %#x) %p, %v\n", p, n, r, err) }()
	}
	if p == nil {
		return a.UnsafeMalloc(n)
	}
	return a.resize(p, n)
}

// UnsafeUsableSize is like UsableSize except its argument is an
// unsafe.Pointer, which must have been returned from UnsafeCalloc,
// UnsafeMalloc or UnsafeRealloc.
func UnsafeUsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	return blockFromPayload(p).size() - blockHeaderSize
}

// UsableSize reports the size of the memory block allocated at p, which
// must point to the first byte of a slice returned from Calloc, Malloc or
// Realloc. It can be larger than the size originally requested, due to
// rounding.
func UsableSize(p *byte) int { return UnsafeUsableSize(unsafe.Pointer(p)) }

func sliceOf(p unsafe.Pointer, length, capacity int) []byte {
	var b []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	sh.Data = uintptr(p)
	sh.Len = length
	sh.Cap = capacity
	return b
}
