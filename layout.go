// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

// Package-wide layout constants. Every block address handed to a caller, or
// walked internally, is a multiple of mallocAlign.
const (
	mallocAlign = 16 // Must be >= 16.

	minMapSize   = 1 << 16 // Minimum page-provider request, a power of two.
	minBlockSize = 64      // Minimum gross block size.

	spanHeaderSize  = 32 // Padded size of a span header.
	blockHeaderSize = 48 // Padded size of a block header.

	flagInUse     uint64 = 1 << 0
	flagPrevInUse uint64 = 1 << 1
	flagMask             = flagInUse | flagPrevInUse
)

// magic tags catch use-after-free and foreign-pointer bugs early; they are
// not a security boundary, just a debug aid.
const (
	magicFree = uint64(0xF4EEF4EEF4EEF4EE)
	magicUsed = uint64(0x5BE45BE45BE45BE4)
)

// roundUp returns the smallest multiple of m (a power of two) that is >= n.
func roundUp(n, m int) int { return (n + m - 1) &^ (m - 1) }

// grossSize computes the header-included, 16-byte-aligned block size needed
// to serve a user request of n bytes. Never smaller than minBlockSize.
func grossSize(n int) int {
	g := blockHeaderSize + roundUp(n, mallocAlign)
	if g < minBlockSize {
		g = minBlockSize
	}
	return g
}

func assertAligned(addr uintptr) {
	if addr&(mallocAlign-1) != 0 {
		panic("malloc: misaligned address")
	}
}
