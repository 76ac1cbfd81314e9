// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command heapstat drives the allocator through a small synthetic workload
// and prints its span/block bookkeeping before and after a free pass.
package main

import (
	"fmt"
	"os"

	"github.com/cznic/mathutil"

	malloc "github.com/mdsn/baby-malloc"
)

func main() {
	var a malloc.Allocator
	defer a.Close()

	rng, err := mathutil.NewFC32(16, 1<<20, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	rng.Seed(1)

	const n = 4096
	buckets := map[uint]int{}
	bufs := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		size := rng.Next()
		b, err := a.Malloc(size)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		bufs = append(bufs, b)
		buckets[uint(mathutil.BitLen(size))]++
	}

	fmt.Println("after allocation:")
	printStats(a.Stats())
	printHistogram(buckets)

	for _, b := range bufs {
		if err := a.Free(b); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	fmt.Println("after freeing everything:")
	printStats(a.Stats())
}

func printStats(s malloc.Stats) {
	fmt.Printf("  spans=%d live_blocks=%d bytes_asked=%d allocs=%d\n",
		s.Spans, s.LiveBlocks, s.BytesAsked, s.Allocs)
}

func printHistogram(buckets map[uint]int) {
	for log := uint(0); log <= 64; log++ {
		if n, ok := buckets[log]; ok {
			fmt.Printf("  2^%-3d.. : %d\n", log, n)
		}
	}
}
