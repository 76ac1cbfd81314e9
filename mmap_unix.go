// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

// Modifications (c) 2017 The Memory Authors.

package malloc

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func osPageSize() int { return os.Getpagesize() }

func mapPages(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}

	if uintptr(unsafe.Pointer(&b[0]))&uintptr(osPageSize()-1) != 0 {
		panic("malloc: mmap returned a non-page-aligned address")
	}

	return b, nil
}

func unmapPages(addr unsafe.Pointer, size int) error {
	b := unsafe.Slice((*byte)(addr), size)
	if err := unix.Munmap(b); err != nil {
		return os.NewSyscallError("munmap", err)
	}
	return nil
}
