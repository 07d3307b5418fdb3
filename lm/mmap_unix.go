// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build unix

package lm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenModelFile maps the named language-model file read-only and parses
// it. The mapping is released by Model.Close.
func OpenModelFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("lm: %v: empty model file", path)
	}
	region, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("lm: mmap %v: %v", path, err)
	}
	m, err := LoadModel(region)
	if err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("lm: %v: %w", path, err)
	}
	m.region = region
	return m, nil
}

func unmapRegion(region []byte) error {
	return unix.Munmap(region)
}
