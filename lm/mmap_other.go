// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build !unix

package lm

import "os"

// OpenModelFile reads the named language-model file into memory and
// parses it; platforms without mmap support pay the copy.
func OpenModelFile(path string) (*Model, error) {
	region, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadModel(region)
}

func unmapRegion([]byte) error {
	return nil
}
