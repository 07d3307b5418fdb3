// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package flate implements the DEFLATE packet layer used for stream
// recovery: canonical Huffman decoding, literal/length and distance
// symbol tables and whole-packet validation at arbitrary bit offsets.
// It deliberately decodes from a caller supplied byte window rather
// than an io.Reader so that the same bits can be revisited during
// scanning.
package flate

import "errors"

var (
	// ErrInvalidHeader indicates packet-type bits naming the reserved
	// type or a dynamic header violating its count constraints.
	ErrInvalidHeader = errors.New("flate: invalid packet header")
	// ErrInvalidTree indicates a bit-length vector that cannot form a
	// canonical Huffman tree.
	ErrInvalidTree = errors.New("flate: invalid Huffman tree")
	// ErrInvalidSymbol indicates a length or distance decoding out of
	// range.
	ErrInvalidSymbol = errors.New("flate: invalid symbol")
	// ErrUnexpectedEOF indicates the bit window was exhausted before the
	// end-of-data symbol.
	ErrUnexpectedEOF = errors.New("flate: unexpected end of stream")
)
