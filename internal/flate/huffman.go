// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package flate

import (
	"fmt"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
)

const (
	// MaxBitLength is the longest Huffman code DEFLATE permits.
	MaxBitLength = 15
	// MaxLitCodes is the size of the literal/length alphabet including
	// the two reserved symbols.
	MaxLitCodes = 288
	// MaxDistCodes is the size of the distance alphabet including the
	// two symbols only DEFLATE64 uses.
	MaxDistCodes = 32
	// EndOfData is the literal/length symbol terminating a packet.
	EndOfData = 256
)

// VariableBits is a Huffman code: a value of up to MaxBitLength bits in
// the RFC 1951 most-significant-bit-first convention.
type VariableBits struct {
	Value uint32
	Len   uint8
}

// A HuffmanTree is a canonical Huffman decoder built from a vector of
// per-symbol code lengths, length zero marking an absent symbol. Codes
// are assigned in (length ascending, symbol ascending) order.
type HuffmanTree struct {
	counts  [MaxBitLength + 1]uint32
	symbols [MaxLitCodes]int32
	lengths []uint8

	// lookup caches decode results for the next 8 bits of input, in
	// stream (LSB-first) order. The low 16 bits are the symbol, the
	// high 16 the code length; zero marks codes longer than 8 bits.
	lookup [256]uint32

	minLen, maxLen uint8
}

// NewHuffmanTree builds a canonical decoder over the supplied length
// vector. The vector must satisfy Kraft's inequality with equality; a
// degenerate tree with a single 1-bit code is permitted since deflate
// encoders emit them for the distance alphabet.
func NewHuffmanTree(lengths []uint8) (*HuffmanTree, error) {
	if len(lengths) > MaxLitCodes {
		return nil, fmt.Errorf("%w: %v symbols", ErrInvalidTree, len(lengths))
	}
	t := &HuffmanTree{lengths: append([]uint8(nil), lengths...)}
	assigned := 0
	for _, l := range lengths {
		if l > MaxBitLength {
			return nil, fmt.Errorf("%w: code length %v", ErrInvalidTree, l)
		}
		t.counts[l]++
		if l != 0 {
			assigned++
		}
	}
	if assigned == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTree)
	}

	remaining := uint32(1)
	for i := 1; i <= MaxBitLength; i++ {
		remaining *= 2
		if remaining < t.counts[i] {
			return nil, fmt.Errorf("%w: oversubscribed at length %v", ErrInvalidTree, i)
		}
		remaining -= t.counts[i]
		if t.counts[i] != 0 {
			if t.minLen == 0 {
				t.minLen = uint8(i)
			}
			t.maxLen = uint8(i)
		}
	}
	if remaining != 0 && !(assigned == 1 && t.counts[1] == 1) {
		return nil, fmt.Errorf("%w: incomplete", ErrInvalidTree)
	}

	var offsets [MaxBitLength + 1]uint32
	for i := 1; i < MaxBitLength; i++ {
		offsets[i+1] = offsets[i] + t.counts[i]
	}
	for symbol, length := range lengths {
		if length != 0 {
			t.symbols[offsets[length]] = int32(symbol)
			offsets[length]++
		}
	}
	t.buildLookup()
	return t, nil
}

// NextSymbol consumes the shortest code prefix at the cursor and
// returns the decoded symbol. The cursor is left after the code.
func (t *HuffmanTree) NextSymbol(cur *bitstream.Cursor, end bitstream.Cursor) (int32, error) {
	if cur.InBounds(end, 8) {
		if x := t.lookup[cur.GetBits(8)]; x != 0 {
			cur.Advance(int(x >> 16))
			return int32(x & 0xffff), nil
		}
	}
	return t.slowDecode(cur, end)
}

func (t *HuffmanTree) slowDecode(cur *bitstream.Cursor, end bitstream.Cursor) (int32, error) {
	code := uint32(0)     // bits consumed so far, MSB-first
	first := uint32(0)    // first canonical code of the current length
	symIndex := uint32(0) // symbols of shorter lengths passed over
	for i := 1; i <= MaxBitLength; i++ {
		if !cur.InBounds(end, 1) {
			return 0, ErrUnexpectedEOF
		}
		code |= cur.NextBits(1)
		count := t.counts[i]
		if code < count+first {
			return t.symbols[symIndex+code-first], nil
		}
		symIndex += count
		first += count
		first <<= 1
		code <<= 1
	}
	return 0, fmt.Errorf("%w: code exceeds %v bits", ErrInvalidSymbol, MaxBitLength)
}

func (t *HuffmanTree) buildLookup() {
	buf := []byte{0}
	for i := range t.lookup {
		buf[0] = byte(i)
		cur := bitstream.NewCursor(buf, 0)
		end := bitstream.NewCursor(buf, 8)
		if sym, err := t.slowDecode(&cur, end); err == nil {
			t.lookup[i] = uint32(cur.Offset())<<16 | uint32(sym)
		} else {
			t.lookup[i] = 0
		}
	}
}

// Code returns the canonical code assigned to symbol, and false if the
// symbol is absent from the tree.
func (t *HuffmanTree) Code(symbol int) (VariableBits, bool) {
	if symbol >= len(t.lengths) || t.lengths[symbol] == 0 {
		return VariableBits{}, false
	}
	want := t.lengths[symbol]
	code := uint32(0)
	for l := uint8(1); l <= MaxBitLength; l++ {
		for sym := 0; sym < len(t.lengths); sym++ {
			if t.lengths[sym] != l {
				continue
			}
			if sym == symbol {
				return VariableBits{Value: code, Len: want}, true
			}
			code++
		}
		code <<= 1
	}
	return VariableBits{}, false
}

// Lengths returns the per-symbol code length vector the tree was built
// from.
func (t *HuffmanTree) Lengths() []uint8 {
	return t.lengths
}

// MinCodeLength returns the shortest assigned code length.
func (t *HuffmanTree) MinCodeLength() int { return int(t.minLen) }

// MaxCodeLength returns the longest assigned code length.
func (t *HuffmanTree) MaxCodeLength() int { return int(t.maxLen) }
