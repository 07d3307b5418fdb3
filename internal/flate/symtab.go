// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package flate

import (
	"fmt"
	"sync"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
)

// codeOrder is the permutation in which the bit-length code lengths are
// transmitted, RFC 1951 section 3.2.7.
var codeOrder = [19]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

// Length and distance base/extra-bit schedules, RFC 1951 section 3.2.5.
// The length tables are indexed by symbol-257; symbol 285 is rewritten
// for DEFLATE64 (base 3, 16 extra bits) by the accessors below.
var (
	lengthBases = [29]int{
		3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31,
		35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258,
	}
	lengthExtras = [29]uint{
		0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2,
		3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
	}
	distanceBases = [32]int{
		1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193,
		257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577,
		32769, 49153,
	}
	distanceExtras = [32]uint{
		0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6,
		7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
		14, 14,
	}
)

const (
	// MinMatchLength and MaxMatchLength bound back-reference lengths;
	// DEFLATE64 extends the maximum via the 16 extra bits of symbol 285.
	MinMatchLength   = 3
	MaxMatchLength   = 258
	MaxMatchLength64 = 3 + 65535

	// WindowSize is the back-reference window.
	WindowSize   = 32 * 1024
	WindowSize64 = 64 * 1024
)

// LengthExtraBits returns the number of extra bits carried by a
// literal/length symbol >= 257.
func LengthExtraBits(symbol int, deflate64 bool) uint {
	if symbol == 285 && deflate64 {
		return 16
	}
	return lengthExtras[symbol-257]
}

// LengthBase returns the base match length of a literal/length symbol
// >= 257.
func LengthBase(symbol int, deflate64 bool) int {
	if symbol == 285 && deflate64 {
		return 3
	}
	return lengthBases[symbol-257]
}

// DistanceExtraBits returns the number of extra bits carried by a
// distance symbol.
func DistanceExtraBits(symbol int) uint {
	return distanceExtras[symbol]
}

// DistanceBase returns the base distance of a distance symbol.
func DistanceBase(symbol int) int {
	return distanceBases[symbol]
}

// A SymbolTable pairs the literal/length and distance trees of one
// packet together with the end-of-data code and the extra-bit decoders.
type SymbolTable struct {
	Lit       *HuffmanTree
	Dist      *HuffmanTree
	EOD       VariableBits
	Deflate64 bool
}

// ParseDynamic reads a dynamic-Huffman packet header at the cursor and
// builds its symbol table. The cursor is left at the first symbol of
// the packet body.
func ParseDynamic(cur *bitstream.Cursor, end bitstream.Cursor, deflate64 bool) (*SymbolTable, error) {
	if !cur.InBounds(end, 5+5+4) {
		return nil, ErrUnexpectedEOF
	}
	numLit := 257 + int(cur.NextBits(5))
	numDist := 1 + int(cur.NextBits(5))
	numLen := 4 + int(cur.NextBits(4))

	maxLit, maxDist := 286, 30
	if deflate64 {
		maxLit, maxDist = MaxLitCodes, MaxDistCodes
	}
	if numLit > maxLit || numDist > maxDist {
		return nil, fmt.Errorf("%w: %v literal, %v distance codes", ErrInvalidHeader, numLit, numDist)
	}

	var lenLengths [19]uint8
	for i := 0; i < numLen; i++ {
		if !cur.InBounds(end, 3) {
			return nil, ErrUnexpectedEOF
		}
		lenLengths[codeOrder[i]] = uint8(cur.NextBits(3))
	}
	lenTree, err := NewHuffmanTree(lenLengths[:])
	if err != nil {
		return nil, err
	}

	lengths := make([]uint8, numLit+numDist)
	for i := 0; i < len(lengths); {
		sym, err := lenTree.NextSymbol(cur, end)
		if err != nil {
			return nil, err
		}
		var repeat, value int
		switch {
		case sym < 16:
			lengths[i] = uint8(sym)
			i++
			continue
		case sym == 16:
			if i == 0 {
				return nil, fmt.Errorf("%w: repeat with no previous length", ErrInvalidHeader)
			}
			value = int(lengths[i-1])
			if !cur.InBounds(end, 2) {
				return nil, ErrUnexpectedEOF
			}
			repeat = 3 + int(cur.NextBits(2))
		case sym == 17:
			if !cur.InBounds(end, 3) {
				return nil, ErrUnexpectedEOF
			}
			repeat = 3 + int(cur.NextBits(3))
		default: // 18
			if !cur.InBounds(end, 7) {
				return nil, ErrUnexpectedEOF
			}
			repeat = 11 + int(cur.NextBits(7))
		}
		if i+repeat > len(lengths) {
			return nil, fmt.Errorf("%w: run-length overruns code vector", ErrInvalidHeader)
		}
		for ; repeat > 0; repeat-- {
			lengths[i] = uint8(value)
			i++
		}
	}
	return buildTable(lengths[:numLit], lengths[numLit:], deflate64)
}

// The fixed tables are immutable once built and shared by every
// caller; scanning consults them for millions of candidate offsets.
var (
	fixedOnce   [2]sync.Once
	fixedTables [2]*SymbolTable
)

// FixedSymbolTable returns the RFC 1951 section 3.2.6 default tables.
func FixedSymbolTable(deflate64 bool) *SymbolTable {
	idx := 0
	if deflate64 {
		idx = 1
	}
	fixedOnce[idx].Do(func() {
		fixedTables[idx] = buildFixedTable(deflate64)
	})
	return fixedTables[idx]
}

func buildFixedTable(deflate64 bool) *SymbolTable {
	lit := make([]uint8, 288)
	for i := range lit {
		switch {
		case i < 144:
			lit[i] = 8
		case i < 256:
			lit[i] = 9
		case i < 280:
			lit[i] = 7
		default:
			lit[i] = 8
		}
	}
	// All 32 distance codes participate in the fixed tree; 30 and 31
	// never appear in a plain DEFLATE stream but complete the code
	// space.
	dist := make([]uint8, 32)
	for i := range dist {
		dist[i] = 5
	}
	st, err := buildTable(lit, dist, deflate64)
	if err != nil {
		panic(err) // the fixed tables are complete by construction
	}
	return st
}

func buildTable(lit, dist []uint8, deflate64 bool) (*SymbolTable, error) {
	litTree, err := NewHuffmanTree(lit)
	if err != nil {
		return nil, err
	}
	eod, ok := litTree.Code(EndOfData)
	if !ok {
		return nil, fmt.Errorf("%w: no end-of-data code", ErrInvalidTree)
	}
	st := &SymbolTable{Lit: litTree, EOD: eod, Deflate64: deflate64}

	distAssigned := 0
	for _, l := range dist {
		if l != 0 {
			distAssigned++
		}
	}
	if distAssigned == 0 {
		// A literal-only packet; any distance symbol in the body is an
		// error, which a nil tree reports naturally.
		return st, nil
	}
	st.Dist, err = NewHuffmanTree(dist)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// NextSymbol decodes the next literal/length symbol of the packet body.
func (st *SymbolTable) NextSymbol(cur *bitstream.Cursor, end bitstream.Cursor) (int32, error) {
	return st.Lit.NextSymbol(cur, end)
}

// GetLength decodes the match length for a literal/length symbol
// >= 257, consuming its extra bits.
func (st *SymbolTable) GetLength(symbol int, cur *bitstream.Cursor, end bitstream.Cursor) (int, error) {
	if symbol < 257 || symbol > 285 && !st.Deflate64 || symbol > 287 {
		return 0, fmt.Errorf("%w: length symbol %v", ErrInvalidSymbol, symbol)
	}
	if symbol > 285 {
		// 286 and 287 never appear in a valid stream.
		return 0, fmt.Errorf("%w: reserved length symbol %v", ErrInvalidSymbol, symbol)
	}
	extra := LengthExtraBits(symbol, st.Deflate64)
	if !cur.InBounds(end, int(extra)) {
		return 0, ErrUnexpectedEOF
	}
	length := LengthBase(symbol, st.Deflate64)
	if extra > 0 {
		length += int(cur.NextBits(int(extra)))
	}
	return length, nil
}

// GetDistance decodes a distance code and its extra bits.
func (st *SymbolTable) GetDistance(cur *bitstream.Cursor, end bitstream.Cursor) (int, error) {
	if st.Dist == nil {
		return 0, fmt.Errorf("%w: back-reference with no distance tree", ErrInvalidSymbol)
	}
	sym, err := st.Dist.NextSymbol(cur, end)
	if err != nil {
		return 0, err
	}
	if int(sym) >= 30 && !st.Deflate64 || int(sym) >= 32 {
		return 0, fmt.Errorf("%w: distance symbol %v", ErrInvalidSymbol, sym)
	}
	extra := DistanceExtraBits(int(sym))
	if !cur.InBounds(end, int(extra)) {
		return 0, ErrUnexpectedEOF
	}
	distance := DistanceBase(int(sym))
	if extra > 0 {
		distance += int(cur.NextBits(int(extra)))
	}
	return distance, nil
}

// MaxDistance returns the reference window size for the table's
// dialect.
func (st *SymbolTable) MaxDistance() int {
	if st.Deflate64 {
		return WindowSize64
	}
	return WindowSize
}

// MaxLength returns the longest legal match for the table's dialect.
func (st *SymbolTable) MaxLength() int {
	if st.Deflate64 {
		return MaxMatchLength64
	}
	return MaxMatchLength
}
