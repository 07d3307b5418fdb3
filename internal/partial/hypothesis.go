// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package partial

import (
	"fmt"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
)

const (
	// Bit-length floors for hypothesized codes. Literal codes shorter
	// than 3 bits would claim more than an eighth of the code space
	// each; distance codes shorter than 2 a quarter.
	minLitBits  = 3
	minDistBits = 2

	// Floors a finished hypothesis must clear: a literal tree whose
	// longest code is under 6 bits encodes at most 32 symbols, and a
	// distance tree under 3 bits cannot express the distance variety
	// real encoders emit.
	neededLitBits  = 6
	neededDistBits = 3

	// maxLiteralRepeats rejects extensions repeating one literal code
	// more than four times in a row; any sane encoder emits a
	// back-reference instead.
	maxLiteralRepeats = 4
)

// A Hypothesis is one search state: the pair of tree hypotheses, the
// position reached working backwards, and the bookkeeping needed to
// shape the next extension. Two hypotheses are equal iff their bit
// counts and both interned trees are identical.
type Hypothesis struct {
	lit  *TreeHypothesis
	dist *TreeHypothesis

	// pos is the earliest bit explained; the suffix [pos, end) decodes
	// cleanly under the trees.
	pos      bitstream.Cursor
	bitCount uint32

	// lastLit limits literal repeats; inBackref records that a distance
	// code has been consumed going backwards, so the matching length
	// code must come next.
	lastLitCanon  uint16
	lastLitLen    uint8
	lastLitRepeat uint8
	inBackref     bool
}

func (h *Hypothesis) String() string {
	return fmt.Sprintf("@%v: %v bits, %v lit codes, %v dist codes",
		h.pos.Offset(), h.bitCount, h.lit.SymbolCount(), h.dist.SymbolCount())
}

// BitCount returns the number of bits the hypothesis explains.
func (h *Hypothesis) BitCount() int {
	return int(h.bitCount)
}

// Start returns the earliest explained bit.
func (h *Hypothesis) Start() bitstream.Cursor {
	return h.pos
}

// Trees returns the literal/length and distance tree hypotheses.
func (h *Hypothesis) Trees() (lit, dist *TreeHypothesis) {
	return h.lit, h.dist
}

// hypKey identifies a hypothesis for deduplication. Tree hypotheses are
// interned, so pointer identity is structural identity.
type hypKey struct {
	lit      *TreeHypothesis
	dist     *TreeHypothesis
	bitCount uint32
}

func (h *Hypothesis) key() hypKey {
	return hypKey{lit: h.lit, dist: h.dist, bitCount: h.bitCount}
}
