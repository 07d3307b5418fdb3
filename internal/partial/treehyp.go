// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package partial reconstructs DEFLATE packets whose headers are
// missing or corrupted. Starting from a presumed end-of-data code and
// working backwards through the bit window, it searches jointly for
// literal/length and distance Huffman trees consistent with every
// symbol encountered, interning tree hypotheses so that the millions of
// search states share storage.
package partial

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cosnicolaou/zrecover/internal/flate"
)

const (
	maxBitLength = flate.MaxBitLength

	// Extra-bit class markers; non-negative values are literal extra-bit
	// counts from the DEFLATE schedules.
	ExtraUnknown = int8(-3) // forced fill whose class is not yet known
	ExtraLiteral = int8(-2)
	ExtraEOD     = int8(-1)
)

// A CodeHyp is one hypothesized Huffman code: its canonical value
// left-justified to maxBitLength bits, its length, and its class (a
// literal, the end-of-data code, or a length/distance code with a known
// extra-bit count).
type CodeHyp struct {
	Canon  uint16
	Length uint8
	Extra  int8
}

// Value returns the canonical code value right-justified to its length.
func (c CodeHyp) Value() uint16 {
	return c.Canon >> (maxBitLength - c.Length)
}

func (c CodeHyp) step() uint16 {
	return 1 << (maxBitLength - c.Length)
}

// classOrder ranks classes in their canonical same-length order:
// literals sort before the end-of-data code, which sorts before
// length/distance codes in extra-bit order. Unknown is compatible with
// any position.
func classOrder(extra int8) int {
	switch extra {
	case ExtraLiteral:
		return 0
	case ExtraEOD:
		return 1
	default:
		return 2 + int(extra)
	}
}

func classCompatible(prev, next int8) bool {
	if prev == ExtraUnknown || next == ExtraUnknown {
		return true
	}
	return classOrder(prev) <= classOrder(next)
}

// A TreeHypothesis is an immutable, interned partial canonical Huffman
// tree: the codes observed so far in sorted canonical order plus the
// cached bounds used to test feasibility of further insertions. Two
// hypotheses with equal code vectors are the same object.
type TreeHypothesis struct {
	codes     []CodeHyp
	litTree   bool // literal/length tree, else distance tree
	deflate64 bool

	// leftmost and rightmost cache the first and last canonical value
	// assigned at each length; allOnes marks an empty length.
	leftmost  [maxBitLength + 1]uint16
	rightmost [maxBitLength + 1]uint16
	assigned  [maxBitLength + 1]uint16

	litCount   uint16
	eodCount   uint8
	extraCount [17]uint8 // per extra-bit count, length or distance codes

	hash   uint64
	parent *TreeHypothesis
}

const allOnes = ^uint16(0)

// NewTreeHypothesis returns the empty hypothesis for a literal/length
// or distance tree.
func NewTreeHypothesis(litTree, deflate64 bool) *TreeHypothesis {
	t := &TreeHypothesis{litTree: litTree, deflate64: deflate64}
	for i := range t.leftmost {
		t.leftmost[i] = allOnes
		t.rightmost[i] = allOnes
	}
	t.rehash()
	return t
}

// SymbolCount returns the number of codes in the hypothesis.
func (t *TreeHypothesis) SymbolCount() int {
	return len(t.codes)
}

// Hash returns the structural hash used for interning.
func (t *TreeHypothesis) Hash() uint64 {
	return t.hash
}

// Parent returns the hypothesis this one was augmented from.
func (t *TreeHypothesis) Parent() *TreeHypothesis {
	return t.parent
}

// Codes returns the sorted code vector; callers must not modify it.
func (t *TreeHypothesis) Codes() []CodeHyp {
	return t.codes
}

func (t *TreeHypothesis) alphabetSize() int {
	if t.litTree {
		if t.deflate64 {
			return flate.MaxLitCodes
		}
		return 286
	}
	if t.deflate64 {
		return flate.MaxDistCodes
	}
	return 30
}

// extraCap bounds how many codes may carry a given extra-bit count,
// from the DEFLATE length and distance schedules.
func (t *TreeHypothesis) extraCap(extra int8) int {
	if extra < 0 {
		if extra == ExtraEOD {
			return 1
		}
		return 256 // literals
	}
	e := int(extra)
	if t.litTree {
		switch {
		case e == 0:
			return 9 // symbols 257..264 and 285
		case e <= 5:
			return 4
		case e == 16 && t.deflate64:
			return 1
		}
		return 0
	}
	switch {
	case e == 0:
		return 4
	case e <= 13:
		return 2
	case e == 14 && t.deflate64:
		return 2
	}
	return 0
}

// SameTree reports structural equality.
func (t *TreeHypothesis) SameTree(other *TreeHypothesis) bool {
	if t.hash != other.hash || len(t.codes) != len(other.codes) ||
		t.litTree != other.litTree || t.deflate64 != other.deflate64 {
		return false
	}
	for i := range t.codes {
		if t.codes[i] != other.codes[i] {
			return false
		}
	}
	return true
}

func (t *TreeHypothesis) rehash() {
	var d xxhash.Digest
	d.Reset()
	var rec [4]byte
	if t.litTree {
		rec[3] = 1
	}
	d.Write(rec[3:])
	for _, c := range t.codes {
		binary.LittleEndian.PutUint16(rec[:], c.Canon)
		rec[2] = c.Length
		rec[3] = uint8(c.Extra)
		d.Write(rec[:])
	}
	t.hash = d.Sum64()
}

// FindCode returns the index of the code with the given canonical value
// and length, or -1.
func (t *TreeHypothesis) FindCode(canon uint16, length uint8) int {
	i := sort.Search(len(t.codes), func(i int) bool { return t.codes[i].Canon >= canon })
	if i < len(t.codes) && t.codes[i].Canon == canon && t.codes[i].Length == length {
		return i
	}
	return -1
}

// kraftOK verifies Kraft's inequality over the assigned lengths.
func kraftOK(counts *[maxBitLength + 1]uint16) bool {
	remaining := uint32(1)
	for l := 1; l <= maxBitLength; l++ {
		remaining *= 2
		if uint32(counts[l]) > remaining {
			return false
		}
		remaining -= uint32(counts[l])
	}
	return true
}

// WithCode returns the hypothesis augmented with code, interning the
// result in dir, or nil when the insertion would violate the canonical
// tree invariants. A code already present with a compatible class
// returns a (possibly refined) shared hypothesis.
func (t *TreeHypothesis) WithCode(code CodeHyp, dir *TreeDirectory) *TreeHypothesis {
	if code.Length == 0 || code.Length > maxBitLength {
		return nil
	}
	i := sort.Search(len(t.codes), func(i int) bool { return t.codes[i].Canon >= code.Canon })

	// An existing code must agree exactly in length and be class
	// compatible.
	if i < len(t.codes) && t.codes[i].Canon == code.Canon {
		existing := t.codes[i]
		if existing.Length != code.Length {
			return nil
		}
		switch {
		case existing.Extra == code.Extra:
			return t
		case existing.Extra == ExtraUnknown:
			return t.refineClass(i, code.Extra, dir)
		default:
			return nil
		}
	}

	// Prefix-freedom against both neighbors.
	if i > 0 {
		prev := t.codes[i-1]
		if code.Canon < prev.Canon+prev.step() {
			return nil
		}
		if prev.Length > code.Length {
			return nil
		}
		if prev.Length == code.Length && !classCompatible(prev.Extra, code.Extra) {
			return nil
		}
	}
	if i < len(t.codes) {
		next := t.codes[i]
		if next.Canon < code.Canon+code.step() {
			return nil
		}
		if next.Length < code.Length {
			return nil
		}
		if next.Length == code.Length && !classCompatible(code.Extra, next.Extra) {
			return nil
		}
	}

	// Same-length codes are consecutive in a canonical tree, so any gap
	// to a same-length neighbor forces intermediate codes into
	// existence.
	var fill []CodeHyp
	if i > 0 && t.codes[i-1].Length == code.Length {
		for v := t.codes[i-1].Canon + code.step(); v < code.Canon; v += code.step() {
			fill = append(fill, CodeHyp{Canon: v, Length: code.Length, Extra: ExtraUnknown})
		}
	}
	var fillAfter []CodeHyp
	if i < len(t.codes) && t.codes[i].Length == code.Length {
		for v := code.Canon + code.step(); v < t.codes[i].Canon; v += code.step() {
			fillAfter = append(fillAfter, CodeHyp{Canon: v, Length: code.Length, Extra: ExtraUnknown})
		}
	}

	added := 1 + len(fill) + len(fillAfter)
	if len(t.codes)+added > t.alphabetSize() {
		return nil
	}

	counts := t.assigned
	counts[code.Length] += uint16(added)
	if !kraftOK(&counts) {
		return nil
	}

	// Class caps. Forced fills are unknown and count against no cap
	// until refined.
	switch code.Extra {
	case ExtraLiteral:
		if !t.litTree || int(t.litCount)+1 > 256 {
			return nil
		}
	case ExtraEOD:
		if !t.litTree || t.eodCount != 0 {
			return nil
		}
	default:
		if int(t.extraCount[code.Extra])+1 > t.extraCap(code.Extra) {
			return nil
		}
	}

	nt := &TreeHypothesis{litTree: t.litTree, deflate64: t.deflate64, parent: t}
	nt.codes = make([]CodeHyp, 0, len(t.codes)+added)
	nt.codes = append(nt.codes, t.codes[:i]...)
	nt.codes = append(nt.codes, fill...)
	nt.codes = append(nt.codes, code)
	nt.codes = append(nt.codes, fillAfter...)
	nt.codes = append(nt.codes, t.codes[i:]...)
	nt.recompute()
	return dir.Intern(nt)
}

// refineClass produces a hypothesis in which a forced-fill code has its
// class resolved.
func (t *TreeHypothesis) refineClass(i int, extra int8, dir *TreeDirectory) *TreeHypothesis {
	if i > 0 {
		prev := t.codes[i-1]
		if prev.Length == t.codes[i].Length && !classCompatible(prev.Extra, extra) {
			return nil
		}
	}
	if i+1 < len(t.codes) {
		next := t.codes[i+1]
		if next.Length == t.codes[i].Length && !classCompatible(extra, next.Extra) {
			return nil
		}
	}
	switch extra {
	case ExtraLiteral:
		if !t.litTree || int(t.litCount)+1 > 256 {
			return nil
		}
	case ExtraEOD:
		if !t.litTree || t.eodCount != 0 {
			return nil
		}
	default:
		if int(t.extraCount[extra])+1 > t.extraCap(extra) {
			return nil
		}
	}
	nt := &TreeHypothesis{litTree: t.litTree, deflate64: t.deflate64, parent: t}
	nt.codes = append([]CodeHyp(nil), t.codes...)
	nt.codes[i].Extra = extra
	nt.recompute()
	return dir.Intern(nt)
}

func (t *TreeHypothesis) recompute() {
	for i := range t.leftmost {
		t.leftmost[i] = allOnes
		t.rightmost[i] = allOnes
		t.assigned[i] = 0
	}
	t.litCount, t.eodCount = 0, 0
	for i := range t.extraCount {
		t.extraCount[i] = 0
	}
	for _, c := range t.codes {
		if t.leftmost[c.Length] == allOnes {
			t.leftmost[c.Length] = c.Canon
		}
		t.rightmost[c.Length] = c.Canon
		t.assigned[c.Length]++
		switch c.Extra {
		case ExtraLiteral:
			t.litCount++
		case ExtraEOD:
			t.eodCount++
		case ExtraUnknown:
		default:
			t.extraCount[c.Extra]++
		}
	}
	t.rehash()
}

// EODCode returns the end-of-data code if the hypothesis has one.
func (t *TreeHypothesis) EODCode() (CodeHyp, bool) {
	for _, c := range t.codes {
		if c.Extra == ExtraEOD {
			return c, true
		}
	}
	return CodeHyp{}, false
}

// Lookup matches an exact code and returns its index, or -1.
func (t *TreeHypothesis) Lookup(value uint16, length uint8) int {
	return t.FindCode(value<<(maxBitLength-length), length)
}

// ClassRank returns how many codes before index i share its class;
// decoding maps the k-th code of an extra-bit class to the k-th symbol
// of that class.
func (t *TreeHypothesis) ClassRank(i int) int {
	rank := 0
	for j := 0; j < i; j++ {
		if t.codes[j].Extra == t.codes[i].Extra {
			rank++
		}
	}
	return rank
}

// A TreeDirectory interns tree hypotheses by structural hash so that
// identical augmentations share a single node.
type TreeDirectory struct {
	entries map[uint64][]*TreeHypothesis
}

// NewTreeDirectory returns an empty directory.
func NewTreeDirectory() *TreeDirectory {
	return &TreeDirectory{entries: map[uint64][]*TreeHypothesis{}}
}

// Intern returns the shared instance of t, registering it if novel.
func (d *TreeDirectory) Intern(t *TreeHypothesis) *TreeHypothesis {
	for _, e := range d.entries[t.hash] {
		if e.SameTree(t) {
			return e
		}
	}
	d.entries[t.hash] = append(d.entries[t.hash], t)
	return t
}

// Len returns the number of interned hypotheses.
func (d *TreeDirectory) Len() int {
	n := 0
	for _, e := range d.entries {
		n += len(e)
	}
	return n
}
