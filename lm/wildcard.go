// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package lm provides the language models used to reconstruct bytes
// that DEFLATE recovery could not decode: packed n-gram tries, the
// bidirectional scoring model, wildcard constraint sets and the word
// unigram list. Models are immutable after load and safe for
// concurrent readers.
package lm

import "math/bits"

// A WildcardSet is the set of byte values an unresolved output
// position may still take.
type WildcardSet struct {
	words [4]uint64
	count int
}

// FullWildcardSet returns a set containing all 256 byte values.
func FullWildcardSet() WildcardSet {
	var w WildcardSet
	for i := range w.words {
		w.words[i] = ^uint64(0)
	}
	w.count = 256
	return w
}

// Contains reports whether b remains a candidate.
func (w *WildcardSet) Contains(b byte) bool {
	return w.words[b>>6]&(1<<uint(b&63)) != 0
}

// Add inserts b into the set.
func (w *WildcardSet) Add(b byte) {
	if !w.Contains(b) {
		w.words[b>>6] |= 1 << uint(b&63)
		w.count++
	}
}

// Remove discards b from the set.
func (w *WildcardSet) Remove(b byte) {
	if w.Contains(b) {
		w.words[b>>6] &^= 1 << uint(b&63)
		w.count--
	}
}

// RemoveRange discards every value in [lo, hi] from the set.
func (w *WildcardSet) RemoveRange(lo, hi byte) {
	for b := int(lo); b <= int(hi); b++ {
		w.Remove(byte(b))
	}
}

// KeepRange discards every value outside [lo, hi].
func (w *WildcardSet) KeepRange(lo, hi byte) {
	for b := 0; b < 256; b++ {
		if b < int(lo) || b > int(hi) {
			w.Remove(byte(b))
		}
	}
}

// Intersect removes every value not present in other.
func (w *WildcardSet) Intersect(other *WildcardSet) {
	for i := range w.words {
		w.words[i] &= other.words[i]
	}
	w.recount()
}

// Size returns the cached population count.
func (w *WildcardSet) Size() int {
	return w.count
}

// Empty reports whether no candidates remain.
func (w *WildcardSet) Empty() bool {
	return w.count == 0
}

// Only returns the sole member of a singleton set.
func (w *WildcardSet) Only() (byte, bool) {
	if w.count != 1 {
		return 0, false
	}
	for i, word := range w.words {
		if word != 0 {
			return byte(i<<6 + bits.TrailingZeros64(word)), true
		}
	}
	return 0, false
}

// Members appends the set's values to dst and returns it.
func (w *WildcardSet) Members(dst []byte) []byte {
	for i, word := range w.words {
		for word != 0 {
			b := byte(i<<6 + bits.TrailingZeros64(word))
			dst = append(dst, b)
			word &= word - 1
		}
	}
	return dst
}

// Reset restores the full set.
func (w *WildcardSet) Reset() {
	*w = FullWildcardSet()
}

func (w *WildcardSet) recount() {
	n := 0
	for _, word := range w.words {
		n += bits.OnesCount64(word)
	}
	w.count = n
}

// A WildcardCollection maps unresolved-position indices to their
// candidate sets.
type WildcardCollection struct {
	sets map[int]*WildcardSet
}

// NewWildcardCollection returns an empty collection.
func NewWildcardCollection() *WildcardCollection {
	return &WildcardCollection{sets: map[int]*WildcardSet{}}
}

// Get returns the set for position index, creating a full set on first
// use.
func (wc *WildcardCollection) Get(index int) *WildcardSet {
	if s, ok := wc.sets[index]; ok {
		return s
	}
	s := &WildcardSet{}
	*s = FullWildcardSet()
	wc.sets[index] = s
	return s
}

// Lookup returns the set for position index or nil.
func (wc *WildcardCollection) Lookup(index int) *WildcardSet {
	return wc.sets[index]
}

// Remove discards the set for a position that has been resolved.
func (wc *WildcardCollection) Remove(index int) {
	delete(wc.sets, index)
}

// Len returns the number of tracked positions.
func (wc *WildcardCollection) Len() int {
	return len(wc.sets)
}

// Indices appends the tracked position indices to dst and returns it.
func (wc *WildcardCollection) Indices(dst []int) []int {
	for i := range wc.sets {
		dst = append(dst, i)
	}
	return dst
}

// TextEncoding describes the character-encoding conventions detected
// over the recovered portion of a buffer; it drives wildcard pruning.
type TextEncoding struct {
	UTF8      bool
	UTF16     bool  // alternating-zero 16-bit text
	ZeroHigh  bool  // for UTF16: the zero bytes sit at odd parity
	EUC       bool  // high-bit bytes occur in pairs
	CRLF      bool  // the file terminates lines with CR-LF
	LoneCR    bool  // bare CR line endings
	LoneLF    bool  // bare LF line endings
	AnyText   bool  // enough decoded text to trust the detection
	Parity    int   // for UTF16: parity of the positions holding zero bytes
}

// DetectEncoding examines the known bytes of a buffer, with known[i]
// false marking unresolved positions, and infers its encoding
// conventions.
func DetectEncoding(data []byte, known []bool) TextEncoding {
	var enc TextEncoding
	var knownCount, ascii, utf8ok, utf8bad, zeroEven, zeroOdd, highBit int
	var crlf, loneCR, loneLF int
	for i := 0; i < len(data); i++ {
		if !known[i] {
			continue
		}
		knownCount++
		b := data[i]
		if b < 0x80 {
			ascii++
		} else {
			highBit++
		}
		if b == 0 {
			if i%2 == 0 {
				zeroEven++
			} else {
				zeroOdd++
			}
		}
		if b == '\n' {
			if i > 0 && known[i-1] && data[i-1] == '\r' {
				crlf++
			} else {
				loneLF++
			}
		}
		if b == '\r' {
			if i+1 >= len(data) || !known[i+1] || data[i+1] != '\n' {
				loneCR++
			}
		}
		if b >= 0xc0 {
			n := utf8TrailLength(b)
			bad := n == 0
			for j := 1; j <= n && !bad; j++ {
				if i+j >= len(data) || !known[i+j] {
					break
				}
				if data[i+j]&0xc0 != 0x80 {
					bad = true
				}
			}
			if bad {
				utf8bad++
			} else {
				utf8ok++
			}
		}
	}
	if knownCount < 64 {
		return enc
	}
	enc.AnyText = true
	enc.UTF8 = utf8ok > 0 && utf8bad == 0
	if zeroEven+zeroOdd > knownCount/3 {
		if zeroEven > 8*zeroOdd {
			enc.UTF16, enc.Parity = true, 0
		} else if zeroOdd > 8*zeroEven {
			enc.UTF16, enc.ZeroHigh, enc.Parity = true, true, 1
		}
	}
	enc.EUC = !enc.UTF8 && !enc.UTF16 && highBit > knownCount/8
	enc.CRLF = crlf > 0 && loneCR == 0 && loneLF == 0
	enc.LoneCR = loneCR > 0 && crlf == 0 && loneLF == 0
	enc.LoneLF = loneLF > 0 && crlf == 0 && loneCR == 0
	return enc
}

func utf8TrailLength(lead byte) int {
	switch {
	case lead&0xe0 == 0xc0:
		return 1
	case lead&0xf0 == 0xe0:
		return 2
	case lead&0xf8 == 0xf0:
		return 3
	}
	return 0
}

// PruneWildcards narrows the candidate sets of unresolved positions
// using the detected encoding conventions. data and known describe the
// buffer; unresolved[i] gives the wildcard index of position i, or -1.
// Any set emptied by pruning reverts to full: inconsistent constraints
// must not over-restrict.
func PruneWildcards(wc *WildcardCollection, data []byte, known []bool, unresolved []int, enc TextEncoding) {
	if !enc.AnyText {
		return
	}
	get := func(i int) *WildcardSet {
		if i < 0 || i >= len(unresolved) || unresolved[i] < 0 {
			return nil
		}
		return wc.Get(unresolved[i])
	}
	for i := range data {
		w := get(i)
		if w == nil {
			continue
		}
		if enc.UTF8 {
			pruneUTF8(w, data, known, unresolved, i)
		}
		if enc.UTF16 {
			if i%2 == enc.Parity {
				// The zero-byte half of each 16-bit unit.
				keepOnly(w, 0)
			} else {
				w.Remove(0)
			}
		}
		if enc.EUC {
			// High-bit bytes come in pairs; a lone high-bit neighbor
			// forces the set to the matching half.
			if prevHigh(data, known, i) && !nextHigh(data, known, i) {
				w.KeepRange(0x80, 0xff)
			}
		}
		pruneLineEndings(w, data, known, i, enc)
		if w.Empty() {
			w.Reset()
		}
	}
}

func keepOnly(w *WildcardSet, b byte) {
	if !w.Contains(b) {
		return
	}
	*w = WildcardSet{}
	w.Add(b)
}

func prevHigh(data []byte, known []bool, i int) bool {
	return i > 0 && known[i-1] && data[i-1] >= 0x80
}

func nextHigh(data []byte, known []bool, i int) bool {
	return i+1 < len(data) && known[i+1] && data[i+1] >= 0x80
}

func pruneUTF8(w *WildcardSet, data []byte, known []bool, unresolved []int, i int) {
	// A continuation byte may only follow a lead or another
	// continuation; after a known 7-bit byte the position cannot be a
	// continuation.
	if i > 0 && known[i-1] && data[i-1] < 0x80 {
		w.RemoveRange(0x80, 0xbf)
	}
	// A known continuation byte requires a lead or continuation before
	// it; a 7-bit value cannot precede it.
	if i+1 < len(data) && known[i+1] && data[i+1]&0xc0 == 0x80 {
		w.RemoveRange(0x00, 0x7f)
	}
	// After a known lead byte the required continuation count must be
	// continuation-valid.
	if i > 0 && known[i-1] && data[i-1] >= 0xc0 && utf8TrailLength(data[i-1]) > 0 {
		w.KeepRange(0x80, 0xbf)
	}
	// 0xc0, 0xc1 and 0xf5..0xff never occur in valid UTF-8.
	w.Remove(0xc0)
	w.Remove(0xc1)
	w.RemoveRange(0xf5, 0xff)
}

func pruneLineEndings(w *WildcardSet, data []byte, known []bool, i int, enc TextEncoding) {
	switch {
	case enc.CRLF:
		// Unknowns adjacent to a known CR or LF must preserve the
		// pairing.
		if i+1 < len(data) && known[i+1] && data[i+1] == '\n' {
			keepOnly(w, '\r')
		}
		if i > 0 && known[i-1] && data[i-1] == '\r' {
			keepOnly(w, '\n')
		}
	case enc.LoneLF:
		w.Remove('\r')
	case enc.LoneCR:
		w.Remove('\n')
	}
}
