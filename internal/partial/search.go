// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package partial

import (
	"errors"
	"sort"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
	"github.com/cosnicolaou/zrecover/internal/flate"
)

const (
	// defaultMaxHypotheses bounds total queued search states.
	defaultMaxHypotheses = 42_000_000

	// maxLongest retains the top results above keepNoneThreshold bits;
	// everything at or above keepAllThreshold is retained regardless.
	maxLongest        = 100
	keepNoneThreshold = 1024
	keepAllThreshold  = 16384

	// expansionReportInterval is the progress tick granularity.
	expansionReportInterval = 1_000_000

	// EOD is one of the two longest codes of any complete tree; 7
	// admits fixed-Huffman packets whose tree was extended upward.
	maxEODLength = 15
	minEODLength = 7
)

// ErrExhaustedSearch is returned when no hypothesis survives past the
// keep-none threshold.
var ErrExhaustedSearch = errors.New("partial: no tree hypothesis found")

// ErrResourceLimit is returned when the hypothesis queue overflows
// before any qualifying result is found.
var ErrResourceLimit = errors.New("partial: hypothesis limit reached")

// Options configures a search.
type Options struct {
	Strategy      Strategy
	MaxHypotheses int
	Deflate64     bool
	// Progress, if non-nil, is invoked every expansionReportInterval
	// attempted expansions.
	Progress func(expansions uint64)
	// KeepNoneThreshold overrides the minimum qualifying stream length
	// in bits; zero keeps the default.
	KeepNoneThreshold int
}

// A Search reconstructs the trees and symbol stream of a packet whose
// header is missing, by hypothesis search backwards from its end.
type Search struct {
	opts  Options
	start bitstream.Cursor
	end   bitstream.Cursor

	dir     *TreeDirectory
	dedup   map[hypKey]struct{}
	queue   *searchQueue
	longest []*Hypothesis

	expansions uint64
	dropped    bool
}

// NewSearch prepares a search over the bit window [start, end), whose
// final bits are presumed to hold the packet's end-of-data code.
func NewSearch(start, end bitstream.Cursor, opts Options) *Search {
	if opts.MaxHypotheses == 0 {
		opts.MaxHypotheses = defaultMaxHypotheses
	}
	if opts.KeepNoneThreshold == 0 {
		opts.KeepNoneThreshold = keepNoneThreshold
	}
	return &Search{
		opts:  opts,
		start: start,
		end:   end,
		dir:   NewTreeDirectory(),
		dedup: map[hypKey]struct{}{},
		queue: newSearchQueue(opts.Strategy, opts.MaxHypotheses),
	}
}

// Run executes the search and returns the longest consistent
// hypothesis.
func (s *Search) Run() (*Hypothesis, error) {
	s.seed()
	for !s.queue.empty() {
		h := s.queue.pop()
		s.expand(h)
	}
	if len(s.longest) == 0 {
		if s.dropped {
			return nil, ErrResourceLimit
		}
		return nil, ErrExhaustedSearch
	}
	sort.Slice(s.longest, func(i, j int) bool {
		return s.longest[i].bitCount > s.longest[j].bitCount
	})
	return s.longest[0], nil
}

// Longest returns the retained terminal hypotheses, longest first; only
// valid after Run.
func (s *Search) Longest() []*Hypothesis {
	return s.longest
}

// Expansions returns the number of attempted hypothesis expansions.
func (s *Search) Expansions() uint64 {
	return s.expansions
}

// seed creates one initial hypothesis per candidate end-of-data length.
func (s *Search) seed() {
	for length := maxEODLength; length >= minEODLength; length-- {
		if s.end.Offset()-length < s.start.Offset() {
			continue
		}
		cur := s.end
		cur.Retreat(length)
		value := uint16(cur.GetBitsReversed(length))
		lit := NewTreeHypothesis(true, s.opts.Deflate64)
		lit = lit.WithCode(CodeHyp{
			Canon:  value << (maxBitLength - uint(length)),
			Length: uint8(length),
			Extra:  ExtraEOD,
		}, s.dir)
		if lit == nil {
			continue
		}
		h := &Hypothesis{
			lit:      lit,
			dist:     s.dir.Intern(NewTreeHypothesis(false, s.opts.Deflate64)),
			pos:      cur,
			bitCount: uint32(length),
		}
		s.insert(h)
	}
}

// expand generates every legal backward extension of h. A hypothesis
// with no legal extension is terminal and competes for the longest
// stream.
func (s *Search) expand(h *Hypothesis) {
	s.expansions++
	if s.opts.Progress != nil && s.expansions%expansionReportInterval == 0 {
		s.opts.Progress(s.expansions)
	}
	extended := false
	if h.inBackref {
		// The matching length code (plus extras) must precede the
		// distance code just consumed.
		extended = s.extendLength(h)
	} else {
		extended = s.extendLiteral(h)
		if s.extendDistance(h) {
			extended = true
		}
	}
	if !extended {
		s.recordTerminal(h)
	}
}

func (s *Search) extendLiteral(h *Hypothesis) bool {
	extended := false
	for length := minLitBits; length <= maxBitLength; length++ {
		if !h.pos.InBoundsReverse(s.start, length) {
			break
		}
		cur := h.pos
		cur.Retreat(length)
		value := uint16(cur.GetBitsReversed(length))
		code := CodeHyp{Canon: value << (maxBitLength - uint(length)), Length: uint8(length), Extra: ExtraLiteral}
		repeat := uint8(1)
		if code.Canon == h.lastLitCanon && code.Length == h.lastLitLen {
			repeat = h.lastLitRepeat + 1
			if repeat > maxLiteralRepeats {
				continue
			}
		}
		lit := h.lit.WithCode(code, s.dir)
		if lit == nil {
			continue
		}
		nh := &Hypothesis{
			lit: lit, dist: h.dist,
			pos:      cur,
			bitCount: h.bitCount + uint32(length),
			lastLitCanon: code.Canon, lastLitLen: code.Length, lastLitRepeat: repeat,
		}
		if s.insert(nh) {
			extended = true
		}
	}
	return extended
}

// extendDistance consumes, going backwards, the distance half of a
// back-reference: its extra bits then its code.
func (s *Search) extendDistance(h *Hypothesis) bool {
	maxExtra := flate.DistanceExtraBits(29)
	if s.opts.Deflate64 {
		maxExtra = flate.DistanceExtraBits(31)
	}
	extended := false
	for extra := 0; extra <= int(maxExtra); extra++ {
		for length := minDistBits; length <= maxBitLength; length++ {
			total := length + extra
			if !h.pos.InBoundsReverse(s.start, total) {
				break
			}
			cur := h.pos
			cur.Retreat(total)
			value := uint16(cur.GetBitsReversed(length))
			dist := h.dist.WithCode(CodeHyp{
				Canon:  value << (maxBitLength - uint(length)),
				Length: uint8(length),
				Extra:  int8(extra),
			}, s.dir)
			if dist == nil {
				continue
			}
			nh := &Hypothesis{
				lit: h.lit, dist: dist,
				pos:       cur,
				bitCount:  h.bitCount + uint32(total),
				inBackref: true,
			}
			if s.insert(nh) {
				extended = true
			}
		}
	}
	return extended
}

// extendLength consumes the length half of a back-reference.
func (s *Search) extendLength(h *Hypothesis) bool {
	maxExtra := 5
	if s.opts.Deflate64 {
		maxExtra = 16
	}
	extended := false
	for extra := 0; extra <= maxExtra; extra++ {
		for length := minLitBits; length <= maxBitLength; length++ {
			total := length + extra
			if !h.pos.InBoundsReverse(s.start, total) {
				break
			}
			cur := h.pos
			cur.Retreat(total)
			value := uint16(cur.GetBitsReversed(length))
			lit := h.lit.WithCode(CodeHyp{
				Canon:  value << (maxBitLength - uint(length)),
				Length: uint8(length),
				Extra:  int8(extra),
			}, s.dir)
			if lit == nil {
				continue
			}
			nh := &Hypothesis{
				lit: lit, dist: h.dist,
				pos:      cur,
				bitCount: h.bitCount + uint32(total),
			}
			if s.insert(nh) {
				extended = true
			}
		}
	}
	return extended
}

// insert deduplicates and queues a hypothesis.
func (s *Search) insert(h *Hypothesis) bool {
	key := h.key()
	if _, dup := s.dedup[key]; dup {
		return false
	}
	s.dedup[key] = struct{}{}
	if !s.queue.push(h) {
		s.dropped = true
		return false
	}
	return true
}

// recordTerminal retains a dead-end hypothesis if it qualifies for the
// longest-stream queue.
func (s *Search) recordTerminal(h *Hypothesis) {
	if int(h.bitCount) < s.opts.KeepNoneThreshold {
		return
	}
	if !s.qualifies(h) {
		return
	}
	if int(h.bitCount) >= keepAllThreshold || len(s.longest) < maxLongest {
		s.longest = append(s.longest, h)
		return
	}
	// Displace the shortest retained result when better.
	minIdx := 0
	for i, e := range s.longest {
		if e.bitCount < s.longest[minIdx].bitCount {
			minIdx = i
		}
	}
	if s.longest[minIdx].bitCount < h.bitCount {
		s.longest[minIdx] = h
	}
}

// qualifies rejects trees too small to have come from a real encoder.
func (s *Search) qualifies(h *Hypothesis) bool {
	if h.inBackref {
		return false
	}
	litMax := 0
	for _, c := range h.lit.Codes() {
		if int(c.Length) > litMax {
			litMax = int(c.Length)
		}
	}
	if litMax < neededLitBits {
		return false
	}
	if h.dist.SymbolCount() > 0 {
		distMax := 0
		for _, c := range h.dist.Codes() {
			if int(c.Length) > distMax {
				distMax = int(c.Length)
			}
		}
		if distMax < neededDistBits {
			return false
		}
	}
	return true
}
