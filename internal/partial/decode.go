// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package partial

import (
	"fmt"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
	"github.com/cosnicolaou/zrecover/internal/flate"
)

// EventKind classifies one decoded item of a reconstructed packet.
type EventKind uint8

const (
	EventLiteral EventKind = iota
	EventBackref
)

// An Event is one symbol of a reconstructed packet's body. Literal
// events carry the equivalence class of their code rather than a byte
// value: every occurrence of one literal code denotes the same unknown
// byte, which reconstruction later infers.
type Event struct {
	Kind     EventKind
	Class    int // literal code equivalence class
	Length   int
	Distance int
}

// A Reconstruction is the decoded form of a winning hypothesis.
type Reconstruction struct {
	Start   bitstream.Cursor
	Bits    int
	Events  []Event
	Classes int // distinct literal classes
}

// Decode replays the bit window forward under the hypothesis trees and
// returns the symbol stream. The class-rank convention assigns the k-th
// code of an extra-bit class to the k-th symbol of that class, the only
// consistent choice available without the packet header.
func Decode(h *Hypothesis, end bitstream.Cursor, deflate64 bool) (*Reconstruction, error) {
	rec := &Reconstruction{Start: h.pos, Bits: int(h.bitCount)}
	classOf := map[int]int{}
	cur := h.pos
	for {
		idx, err := nextCode(h.lit, &cur, end)
		if err != nil {
			return nil, err
		}
		code := h.lit.Codes()[idx]
		switch code.Extra {
		case ExtraEOD:
			rec.Classes = len(classOf)
			return rec, nil
		case ExtraLiteral, ExtraUnknown:
			class, ok := classOf[idx]
			if !ok {
				class = len(classOf)
				classOf[idx] = class
			}
			rec.Events = append(rec.Events, Event{Kind: EventLiteral, Class: class})
		default:
			length, err := decodeLength(h.lit, idx, &cur, end, deflate64)
			if err != nil {
				return nil, err
			}
			distance, err := decodeDistance(h.dist, &cur, end, deflate64)
			if err != nil {
				return nil, err
			}
			rec.Events = append(rec.Events, Event{Kind: EventBackref, Length: length, Distance: distance})
		}
	}
}

// nextCode consumes the shortest tree-hypothesis code at the cursor.
func nextCode(t *TreeHypothesis, cur *bitstream.Cursor, end bitstream.Cursor) (int, error) {
	value := uint16(0)
	for length := 1; length <= maxBitLength; length++ {
		if !cur.InBounds(end, 1) {
			return 0, flate.ErrUnexpectedEOF
		}
		value = value<<1 | uint16(cur.NextBits(1))
		if idx := t.Lookup(value, uint8(length)); idx >= 0 {
			return idx, nil
		}
	}
	return 0, fmt.Errorf("%w: no hypothesis code matches", flate.ErrInvalidSymbol)
}

func decodeLength(t *TreeHypothesis, idx int, cur *bitstream.Cursor, end bitstream.Cursor, deflate64 bool) (int, error) {
	code := t.Codes()[idx]
	symbol, err := lengthSymbol(int(code.Extra), t.ClassRank(idx), deflate64)
	if err != nil {
		return 0, err
	}
	extra := int(code.Extra)
	if !cur.InBounds(end, extra) {
		return 0, flate.ErrUnexpectedEOF
	}
	length := flate.LengthBase(symbol, deflate64)
	if extra > 0 {
		length += int(cur.NextBits(extra))
	}
	return length, nil
}

func decodeDistance(t *TreeHypothesis, cur *bitstream.Cursor, end bitstream.Cursor, deflate64 bool) (int, error) {
	idx, err := nextCode(t, cur, end)
	if err != nil {
		return 0, err
	}
	code := t.Codes()[idx]
	if code.Extra < 0 {
		return 0, fmt.Errorf("%w: literal-class code in distance tree", flate.ErrInvalidSymbol)
	}
	symbol, err := distanceSymbol(int(code.Extra), t.ClassRank(idx))
	if err != nil {
		return 0, err
	}
	extra := int(code.Extra)
	if !cur.InBounds(end, extra) {
		return 0, flate.ErrUnexpectedEOF
	}
	distance := flate.DistanceBase(symbol)
	if extra > 0 {
		distance += int(cur.NextBits(extra))
	}
	return distance, nil
}

// lengthSymbol maps (extra bits, rank within class) to a literal/length
// symbol.
func lengthSymbol(extra, rank int, deflate64 bool) (int, error) {
	switch {
	case extra == 0:
		if rank < 8 {
			return 257 + rank, nil
		}
		if rank == 8 && !deflate64 {
			return 285, nil
		}
	case extra >= 1 && extra <= 5:
		if rank < 4 {
			return 265 + 4*(extra-1) + rank, nil
		}
	case extra == 16 && deflate64:
		if rank == 0 {
			return 285, nil
		}
	}
	return 0, fmt.Errorf("%w: length class %v rank %v", flate.ErrInvalidSymbol, extra, rank)
}

// distanceSymbol maps (extra bits, rank within class) to a distance
// symbol.
func distanceSymbol(extra, rank int) (int, error) {
	switch {
	case extra == 0:
		if rank < 4 {
			return rank, nil
		}
	case extra >= 1 && extra <= 14:
		if rank < 2 {
			return 2*extra + 2 + rank, nil
		}
	}
	return 0, fmt.Errorf("%w: distance class %v rank %v", flate.ErrInvalidSymbol, extra, rank)
}
