// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package partial

import (
	"container/heap"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
	"github.com/cosnicolaou/zrecover/internal/flate"
)

// resyncSpan is how many successive bit offsets are tried when
// resynchronizing decode within a packet whose trees are known.
const resyncSpan = 60

// Resync locates the point at which decoding with known trees becomes
// unambiguous after mid-packet corruption. Starting every candidate at
// one of the next resyncSpan bit offsets after start, it repeatedly
// advances the earliest candidate by one symbol; offsets that decode
// into each other merge, and when a single candidate remains its
// position is the resynchronization point. It returns the cursor at
// that point and true, or false when the candidates never reconverge
// before end.
func Resync(st *flate.SymbolTable, start, end bitstream.Cursor) (bitstream.Cursor, bool) {
	var candidates offsetHeap
	seen := map[int]struct{}{}
	for i := 0; i < resyncSpan; i++ {
		cur := start
		cur.Advance(i)
		if !cur.InBounds(end, 1) {
			break
		}
		heap.Push(&candidates, cur)
		seen[cur.Offset()] = struct{}{}
	}
	for len(candidates) > 1 {
		cur := heap.Pop(&candidates).(bitstream.Cursor)
		delete(seen, cur.Offset())
		if !advanceSymbol(st, &cur, end) {
			continue
		}
		if _, dup := seen[cur.Offset()]; dup {
			// Decoded into another candidate's position: the two
			// streams have merged.
			continue
		}
		seen[cur.Offset()] = struct{}{}
		heap.Push(&candidates, cur)
	}
	if len(candidates) != 1 {
		return bitstream.Cursor{}, false
	}
	return candidates[0], true
}

// advanceSymbol steps a cursor over one symbol, reporting false when
// the candidate is invalid or exhausted.
func advanceSymbol(st *flate.SymbolTable, cur *bitstream.Cursor, end bitstream.Cursor) bool {
	sym, err := st.NextSymbol(cur, end)
	if err != nil {
		return false
	}
	switch {
	case sym < flate.EndOfData:
		return true
	case sym == flate.EndOfData:
		// Terminal; the candidate can advance no further.
		return false
	default:
		if _, err := st.GetLength(int(sym), cur, end); err != nil {
			return false
		}
		if _, err := st.GetDistance(cur, end); err != nil {
			return false
		}
		return true
	}
}

type offsetHeap []bitstream.Cursor

func (h offsetHeap) Len() int            { return len(h) }
func (h offsetHeap) Less(i, j int) bool  { return h[i].Offset() < h[j].Offset() }
func (h offsetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *offsetHeap) Push(x interface{}) { *h = append(*h, x.(bitstream.Cursor)) }
func (h *offsetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
