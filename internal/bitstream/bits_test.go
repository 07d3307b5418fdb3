// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package bitstream

import "testing"

func TestCursorReads(t *testing.T) {
	// 0xa5 = 1010 0101, LSB first the stream starts 1,0,1,0,0,1,0,1.
	buf := []byte{0xa5, 0x3c, 0xff}
	for _, tc := range []struct {
		offset int
		n      int
		want   uint32
	}{
		{0, 1, 1},
		{0, 3, 0b101},
		{0, 8, 0xa5},
		{4, 4, 0xa},
		{4, 8, 0xca},
		{8, 8, 0x3c},
		{0, 16, 0x3ca5},
		{7, 3, 0b001},
	} {
		cur := NewCursor(buf, tc.offset)
		if got := cur.GetBits(tc.n); got != tc.want {
			t.Errorf("offset %v, %v bits: got %#x, want %#x", tc.offset, tc.n, got, tc.want)
		}
		if got := cur.Offset(); got != tc.offset {
			t.Errorf("GetBits moved the cursor: %v -> %v", tc.offset, got)
		}
	}
}

func TestCursorReversed(t *testing.T) {
	// Huffman codes are written MSB first; reading 3 bits 1,0,1 yields
	// the code value 0b101.
	var w Writer
	w.WriteBitsReversed(0b101, 3)
	w.WriteBitsReversed(0x7f, 7)
	buf, bits := w.Data()
	if bits != 10 {
		t.Fatalf("got %v bits, want 10", bits)
	}
	cur := NewCursor(buf, 0)
	if got := cur.NextBitsReversed(3); got != 0b101 {
		t.Errorf("got %#b, want 101", got)
	}
	if got := cur.NextBitsReversed(7); got != 0x7f {
		t.Errorf("got %#x, want 0x7f", got)
	}
}

func TestCursorAdvanceRetreat(t *testing.T) {
	buf := make([]byte, 16)
	cur := NewCursor(buf, 0)
	cur.Advance(13)
	if got := cur.Offset(); got != 13 {
		t.Errorf("got %v, want 13", got)
	}
	cur.Retreat(6)
	if got := cur.Offset(); got != 7 {
		t.Errorf("got %v, want 7", got)
	}
	if skipped := cur.AlignToByte(); skipped != 1 {
		t.Errorf("got %v bits of padding, want 1", skipped)
	}
	if got := cur.Offset(); got != 8 {
		t.Errorf("got %v, want 8", got)
	}
	if skipped := cur.AlignToByte(); skipped != 0 {
		t.Errorf("aligned cursor should not move, skipped %v", skipped)
	}
}

func TestCursorBounds(t *testing.T) {
	buf := make([]byte, 2)
	start := NewCursor(buf, 0)
	end := NewCursor(buf, 16)
	cur := NewCursor(buf, 10)
	if !cur.InBounds(end, 6) {
		t.Errorf("6 bits at offset 10 should be in bounds of 16")
	}
	if cur.InBounds(end, 7) {
		t.Errorf("7 bits at offset 10 should be out of bounds of 16")
	}
	if !cur.InBoundsReverse(start, 10) {
		t.Errorf("10 bits before offset 10 should be in bounds")
	}
	if cur.InBoundsReverse(start, 11) {
		t.Errorf("11 bits before offset 10 should be out of bounds")
	}
	if !start.Before(end) || !end.After(start) {
		t.Errorf("cursor ordering broken")
	}
	if got := start.Distance(end); got != 16 {
		t.Errorf("got distance %v, want 16", got)
	}
}

func TestPrevBits(t *testing.T) {
	var w Writer
	w.WriteBits(0x2b, 6)
	w.WriteBits(0x15, 5)
	buf, _ := w.Data()
	cur := NewCursor(buf, 11)
	if got := cur.PrevBits(5); got != 0x15 {
		t.Errorf("got %#x, want 0x15", got)
	}
	if got := cur.Offset(); got != 6 {
		t.Errorf("got offset %v, want 6", got)
	}
	if got := cur.PrevBits(6); got != 0x2b {
		t.Errorf("got %#x, want 0x2b", got)
	}
}

func TestWriterAlignment(t *testing.T) {
	var w Writer
	w.WriteBits(0b101, 3)
	w.AlignToByte()
	w.WriteBytes([]byte{0xde, 0xad})
	buf, bits := w.Data()
	if bits != 24 {
		t.Fatalf("got %v bits, want 24", bits)
	}
	if buf[0] != 0b101 || buf[1] != 0xde || buf[2] != 0xad {
		t.Errorf("got % x", buf)
	}
}
