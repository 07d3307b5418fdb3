// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package flate

import (
	"bytes"
	gzflate "compress/flate"
	"math/rand"
	"testing"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
)

// Seed for the pseudorandom generator, shared by the package tests.
const randSeed = 0x5eed

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	out := &bytes.Buffer{}
	wr, err := gzflate.NewWriter(out, gzflate.BestCompression)
	if err != nil {
		t.Fatalf("flate writer: %v", err)
	}
	if _, err := wr.Write(data); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := wr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return out.Bytes()
}

func textlike(size int) []byte {
	gen := rand.New(rand.NewSource(randSeed))
	words := []string{"the", "quick", "brown", "fox", "jumps", "over", "lazy", "dogs", "and", "cats"}
	out := make([]byte, 0, size)
	for len(out) < size {
		out = append(out, words[gen.Intn(len(words))]...)
		out = append(out, ' ')
	}
	return out[:size]
}

func TestFixedTableCodes(t *testing.T) {
	st := FixedSymbolTable(false)
	for _, tc := range []struct {
		symbol int
		value  uint32
		length uint8
	}{
		{0, 0x30, 8},
		{143, 0xbf, 8},
		{144, 0x190, 9},
		{255, 0x1ff, 9},
		{256, 0, 7},
		{279, 0x17, 7},
		{280, 0xc0, 8},
		{287, 0xc7, 8},
	} {
		code, ok := st.Lit.Code(tc.symbol)
		if !ok {
			t.Fatalf("symbol %v missing", tc.symbol)
		}
		if code.Value != tc.value || code.Len != tc.length {
			t.Errorf("symbol %v: got %#x/%v, want %#x/%v",
				tc.symbol, code.Value, code.Len, tc.value, tc.length)
		}
	}
	if st.EOD.Value != 0 || st.EOD.Len != 7 {
		t.Errorf("end-of-data code: got %#x/%v, want 0/7", st.EOD.Value, st.EOD.Len)
	}
}

func TestHuffmanTreeErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		lengths []uint8
	}{
		{"empty", []uint8{0, 0, 0}},
		{"oversubscribed", []uint8{1, 1, 1}},
		{"incomplete", []uint8{2, 2, 2}},
		{"toolong", []uint8{16}},
	} {
		if _, err := NewHuffmanTree(tc.lengths); err == nil {
			t.Errorf("%v: expected error", tc.name)
		}
	}
	// A degenerate single-code tree is legal for distance alphabets.
	if _, err := NewHuffmanTree([]uint8{1}); err != nil {
		t.Errorf("degenerate: %v", err)
	}
}

func TestHuffmanDecode(t *testing.T) {
	// The RFC 1951 section 3.2.2 example: ABCDEFGH with lengths
	// (3,3,3,3,3,2,4,4); "1110" decodes to G.
	tree, err := NewHuffmanTree([]uint8{3, 3, 3, 3, 3, 2, 4, 4})
	if err != nil {
		t.Fatal(err)
	}
	var w bitstream.Writer
	w.WriteBitsReversed(0b1110, 4) // G
	w.WriteBitsReversed(0b00, 2)   // F
	w.WriteBitsReversed(0b010, 3)  // A
	buf, bits := w.Data()
	cur := bitstream.NewCursor(buf, 0)
	end := bitstream.NewCursor(buf, bits)
	for i, want := range []int32{6, 5, 0} {
		got, err := tree.NextSymbol(&cur, end)
		if err != nil {
			t.Fatalf("symbol %v: %v", i, err)
		}
		if got != want {
			t.Errorf("symbol %v: got %v, want %v", i, got, want)
		}
	}
}

// encodeFixed writes data as one fixed-Huffman packet using the default
// tables, returning the bitstream.
func encodeFixed(t *testing.T, literals []byte, last bool) ([]byte, int) {
	t.Helper()
	st := FixedSymbolTable(false)
	var w bitstream.Writer
	hdr := uint32(0b010) // type 1
	if last {
		hdr |= 1
	}
	w.WriteBits(hdr, 3)
	for _, b := range literals {
		code, _ := st.Lit.Code(int(b))
		w.WriteBitsReversed(code.Value, int(code.Len))
	}
	w.WriteBitsReversed(st.EOD.Value, int(st.EOD.Len))
	return w.Data()
}

func TestValidPacketFixed(t *testing.T) {
	buf, bits := encodeFixed(t, []byte("aaaa"), true)
	cur := bitstream.NewCursor(buf, 0)
	start := cur
	end := bitstream.NewCursor(buf, bits)
	if kind := ValidPacket(cur, start, end, true, true, false); kind != PacketFixedHuffman {
		t.Errorf("got %v, want fixed-huffman", kind)
	}
	// Wrong final flag.
	if kind := ValidPacket(cur, start, end, false, true, false); kind != PacketInvalid {
		t.Errorf("got %v, want invalid for mismatched final flag", kind)
	}
	// A bit offset into the body must not validate as a packet ending
	// at end.
	cur2 := bitstream.NewCursor(buf, 5)
	if kind := ValidPacket(cur2, start, end, true, true, false); kind != PacketInvalid {
		t.Errorf("got %v, want invalid at offset 5", kind)
	}
}

func TestValidPacketUncompressed(t *testing.T) {
	var w bitstream.Writer
	w.WriteBits(0b001, 3) // last, type 0
	w.AlignToByte()
	payload := []byte("Hello")
	w.WriteBits(uint32(len(payload)), 16)
	w.WriteBits(uint32(len(payload))^0xffff, 16)
	w.WriteBytes(payload)
	buf, bits := w.Data()

	cur := bitstream.NewCursor(buf, 0)
	end := bitstream.NewCursor(buf, bits)
	if kind := ValidPacket(cur, cur, end, true, true, false); kind != PacketUncompressed {
		t.Errorf("got %v, want uncompressed", kind)
	}
	// Corrupt the complement.
	buf[3] ^= 0x01
	if kind := ValidPacket(cur, cur, end, true, true, false); kind != PacketInvalid {
		t.Errorf("got %v, want invalid with bad length complement", kind)
	}
}

func TestWalkPacketAgainstStdlib(t *testing.T) {
	for _, size := range []int{64, 4096, 64 * 1024} {
		data := textlike(size)
		comp := deflate(t, data)
		cur := bitstream.NewCursor(comp, 0)
		end := bitstream.NewCursor(comp, 8*len(comp))
		// Walk every packet; the final boundary must land within the
		// last byte.
		for {
			hdrCur := cur
			last, _, err := ReadHeader(&hdrCur, end)
			if err != nil {
				t.Fatalf("size %v: header: %v", size, err)
			}
			boundary, err := WalkPacket(&cur, end, false)
			if err != nil {
				t.Fatalf("size %v: walk: %v", size, err)
			}
			if boundary > 8*len(comp) {
				t.Fatalf("size %v: boundary %v beyond stream", size, boundary)
			}
			if last {
				if 8*len(comp)-boundary >= 8 {
					t.Errorf("size %v: %v padding bits after last packet",
						size, 8*len(comp)-boundary)
				}
				break
			}
			cur = bitstream.NewCursor(comp, boundary)
		}
	}
}

func TestDecodeAgainstStdlib(t *testing.T) {
	data := textlike(8192)
	comp := deflate(t, data)
	cur := bitstream.NewCursor(comp, 0)
	end := bitstream.NewCursor(comp, 8*len(comp))

	var out []byte
	for {
		last, kind, err := ReadHeader(&cur, end)
		if err != nil {
			t.Fatal(err)
		}
		var st *SymbolTable
		switch kind {
		case PacketFixedHuffman:
			st = FixedSymbolTable(false)
		case PacketDynamicHuffman:
			if st, err = ParseDynamic(&cur, end, false); err != nil {
				t.Fatal(err)
			}
		default:
			t.Fatalf("unexpected %v packet", kind)
		}
		for {
			sym, err := st.NextSymbol(&cur, end)
			if err != nil {
				t.Fatal(err)
			}
			if sym == EndOfData {
				break
			}
			if sym < EndOfData {
				out = append(out, byte(sym))
				continue
			}
			length, err := st.GetLength(int(sym), &cur, end)
			if err != nil {
				t.Fatal(err)
			}
			distance, err := st.GetDistance(&cur, end)
			if err != nil {
				t.Fatal(err)
			}
			if distance > len(out) {
				t.Fatalf("distance %v exceeds %v decoded bytes", distance, len(out))
			}
			for i := 0; i < length; i++ {
				out = append(out, out[len(out)-distance])
			}
		}
		if last {
			break
		}
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("decoded %v bytes disagree with reference", len(out))
	}
}
