// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"bytes"
	gzflate "compress/flate"
	"context"
	"math/rand"
	"testing"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
	"github.com/cosnicolaou/zrecover/internal/flate"
)

// Seed for the pseudorandom generator, shared by the package tests.
const randSeed = 0x1234

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

func deflate(t *testing.T, data []byte, flushEvery int) []byte {
	t.Helper()
	out := &bytes.Buffer{}
	wr, err := gzflate.NewWriter(out, gzflate.BestCompression)
	if err != nil {
		t.Fatalf("flate writer: %v", err)
	}
	for len(data) > 0 {
		n := len(data)
		if flushEvery > 0 && n > flushEvery {
			n = flushEvery
		}
		if _, err := wr.Write(data[:n]); err != nil {
			t.Fatalf("compress: %v", err)
		}
		data = data[n:]
		if flushEvery > 0 && len(data) > 0 {
			if err := wr.Flush(); err != nil {
				t.Fatalf("flush: %v", err)
			}
		}
	}
	if err := wr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return out.Bytes()
}

func TestRecoverRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, size := range []int{128, 2048, 8192} {
		data := textlike(size)
		comp := deflate(t, data, 0)
		res, err := Recover(ctx, comp, RecoverKnownStart(true))
		if err != nil {
			t.Fatalf("size %v: %v", size, err)
		}
		if got, want := len(res.Bytes), len(data); got != want {
			t.Fatalf("size %v: got %v bytes, want %v", size, got, want)
		}
		for i, d := range res.Bytes {
			if d.Kind != ByteLiteral || d.Confidence != MaxConfidence {
				t.Fatalf("size %v: byte %v not a full-confidence literal: %+v", size, i, d)
			}
			if d.Value != data[i] {
				t.Fatalf("size %v: byte %v: got %#x, want %#x", size, i, d.Value, data[i])
			}
		}
		if len(res.Corruption) != 0 {
			t.Errorf("size %v: unexpected corruption spans: %v", size, res.Corruption)
		}
	}
}

func TestRecoverUncompressedPacket(t *testing.T) {
	// An uncompressed final packet: 3-bit header, byte alignment,
	// size, one's-complement size, then raw bytes.
	var w bitstream.Writer
	w.WriteBits(0b001, 3)
	w.AlignToByte()
	payload := []byte("Hello")
	w.WriteBits(uint32(len(payload)), 16)
	w.WriteBits(uint32(len(payload))^0xffff, 16)
	w.WriteBytes(payload)
	comp, _ := w.Data()

	res, err := Recover(context.Background(), comp, RecoverKnownStart(true))
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 0, len(res.Bytes))
	for _, d := range res.Bytes {
		got = append(got, d.Value)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
	if !res.Packets.Last || res.Packets.Kind != PacketUncompressed {
		t.Errorf("packet: %v", res.Packets)
	}
}

func encodeFixedPacket(t *testing.T, tokens []interface{}) []byte {
	t.Helper()
	st := flate.FixedSymbolTable(false)
	var w bitstream.Writer
	w.WriteBits(0b011, 3) // last, fixed-Huffman
	for _, tok := range tokens {
		switch v := tok.(type) {
		case byte:
			code, _ := st.Lit.Code(int(v))
			w.WriteBitsReversed(code.Value, int(code.Len))
		case [2]int: // length, distance
			length, distance := v[0], v[1]
			sym := 257
			for ; sym <= 284; sym++ {
				base := flate.LengthBase(sym, false)
				extra := int(flate.LengthExtraBits(sym, false))
				if length >= base && length < base+1<<extra {
					code, _ := st.Lit.Code(sym)
					w.WriteBitsReversed(code.Value, int(code.Len))
					w.WriteBits(uint32(length-base), extra)
					break
				}
			}
			dsym := 0
			for ; dsym <= 29; dsym++ {
				base := flate.DistanceBase(dsym)
				extra := int(flate.DistanceExtraBits(dsym))
				if distance >= base && distance < base+1<<extra {
					code, _ := st.Dist.Code(dsym)
					w.WriteBitsReversed(code.Value, int(code.Len))
					w.WriteBits(uint32(distance-base), extra)
					break
				}
			}
		default:
			t.Fatalf("bad token %T", tok)
		}
	}
	w.WriteBitsReversed(st.EOD.Value, int(st.EOD.Len))
	buf, _ := w.Data()
	return buf
}

func TestRecoverFixedPacket(t *testing.T) {
	comp := encodeFixedPacket(t, []interface{}{
		byte('a'), byte('a'), byte('a'), byte('a'),
	})
	res, err := Recover(context.Background(), comp, RecoverKnownStart(true))
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 0, len(res.Bytes))
	for _, d := range res.Bytes {
		got = append(got, d.Value)
	}
	if string(got) != "aaaa" {
		t.Errorf("got %q, want aaaa", got)
	}
}

func TestRecoverBackReference(t *testing.T) {
	// "ABCABC" as literals A, B, C then a length-3/distance-3 copy.
	comp := encodeFixedPacket(t, []interface{}{
		byte('A'), byte('B'), byte('C'), [2]int{3, 3},
	})
	res, err := Recover(context.Background(), comp, RecoverKnownStart(true))
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 0, len(res.Bytes))
	for _, d := range res.Bytes {
		got = append(got, d.Value)
	}
	if string(got) != "ABCABC" {
		t.Errorf("got %q, want ABCABC", got)
	}
}

func TestRecoverTruncatedPrefix(t *testing.T) {
	// Zero the leading compressed bytes: everything reachable from the
	// surviving packets must agree with the reference.
	ctx := context.Background()
	data := textlike(24 * 1024)
	comp := deflate(t, data, 4096)
	k := 512
	if k > len(comp)/2 {
		k = len(comp) / 2
	}
	for i := 0; i < k; i++ {
		comp[i] = 0
	}
	res, err := Recover(ctx, comp,
		RecoverKnownStart(false),
		RecoverPartialPackets(false))
	if err != nil {
		t.Fatal(err)
	}
	// The damaged prefix becomes one placeholder run at the front; the
	// surviving packets decode their exact reference lengths, so the
	// rest of the output aligns with the reference from the tail.
	if len(res.Discontinuities) == 0 {
		t.Fatal("expected a discontinuity for the damaged prefix")
	}
	first := res.Discontinuities[0]
	recovered := res.Bytes[first.Position+first.Length:]
	if len(recovered) == 0 {
		t.Fatal("nothing recovered past the damaged prefix")
	}
	if len(recovered) > len(data) {
		t.Fatalf("recovered %v bytes from %v of input", len(recovered), len(data))
	}
	ref := data[len(data)-len(recovered):]
	known := 0
	for i, d := range recovered {
		if !d.Known() {
			continue
		}
		known++
		if d.Value != ref[i] {
			t.Fatalf("recovered byte %v: got %#x, want %#x", i, d.Value, ref[i])
		}
	}
	if known < len(recovered)/2 {
		t.Errorf("only %v of %v tail bytes recovered", known, len(recovered))
	}
}

func TestScannerListsPackets(t *testing.T) {
	ctx := context.Background()
	data := textlike(16 * 1024)
	comp := deflate(t, data, 4096)
	sc := NewScanner(comp)
	count, lastSeen := 0, false
	for sc.Scan(ctx) {
		p := sc.Packet()
		if p.Last {
			lastSeen = true
		}
		count++
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if count < 4 {
		t.Errorf("got %v packets, want at least 4 from flushed stream", count)
	}
	if !lastSeen {
		t.Errorf("no packet carries the last flag")
	}
}
