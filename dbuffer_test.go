// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"bytes"
	"testing"
)

func bufferValues(b *DecodeBuffer) []byte {
	out := make([]byte, 0, b.Len())
	for _, d := range b.Bytes() {
		out = append(out, d.Value)
	}
	return out
}

func TestDecodeBufferCopy(t *testing.T) {
	b := NewDecodeBuffer(false)
	for _, c := range []byte("ABC") {
		b.PushLiteral(c, MaxConfidence)
	}
	if err := b.CopyReference(3, 3); err != nil {
		t.Fatal(err)
	}
	if got := bufferValues(b); !bytes.Equal(got, []byte("ABCABC")) {
		t.Errorf("got %q, want ABCABC", got)
	}
	// An overlapping copy repeats the source byte-at-a-time.
	b2 := NewDecodeBuffer(false)
	b2.PushLiteral('x', MaxConfidence)
	if err := b2.CopyReference(5, 1); err != nil {
		t.Fatal(err)
	}
	if got := bufferValues(b2); !bytes.Equal(got, []byte("xxxxxx")) {
		t.Errorf("got %q, want xxxxxx", got)
	}
}

func TestDecodeBufferInvalidReferences(t *testing.T) {
	b := NewDecodeBuffer(false)
	b.PushLiteral('a', MaxConfidence)
	if err := b.CopyReference(3, 2); err == nil {
		t.Errorf("distance beyond decoded output accepted")
	}
	if err := b.CopyReference(3, 40000); err == nil {
		t.Errorf("distance beyond window accepted")
	}
	if err := b.CopyReference(2, 1); err == nil {
		t.Errorf("length below minimum accepted")
	}
	if err := b.CopyReference(300, 1); err == nil {
		t.Errorf("length above maximum accepted")
	}
}

func TestDecodeBufferUnresolvedPropagation(t *testing.T) {
	b := NewDecodeBuffer(false)
	origin := b.NewOrigin()
	b.PushUnknown(origin)
	b.PushLiteral('b', MaxConfidence)
	// Copy both; the unresolved byte must propagate its origin.
	if err := b.CopyReference(4, 2); err != nil {
		t.Fatal(err)
	}
	if b.At(2).Kind != ByteUnknown || b.At(2).Origin != origin {
		t.Fatalf("copied unresolved byte lost its origin: %+v", b.At(2))
	}
	// Resolving any one position resolves the whole class.
	b.ApplyReplacement(2, 'a', 50)
	for _, i := range []int{0, 2, 4} {
		d := b.At(i)
		if d.Kind != ByteInferred || d.Value != 'a' || d.Confidence != 50 {
			t.Errorf("position %v: %+v, want inferred 'a'@50", i, d)
		}
	}
	if b.At(1).Value != 'b' || b.At(1).Kind != ByteLiteral {
		t.Errorf("literal disturbed: %+v", b.At(1))
	}
	// A lower-confidence reassignment must not downgrade.
	b.ApplyReplacement(2, 'z', 10)
	if d := b.At(2); d.Value != 'a' || d.Confidence != 50 {
		t.Errorf("lower-confidence reassignment applied: %+v", d)
	}
}

func TestDecodeBufferDiscontinuity(t *testing.T) {
	b := NewDecodeBuffer(false)
	b.PushDiscontinuity(100, true)
	if got := b.Len(); got != 100 {
		t.Fatalf("got %v placeholders, want 100", got)
	}
	// Each placeholder is its own equivalence class.
	if b.At(0).Origin == b.At(1).Origin {
		t.Errorf("placeholders share an origin")
	}
	b.PushLiteral('q', MaxConfidence)
	if err := b.CopyReference(3, 50); err != nil {
		t.Fatal(err)
	}
	if b.At(101).Kind != ByteUnknown {
		t.Errorf("back-reference across the discontinuity should copy unknowns")
	}
	discs := b.Discontinuities()
	if len(discs) != 1 || discs[0].Length != 100 || !discs[0].Cleared {
		t.Errorf("discontinuities: %+v", discs)
	}
}

func TestDecodeBufferResize(t *testing.T) {
	b := NewDecodeBuffer(false)
	b.PushLiteral('a', MaxConfidence)
	b.PushDiscontinuity(10, false)
	b.PushLiteral('z', MaxConfidence)
	b.ResizeDiscontinuity(0, -4)
	if got := b.Len(); got != 8 {
		t.Fatalf("got %v bytes, want 8", got)
	}
	if d := b.At(7); d.Value != 'z' || d.Kind != ByteLiteral {
		t.Errorf("trailing literal lost: %+v", d)
	}
	b.ResizeDiscontinuity(0, 2)
	if got := b.Discontinuities()[0].Length; got != 8 {
		t.Errorf("got length %v, want 8", got)
	}
	if d := b.At(9); d.Value != 'z' || d.Kind != ByteLiteral {
		t.Errorf("trailing literal lost after grow: %+v", d)
	}
}

func TestDecodeBufferFinalizeIdempotent(t *testing.T) {
	b := NewDecodeBuffer(false)
	b.PushLiteral('a', MaxConfidence)
	b.Finalize()
	snapshot := append([]DecodedByte(nil), b.Bytes()...)
	b.Finalize()
	if !b.Finalized() {
		t.Fatal("not finalized")
	}
	for i, d := range b.Bytes() {
		if d != snapshot[i] {
			t.Fatalf("finalize changed byte %v", i)
		}
	}
}
