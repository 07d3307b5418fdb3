// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"context"
	"strings"
	"testing"

	"github.com/cosnicolaou/zrecover/lm"
)

// trainModel builds forward and reverse tries over corpus with n-grams
// up to length 6, mirroring what the model tooling produces.
func trainModel(corpus []byte) *lm.Model {
	fwd, rev := lm.NewTrieBuilder(), lm.NewTrieBuilder()
	const maxN = 6
	for i := range corpus {
		for n := 2; n <= maxN && i+n <= len(corpus); n++ {
			gram := corpus[i : i+n]
			fwd.Add(gram, 1)
			grev := make([]byte, n)
			for j, c := range gram {
				grev[n-1-j] = c
			}
			rev.Add(grev, 1)
		}
	}
	return lm.NewModel(fwd.Pack(), rev.Pack(), nil)
}

func TestReconstructSingleWildcard(t *testing.T) {
	corpus := []byte(strings.Repeat("hello world ", 50))
	model := trainModel(corpus)

	buf := NewDecodeBuffer(false)
	for _, c := range []byte("Hello w") {
		buf.PushLiteral(c, MaxConfidence)
	}
	buf.PushUnknown(buf.NewOrigin())
	for _, c := range []byte("rld") {
		buf.PushLiteral(c, MaxConfidence)
	}

	rc := newReconstructor(buf, model, reconstructorOptions{})
	if err := rc.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	d := buf.At(7)
	if d.Kind != ByteInferred {
		t.Fatalf("position 7 not inferred: %+v", d)
	}
	if d.Value != 'o' {
		t.Errorf("got %q, want 'o'", d.Value)
	}
	if d.Confidence == 0 || d.Confidence >= MaxConfidence {
		t.Errorf("confidence %v outside (0, max)", d.Confidence)
	}
}

func TestReconstructEquivalenceClass(t *testing.T) {
	// Two copies of the same unresolved position must resolve together.
	corpus := []byte(strings.Repeat("the cat sat on the mat ", 40))
	model := trainModel(corpus)

	buf := NewDecodeBuffer(false)
	origin := buf.NewOrigin()
	for _, c := range []byte("the c") {
		buf.PushLiteral(c, MaxConfidence)
	}
	buf.PushUnknown(origin)
	for _, c := range []byte("t sat on the c") {
		buf.PushLiteral(c, MaxConfidence)
	}
	buf.PushUnknown(origin)
	for _, c := range []byte("t ") {
		buf.PushLiteral(c, MaxConfidence)
	}

	rc := newReconstructor(buf, model, reconstructorOptions{})
	if err := rc.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, second := buf.At(5), buf.At(20)
	if first.Kind == ByteUnknown || second.Kind == ByteUnknown {
		t.Fatalf("positions unresolved: %+v %+v", first, second)
	}
	if first.Value != second.Value {
		t.Errorf("equivalence class split: %q vs %q", first.Value, second.Value)
	}
	if first.Value != 'a' {
		t.Errorf("got %q, want 'a'", first.Value)
	}
}

func TestReconstructIdempotent(t *testing.T) {
	corpus := []byte(strings.Repeat("hello world ", 50))
	model := trainModel(corpus)

	buf := NewDecodeBuffer(false)
	for _, c := range []byte("hello w") {
		buf.PushLiteral(c, MaxConfidence)
	}
	buf.PushUnknown(buf.NewOrigin())
	for _, c := range []byte("rld") {
		buf.PushLiteral(c, MaxConfidence)
	}
	rc := newReconstructor(buf, model, reconstructorOptions{})
	if err := rc.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	buf.Finalize()
	snapshot := append([]DecodedByte(nil), buf.Bytes()...)

	rc2 := newReconstructor(buf, model, reconstructorOptions{})
	if err := rc2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, d := range buf.Bytes() {
		if d != snapshot[i] {
			t.Fatalf("rerun changed byte %v: %+v -> %+v", i, snapshot[i], d)
		}
	}
}

func TestRecoverWithReconstruction(t *testing.T) {
	// End to end: a clean stream recovers identically whether or not
	// models are supplied.
	corpus := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 20))
	model := trainModel(corpus)
	comp := deflate(t, corpus, 0)
	res, err := Recover(context.Background(), comp,
		RecoverKnownStart(true),
		RecoverModels(model))
	if err != nil {
		t.Fatal(err)
	}
	for i, d := range res.Bytes {
		if d.Value != corpus[i] || d.Confidence != MaxConfidence {
			t.Fatalf("byte %v: %+v, want literal %q", i, d, corpus[i])
		}
	}
}
