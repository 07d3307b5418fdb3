// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
	"github.com/cosnicolaou/zrecover/lm"
)

func TestFindRepeatedRun(t *testing.T) {
	window := make([]byte, 1024)
	for i := range window {
		window[i] = byte(i)
	}
	for i := 300; i < 460; i++ {
		window[i] = 0xff
	}
	span, ok := findRepeatedRun(window, 0, 8*len(window))
	if !ok {
		t.Fatal("run not found")
	}
	if span.BitStart > 300*8 || span.BitEnd < 460*8 {
		t.Errorf("span %v..%v does not cover the fill", span.BitStart, span.BitEnd)
	}
	if span.Type != CorruptionRepeatedBytes {
		t.Errorf("got %v", span.Type)
	}

	// Just below the threshold: no detection.
	window2 := make([]byte, 1024)
	for i := range window2 {
		window2[i] = byte(i)
	}
	for i := 0; i < minRepetitions-1; i++ {
		window2[100+i] = 0
	}
	if _, ok := findRepeatedRun(window2, 0, 8*len(window2)); ok {
		t.Errorf("sub-threshold run detected")
	}
}

func TestLanguageScoreDetector(t *testing.T) {
	corpus := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 30))
	model := trainModel(corpus)
	words := map[string]uint64{}
	for _, w := range strings.Fields(string(corpus)) {
		words[w]++
	}
	model.Words = lm.NewWordList(words)

	cd := newCorruptionDetector(model, true)
	cur := bitstream.NewCursor(make([]byte, 8), 0)

	// Feed clean text first, then byte garbage; one of the model
	// detectors must fire.
	gen := rand.New(rand.NewSource(randSeed))
	fired := CorruptionNone
	for i := 0; i < 2048 && fired == CorruptionNone; i++ {
		fired = cd.noteByte(corpus[i%len(corpus)], cur)
	}
	if fired != CorruptionNone {
		t.Fatalf("detector fired on clean text: %v", fired)
	}
	for i := 0; i < 4096 && fired == CorruptionNone; i++ {
		fired = cd.noteByte(byte(gen.Intn(256)), cur)
	}
	if fired == CorruptionNone {
		t.Fatal("no detector fired on garbage")
	}
	if _, ok := cd.rewind(); !ok {
		t.Error("no checkpoint to rewind to")
	}
}
