// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"math"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
	"github.com/cosnicolaou/zrecover/lm"
)

// Corruption detection thresholds. A run of identical bytes in the
// compressed body marks an unreadable sector; a collapse in language
// model score or a surge of unknown words marks decode that has gone
// off the rails after an undetected bit error.
const (
	minRepetitions = 128

	langWindow    = 256
	langSlide     = 128
	langThreshold = 0.2

	wordWindow    = 512
	wordSlide     = 64
	wordThreshold = 0.4
	wordMinCount  = 8
)

// CorruptionType identifies which detector fired.
type CorruptionType uint8

const (
	CorruptionNone CorruptionType = iota
	CorruptionRepeatedBytes
	CorruptionLanguageScore
	CorruptionUnknownWords
	CorruptionDecodeError
)

func (t CorruptionType) String() string {
	switch t {
	case CorruptionRepeatedBytes:
		return "repeated-bytes"
	case CorruptionLanguageScore:
		return "language-score"
	case CorruptionUnknownWords:
		return "unknown-words"
	case CorruptionDecodeError:
		return "decode-error"
	}
	return "none"
}

// A CorruptionSpan reports a detected corruption within a packet.
type CorruptionSpan struct {
	Type     CorruptionType
	BitStart int
	BitEnd   int
}

// findRepeatedRun scans the compressed bytes of [bitStart, bitEnd) for
// a run of minRepetitions identical bytes and returns the bit span of
// the run.
func findRepeatedRun(window []byte, bitStart, bitEnd int) (CorruptionSpan, bool) {
	lo, hi := bitStart/8, (bitEnd+7)/8
	if hi > len(window) {
		hi = len(window)
	}
	run := 1
	for i := lo + 1; i < hi; i++ {
		if window[i] == window[i-1] {
			run++
			continue
		}
		if run >= minRepetitions {
			return CorruptionSpan{
				Type:     CorruptionRepeatedBytes,
				BitStart: (i - run) * 8,
				BitEnd:   i * 8,
			}, true
		}
		run = 1
	}
	if run >= minRepetitions {
		return CorruptionSpan{
			Type:     CorruptionRepeatedBytes,
			BitStart: (hi - run) * 8,
			BitEnd:   hi * 8,
		}, true
	}
	return CorruptionSpan{}, false
}

// A corruptionDetector watches decoded output during packet decode. The
// checkpoint ring holds one bit cursor per slide so that on detection
// decode can rewind to before the window that went bad.
type corruptionDetector struct {
	model       *lm.Model
	useWords    bool
	checkpoints []bitstream.Cursor
	nextCheck   int
	decoded     []byte
	sinceLang   int
	sinceWord   int
	prevBest    float64
	haveBest    bool
	fired       CorruptionType
}

func newCorruptionDetector(model *lm.Model, useWords bool) *corruptionDetector {
	return &corruptionDetector{
		model:       model,
		useWords:    useWords && model != nil && model.Words != nil,
		checkpoints: make([]bitstream.Cursor, 0, langWindow/langSlide),
	}
}

// noteByte records one decoded byte with the cursor position after its
// symbol, returning the detector that fired, if any.
func (cd *corruptionDetector) noteByte(b byte, cur bitstream.Cursor) CorruptionType {
	if cd == nil || cd.model == nil || cd.fired != CorruptionNone {
		return CorruptionNone
	}
	cd.decoded = append(cd.decoded, b)
	cd.sinceLang++
	cd.sinceWord++
	if cd.sinceLang >= langSlide {
		cd.sinceLang = 0
		cd.checkpoint(cur)
		if cd.languageDropped() {
			cd.fired = CorruptionLanguageScore
			return cd.fired
		}
	}
	if cd.useWords && cd.sinceWord >= wordSlide {
		cd.sinceWord = 0
		if cd.unknownWordsExcessive() {
			cd.fired = CorruptionUnknownWords
			return cd.fired
		}
	}
	return CorruptionNone
}

// rewind returns the oldest checkpoint, bounding the region the firing
// window may have poisoned.
func (cd *corruptionDetector) rewind() (bitstream.Cursor, bool) {
	if len(cd.checkpoints) == 0 {
		return bitstream.Cursor{}, false
	}
	idx := cd.nextCheck // oldest entry once the ring has wrapped
	if len(cd.checkpoints) < cap(cd.checkpoints) {
		idx = 0
	}
	return cd.checkpoints[idx%len(cd.checkpoints)], true
}

func (cd *corruptionDetector) checkpoint(cur bitstream.Cursor) {
	if len(cd.checkpoints) < cap(cd.checkpoints) {
		cd.checkpoints = append(cd.checkpoints, cur)
		return
	}
	cd.checkpoints[cd.nextCheck] = cur
	cd.nextCheck = (cd.nextCheck + 1) % len(cd.checkpoints)
}

// languageDropped scores the latest window against the model and
// compares with the previous window's best score.
func (cd *corruptionDetector) languageDropped() bool {
	if len(cd.decoded) < langWindow {
		return false
	}
	tail := cd.decoded[len(cd.decoded)-langWindow:]
	score := scoreText(cd.model, tail)
	dropped := cd.haveBest && score < langThreshold*cd.prevBest
	if score > 0 {
		cd.prevBest = score
		cd.haveBest = true
	}
	return dropped
}

// unknownWordsExcessive segments the latest window into words and
// checks the unknown ratio against the global word list.
func (cd *corruptionDetector) unknownWordsExcessive() bool {
	if len(cd.decoded) < wordWindow {
		return false
	}
	tail := cd.decoded[len(cd.decoded)-wordWindow:]
	total, unknown := 0, 0
	lm.SegmentWords(tail, nil, func(word []byte) {
		if len(word) < 2 {
			return
		}
		total++
		if !cd.model.Words.Known(lowercase(word)) {
			unknown++
		}
	})
	return total >= wordMinCount && float64(unknown) >= wordThreshold*float64(total)
}

// scoreText sums, over every start position in text, the log frequency
// of the longest forward-trie match of at least two bytes weighted by
// its length, a cheap proxy for language likelihood.
func scoreText(model *lm.Model, text []byte) float64 {
	trie := model.Forward
	if trie == nil {
		return 0
	}
	maxN := trie.MaxKeyLength()
	score := 0.0
	for i := 0; i < len(text); i++ {
		node := lm.RootIndex
		depth := 0
		var freq uint32
		for j := i; j < len(text) && depth < maxN; j++ {
			if !trie.ExtendKey(&node, text[j]) {
				break
			}
			depth++
			freq = trie.Frequency(node)
		}
		if depth >= 2 && freq > 0 {
			score += math.Log1p(float64(freq)) * float64(depth)
		}
	}
	return score
}

func lowercase(word []byte) []byte {
	out := make([]byte, len(word))
	for i, b := range word {
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out[i] = b
	}
	return out
}
