// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package lm

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	modelSignature = "LangModel\x00"
	modelVersion   = 1
	modelHeader    = 14 + 8*8 // signature, version, padding, eight offsets

	// maxAmbig bounds wildcard expansion while walking a history;
	// maxScoreAmbig bounds the total expansions per scored position.
	maxAmbig            = 6
	maxCenterAmbig      = 8
	maxScoreAmbig       = 12 * maxAmbig
	maxCenterScoreAmbig = 30 * maxCenterAmbig

	// minNgram is the shortest context worth consulting.
	minNgram = 2

	lengthFactorCacheSize  = 128
	historyFactorCacheSize = 8192

	// Center-scoring weights: one-sided contexts count more than
	// contexts already covered by the directional passes.
	centerMatchFactor      = 0.25
	centerMatchFactorBidir = 0.15
)

// ScoreFlags selects which context directions a scoring pass may use.
type ScoreFlags uint8

const (
	ScoreForward ScoreFlags = 1 << iota
	ScoreReverse
	ScoreCenter
)

// A Model holds the n-gram tries used for bidirectional scoring: the
// global forward and reverse tries from a model file, optionally
// augmented with per-file adaptive tries built from already-recovered
// text, plus the word unigram list.
type Model struct {
	Forward      *PackedTrie
	Reverse      *PackedTrie
	LocalForward *PackedTrie
	LocalReverse *PackedTrie
	Words        *WordList

	CountsByLength []uint64

	lengthFactors  [lengthFactorCacheSize]float64
	historyFactors [historyFactorCacheSize]float64

	region []byte // mmapped file region, nil for in-memory models
}

// NewModel assembles a model from in-memory tries, used by tests and
// for purely adaptive reconstruction when no model file is available.
func NewModel(forward, reverse *PackedTrie, words *WordList) *Model {
	m := &Model{Forward: forward, Reverse: reverse, Words: words}
	m.initFactorCaches()
	return m
}

// LoadModel parses a language-model file previously read or mapped into
// memory. The region must remain valid for the model's lifetime.
func LoadModel(region []byte) (*Model, error) {
	if len(region) < modelHeader || string(region[:10]) != modelSignature {
		return nil, fmt.Errorf("lm: bad model signature")
	}
	if region[10] != modelVersion {
		return nil, fmt.Errorf("lm: unsupported model version %v", region[10])
	}
	var offsets [8]uint64
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(region[14+8*i:])
	}
	section := func(i int) ([]byte, error) {
		off := offsets[i]
		if off == 0 {
			return nil, nil
		}
		if off > uint64(len(region)) {
			return nil, fmt.Errorf("lm: section %v offset %v out of range", i, off)
		}
		return region[off:], nil
	}

	m := &Model{}
	var err error
	var sec []byte
	if sec, err = section(0); err != nil {
		return nil, err
	} else if sec != nil {
		if m.Forward, err = LoadTrie(sec); err != nil {
			return nil, err
		}
	}
	if sec, err = section(1); err != nil {
		return nil, err
	} else if sec != nil {
		if m.Reverse, err = LoadTrie(sec); err != nil {
			return nil, err
		}
	}
	if sec, err = section(2); err != nil {
		return nil, err
	} else if sec != nil {
		if len(sec) < 4 {
			return nil, fmt.Errorf("lm: truncated count vector")
		}
		n := binary.LittleEndian.Uint32(sec)
		if len(sec) < 4+int(n)*8 {
			return nil, fmt.Errorf("lm: truncated count vector")
		}
		m.CountsByLength = make([]uint64, n)
		for i := range m.CountsByLength {
			m.CountsByLength[i] = binary.LittleEndian.Uint64(sec[4+8*i:])
		}
	}
	if sec, err = section(3); err != nil {
		return nil, err
	} else if sec != nil {
		if m.Words, err = parseWordList(sec); err != nil {
			return nil, err
		}
	}
	if m.Forward == nil {
		return nil, fmt.Errorf("lm: model has no forward trie")
	}
	m.initFactorCaches()
	return m, nil
}

// WriteModel serializes a model into the file layout; tries and word
// list may individually be nil.
func WriteModel(m *Model) []byte {
	buf := make([]byte, modelHeader)
	copy(buf, modelSignature)
	buf[10] = modelVersion
	setOffset := func(i int) {
		binary.LittleEndian.PutUint64(buf[14+8*i:], uint64(len(buf)))
	}
	if m.Forward != nil {
		setOffset(0)
		buf = m.Forward.WriteTo(buf)
	}
	if m.Reverse != nil {
		setOffset(1)
		buf = m.Reverse.WriteTo(buf)
	}
	if len(m.CountsByLength) > 0 {
		setOffset(2)
		var tmp [8]byte
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(m.CountsByLength)))
		buf = append(buf, tmp[:4]...)
		for _, c := range m.CountsByLength {
			binary.LittleEndian.PutUint64(tmp[:], c)
			buf = append(buf, tmp[:]...)
		}
	}
	if m.Words != nil && m.Words.Len() > 0 {
		setOffset(3)
		buf = appendWordList(buf, m.Words)
	}
	return buf
}

// Close releases a memory-mapped model region, if any.
func (m *Model) Close() error {
	if m.region == nil {
		return nil
	}
	region := m.region
	m.region = nil
	m.Forward, m.Reverse, m.Words = nil, nil, nil
	return unmapRegion(region)
}

func (m *Model) initFactorCaches() {
	// exp(len * 0.4) rewards longer contexts; log(hist)/hist discounts
	// evidence from very common histories.
	for i := range m.lengthFactors {
		m.lengthFactors[i] = math.Exp(float64(i) * 0.4)
	}
	m.historyFactors[0] = 0
	for i := 1; i < historyFactorCacheSize; i++ {
		m.historyFactors[i] = math.Log(float64(i)+1) / float64(i)
	}
}

func (m *Model) lengthFactor(n int) float64 {
	if n >= lengthFactorCacheSize {
		n = lengthFactorCacheSize - 1
	}
	return m.lengthFactors[n]
}

func (m *Model) historyFactor(freq uint64) float64 {
	if freq >= historyFactorCacheSize {
		f := float64(freq)
		return math.Log(f+1) / f
	}
	return m.historyFactors[freq]
}

// Reach returns how far, in bytes, one replacement can influence the
// scores of its neighbors: the longest scorable n-gram.
func (m *Model) Reach() int {
	return m.longestNgram()
}

// longestNgram returns the longest context the model can score.
func (m *Model) longestNgram() int {
	n := 0
	if m.Forward != nil && m.Forward.MaxKeyLength() > n {
		n = m.Forward.MaxKeyLength()
	}
	if m.LocalForward != nil && m.LocalForward.MaxKeyLength() > n {
		n = m.LocalForward.MaxKeyLength()
	}
	return n
}

// A ScoreContext is the view of a decode buffer the model scores
// against: the byte values, which of them are trusted, and the wildcard
// index of each unresolved position (-1 for resolved bytes).
type ScoreContext struct {
	Bytes      []byte
	Known      []bool
	Unresolved []int
}

// keyAt assembles a wildcard-aware key covering positions [from, to) of
// the context, in reverse order when reverse is set (matching the
// reverse trie's key order). It returns nil when the span leaves the
// buffer, and the product of wildcard set sizes so callers can bound
// ambiguity.
func (ctx *ScoreContext) keyAt(wc *WildcardCollection, from, to int, reverse bool) (key []*WildcardSet, ambig int) {
	if from < 0 || to > len(ctx.Bytes) {
		return nil, 0
	}
	ambig = 1
	for i := from; i < to; i++ {
		pos := i
		if reverse {
			pos = to - 1 - (i - from)
		}
		if ctx.Known[pos] {
			s := &WildcardSet{}
			s.Add(ctx.Bytes[pos])
			key = append(key, s)
			continue
		}
		w := wc.Lookup(ctx.Unresolved[pos])
		if w == nil || w.Size() == 256 {
			// An unconstrained unknown mid-history defeats matching.
			return nil, 0
		}
		if ambig *= w.Size(); ambig > maxAmbig {
			return nil, 0
		}
		key = append(key, w)
	}
	return key, ambig
}

// ComputeScores scores the unresolved position pos from one direction:
// forward uses the bytes preceding pos, reverse the bytes following it.
// Matching n-grams of every usable length contribute
// weight*lengthFactor*historyFactor, distributed over candidate bytes
// in proportion to their model frequencies. It reports whether any
// context of the desired direction matched.
func (m *Model) ComputeScores(reverse bool, ctx *ScoreContext, wc *WildcardCollection, pos int, score *Score, flags *ContextFlags, weight float64) bool {
	trie, local := m.Forward, m.LocalForward
	if reverse {
		trie, local = m.Reverse, m.LocalReverse
	}
	matched := false
	for _, t := range []*PackedTrie{trie, local} {
		if t == nil {
			continue
		}
		maxN := t.MaxKeyLength()
		minN := minNgram
		if maxN > 4 && minN < 4 {
			minN = 4
		}
		if minN > maxN {
			minN = maxN
		}
		expansions := 0
		for n := minN; n <= maxN; n++ {
			var key []*WildcardSet
			var ambig int
			if reverse {
				key, ambig = ctx.keyAt(wc, pos+1, pos+n, true)
			} else {
				key, ambig = ctx.keyAt(wc, pos-n+1, pos, false)
			}
			if key == nil && n > 1 {
				continue
			}
			if expansions += ambig; expansions > maxScoreAmbig {
				break
			}
			m.scoreHistory(t, key, score, weight, n, flags)
			matched = matched || flags.Contexts > 0
		}
	}
	if matched {
		if reverse {
			flags.GoodRight = true
		} else {
			flags.GoodLeft = true
		}
	}
	return matched
}

// scoreHistory walks each concrete expansion of the history key and
// distributes the history's weight across the possible next bytes.
func (m *Model) scoreHistory(t *PackedTrie, key []*WildcardSet, score *Score, weight float64, n int, flags *ContextFlags) {
	t.Enumerate(key, maxScoreAmbig, func(_ []byte, node uint32, freq uint32) {
		if freq == 0 {
			return
		}
		var total uint64
		t.EnumerateChildren(node, nil, func(_ byte, _, f uint32) {
			total += uint64(f)
		})
		if total == 0 {
			return
		}
		contribution := weight * m.lengthFactor(n) * m.historyFactor(uint64(freq))
		t.EnumerateChildren(node, nil, func(label byte, _, f uint32) {
			score.Add(label, contribution*float64(f)/float64(total))
		})
		flags.Contexts++
		flags.Occurrence += int(freq)
	})
}

// ComputeCenterScores scores pos using n-grams that straddle it,
// combining left and right context symmetrically. Longer and rarer
// contexts weigh more via n^2/avgFreq(n).
func (m *Model) ComputeCenterScores(ctx *ScoreContext, wc *WildcardCollection, pos int, score *Score, flags *ContextFlags, weight float64) bool {
	trie := m.Forward
	if trie == nil {
		return false
	}
	matched := false
	maxN := trie.MaxKeyLength()
	expansions := 0
	for n := 3; n <= maxN; n++ {
		// The unknown byte may sit anywhere strictly inside the n-gram.
		for lead := 1; lead < n-1; lead++ {
			from := pos - lead
			to := from + n
			left, lAmbig := ctx.keyAt(wc, from, pos, false)
			right, rAmbig := ctx.keyAt(wc, pos+1, to, false)
			if left == nil || right == nil {
				continue
			}
			if lAmbig*rAmbig > maxCenterAmbig {
				continue
			}
			if expansions += lAmbig * rAmbig; expansions > maxCenterScoreAmbig {
				return matched
			}
			factor := centerMatchFactor
			if len(left) > 0 && len(right) > 0 {
				factor = centerMatchFactorBidir
			}
			full := make([]*WildcardSet, 0, n)
			full = append(full, left...)
			center := wc.Lookup(ctx.Unresolved[pos])
			if center == nil {
				return matched
			}
			full = append(full, center)
			full = append(full, right...)
			avg := m.averageFrequency(trie, n)
			if avg <= 0 {
				avg = 1
			}
			w := weight * factor * float64(n*n) / avg
			count := 0
			trie.Enumerate(full, maxCenterScoreAmbig, func(key []byte, _ uint32, freq uint32) {
				if freq == 0 {
					return
				}
				score.Add(key[len(left)], w*float64(freq))
				count++
			})
			if count > 0 {
				matched = true
				flags.Contexts += count
			}
		}
	}
	if matched {
		flags.GoodCenter = true
	}
	return matched
}

func (m *Model) averageFrequency(t *PackedTrie, n int) float64 {
	if n-1 < len(m.CountsByLength) && m.CountsByLength[n-1] > 0 {
		return float64(m.CountsByLength[n-1])
	}
	root := t.Frequency(RootIndex)
	if root == 0 {
		return 1
	}
	return math.Sqrt(float64(root))
}
