// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package lm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// A WordList is the word-unigram section of a language model: known
// words and their corpus frequencies. It backs the unknown-word
// corruption detector; reconstruction does not consult it.
type WordList struct {
	words map[string]uint64
	total uint64
}

// NewWordList builds a list from explicit frequencies, used by tests
// and by the adaptive per-file model.
func NewWordList(freqs map[string]uint64) *WordList {
	wl := &WordList{words: map[string]uint64{}}
	for w, f := range freqs {
		wl.words[w] = f
		wl.total += f
	}
	return wl
}

// Lookup returns the frequency of word, zero if unknown.
func (wl *WordList) Lookup(word []byte) uint64 {
	if wl == nil {
		return 0
	}
	return wl.words[string(word)]
}

// Known reports whether word appears in the list.
func (wl *WordList) Known(word []byte) bool {
	if wl == nil {
		return false
	}
	_, ok := wl.words[string(word)]
	return ok
}

// Len returns the number of distinct words.
func (wl *WordList) Len() int {
	if wl == nil {
		return 0
	}
	return len(wl.words)
}

// parseWordList reads the word-unigram section: a 32-bit count followed
// by (64-bit frequency, 16-bit length, length-byte key) records, all
// little-endian.
func parseWordList(region []byte) (*WordList, error) {
	if len(region) < 4 {
		return nil, fmt.Errorf("lm: truncated word list")
	}
	count := binary.LittleEndian.Uint32(region)
	region = region[4:]
	wl := &WordList{words: make(map[string]uint64, count)}
	for i := uint32(0); i < count; i++ {
		if len(region) < 10 {
			return nil, fmt.Errorf("lm: truncated word record %v", i)
		}
		freq := binary.LittleEndian.Uint64(region)
		length := int(binary.LittleEndian.Uint16(region[8:]))
		region = region[10:]
		if len(region) < length {
			return nil, fmt.Errorf("lm: truncated word key %v", i)
		}
		wl.words[string(region[:length])] = freq
		wl.total += freq
		region = region[length:]
	}
	return wl, nil
}

// appendWordList serializes the list in the model file layout.
func appendWordList(dst []byte, wl *WordList) []byte {
	words := make([]string, 0, len(wl.words))
	for w := range wl.words {
		words = append(words, w)
	}
	sort.Strings(words)
	var tmp [10]byte
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(words)))
	dst = append(dst, tmp[:4]...)
	for _, w := range words {
		binary.LittleEndian.PutUint64(tmp[:8], wl.words[w])
		binary.LittleEndian.PutUint16(tmp[8:], uint16(len(w)))
		dst = append(dst, tmp[:]...)
		dst = append(dst, w...)
	}
	return dst
}

// SegmentWords splits text into words at whitespace and punctuation,
// reporting each word via cb. Bytes flagged false in known are treated
// as word characters so unresolved positions do not split words.
func SegmentWords(text []byte, known []bool, cb func(word []byte)) {
	start := -1
	for i, b := range text {
		isWord := b >= 0x80 || b == '_' ||
			b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
		if known != nil && !known[i] {
			isWord = true
		}
		if isWord {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			cb(text[start:i])
			start = -1
		}
	}
	if start >= 0 {
		cb(text[start:])
	}
}
