// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package lm

import (
	"bytes"
	"testing"
)

func buildSampleTrie() *PackedTrie {
	b := NewTrieBuilder()
	b.Add([]byte("the"), 10)
	b.Add([]byte("thy"), 2)
	b.Add([]byte("tea"), 5)
	b.Add([]byte("toe"), 1)
	return b.Pack()
}

func TestTrieFind(t *testing.T) {
	trie := buildSampleTrie()
	for _, tc := range []struct {
		key  string
		freq uint32
	}{
		{"the", 10},
		{"thy", 2},
		{"tea", 5},
		{"toe", 1},
		{"th", 12},
		{"t", 18},
		{"", 18},
	} {
		node := trie.Find([]byte(tc.key))
		if node == NotFound {
			t.Fatalf("%q not found", tc.key)
		}
		if got := trie.Frequency(node); got != tc.freq {
			t.Errorf("%q: got %v, want %v", tc.key, got, tc.freq)
		}
	}
	if trie.Find([]byte("tx")) != NotFound {
		t.Errorf("absent key found")
	}
	if trie.Find([]byte("thee")) != NotFound {
		t.Errorf("key extension beyond a leaf found")
	}
	if got := trie.MaxKeyLength(); got != 3 {
		t.Errorf("max key length %v, want 3", got)
	}
}

func TestTrieEnumerateChildren(t *testing.T) {
	trie := buildSampleTrie()
	node := trie.Find([]byte("th"))
	var labels []byte
	var total uint32
	trie.EnumerateChildren(node, nil, func(label byte, _ uint32, freq uint32) {
		labels = append(labels, label)
		total += freq
	})
	if !bytes.Equal(labels, []byte("ey")) {
		t.Errorf("got labels %q, want ey", labels)
	}
	if total != 12 {
		t.Errorf("got total %v, want 12", total)
	}

	allowed := &WildcardSet{}
	allowed.Add('y')
	n := trie.EnumerateChildren(node, allowed, func(label byte, _, _ uint32) {
		if label != 'y' {
			t.Errorf("disallowed label %q", label)
		}
	})
	if n != 1 {
		t.Errorf("visited %v children, want 1", n)
	}
}

func TestTrieWildcardMatches(t *testing.T) {
	trie := buildSampleTrie()
	th := &WildcardSet{}
	th.Add('t')
	any := FullWildcardSet()
	e := &WildcardSet{}
	e.Add('e')

	matches, total := trie.CountMatches([]*WildcardSet{th, &any, e})
	// "the" and "toe" match t?e.
	if matches != 2 || total != 11 {
		t.Errorf("got %v matches, total %v; want 2, 11", matches, total)
	}

	var keys []string
	trie.Enumerate([]*WildcardSet{th, &any, e}, -1, func(key []byte, _ uint32, freq uint32) {
		keys = append(keys, string(key))
	})
	if len(keys) != 2 || keys[0] != "the" || keys[1] != "toe" {
		t.Errorf("got %v", keys)
	}
}

func TestTrieSerialization(t *testing.T) {
	trie := buildSampleTrie()
	data := trie.WriteTo(nil)
	loaded, err := LoadTrie(data)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"the", "thy", "tea", "toe", "th"} {
		a, b := trie.Find([]byte(key)), loaded.Find([]byte(key))
		if trie.Frequency(a) != loaded.Frequency(b) {
			t.Errorf("%q: %v vs %v", key, trie.Frequency(a), loaded.Frequency(b))
		}
	}
	if _, err := LoadTrie(data[:10]); err == nil {
		t.Errorf("truncated trie loaded")
	}
	data[0] ^= 0xff
	if _, err := LoadTrie(data); err == nil {
		t.Errorf("bad signature accepted")
	}
}

func TestModelSerialization(t *testing.T) {
	m := &Model{
		Forward:        buildSampleTrie(),
		Reverse:        buildSampleTrie(),
		CountsByLength: []uint64{26, 500, 9000},
		Words:          NewWordList(map[string]uint64{"the": 100, "tea": 7}),
	}
	data := WriteModel(m)
	loaded, err := LoadModel(data)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Forward == nil || loaded.Reverse == nil {
		t.Fatal("tries missing")
	}
	if got := loaded.Forward.Frequency(loaded.Forward.Find([]byte("the"))); got != 10 {
		t.Errorf("forward trie: got %v, want 10", got)
	}
	if len(loaded.CountsByLength) != 3 || loaded.CountsByLength[2] != 9000 {
		t.Errorf("counts: %v", loaded.CountsByLength)
	}
	if !loaded.Words.Known([]byte("tea")) || loaded.Words.Known([]byte("xyz")) {
		t.Errorf("word list broken")
	}
	if got := loaded.Words.Lookup([]byte("the")); got != 100 {
		t.Errorf("got %v, want 100", got)
	}
}

func TestWildcardSetOps(t *testing.T) {
	w := FullWildcardSet()
	if w.Size() != 256 || !w.Contains(0) || !w.Contains(255) {
		t.Fatal("full set broken")
	}
	w.Remove('a')
	if w.Contains('a') || w.Size() != 255 {
		t.Errorf("remove broken")
	}
	w.Add('a')
	if !w.Contains('a') || w.Size() != 256 {
		t.Errorf("add broken")
	}
	var s WildcardSet
	s.Add('x')
	if b, ok := s.Only(); !ok || b != 'x' {
		t.Errorf("singleton broken: %v %v", b, ok)
	}
	s.Add('y')
	if _, ok := s.Only(); ok {
		t.Errorf("two-element set reported singleton")
	}
	if got := s.Members(nil); len(got) != 2 || got[0] != 'x' || got[1] != 'y' {
		t.Errorf("members: %q", got)
	}
	s.Remove('x')
	s.Remove('y')
	if !s.Empty() {
		t.Errorf("not empty after removals")
	}
	s.Reset()
	if s.Size() != 256 {
		t.Errorf("reset broken")
	}
}

func TestDetectEncodingUTF8(t *testing.T) {
	text := bytes.Repeat([]byte("na\xc3\xafve caf\xc3\xa9 text here "), 8)
	known := make([]bool, len(text))
	for i := range known {
		known[i] = true
	}
	enc := DetectEncoding(text, known)
	if !enc.AnyText || !enc.UTF8 {
		t.Errorf("UTF-8 not detected: %+v", enc)
	}
	if enc.UTF16 || enc.EUC {
		t.Errorf("spurious encodings: %+v", enc)
	}
}

func TestPruneWildcardsUTF8(t *testing.T) {
	// "ab?cd" with UTF-8 conventions: after a known ASCII byte the
	// unknown cannot be a continuation byte.
	base := bytes.Repeat([]byte("plain ascii text with spaces "), 4)
	text := append(append([]byte{}, base...), 'a', 'b', 0, 'c', 'd')
	known := make([]bool, len(text))
	unresolved := make([]int, len(text))
	for i := range known {
		known[i] = true
		unresolved[i] = -1
	}
	pos := len(base) + 2
	known[pos] = false
	unresolved[pos] = 0

	wc := NewWildcardCollection()
	enc := DetectEncoding(text, known)
	enc.UTF8 = true
	PruneWildcards(wc, text, known, unresolved, enc)
	w := wc.Lookup(0)
	if w == nil {
		t.Fatal("no set created")
	}
	if w.Contains(0x80) || w.Contains(0xbf) {
		t.Errorf("continuation bytes not pruned after ASCII")
	}
	if w.Contains(0xc0) || w.Contains(0xf8) {
		t.Errorf("invalid UTF-8 bytes not pruned")
	}
	if !w.Contains('x') || !w.Contains(' ') {
		t.Errorf("plain ASCII wrongly pruned")
	}
}

func TestPruneEmptySetRecovery(t *testing.T) {
	text := bytes.Repeat([]byte("some reasonable ascii text for detection "), 4)
	known := make([]bool, len(text))
	unresolved := make([]int, len(text))
	for i := range known {
		known[i] = true
		unresolved[i] = -1
	}
	pos := 10
	known[pos] = false
	unresolved[pos] = 3

	wc := NewWildcardCollection()
	// Constrain the set to exactly the bytes UTF-8 pruning removes.
	w := wc.Get(3)
	*w = WildcardSet{}
	w.Add(0xc0)
	w.Add(0xc1)

	enc := DetectEncoding(text, known)
	enc.UTF8 = true
	PruneWildcards(wc, text, known, unresolved, enc)
	if got := wc.Lookup(3); got.Size() != 256 {
		t.Errorf("emptied set did not revert to full: %v candidates", got.Size())
	}
}

func TestSegmentWords(t *testing.T) {
	var words []string
	SegmentWords([]byte("Hello, world! 42 foo_bar"), nil, func(w []byte) {
		words = append(words, string(w))
	})
	want := []string{"Hello", "world", "42", "foo_bar"}
	if len(words) != len(want) {
		t.Fatalf("got %v, want %v", words, want)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Errorf("word %v: got %q, want %q", i, words[i], want[i])
		}
	}
}
