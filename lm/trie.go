// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package lm

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"
)

// A PackedTrie is a static 256-way trie over byte strings laid out as a
// contiguous node array, used to store n-gram frequencies. Interior
// nodes pack a frequency, the index of their first child and a 256-bit
// child presence bitmap with running popcounts for O(1) child lookup.
// Nodes whose children are all leaves reference a separate compact
// terminal array, flagged by the high bit of the child index. The
// packed form is exactly the file representation, so a trie section of
// a model file can be used directly from a memory-mapped region.
type PackedTrie struct {
	nodes     []byte // nodeSize-byte records
	terminals []byte // termSize-byte records
	nodeCount uint32
	termCount uint32
	maxKeyLen int
}

const (
	trieSignature = "PackedTrie\x00"
	trieVersion   = 1
	trieLevelBits = 8

	trieHeaderSize = 32
	nodeSize       = 48 // freq u32, firstChild u32, bitmap 4xu64, popcounts 4xu16
	termSize       = 4  // freq u32

	terminalMask = 0x80000000

	// RootIndex addresses the root node.
	RootIndex = uint32(0)

	// NotFound is returned by Find for absent keys.
	NotFound = ^uint32(0)
)

func (t *PackedTrie) node(index uint32) []byte {
	off := int(index) * nodeSize
	return t.nodes[off : off+nodeSize]
}

// Frequency returns the stored frequency of a node or terminal handle.
func (t *PackedTrie) Frequency(index uint32) uint32 {
	if index == NotFound {
		return 0
	}
	if index&terminalMask != 0 {
		off := int(index&^terminalMask) * termSize
		return binary.LittleEndian.Uint32(t.terminals[off : off+termSize])
	}
	return binary.LittleEndian.Uint32(t.node(index))
}

// MaxKeyLength returns the length of the longest stored key.
func (t *PackedTrie) MaxKeyLength() int {
	return t.maxKeyLen
}

// Terminal reports whether a handle refers to a leaf-only record.
func (t *PackedTrie) Terminal(index uint32) bool {
	return index&terminalMask != 0
}

// ExtendKey steps from *node along the child labelled b, storing the
// child handle in *node. It returns false when no such child exists or
// when *node is already terminal.
func (t *PackedTrie) ExtendKey(node *uint32, b byte) bool {
	idx := *node
	if idx == NotFound || idx&terminalMask != 0 {
		return false
	}
	n := t.node(idx)
	word := uint(b) >> 6
	bit := uint(b) & 63
	w := binary.LittleEndian.Uint64(n[8+8*word:])
	if w&(1<<bit) == 0 {
		return false
	}
	rank := uint32(binary.LittleEndian.Uint16(n[40+2*word:])) +
		uint32(bits.OnesCount64(w&(1<<bit-1)))
	// The terminal flag in the first-child index survives the rank
	// offset since child counts never approach the flag bit.
	*node = binary.LittleEndian.Uint32(n[4:]) + rank
	return true
}

// Find walks key from the root and returns the handle of its node, or
// NotFound.
func (t *PackedTrie) Find(key []byte) uint32 {
	node := RootIndex
	for _, b := range key {
		if !t.ExtendKey(&node, b) {
			return NotFound
		}
	}
	return node
}

// EnumerateChildren invokes cb for every child of node whose label is
// allowed (allowed nil admits all labels), passing the label, the child
// handle and its frequency. It returns the number of children visited.
func (t *PackedTrie) EnumerateChildren(node uint32, allowed *WildcardSet, cb func(label byte, child uint32, freq uint32)) int {
	if node == NotFound || node&terminalMask != 0 {
		return 0
	}
	n := t.node(node)
	first := binary.LittleEndian.Uint32(n[4:])
	visited := 0
	rank := uint32(0)
	for word := 0; word < 4; word++ {
		w := binary.LittleEndian.Uint64(n[8+8*word:])
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			w &= w - 1
			label := byte(word<<6 + bit)
			child := first + rank
			rank++
			if allowed == nil || allowed.Contains(label) {
				cb(label, child, t.Frequency(child))
				visited++
			}
		}
	}
	return visited
}

// CountMatches returns the number of stored keys matching the
// wildcard-aware key, where a nil set at a position admits any label,
// along with their summed frequency.
func (t *PackedTrie) CountMatches(key []*WildcardSet) (matches int, total uint64) {
	var walk func(node uint32, depth int)
	walk = func(node uint32, depth int) {
		if depth == len(key) {
			matches++
			total += uint64(t.Frequency(node))
			return
		}
		t.EnumerateChildren(node, key[depth], func(_ byte, child, _ uint32) {
			walk(child, depth+1)
		})
	}
	walk(RootIndex, 0)
	return
}

// Enumerate walks every stored key matching the wildcard-aware pattern
// and invokes cb with the concrete key and its frequency. Expansion
// stops early, returning false, once cb has been invoked maxMatches
// times with maxMatches >= 0.
func (t *PackedTrie) Enumerate(key []*WildcardSet, maxMatches int, cb func(key []byte, node uint32, freq uint32)) bool {
	concrete := make([]byte, len(key))
	calls := 0
	var walk func(node uint32, depth int) bool
	walk = func(node uint32, depth int) bool {
		if depth == len(key) {
			if maxMatches >= 0 && calls >= maxMatches {
				return false
			}
			calls++
			cb(concrete, node, t.Frequency(node))
			return true
		}
		ok := true
		t.EnumerateChildren(node, key[depth], func(label byte, child, _ uint32) {
			if !ok {
				return
			}
			concrete[depth] = label
			ok = walk(child, depth+1)
		})
		return ok
	}
	return walk(RootIndex, 0)
}

// WriteTo appends the trie's file representation to dst and returns it.
func (t *PackedTrie) WriteTo(dst []byte) []byte {
	var hdr [trieHeaderSize]byte
	copy(hdr[:], trieSignature)
	hdr[11] = trieVersion
	hdr[12] = trieLevelBits
	binary.LittleEndian.PutUint32(hdr[16:], t.nodeCount)
	binary.LittleEndian.PutUint32(hdr[20:], uint32(t.maxKeyLen))
	binary.LittleEndian.PutUint32(hdr[24:], t.termCount)
	dst = append(dst, hdr[:]...)
	dst = append(dst, t.nodes...)
	dst = append(dst, t.terminals...)
	return dst
}

// LoadTrie interprets region as a packed trie, referencing rather than
// copying it; region may be a slice of a memory-mapped model file.
func LoadTrie(region []byte) (*PackedTrie, error) {
	if len(region) < trieHeaderSize || string(region[:11]) != trieSignature {
		return nil, fmt.Errorf("lm: bad trie signature")
	}
	if region[11] != trieVersion {
		return nil, fmt.Errorf("lm: unsupported trie version %v", region[11])
	}
	if region[12] != trieLevelBits {
		return nil, fmt.Errorf("lm: unsupported trie level width %v", region[12])
	}
	nodeCount := binary.LittleEndian.Uint32(region[16:])
	maxKeyLen := binary.LittleEndian.Uint32(region[20:])
	termCount := binary.LittleEndian.Uint32(region[24:])
	nodeBytes := int(nodeCount) * nodeSize
	termBytes := int(termCount) * termSize
	if len(region) < trieHeaderSize+nodeBytes+termBytes {
		return nil, fmt.Errorf("lm: truncated trie: %v bytes", len(region))
	}
	return &PackedTrie{
		nodes:     region[trieHeaderSize : trieHeaderSize+nodeBytes],
		terminals: region[trieHeaderSize+nodeBytes : trieHeaderSize+nodeBytes+termBytes],
		nodeCount: nodeCount,
		termCount: termCount,
		maxKeyLen: int(maxKeyLen),
	}, nil
}

// Size returns the trie's encoded size in bytes including its header.
func (t *PackedTrie) Size() int {
	return trieHeaderSize + len(t.nodes) + len(t.terminals)
}

// A TrieBuilder accumulates keyed frequencies and packs them into a
// PackedTrie. It is used both to build the per-file adaptive models
// during reconstruction and by the model tooling.
type TrieBuilder struct {
	root      *builderNode
	maxKeyLen int
}

type builderNode struct {
	freq     uint32
	children map[byte]*builderNode
}

// NewTrieBuilder returns an empty builder.
func NewTrieBuilder() *TrieBuilder {
	return &TrieBuilder{root: &builderNode{}}
}

// Add accumulates freq for key and for every prefix of key, so interior
// node frequencies hold the shorter n-gram counts.
func (b *TrieBuilder) Add(key []byte, freq uint32) {
	if len(key) > b.maxKeyLen {
		b.maxKeyLen = len(key)
	}
	n := b.root
	n.freq += freq
	for _, c := range key {
		if n.children == nil {
			n.children = map[byte]*builderNode{}
		}
		child := n.children[c]
		if child == nil {
			child = &builderNode{}
			n.children[c] = child
		}
		child.freq += freq
		n = child
	}
}

// Empty reports whether nothing has been added.
func (b *TrieBuilder) Empty() bool {
	return len(b.root.children) == 0
}

// Pack lays the accumulated trie out in breadth-first order and returns
// the packed form. A node's children are kept consecutive in a single
// array: when every child is a leaf they pack into the compact terminal
// array, otherwise all of them (childless siblings included) become
// interior nodes.
func (b *TrieBuilder) Pack() *PackedTrie {
	t := &PackedTrie{maxKeyLen: b.maxKeyLen}

	var interior []*builderNode
	var terminal []*builderNode
	index := map[*builderNode]uint32{}
	queue := []*builderNode{b.root}
	index[b.root] = 0
	interior = append(interior, b.root)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		labels := sortedLabels(n.children)
		if len(labels) == 0 {
			continue
		}
		allLeaf := true
		for _, label := range labels {
			if len(n.children[label].children) != 0 {
				allLeaf = false
			}
		}
		for _, label := range labels {
			child := n.children[label]
			if allLeaf {
				index[child] = uint32(len(terminal)) | terminalMask
				terminal = append(terminal, child)
				continue
			}
			index[child] = uint32(len(interior))
			interior = append(interior, child)
			queue = append(queue, child)
		}
	}

	t.nodeCount = uint32(len(interior))
	t.termCount = uint32(len(terminal))
	t.nodes = make([]byte, len(interior)*nodeSize)
	t.terminals = make([]byte, len(terminal)*termSize)

	for i, n := range interior {
		rec := t.nodes[i*nodeSize : (i+1)*nodeSize]
		binary.LittleEndian.PutUint32(rec, n.freq)
		labels := sortedLabels(n.children)
		if len(labels) > 0 {
			binary.LittleEndian.PutUint32(rec[4:], index[n.children[labels[0]]])
		}
		var bitmap [4]uint64
		for _, label := range labels {
			bitmap[label>>6] |= 1 << uint(label&63)
		}
		run := uint16(0)
		for w := 0; w < 4; w++ {
			binary.LittleEndian.PutUint64(rec[8+8*w:], bitmap[w])
			binary.LittleEndian.PutUint16(rec[40+2*w:], run)
			run += uint16(bits.OnesCount64(bitmap[w]))
		}
	}
	for i, n := range terminal {
		binary.LittleEndian.PutUint32(t.terminals[i*termSize:], n.freq)
	}
	return t
}

func sortedLabels(children map[byte]*builderNode) []byte {
	labels := make([]byte, 0, len(children))
	for c := range children {
		labels = append(labels, c)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}
