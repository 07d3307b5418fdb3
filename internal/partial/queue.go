// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package partial

import "container/heap"

// Strategy selects the order in which hypotheses are expanded.
type Strategy int

const (
	// BreadthFirst expands all hypotheses of the current frontier
	// before any longer ones, via per-extension-length stacks. This is
	// the default: it keeps the frontier coherent so the longest-stream
	// queue fills monotonically.
	BreadthFirst Strategy = iota
	// BestFirst always expands the longest pending hypothesis.
	BestFirst
	// DepthFirst expands the most recently produced hypothesis.
	DepthFirst
	// DepthThenBreadth runs depth-first until a hypothesis reaches
	// dfsToBFSThreshold bits, then reverts to breadth-first.
	DepthThenBreadth
)

// dfsToBFSThreshold is the extension length at which DepthThenBreadth
// switches over.
const dfsToBFSThreshold = 128

// maxExtension is the longest single extension: a maximal code plus its
// extra bits.
const maxExtension = maxBitLength + 16

// A searchQueue holds pending hypotheses under a capacity bound. When
// full, the incoming hypothesis is dropped, except under BestFirst,
// where it displaces the heap's last element if that one is shorter;
// that element is not necessarily the shortest pending hypothesis.
type searchQueue struct {
	strategy Strategy
	capacity int
	size     int

	// Breadth-first: stacks[i] holds hypotheses explaining
	// (frontier+i) bits; popping drains stacks[0], shifting advances
	// the frontier one bit.
	stacks   [maxExtension + 1][]*Hypothesis
	frontier uint32
	seeded   bool

	// Depth-first stack and best-first heap.
	lifo []*Hypothesis
	best hypHeap
}

func newSearchQueue(strategy Strategy, capacity int) *searchQueue {
	return &searchQueue{strategy: strategy, capacity: capacity}
}

func (q *searchQueue) empty() bool {
	return q.size == 0
}

// push inserts a hypothesis, reporting false when it was dropped for
// capacity.
func (q *searchQueue) push(h *Hypothesis) bool {
	switch q.strategy {
	case BestFirst:
		if q.size >= q.capacity {
			if len(q.best) > 0 && q.best[len(q.best)-1].bitCount >= h.bitCount {
				return false
			}
			// Displace the heap tail, which is never the longest
			// pending hypothesis.
			q.best = q.best[:len(q.best)-1]
			q.size--
		}
		heap.Push(&q.best, h)
		q.size++
		return true
	case DepthFirst:
		if q.size >= q.capacity {
			return false
		}
		q.lifo = append(q.lifo, h)
		q.size++
		return true
	case DepthThenBreadth:
		if h.bitCount < dfsToBFSThreshold {
			if q.size >= q.capacity {
				return false
			}
			q.lifo = append(q.lifo, h)
			q.size++
			return true
		}
		fallthrough
	default:
		return q.pushBFS(h)
	}
}

func (q *searchQueue) pushBFS(h *Hypothesis) bool {
	if q.size >= q.capacity {
		return false
	}
	if !q.seeded {
		q.frontier = h.bitCount
		q.seeded = true
	}
	idx := int(h.bitCount) - int(q.frontier)
	if idx < 0 {
		// Behind the frontier; expand immediately with the current
		// generation.
		idx = 0
	}
	if idx > maxExtension {
		idx = maxExtension
	}
	q.stacks[idx] = append(q.stacks[idx], h)
	q.size++
	return true
}

// pop removes the next hypothesis to expand.
func (q *searchQueue) pop() *Hypothesis {
	if q.size == 0 {
		return nil
	}
	q.size--
	switch q.strategy {
	case BestFirst:
		return heap.Pop(&q.best).(*Hypothesis)
	case DepthFirst:
		h := q.lifo[len(q.lifo)-1]
		q.lifo = q.lifo[:len(q.lifo)-1]
		return h
	case DepthThenBreadth:
		if len(q.lifo) > 0 {
			h := q.lifo[len(q.lifo)-1]
			q.lifo = q.lifo[:len(q.lifo)-1]
			return h
		}
	}
	for {
		if s := q.stacks[0]; len(s) > 0 {
			h := s[len(s)-1]
			q.stacks[0] = s[:len(s)-1]
			return h
		}
		// Frontier exhausted; shift every stack down one bit.
		copy(q.stacks[:], q.stacks[1:])
		q.stacks[maxExtension] = nil
		q.frontier++
	}
}

// hypHeap orders hypotheses longest first. Its tail is a leaf and can
// be removed cheaply, but it is not necessarily the shortest entry.
type hypHeap []*Hypothesis

func (h hypHeap) Len() int            { return len(h) }
func (h hypHeap) Less(i, j int) bool  { return h[i].bitCount > h[j].bitCount }
func (h hypHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hypHeap) Push(x interface{}) { *h = append(*h, x.(*Hypothesis)) }
func (h *hypHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
