// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zrecover

import (
	"container/heap"
	"context"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type recovererOpts struct {
	verbose     bool
	concurrency int
	progressCh  chan<- Progress
	recOpts     []RecoverOption
}

// RecovererOption represents an option to NewRecoverer.
type RecovererOption func(*recovererOpts)

// RecovererConcurrency sets the number of streams recovered in
// parallel. Streams share nothing but the read-only language models, so
// they scale independently.
func RecovererConcurrency(n int) RecovererOption {
	return func(o *recovererOpts) {
		o.concurrency = n
	}
}

// RecovererSendUpdates sets the channel for sending progress updates
// over.
func RecovererSendUpdates(ch chan<- Progress) RecovererOption {
	return func(o *recovererOpts) {
		o.progressCh = ch
	}
}

// RecovererOptions passes recovery options through to each stream.
func RecovererOptions(opts ...RecoverOption) RecovererOption {
	return func(o *recovererOpts) {
		o.recOpts = append(o.recOpts, opts...)
	}
}

// A Recoverer recovers multiple independent damaged streams
// concurrently, reassembling their plain text output in submission
// order. It is designed to work in conjunction with a container
// scanner that extracts one byte window per compressed stream.
type Recoverer struct {
	order uint64 // must be at start of struct to be aligned.

	ctx    context.Context
	grp    *errgroup.Group
	grpCtx context.Context
	workCh chan *streamDesc
	doneCh chan *streamDesc
	doneWg sync.WaitGroup
	opts   recovererOpts

	prd *io.PipeReader
	pwr *io.PipeWriter

	heap *streamHeap
}

type streamDesc struct {
	order  uint64
	window []byte
	opts   []RecoverOption

	result   *RecoveryResult
	err      error
	duration time.Duration
}

// NewRecoverer creates a new parallel recoverer.
func NewRecoverer(ctx context.Context, opts ...RecovererOption) *Recoverer {
	o := recovererOpts{
		concurrency: runtime.GOMAXPROCS(-1),
	}
	for _, fn := range opts {
		fn(&o)
	}
	rc := &Recoverer{
		ctx:    ctx,
		workCh: make(chan *streamDesc, o.concurrency),
		doneCh: make(chan *streamDesc, o.concurrency),
		opts:   o,
		heap:   &streamHeap{},
	}
	rc.prd, rc.pwr = io.Pipe()
	heap.Init(rc.heap)
	rc.grp, rc.grpCtx = errgroup.WithContext(ctx)
	for i := 0; i < o.concurrency; i++ {
		rc.grp.Go(rc.worker)
	}
	rc.doneWg.Add(1)
	go func() {
		rc.assemble()
		rc.doneWg.Done()
	}()
	return rc
}

func (rc *Recoverer) worker() error {
	for {
		select {
		case stream := <-rc.workCh:
			if stream == nil {
				return nil
			}
			start := time.Now()
			stream.result, stream.err = Recover(rc.grpCtx, stream.window,
				append(append([]RecoverOption(nil), rc.opts.recOpts...), stream.opts...)...)
			stream.duration = time.Since(start)
			select {
			case rc.doneCh <- stream:
			case <-rc.grpCtx.Done():
				return rc.grpCtx.Err()
			}
		case <-rc.grpCtx.Done():
			return rc.grpCtx.Err()
		}
	}
}

// Recover submits one stream's byte window for recovery. Output appears
// on the Read side in submission order.
func (rc *Recoverer) Recover(window []byte, opts ...RecoverOption) error {
	order := atomic.AddUint64(&rc.order, 1)
	select {
	case rc.workCh <- &streamDesc{order: order, window: window, opts: opts}:
	case <-rc.ctx.Done():
		return rc.ctx.Err()
	}
	return nil
}

// Cancel unblocks any readers of this recoverer.
func (rc *Recoverer) Cancel(err error) {
	rc.pwr.CloseWithError(err)
}

// Finish waits for all submitted streams to complete and their output
// to be reassembled. It should be called exactly once.
func (rc *Recoverer) Finish() error {
	close(rc.workCh)
	err := rc.grp.Wait()
	close(rc.doneCh)
	rc.doneWg.Wait()
	return err
}

func (rc *Recoverer) assemble() {
	defer rc.pwr.Close()
	expected := uint64(1)
	for stream := range rc.doneCh {
		heap.Push(rc.heap, stream)
		for len(*rc.heap) > 0 && (*rc.heap)[0].order == expected {
			min := heap.Pop(rc.heap).(*streamDesc)
			expected++
			if min.err != nil {
				rc.pwr.CloseWithError(min.err)
				return
			}
			if _, err := WritePlainText(rc.pwr, min.result, DefaultPlaceholder); err != nil {
				rc.pwr.CloseWithError(err)
				return
			}
		}
	}
}

// Read implements io.Reader on the reassembled recovered streams.
func (rc *Recoverer) Read(buf []byte) (int, error) {
	return rc.prd.Read(buf)
}

type streamHeap []*streamDesc

func (h streamHeap) Len() int           { return len(h) }
func (h streamHeap) Less(i, j int) bool { return h[i].order < h[j].order }
func (h streamHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *streamHeap) Push(x interface{}) {
	*h = append(*h, x.(*streamDesc))
}

func (h *streamHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
