// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
	"github.com/cosnicolaou/zrecover/internal/flate"
	"github.com/cosnicolaou/zrecover/internal/partial"
	"github.com/cosnicolaou/zrecover/lm"
)

// Error kinds surfaced by recovery; lower-level failures are recorded
// as corruption spans and unresolved output rather than returned.
var (
	ErrInvalidHeader   = flate.ErrInvalidHeader
	ErrInvalidTree     = flate.ErrInvalidTree
	ErrInvalidSymbol   = flate.ErrInvalidSymbol
	ErrUnexpectedEOF   = flate.ErrUnexpectedEOF
	ErrExhaustedSearch = partial.ErrExhaustedSearch
	ErrResourceLimit   = partial.ErrResourceLimit

	// ErrCorruptionDetected reports that a detector fired inside a
	// packet; recovery continues at the next resynchronization point.
	ErrCorruptionDetected = errors.New("zrecover: corruption detected")

	// ErrNothingRecovered is returned when the entire window is
	// unreadable.
	ErrNothingRecovered = errors.New("zrecover: no packet could be recovered")
)

type recoverOpts struct {
	deflate64     bool
	bitStart      int
	bitEnd        int
	knownStart    bool
	knownEnd      bool
	models        *lm.Model
	verbose       bool
	progressCh    chan<- Progress
	scanOpts      []ScannerOption
	searchOpts    partial.Options
	reconstruct   bool
	partialPacket bool
	alignSpans    bool
	useWordModel  bool
	aggressive    bool
	iterations    int
}

// RecoverOption represents an option to Recover.
type RecoverOption func(*recoverOpts)

// RecoverDeflate64 selects the DEFLATE64 dialect.
func RecoverDeflate64(v bool) RecoverOption {
	return func(o *recoverOpts) { o.deflate64 = v }
}

// RecoverBitRange restricts recovery to a bit range of the window; end
// -1 means the end of the window.
func RecoverBitRange(start, end int) RecoverOption {
	return func(o *recoverOpts) { o.bitStart, o.bitEnd = start, end }
}

// RecoverKnownStart declares that the window begins at the true stream
// start, so no unrecovered prefix precedes it.
func RecoverKnownStart(v bool) RecoverOption {
	return func(o *recoverOpts) { o.knownStart = v }
}

// RecoverKnownEnd declares that the window ends at the true stream end.
func RecoverKnownEnd(v bool) RecoverOption {
	return func(o *recoverOpts) { o.knownEnd = v }
}

// RecoverModels supplies the language models used for corruption
// detection and byte reconstruction; nil disables both.
func RecoverModels(m *lm.Model) RecoverOption {
	return func(o *recoverOpts) { o.models = m }
}

// RecoverVerbose controls verbose logging during recovery.
func RecoverVerbose(v bool) RecoverOption {
	return func(o *recoverOpts) { o.verbose = v }
}

// RecoverSendUpdates sets the channel for sending progress updates
// over.
func RecoverSendUpdates(ch chan<- Progress) RecoverOption {
	return func(o *recoverOpts) { o.progressCh = ch }
}

// RecoverReconstruction enables statistical reconstruction of
// unresolved bytes; it requires models.
func RecoverReconstruction(v bool) RecoverOption {
	return func(o *recoverOpts) { o.reconstruct = v }
}

// RecoverPartialPackets enables hypothesis search over packets whose
// headers are missing.
func RecoverPartialPackets(v bool) RecoverOption {
	return func(o *recoverOpts) { o.partialPacket = v }
}

// RecoverAlignDiscontinuities enables the shift search that aligns
// output across unrecoverable spans during reconstruction.
func RecoverAlignDiscontinuities(v bool) RecoverOption {
	return func(o *recoverOpts) { o.alignSpans = v }
}

// RecoverUseWordModel enables the unknown-word corruption detector.
func RecoverUseWordModel(v bool) RecoverOption {
	return func(o *recoverOpts) { o.useWordModel = v }
}

// RecoverAggressive enables the periodic maximum-likelihood replacement
// pass during reconstruction.
func RecoverAggressive(v bool) RecoverOption {
	return func(o *recoverOpts) { o.aggressive = v }
}

// RecoverIterations bounds reconstruction iterations; zero means run to
// convergence.
func RecoverIterations(n int) RecoverOption {
	return func(o *recoverOpts) { o.iterations = n }
}

// RecoverScannerOptions passes options through to the packet scanner.
func RecoverScannerOptions(opts ...ScannerOption) RecoverOption {
	return func(o *recoverOpts) { o.scanOpts = append(o.scanOpts, opts...) }
}

// RecoverSearchStrategy selects the partial-packet search order.
func RecoverSearchStrategy(s partial.Strategy) RecoverOption {
	return func(o *recoverOpts) { o.searchOpts.Strategy = s }
}

// RecoverMaxHypotheses bounds the partial-packet search queue.
func RecoverMaxHypotheses(n int) RecoverOption {
	return func(o *recoverOpts) { o.searchOpts.MaxHypotheses = n }
}

// Progress is used to report the progress of a recovery. Packet events
// carry the packet ordinal; hypothesis-search ticks carry the number of
// attempted expansions.
type Progress struct {
	Packet     int
	Kind       PacketKind
	Compressed int // compressed size in bits
	Size       int // recovered bytes so far
	Expansions uint64
}

// RecoveryResult is the outcome of recovering one window.
type RecoveryResult struct {
	// Bytes is the recovered output: literals, inferred literals with
	// confidence, and unresolved positions.
	Bytes []DecodedByte
	// Corruption lists the spans the detectors flagged.
	Corruption []CorruptionSpan
	// Packets is the located packet chain.
	Packets *Packet
	// Discontinuities lists placeholder runs inserted for unrecoverable
	// spans.
	Discontinuities []Discontinuity
}

// Recover scans the supplied window for DEFLATE packets and decodes
// whatever can be recovered: intact packets directly, header-missing
// packets by hypothesis search, and unresolved bytes by statistical
// reconstruction when models are supplied. Partial output with
// confidence annotations is returned unless the entire window is
// unreadable.
func Recover(ctx context.Context, window []byte, opts ...RecoverOption) (*RecoveryResult, error) {
	o := recoverOpts{bitEnd: -1, knownEnd: true, partialPacket: true, reconstruct: true}
	for _, fn := range opts {
		fn(&o)
	}
	if o.bitEnd < 0 {
		o.bitEnd = 8 * len(window)
	}
	r := &recovery{opts: o, window: window}
	return r.run(ctx)
}

type recovery struct {
	opts   recoverOpts
	window []byte

	buf     *DecodeBuffer
	spans   []CorruptionSpan
	packets *Packet
	ordinal int
}

func (r *recovery) trace(format string, args ...interface{}) {
	if r.opts.verbose {
		log.Printf(format, args...)
	}
}

func (r *recovery) progress(ctx context.Context, p Progress) {
	if r.opts.progressCh == nil {
		return
	}
	select {
	case r.opts.progressCh <- p:
	case <-ctx.Done():
	}
}

func (r *recovery) run(ctx context.Context) (*RecoveryResult, error) {
	sc := NewScanner(r.window,
		append([]ScannerOption{
			ScanDeflate64(r.opts.deflate64),
			ScanBitRange(r.opts.bitStart, r.opts.bitEnd),
		}, r.opts.scanOpts...)...)
	chain := sc.Chain()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, ErrNothingRecovered
	}
	r.packets = chain
	r.buf = NewDecodeBuffer(r.opts.deflate64)

	if !r.opts.knownStart && !(chain.MissingHeader && chain.BitStart == r.opts.bitStart) {
		// Back-references of the first packet may reach into output we
		// never saw; reserve a window of unresolved positions for them.
		r.buf.PushDiscontinuity(r.buf.Window(), true)
	}

	recovered := false
	for p := chain; p != nil; p = p.Next {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := sc.SplitForward(p); err != nil {
			r.trace("split %v: %v", p, err)
		}
		p.UncompressedOffset = uint64(r.buf.Len())
		var err error
		if p.MissingHeader {
			err = r.decodePartial(ctx, p)
		} else {
			err = r.decodePacket(ctx, p)
		}
		if err != nil {
			r.trace("packet %v: %v", p, err)
		} else {
			recovered = true
		}
		p.UncompressedSize = uint32(uint64(r.buf.Len()) - p.UncompressedOffset)
		r.ordinal++
		r.progress(ctx, Progress{
			Packet:     r.ordinal,
			Kind:       p.Kind,
			Compressed: p.SizeInBits(),
			Size:       r.buf.Len(),
		})
	}
	if !recovered {
		return nil, ErrNothingRecovered
	}

	if r.opts.reconstruct && r.opts.models != nil {
		rec := newReconstructor(r.buf, r.opts.models, reconstructorOptions{
			iterations: r.opts.iterations,
			alignSpans: r.opts.alignSpans,
			aggressive: r.opts.aggressive,
		})
		if err := rec.Run(ctx); err != nil {
			return nil, err
		}
	}
	r.buf.Finalize()

	return &RecoveryResult{
		Bytes:           r.buf.Bytes(),
		Corruption:      r.spans,
		Packets:         r.packets,
		Discontinuities: r.buf.Discontinuities(),
	}, nil
}

// decodePacket decodes one located packet, watching for corruption and
// resynchronizing past it when possible.
func (r *recovery) decodePacket(ctx context.Context, p *Packet) error {
	cur := bitstream.NewCursor(r.window, p.BitStart)
	end := bitstream.NewCursor(r.window, p.BitEnd)
	_, kind, err := flate.ReadHeader(&cur, end)
	if err != nil {
		return err
	}

	if kind == flate.PacketUncompressed {
		return r.decodeUncompressed(cur, end)
	}

	var st *flate.SymbolTable
	if kind == flate.PacketFixedHuffman {
		st = flate.FixedSymbolTable(p.Deflate64)
	} else {
		if st, err = flate.ParseDynamic(&cur, end, p.Deflate64); err != nil {
			return err
		}
	}

	// An unreadable-sector fill inside the compressed body is marked up
	// front so decode stops before it.
	var repeated CorruptionSpan
	haveRepeat := false
	if span, ok := findRepeatedRun(r.window, cur.Offset(), p.BitEnd); ok {
		repeated, haveRepeat = span, true
		p.CorruptionStart = uint32(span.BitStart)
		p.CorruptionEnd = uint32(span.BitEnd)
		r.spans = append(r.spans, span)
	}

	cd := newCorruptionDetector(r.opts.models, r.opts.useWordModel)
	for {
		if haveRepeat && cur.Offset() >= repeated.BitStart {
			return r.skipCorruption(st, p, repeated.BitEnd, end)
		}
		sym, err := st.NextSymbol(&cur, end)
		if err != nil {
			return r.noteDecodeFailure(st, p, cur, end, err)
		}
		switch {
		case sym < flate.EndOfData:
			r.buf.PushLiteral(byte(sym), MaxConfidence)
			if fired := cd.noteByte(byte(sym), cur); fired != CorruptionNone {
				return r.noteModelCorruption(st, p, cd, fired, cur, end)
			}
		case sym == flate.EndOfData:
			return nil
		default:
			length, err := st.GetLength(int(sym), &cur, end)
			if err != nil {
				return r.noteDecodeFailure(st, p, cur, end, err)
			}
			distance, err := st.GetDistance(&cur, end)
			if err != nil {
				return r.noteDecodeFailure(st, p, cur, end, err)
			}
			if err := r.buf.CopyReference(length, distance); err != nil {
				return r.noteDecodeFailure(st, p, cur, end, err)
			}
			for i := r.buf.Len() - length; i < r.buf.Len(); i++ {
				if d := r.buf.At(i); d.Known() {
					if fired := cd.noteByte(d.Value, cur); fired != CorruptionNone {
						return r.noteModelCorruption(st, p, cd, fired, cur, end)
					}
				}
			}
		}
	}
}

func (r *recovery) decodeUncompressed(cur bitstream.Cursor, end bitstream.Cursor) error {
	cur.AlignToByte()
	if !cur.InBounds(end, 32) {
		return ErrUnexpectedEOF
	}
	size := int(cur.NextBits(16))
	invSize := int(cur.NextBits(16))
	if size^invSize != 0xffff {
		return ErrInvalidHeader
	}
	if !cur.InBounds(end, size*8) {
		return ErrUnexpectedEOF
	}
	for i := 0; i < size; i++ {
		r.buf.PushLiteral(cur.GetByte(), MaxConfidence)
		cur.Advance(8)
	}
	return nil
}

// noteDecodeFailure records an in-packet decode failure and tries to
// resynchronize with the packet's own trees.
func (r *recovery) noteDecodeFailure(st *flate.SymbolTable, p *Packet, cur bitstream.Cursor, end bitstream.Cursor, err error) error {
	if p.CorruptionStart == 0 {
		p.CorruptionStart = uint32(cur.Offset())
		p.CorruptionEnd = uint32(p.BitEnd)
	}
	r.spans = append(r.spans, CorruptionSpan{
		Type:     CorruptionDecodeError,
		BitStart: cur.Offset(),
		BitEnd:   p.BitEnd,
	})
	return r.resumeAfter(st, p, cur, end, err)
}

// noteModelCorruption handles a language or word model firing: the
// affected region is bounded by the detector's oldest checkpoint.
func (r *recovery) noteModelCorruption(st *flate.SymbolTable, p *Packet, cd *corruptionDetector, fired CorruptionType, cur bitstream.Cursor, end bitstream.Cursor) error {
	start := cur
	if chk, ok := cd.rewind(); ok {
		start = chk
	}
	p.CorruptionStart = uint32(start.Offset())
	p.CorruptionEnd = uint32(cur.Offset())
	r.spans = append(r.spans, CorruptionSpan{
		Type:     fired,
		BitStart: start.Offset(),
		BitEnd:   cur.Offset(),
	})
	return r.resumeAfter(st, p, cur, end, fmt.Errorf("%w: %v at bit %v", ErrCorruptionDetected, fired, start.Offset()))
}

// skipCorruption advances past a known-bad span and resynchronizes.
func (r *recovery) skipCorruption(st *flate.SymbolTable, p *Packet, resumeBit int, end bitstream.Cursor) error {
	resume := bitstream.NewCursor(r.window, resumeBit)
	return r.resumeAfter(st, p, resume, end, fmt.Errorf("%w: repeated-byte fill", ErrCorruptionDetected))
}

// resumeAfter inserts a discontinuity and, when the packet's trees are
// known, resynchronizes decoding at the point where all nearby bit
// offsets reconverge.
func (r *recovery) resumeAfter(st *flate.SymbolTable, p *Packet, from bitstream.Cursor, end bitstream.Cursor, cause error) error {
	r.trace("packet @%v: %v; resynchronizing", p.BitStart, cause)
	r.buf.PushDiscontinuity(r.buf.Window(), false)
	resync, ok := partial.Resync(st, from, end)
	if !ok {
		return cause
	}
	cur := resync
	for {
		sym, err := st.NextSymbol(&cur, end)
		if err != nil {
			return err
		}
		switch {
		case sym < flate.EndOfData:
			r.buf.PushLiteral(byte(sym), MaxConfidence)
		case sym == flate.EndOfData:
			return nil
		default:
			length, err := st.GetLength(int(sym), &cur, end)
			if err != nil {
				return err
			}
			distance, err := st.GetDistance(&cur, end)
			if err != nil {
				return err
			}
			if err := r.buf.CopyReference(length, distance); err != nil {
				return err
			}
		}
	}
}

// decodePartial reconstructs a header-missing packet by hypothesis
// search and replays the winning hypothesis into the buffer.
func (r *recovery) decodePartial(ctx context.Context, p *Packet) error {
	if !r.opts.partialPacket {
		r.buf.PushDiscontinuity(r.buf.Window(), true)
		return ErrExhaustedSearch
	}
	start := bitstream.NewCursor(r.window, p.BitStart)
	end := bitstream.NewCursor(r.window, p.BitEnd)
	opts := r.opts.searchOpts
	opts.Deflate64 = p.Deflate64
	opts.Progress = func(expansions uint64) {
		r.progress(ctx, Progress{Packet: r.ordinal + 1, Expansions: expansions})
	}
	search := partial.NewSearch(start, end, opts)
	h, err := search.Run()
	if err != nil {
		// The fragment is unrecoverable; reserve addressability for
		// later packets and move on.
		r.buf.PushDiscontinuity(r.buf.Window(), true)
		return err
	}
	rec, err := partial.Decode(h, end, p.Deflate64)
	if err != nil {
		r.buf.PushDiscontinuity(r.buf.Window(), true)
		return err
	}
	r.trace("partial packet @%v: %v bits reconstructed, %v events, %v literal classes",
		rec.Start.Offset(), rec.Bits, len(rec.Events), rec.Classes)

	// Bits before the resynchronization point are lost; the prefix they
	// would have produced is unknown.
	r.buf.PushDiscontinuity(r.buf.Window(), true)
	origins := make(map[int]uint32, rec.Classes)
	for _, ev := range rec.Events {
		switch ev.Kind {
		case partial.EventLiteral:
			origin, ok := origins[ev.Class]
			if !ok {
				origin = r.buf.NewOrigin()
				origins[ev.Class] = origin
			}
			r.buf.PushUnknown(origin)
		case partial.EventBackref:
			if err := r.buf.CopyReference(ev.Length, ev.Distance); err != nil {
				return err
			}
		}
	}
	return nil
}
