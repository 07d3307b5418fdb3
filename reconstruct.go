// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"context"
	"math"

	"github.com/cosnicolaou/zrecover/lm"
)

// Reconstruction tuning. Replacement is conservative: only candidates
// within wildcardScoreCutoff of the best confidence are applied each
// step, with a periodic aggressive pass for overwhelming ratios and a
// final low-bar sweep.
const (
	wildcardScoreCutoff = 0.96
	desiredContexts     = 5
	maxScoreRatio       = 10000
	maxHighRatio        = 4.0
	ratioWeight         = 8.0
	ratioAdj            = 1.2
	highScoreAdj        = 1.0

	aggressiveInterval = 50
	aggressiveRatio    = 25.0
	finalPassRatio     = 1.2

	maxLocalNgram = 6

	// localModelFloor is the confidence an inferred byte needs before
	// it feeds the adaptive per-file model.
	localModelFloor = 90
)

type reconstructorOptions struct {
	iterations int
	alignSpans bool
	aggressive bool
}

// A reconstructor iteratively assigns values to unresolved positions of
// a decode buffer using the bidirectional n-gram models, until a full
// pass produces no further replacements.
type reconstructor struct {
	buf   *DecodeBuffer
	model *lm.Model
	opts  reconstructorOptions

	wilds  *lm.WildcardCollection
	scores *lm.ScoreCollection

	ctx lm.ScoreContext
}

func newReconstructor(buf *DecodeBuffer, model *lm.Model, opts reconstructorOptions) *reconstructor {
	if opts.iterations == 0 {
		opts.iterations = 1 << 30
	}
	return &reconstructor{
		buf:   buf,
		model: model,
		opts:  opts,
	}
}

// Run drives reconstruction to convergence. Rerunning on an already
// finalized buffer with no unresolved positions is a no-op, so
// finalization is idempotent.
func (rc *reconstructor) Run(ctx context.Context) error {
	rc.wilds = lm.NewWildcardCollection()
	steps := 0
	for iter := 0; iter < rc.opts.iterations; iter++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		model := rc.withLocalModels()
		rc.refreshContext()
		rc.pruneWildcards()
		replaced := rc.collapseSingletons()

		rc.scores = lm.NewScoreCollection()
		unresolved := rc.scoreAll(model)
		if len(unresolved) == 0 {
			break
		}
		replaced += rc.applyBest(model, unresolved)
		steps++
		if rc.opts.aggressive && steps%aggressiveInterval == 0 {
			replaced += rc.applyByRatio(unresolved, aggressiveRatio)
		}
		if replaced == 0 {
			rc.applyByRatio(unresolved, finalPassRatio)
			break
		}
		if rc.opts.alignSpans {
			rc.alignDiscontinuities(model)
		}
	}
	return nil
}

// withLocalModels builds the adaptive per-file tries from
// high-confidence text and returns a model view holding them. The view
// is discarded at the end of the iteration, bounding peak memory.
func (rc *reconstructor) withLocalModels() *lm.Model {
	fwd, rev := lm.NewTrieBuilder(), lm.NewTrieBuilder()
	data := rc.buf.Bytes()
	run := make([]byte, 0, maxLocalNgram)
	flush := func() {
		run = run[:0]
	}
	for _, d := range data {
		if d.Kind == ByteUnknown || d.Kind == ByteInferred && d.Confidence < localModelFloor {
			flush()
			continue
		}
		run = append(run, d.Value)
		if len(run) > maxLocalNgram {
			run = run[1:]
		}
		for n := 2; n <= len(run); n++ {
			gram := run[len(run)-n:]
			fwd.Add(gram, 1)
			rev.Add(reversed(gram), 1)
		}
	}
	local := *rc.model
	if !fwd.Empty() {
		local.LocalForward = fwd.Pack()
		local.LocalReverse = rev.Pack()
	}
	return &local
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// refreshContext rebuilds the scoring view of the buffer. Unresolved
// positions are indexed by buffer position; replacements propagate
// through the buffer's origin classes.
func (rc *reconstructor) refreshContext() {
	data := rc.buf.Bytes()
	if cap(rc.ctx.Bytes) < len(data) {
		rc.ctx.Bytes = make([]byte, len(data))
		rc.ctx.Known = make([]bool, len(data))
		rc.ctx.Unresolved = make([]int, len(data))
	}
	rc.ctx.Bytes = rc.ctx.Bytes[:len(data)]
	rc.ctx.Known = rc.ctx.Known[:len(data)]
	rc.ctx.Unresolved = rc.ctx.Unresolved[:len(data)]
	for i, d := range data {
		rc.ctx.Bytes[i] = d.Value
		rc.ctx.Known[i] = d.Known()
		if d.Known() {
			rc.ctx.Unresolved[i] = -1
		} else {
			rc.ctx.Unresolved[i] = i
		}
	}
}

func (rc *reconstructor) pruneWildcards() {
	enc := lm.DetectEncoding(rc.ctx.Bytes, rc.ctx.Known)
	lm.PruneWildcards(rc.wilds, rc.ctx.Bytes, rc.ctx.Known, rc.ctx.Unresolved, enc)
}

// collapseSingletons resolves any position whose wildcard set has a
// single member left.
func (rc *reconstructor) collapseSingletons() int {
	replaced := 0
	for i, d := range rc.buf.Bytes() {
		if d.Kind != ByteUnknown {
			continue
		}
		w := rc.wilds.Lookup(i)
		if w == nil {
			continue
		}
		if b, ok := w.Only(); ok {
			rc.buf.ApplyReplacement(i, b, MaxConfidence)
			rc.wilds.Remove(i)
			replaced++
		}
	}
	return replaced
}

// scoreAll scores every unresolved position and returns their indices.
func (rc *reconstructor) scoreAll(model *lm.Model) []int {
	var unresolved []int
	for i, d := range rc.buf.Bytes() {
		if d.Kind != ByteUnknown {
			continue
		}
		unresolved = append(unresolved, i)
		rc.scorePosition(model, i)
	}
	return unresolved
}

func (rc *reconstructor) scorePosition(model *lm.Model, i int) {
	score := rc.scores.Get(i)
	score.Reset()
	flags := rc.scores.Flags(i)
	*flags = lm.ContextFlags{}
	model.ComputeScores(false, &rc.ctx, rc.wilds, i, score, flags, 1.0)
	model.ComputeScores(true, &rc.ctx, rc.wilds, i, score, flags, 1.0)
	model.ComputeCenterScores(&rc.ctx, rc.wilds, i, score, flags, 1.0)
	// Candidates the wildcard constraints exclude score zero no matter
	// the model evidence.
	if w := rc.wilds.Lookup(i); w != nil && w.Size() < 256 {
		for b := 0; b < 256; b++ {
			if !w.Contains(byte(b)) {
				score.Zero(byte(b))
			}
		}
	}
}

// confidence maps score separation and context quality to the buffer's
// confidence scale.
func (rc *reconstructor) confidence(i int) (byte, float64, float64) {
	score := rc.scores.Get(i)
	b, highest, second := score.Best()
	if highest == 0 {
		return b, 0, 0
	}
	ratio := score.Ratio(maxScoreRatio)
	flags := rc.scores.Flags(i)
	ctxRatio := float64(flags.Contexts) / desiredContexts
	if flags.Occurrence > 0 {
		if alt := float64(flags.Contexts) / float64(flags.Occurrence); alt > ctxRatio {
			ctxRatio = alt
		}
	}
	if ctxRatio > 1 {
		ctxRatio = 1
	}
	q := math.Log(ratio)
	if q > maxHighRatio {
		q = maxHighRatio
	}
	conf := q*ratioWeight*ctxRatio/ratioAdj + highScoreAdj*(1-second/highest)
	return b, conf, ratio
}

// applyBest applies the replacements whose confidence is within
// wildcardScoreCutoff of the best confidence this pass, then re-scores
// the positions whose n-gram windows overlap a replacement.
func (rc *reconstructor) applyBest(model *lm.Model, unresolved []int) int {
	type cand struct {
		pos  int
		b    byte
		conf float64
	}
	var cands []cand
	best := 0.0
	for _, i := range unresolved {
		b, conf, _ := rc.confidence(i)
		if conf <= 0 {
			continue
		}
		if conf > best {
			best = conf
		}
		cands = append(cands, cand{pos: i, b: b, conf: conf})
	}
	if best == 0 {
		return 0
	}
	replaced := 0
	var touched []int
	for _, c := range cands {
		if c.conf < wildcardScoreCutoff*best {
			continue
		}
		rc.buf.ApplyReplacement(c.pos, c.b, confidenceByte(c.conf))
		rc.wilds.Remove(c.pos)
		touched = append(touched, c.pos)
		replaced++
	}
	if replaced == 0 {
		return 0
	}
	// Refresh the view, then re-score only the overlapped neighborhood.
	rc.refreshContext()
	reach := model.Reach()
	for _, t := range touched {
		for i := t - reach; i <= t+reach; i++ {
			if i < 0 || i >= rc.buf.Len() {
				continue
			}
			if rc.buf.At(i).Kind == ByteUnknown {
				rc.scorePosition(model, i)
			}
		}
	}
	return replaced
}

// applyByRatio applies any remaining position whose best/second ratio
// clears the bar, regardless of confidence.
func (rc *reconstructor) applyByRatio(unresolved []int, bar float64) int {
	replaced := 0
	for _, i := range unresolved {
		if rc.buf.At(i).Kind != ByteUnknown {
			continue
		}
		b, conf, ratio := rc.confidence(i)
		if ratio < bar || conf <= 0 {
			continue
		}
		rc.buf.ApplyReplacement(i, b, confidenceByte(conf))
		rc.wilds.Remove(i)
		replaced++
	}
	return replaced
}

// confidenceByte maps the unbounded confidence figure onto the
// DecodedByte scale, saturating below the maximum so inferred bytes
// stay distinguishable from decoded ones.
func confidenceByte(conf float64) byte {
	scaled := int(conf * 3)
	if scaled >= MaxConfidence {
		scaled = MaxConfidence - 1
	}
	if scaled < 1 {
		scaled = 1
	}
	return byte(scaled)
}

// alignDiscontinuities searches, for each unrecoverable span, the shift
// of its placeholder run that best reconciles the text on both sides of
// the boundary.
func (rc *reconstructor) alignDiscontinuities(model *lm.Model) {
	for di := range rc.buf.Discontinuities() {
		disc := rc.buf.Discontinuities()[di]
		if disc.Cleared || disc.Length == 0 {
			continue
		}
		reach := disc.Length / 4
		if reach > 32 {
			reach = 32
		}
		if reach == 0 {
			continue
		}
		// Score the join at each shift; the placeholder run itself
		// contributes nothing, so the signal is the n-grams straddling
		// its edges.
		bestShift, bestScore := 0, math.Inf(-1)
		for shift := -reach; shift <= reach; shift++ {
			s := rc.boundaryScore(model, disc, shift)
			if s > bestScore {
				bestShift, bestScore = shift, s
			}
		}
		if bestShift != 0 {
			rc.buf.ResizeDiscontinuity(di, bestShift)
			// Position-keyed state is stale once bytes have shifted.
			rc.wilds = lm.NewWildcardCollection()
			rc.refreshContext()
		}
	}
}

// boundaryScore evaluates the text alignment across a discontinuity
// under a hypothetical shift of its length.
func (rc *reconstructor) boundaryScore(model *lm.Model, disc Discontinuity, shift int) float64 {
	join := disc.Position + disc.Length + shift
	if join < 0 || join >= rc.buf.Len() {
		return math.Inf(-1)
	}
	const span = 16
	lo, hi := join-span, join+span
	if lo < 0 {
		lo = 0
	}
	if hi > rc.buf.Len() {
		hi = rc.buf.Len()
	}
	text := make([]byte, 0, hi-lo)
	for i := lo; i < hi; i++ {
		if d := rc.buf.At(i); d.Known() {
			text = append(text, d.Value)
		}
	}
	return scoreText(model, text)
}
