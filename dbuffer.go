// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"fmt"

	"github.com/cosnicolaou/zrecover/internal/flate"
)

// ByteKind tags each recovered output byte.
type ByteKind uint8

const (
	// ByteLiteral was decoded directly from an intact packet.
	ByteLiteral ByteKind = iota
	// ByteInferred was assigned by reconstruction with a confidence
	// below the maximum.
	ByteInferred
	// ByteUnknown is an unresolved position: a back-reference into an
	// unrecovered prefix or a byte within a corrupted span.
	ByteUnknown
)

// MaxConfidence is the confidence assigned to directly decoded bytes.
const MaxConfidence = 100

// A DecodedByte is one output byte of a recovery together with its
// provenance. Unknown and inferred bytes carry the identifier of their
// originating position: every copy of an unresolved byte shares it, so
// scoring can treat the copies as a single equivalence class.
type DecodedByte struct {
	Value      byte
	Confidence uint8
	Kind       ByteKind
	Origin     uint32
}

// Known reports whether the byte has a trusted value.
func (d DecodedByte) Known() bool {
	return d.Kind != ByteUnknown
}

// A Discontinuity records a span of placeholder positions inserted
// where the stream could not be recovered.
type Discontinuity struct {
	Position int // index of the first placeholder
	Length   int
	Cleared  bool // true when the decode history was lost entirely
}

// A DecodeBuffer accumulates the recovered output stream. It implements
// the LZ77 copy semantics of DEFLATE including copies whose source is
// itself unresolved, in which case the originating position propagates
// rather than a value.
type DecodeBuffer struct {
	bytes           []DecodedByte
	window          int
	maxLength       int
	nextOrigin      uint32
	discontinuities []Discontinuity
	finalized       bool
}

// NewDecodeBuffer returns a buffer with the reference window of the
// selected DEFLATE dialect.
func NewDecodeBuffer(deflate64 bool) *DecodeBuffer {
	window, maxLength := flate.WindowSize, flate.MaxMatchLength
	if deflate64 {
		window, maxLength = flate.WindowSize64, flate.MaxMatchLength64
	}
	return &DecodeBuffer{window: window, maxLength: maxLength}
}

// Len returns the number of recovered bytes.
func (b *DecodeBuffer) Len() int {
	return len(b.bytes)
}

// At returns the byte at position i.
func (b *DecodeBuffer) At(i int) DecodedByte {
	return b.bytes[i]
}

// Bytes returns the underlying byte sequence; callers must treat it as
// read-only.
func (b *DecodeBuffer) Bytes() []DecodedByte {
	return b.bytes
}

// Window returns the reference window size.
func (b *DecodeBuffer) Window() int {
	return b.window
}

// Discontinuities returns the recorded unrecoverable spans.
func (b *DecodeBuffer) Discontinuities() []Discontinuity {
	return b.discontinuities
}

// PushLiteral appends a directly decoded byte.
func (b *DecodeBuffer) PushLiteral(value byte, confidence uint8) {
	b.bytes = append(b.bytes, DecodedByte{Value: value, Confidence: confidence, Kind: ByteLiteral})
}

// NewOrigin allocates an originating-position identifier for an
// unresolved byte.
func (b *DecodeBuffer) NewOrigin() uint32 {
	b.nextOrigin++
	return b.nextOrigin
}

// PushUnknown appends an unresolved position belonging to the given
// origin.
func (b *DecodeBuffer) PushUnknown(origin uint32) {
	b.bytes = append(b.bytes, DecodedByte{Kind: ByteUnknown, Origin: origin})
}

// CopyReference appends a back-reference copy of length bytes from
// distance bytes back. Sources that are themselves unresolved are
// copied as references to their originating position.
func (b *DecodeBuffer) CopyReference(length, distance int) error {
	if distance <= 0 || distance > b.window {
		return fmt.Errorf("%w: distance %v", flate.ErrInvalidSymbol, distance)
	}
	if distance > len(b.bytes) {
		return fmt.Errorf("%w: distance %v exceeds %v decoded bytes",
			flate.ErrInvalidSymbol, distance, len(b.bytes))
	}
	if length < flate.MinMatchLength || length > b.maxLength {
		return fmt.Errorf("%w: length %v", flate.ErrInvalidSymbol, length)
	}
	for i := 0; i < length; i++ {
		src := b.bytes[len(b.bytes)-distance]
		b.bytes = append(b.bytes, src)
	}
	return nil
}

// PushDiscontinuity inserts maxBackref unresolved positions with fresh
// origins so that back-references reaching across the unrecoverable
// span remain addressable. clear records that the entire decode history
// was lost rather than a bounded span.
func (b *DecodeBuffer) PushDiscontinuity(maxBackref int, clear bool) {
	b.discontinuities = append(b.discontinuities, Discontinuity{
		Position: len(b.bytes),
		Length:   maxBackref,
		Cleared:  clear,
	})
	for i := 0; i < maxBackref; i++ {
		b.PushUnknown(b.NewOrigin())
	}
}

// ApplyReplacement assigns a value to the unresolved position at index
// pos, propagating it to every position sharing the same origin. A
// position already assigned with higher confidence is left alone.
func (b *DecodeBuffer) ApplyReplacement(pos int, value byte, confidence uint8) {
	target := b.bytes[pos]
	if target.Kind == ByteLiteral {
		return
	}
	if target.Kind == ByteInferred && target.Confidence > confidence {
		return
	}
	for i := range b.bytes {
		if b.bytes[i].Kind != ByteLiteral && b.bytes[i].Origin == target.Origin {
			b.bytes[i].Value = value
			b.bytes[i].Confidence = confidence
			b.bytes[i].Kind = ByteInferred
		}
	}
}

// ResizeDiscontinuity grows or shrinks the placeholder run of the i-th
// discontinuity by delta positions, shifting the bytes that follow. It
// is used by the alignment search when the size of an unrecoverable
// span was estimated wrongly.
func (b *DecodeBuffer) ResizeDiscontinuity(i, delta int) {
	disc := &b.discontinuities[i]
	if delta == 0 || disc.Length+delta < 0 {
		return
	}
	at := disc.Position + disc.Length
	if delta > 0 {
		fresh := make([]DecodedByte, delta)
		for j := range fresh {
			fresh[j] = DecodedByte{Kind: ByteUnknown, Origin: b.NewOrigin()}
		}
		b.bytes = append(b.bytes[:at], append(fresh, b.bytes[at:]...)...)
	} else {
		b.bytes = append(b.bytes[:at+delta], b.bytes[at:]...)
	}
	disc.Length += delta
	for j := i + 1; j < len(b.discontinuities); j++ {
		b.discontinuities[j].Position += delta
	}
}

// Finalize marks the buffer as finalized, as Finalized reports; it does
// not block later changes. Running it twice is a no-op.
func (b *DecodeBuffer) Finalize() {
	b.finalized = true
}

// Finalized reports whether Finalize has run.
func (b *DecodeBuffer) Finalized() bool {
	return b.finalized
}

// UnknownCount returns the number of unresolved positions.
func (b *DecodeBuffer) UnknownCount() int {
	n := 0
	for _, d := range b.bytes {
		if d.Kind == ByteUnknown {
			n++
		}
	}
	return n
}
