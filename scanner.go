// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"context"
	"fmt"

	"github.com/cosnicolaou/zrecover/internal/bitstream"
	"github.com/cosnicolaou/zrecover/internal/flate"
)

type scannerOpts struct {
	deflate64 bool
	bitStart  int
	bitEnd    int
	maxScan   int
}

// ScannerOption represents an option to NewScanner.
type ScannerOption func(*scannerOpts)

// ScanDeflate64 selects the DEFLATE64 dialect: 64 KiB window and
// extended length codes.
func ScanDeflate64(v bool) ScannerOption {
	return func(o *scannerOpts) {
		o.deflate64 = v
	}
}

// ScanBitRange restricts scanning to the bit range [start, end) of the
// window; end -1 means the end of the window.
func ScanBitRange(start, end int) ScannerOption {
	return func(o *scannerOpts) {
		o.bitStart, o.bitEnd = start, end
	}
}

// ScanLimit bounds how many candidate bit offsets are tried per packet
// before the remainder of the window is handed to header
// reconstruction. It should only ever be needed for pathological
// inputs.
func ScanLimit(bits int) ScannerOption {
	return func(o *scannerOpts) {
		o.maxScan = bits
	}
}

// Scanner segments a damaged DEFLATE byte window into a chain of
// packets. It works backwards from a known stream end: from each known
// packet end it slides a candidate start one bit at a time until the
// whole candidate packet validates, then repeats from that start. A
// leading region in which no packet validates is emitted as a single
// header-missing packet for hypothesis reconstruction.
type Scanner struct {
	buf   []byte
	opts  scannerOpts
	first *Packet
	cur   *Packet
	err   error

	located bool
}

// NewScanner returns a scanner over the supplied byte window. The
// window must be memory resident and is not modified.
func NewScanner(window []byte, opts ...ScannerOption) *Scanner {
	o := scannerOpts{bitStart: 0, bitEnd: -1, maxScan: 1 << 22}
	for _, fn := range opts {
		fn(&o)
	}
	if o.bitEnd < 0 {
		o.bitEnd = 8 * len(window)
	}
	return &Scanner{buf: window, opts: o}
}

// Scan advances to the next located packet, in stream order. It returns
// false at the end of the chain or on error.
func (sc *Scanner) Scan(ctx context.Context) bool {
	if sc.err != nil {
		return false
	}
	select {
	case <-ctx.Done():
		sc.err = ctx.Err()
		return false
	default:
	}
	if !sc.located {
		sc.first, sc.err = sc.locatePackets()
		sc.located = true
		if sc.err != nil {
			return false
		}
		sc.cur = sc.first
		return sc.cur != nil
	}
	if sc.cur != nil {
		sc.cur = sc.cur.Next
	}
	return sc.cur != nil
}

// Packet returns the current packet.
func (sc *Scanner) Packet() *Packet {
	return sc.cur
}

// Chain returns the head of the located packet chain.
func (sc *Scanner) Chain() *Packet {
	if !sc.located {
		sc.first, sc.err = sc.locatePackets()
		sc.located = true
	}
	return sc.first
}

// Err returns any error encountered by the scanner.
func (sc *Scanner) Err() error {
	return sc.err
}

// locatePackets performs the backward scan, producing the chain in
// stream order.
func (sc *Scanner) locatePackets() (*Packet, error) {
	start := bitstream.NewCursor(sc.buf, sc.opts.bitStart)
	if sc.opts.bitEnd > 8*len(sc.buf) {
		return nil, fmt.Errorf("scan range %v beyond window of %v bits", sc.opts.bitEnd, 8*len(sc.buf))
	}
	var chain *Packet
	endOffset := sc.opts.bitEnd
	terminal := true
	for endOffset > sc.opts.bitStart {
		p := sc.locateOne(start, endOffset, terminal)
		if p == nil {
			// Nothing validates against this end: the remaining bits
			// are a packet fragment whose header is missing.
			chain = &Packet{
				Kind:          PacketInvalid,
				BitStart:      sc.opts.bitStart,
				BitEnd:        endOffset,
				Deflate64:     sc.opts.deflate64,
				MissingHeader: true,
				Next:          chain,
			}
			break
		}
		p.Next = chain
		chain = p
		endOffset = p.BitStart
		terminal = false
	}
	return chain, nil
}

// locateOne finds the nearest packet start whose packet ends exactly at
// endOffset.
func (sc *Scanner) locateOne(start bitstream.Cursor, endOffset int, terminal bool) *Packet {
	end := bitstream.NewCursor(sc.buf, endOffset)
	// The whole remaining region as a single packet is by far the most
	// common layout; try the known boundary before brute sliding. The
	// scan-time size floors do not apply to an exact boundary.
	if endOffset-sc.opts.bitStart >= flate.MinFixedPacketBits {
		cur := bitstream.NewCursor(sc.buf, sc.opts.bitStart)
		kind := flate.ValidPacket(cur, start, end, terminal, !terminal, sc.opts.deflate64)
		if kind == flate.PacketInvalid && terminal {
			kind = flate.ValidPacket(cur, start, end, false, !terminal, sc.opts.deflate64)
		}
		if kind != flate.PacketInvalid {
			return &Packet{
				Kind:      kind,
				BitStart:  sc.opts.bitStart,
				BitEnd:    endOffset,
				Last:      terminal,
				Deflate64: sc.opts.deflate64,
			}
		}
	}
	// A packet needs at least the minimum packet size; begin that far
	// back and slide toward the window start.
	cand := endOffset - flate.MinPacketBits
	low := sc.opts.bitStart
	if sc.opts.maxScan > 0 && endOffset-sc.opts.maxScan > low {
		low = endOffset - sc.opts.maxScan
	}
	for ; cand >= low; cand-- {
		cur := bitstream.NewCursor(sc.buf, cand)
		kind := flate.ValidPacket(cur, start, end, terminal, !terminal, sc.opts.deflate64)
		if kind == flate.PacketInvalid && terminal {
			// A truncated stream may end mid-chain with no last flag.
			kind = flate.ValidPacket(cur, start, end, false, !terminal, sc.opts.deflate64)
		}
		if kind == flate.PacketInvalid {
			continue
		}
		if kind == flate.PacketFixedHuffman && endOffset-cand < flate.MinFixedScanBits {
			// Short fixed-Huffman candidates are overwhelmingly false
			// positives.
			continue
		}
		if kind == flate.PacketUncompressed && endOffset-cand < flate.MinUncompressedPacketBits {
			continue
		}
		p := &Packet{
			Kind:      kind,
			BitStart:  cand,
			BitEnd:    endOffset,
			Last:      terminal,
			Deflate64: sc.opts.deflate64,
		}
		// An uncompressed packet at the very start of the stream pads
		// to a byte boundary after its header, so a start within the
		// first byte is really the stream start.
		if kind == flate.PacketUncompressed && cand>>3 == sc.opts.bitStart>>3 {
			p.BitStart = sc.opts.bitStart
		}
		return p
	}
	return nil
}

// SplitForward walks a located packet forward, confirming its header
// and boundary; a region that turns out to hold several packets is
// split in place and the extra packets linked into the chain. When the
// forward walk fails mid-packet the failure offset is recorded as the
// start of a corruption span.
func (sc *Scanner) SplitForward(p *Packet) error {
	if p.Kind == PacketInvalid {
		return nil
	}
	end := bitstream.NewCursor(sc.buf, p.BitEnd)
	cur := bitstream.NewCursor(sc.buf, p.BitStart)
	for {
		segStart := cur.Offset()
		last, _, err := flate.ReadHeader(&cur, end)
		if err != nil {
			return err
		}
		cur = bitstream.NewCursor(sc.buf, segStart)
		boundary, err := flate.WalkPacket(&cur, end, sc.opts.deflate64)
		if err != nil {
			p.CorruptionStart = uint32(cur.Offset())
			p.CorruptionEnd = uint32(p.BitEnd)
			return err
		}
		if last || boundary >= p.BitEnd-7 {
			return nil
		}
		// More packets follow within the located region; split.
		rest := &Packet{
			Kind:      p.Kind,
			BitStart:  boundary,
			BitEnd:    p.BitEnd,
			Last:      p.Last,
			Deflate64: p.Deflate64,
			Next:      p.Next,
		}
		p.BitEnd = boundary
		p.Last = false
		p.Next = rest
		p = rest
		cur = bitstream.NewCursor(sc.buf, boundary)
	}
}
