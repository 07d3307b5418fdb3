// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package flate

import (
	"github.com/cosnicolaou/zrecover/internal/bitstream"
)

// PacketKind classifies a DEFLATE packet.
type PacketKind uint8

const (
	PacketInvalid PacketKind = iota
	PacketUncompressed
	PacketFixedHuffman
	PacketDynamicHuffman
)

func (k PacketKind) String() string {
	switch k {
	case PacketUncompressed:
		return "uncompressed"
	case PacketFixedHuffman:
		return "fixed-huffman"
	case PacketDynamicHuffman:
		return "dynamic-huffman"
	}
	return "invalid"
}

const (
	// HeaderBits is the packet header: one last-packet bit followed by
	// two type bits, least significant bit first.
	HeaderBits = 3

	// Minimum credible packet sizes in bits, used when scanning for
	// packet starts.
	MinPacketBits             = 20
	MinUncompressedPacketBits = 35
	MinFixedPacketBits        = 12

	// MinFixedScanBits is the floor applied to fixed-Huffman packets
	// during backward scanning; shorter candidates are overwhelmingly
	// false positives since any 7-bit zero run decodes as EOD.
	MinFixedScanBits = 3072
)

// ReadHeader consumes the 3-bit packet header and reports the last-flag
// and type bits.
func ReadHeader(cur *bitstream.Cursor, end bitstream.Cursor) (last bool, kind PacketKind, err error) {
	if !cur.InBounds(end, HeaderBits) {
		return false, PacketInvalid, ErrUnexpectedEOF
	}
	hdr := cur.NextBits(HeaderBits)
	last = hdr&1 != 0
	switch hdr >> 1 {
	case 0:
		kind = PacketUncompressed
	case 1:
		kind = PacketFixedHuffman
	case 2:
		kind = PacketDynamicHuffman
	default:
		return last, PacketInvalid, ErrInvalidHeader
	}
	return last, kind, nil
}

// ValidPacket classifies the candidate packet starting at cur and
// verifies its integrity up to end. wantFinal constrains the last-flag
// bit; when exactBit is false up to 7 bits of padding may follow the
// end-of-data code. A packet starting at streamStart may not reference
// output it could not have produced. It returns PacketInvalid when the
// candidate fails any check.
func ValidPacket(cur bitstream.Cursor, streamStart, end bitstream.Cursor, wantFinal, exactBit, deflate64 bool) PacketKind {
	isFirst := cur.Offset() == streamStart.Offset()
	last, kind, err := ReadHeader(&cur, end)
	if err != nil || last != wantFinal {
		return PacketInvalid
	}

	switch kind {
	case PacketUncompressed:
		if validUncompressed(cur, end, exactBit) {
			return PacketUncompressed
		}
		return PacketInvalid
	case PacketFixedHuffman:
		st := FixedSymbolTable(deflate64)
		if validBody(st, cur, end, exactBit, isFirst) {
			return PacketFixedHuffman
		}
		return PacketInvalid
	case PacketDynamicHuffman:
		st, err := ParseDynamic(&cur, end, deflate64)
		if err != nil {
			return PacketInvalid
		}
		if validBody(st, cur, end, exactBit, isFirst) {
			return PacketDynamicHuffman
		}
	}
	return PacketInvalid
}

func validUncompressed(cur bitstream.Cursor, end bitstream.Cursor, exactBit bool) bool {
	cur.AlignToByte()
	if !cur.InBounds(end, 32) {
		return false
	}
	size := cur.NextBits(16)
	invSize := cur.NextBits(16)
	if size^invSize != 0xffff {
		return false
	}
	if !cur.InBounds(end, int(size)*8) {
		return false
	}
	cur.Advance(int(size) * 8)
	return paddingOK(cur, end, exactBit)
}

// validBody walks every symbol of a Huffman packet body; the packet is
// valid only if a non-empty symbol stream reaches end-of-data aligned
// with end.
func validBody(st *SymbolTable, cur bitstream.Cursor, end bitstream.Cursor, exactBit, isFirst bool) bool {
	decoded := 0
	for {
		sym, err := st.NextSymbol(&cur, end)
		if err != nil {
			return false
		}
		switch {
		case sym < EndOfData:
			decoded++
		case sym == EndOfData:
			return decoded > 0 && paddingOK(cur, end, exactBit)
		default:
			length, err := st.GetLength(int(sym), &cur, end)
			if err != nil {
				return false
			}
			distance, err := st.GetDistance(&cur, end)
			if err != nil {
				return false
			}
			if distance > st.MaxDistance() {
				return false
			}
			// Only a stream's first packet has a known decode history;
			// later packets may reach back into packets we never saw.
			if isFirst && distance > decoded {
				return false
			}
			decoded += length
		}
	}
}

// paddingOK verifies the bits between the cursor and end: none when an
// exact landing is required, otherwise up to 7 bits of padding.
func paddingOK(cur bitstream.Cursor, end bitstream.Cursor, exactBit bool) bool {
	gap := cur.Distance(end)
	if gap < 0 {
		return false
	}
	if exactBit {
		return gap == 0
	}
	return gap < 8
}

// WalkPacket advances the cursor over one whole packet, header
// included, and returns the bit offset of the packet boundary. The
// cursor is left at the failure point on error.
func WalkPacket(cur *bitstream.Cursor, end bitstream.Cursor, deflate64 bool) (int, error) {
	_, kind, err := ReadHeader(cur, end)
	if err != nil {
		return 0, err
	}
	switch kind {
	case PacketUncompressed:
		cur.AlignToByte()
		if !cur.InBounds(end, 32) {
			return 0, ErrUnexpectedEOF
		}
		size := cur.NextBits(16)
		invSize := cur.NextBits(16)
		if size^invSize != 0xffff {
			return 0, ErrInvalidHeader
		}
		if !cur.InBounds(end, int(size)*8) {
			return 0, ErrUnexpectedEOF
		}
		cur.Advance(int(size) * 8)
		return cur.Offset(), nil
	case PacketFixedHuffman:
		return walkBody(FixedSymbolTable(deflate64), cur, end)
	default:
		st, err := ParseDynamic(cur, end, deflate64)
		if err != nil {
			return 0, err
		}
		return walkBody(st, cur, end)
	}
}

func walkBody(st *SymbolTable, cur *bitstream.Cursor, end bitstream.Cursor) (int, error) {
	for {
		sym, err := st.NextSymbol(cur, end)
		if err != nil {
			return 0, err
		}
		switch {
		case sym < EndOfData:
		case sym == EndOfData:
			return cur.Offset(), nil
		default:
			if _, err := st.GetLength(int(sym), cur, end); err != nil {
				return 0, err
			}
			if _, err := st.GetDistance(cur, end); err != nil {
				return 0, err
			}
		}
	}
}
