// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/cosnicolaou/zrecover/internal/flate"
)

// PacketKind re-exports the DEFLATE packet classification.
type PacketKind = flate.PacketKind

// Packet kinds.
const (
	PacketInvalid        = flate.PacketInvalid
	PacketUncompressed   = flate.PacketUncompressed
	PacketFixedHuffman   = flate.PacketFixedHuffman
	PacketDynamicHuffman = flate.PacketDynamicHuffman
)

// A Packet describes one DEFLATE packet located within the scanned
// window. Packets form a singly-linked chain in stream order, owned by
// the caller of the scanner.
type Packet struct {
	Kind     PacketKind
	BitStart int // first bit of the packet header
	BitEnd   int // one past the final bit
	Last     bool

	// Position and size of the packet's output within the recovered
	// stream; the size is zero until the packet has been decoded.
	UncompressedOffset uint64
	UncompressedSize   uint32

	// Corruption span within [BitStart, BitEnd), zero when clean.
	CorruptionStart uint32
	CorruptionEnd   uint32

	Deflate64 bool

	// MissingHeader marks a packet recovered by hypothesis search
	// rather than from an intact header.
	MissingHeader bool

	Next *Packet
}

func (p *Packet) String() string {
	out := &strings.Builder{}
	fmt.Fprintf(out, "@%v..%v bits: %v", p.BitStart, p.BitEnd, p.Kind)
	if p.Last {
		fmt.Fprintf(out, " (last)")
	}
	if p.MissingHeader {
		fmt.Fprintf(out, " (header reconstructed)")
	}
	if p.Corrupted() {
		fmt.Fprintf(out, " corrupt @%v..%v", p.CorruptionStart, p.CorruptionEnd)
	}
	return out.String()
}

// Corrupted reports whether a corruption span was recorded.
func (p *Packet) Corrupted() bool {
	return p.CorruptionEnd > p.CorruptionStart
}

// SizeInBits returns the packet's compressed size.
func (p *Packet) SizeInBits() int {
	return p.BitEnd - p.BitStart
}

// packetRecordSize is the fixed portion of the serialized descriptor:
// uncompressed offset and size, stream length, corruption span, flags
// and the bit pointers.
const packetRecordSize = 8 + 4 + 4 + 4 + 4 + 1 + 1 + 8 + 8

// WriteTo serializes the descriptor, a debugging and test aid only; the
// recovery path never persists packets.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	var rec [packetRecordSize]byte
	binary.LittleEndian.PutUint64(rec[0:], p.UncompressedOffset)
	binary.LittleEndian.PutUint32(rec[8:], p.UncompressedSize)
	binary.LittleEndian.PutUint32(rec[12:], uint32(p.SizeInBits()))
	binary.LittleEndian.PutUint32(rec[16:], p.CorruptionStart)
	binary.LittleEndian.PutUint32(rec[20:], p.CorruptionEnd)
	if p.Last {
		rec[24] = 1
	}
	if p.Deflate64 {
		rec[25] = 1
	}
	binary.LittleEndian.PutUint64(rec[26:], uint64(p.BitStart))
	binary.LittleEndian.PutUint64(rec[34:], uint64(p.BitEnd))
	n, err := w.Write(rec[:])
	return int64(n), err
}

// ReadFrom deserializes a descriptor written by WriteTo.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var rec [packetRecordSize]byte
	n, err := io.ReadFull(r, rec[:])
	if err != nil {
		return int64(n), err
	}
	p.UncompressedOffset = binary.LittleEndian.Uint64(rec[0:])
	p.UncompressedSize = binary.LittleEndian.Uint32(rec[8:])
	p.CorruptionStart = binary.LittleEndian.Uint32(rec[16:])
	p.CorruptionEnd = binary.LittleEndian.Uint32(rec[20:])
	p.Last = rec[24] != 0
	p.Deflate64 = rec[25] != 0
	p.BitStart = int(binary.LittleEndian.Uint64(rec[26:]))
	p.BitEnd = int(binary.LittleEndian.Uint64(rec[34:]))
	if size := binary.LittleEndian.Uint32(rec[12:]); int(size) != p.SizeInBits() {
		return int64(n), fmt.Errorf("packet descriptor: stream length %v disagrees with bit range %v..%v",
			size, p.BitStart, p.BitEnd)
	}
	return int64(n), nil
}
