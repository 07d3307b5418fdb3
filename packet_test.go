// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"bytes"
	"testing"
)

func TestPacketDescriptorRoundTrip(t *testing.T) {
	in := Packet{
		Kind:               PacketDynamicHuffman,
		BitStart:           1234,
		BitEnd:             56789,
		Last:               true,
		UncompressedOffset: 1 << 40,
		UncompressedSize:   987654,
		CorruptionStart:    2000,
		CorruptionEnd:      3000,
		Deflate64:          true,
	}
	buf := &bytes.Buffer{}
	if _, err := in.WriteTo(buf); err != nil {
		t.Fatal(err)
	}
	var out Packet
	if _, err := out.ReadFrom(buf); err != nil {
		t.Fatal(err)
	}
	if out.BitStart != in.BitStart || out.BitEnd != in.BitEnd ||
		out.Last != in.Last || out.Deflate64 != in.Deflate64 ||
		out.UncompressedOffset != in.UncompressedOffset ||
		out.UncompressedSize != in.UncompressedSize ||
		out.CorruptionStart != in.CorruptionStart ||
		out.CorruptionEnd != in.CorruptionEnd {
		t.Errorf("round trip mismatch: %+v vs %+v", in, out)
	}
	if !out.Corrupted() {
		t.Errorf("corruption span lost")
	}
}
