// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"encoding/binary"
	"io"
)

// WriteFormat selects how recovered output is rendered.
type WriteFormat int

const (
	// FormatPlainText renders literals and inferred bytes as-is and
	// unresolved positions as a placeholder.
	FormatPlainText WriteFormat = iota
	// FormatDecodedByte writes the binary tagged-byte stream, two bytes
	// per position: value then confidence, 0xff confidence marking an
	// unresolved position.
	FormatDecodedByte
	// FormatListing writes a packet listing rather than output bytes.
	FormatListing
)

// DefaultPlaceholder substitutes for unresolved bytes in plain text
// output.
const DefaultPlaceholder = '?'

// WritePlainText renders the recovery as plain text, substituting
// placeholder for unresolved positions. Leading placeholder runs
// inserted purely for back-reference addressability (cleared
// discontinuities) are elided.
func WritePlainText(w io.Writer, res *RecoveryResult, placeholder byte) (int, error) {
	skip := make(map[int]int)
	for _, d := range res.Discontinuities {
		if d.Cleared {
			skip[d.Position] = d.Length
		}
	}
	var out []byte
	for i := 0; i < len(res.Bytes); i++ {
		if n, ok := skip[i]; ok {
			i += n - 1
			continue
		}
		d := res.Bytes[i]
		if d.Known() {
			out = append(out, d.Value)
		} else {
			out = append(out, placeholder)
		}
	}
	return w.Write(out)
}

// WriteDecodedBytes writes the binary decoded-byte stream: a count
// followed by (value, confidence) pairs, confidence 0xff marking
// unresolved positions.
func WriteDecodedBytes(w io.Writer, res *RecoveryResult) (int, error) {
	out := make([]byte, 4, 4+2*len(res.Bytes))
	binary.LittleEndian.PutUint32(out, uint32(len(res.Bytes)))
	for _, d := range res.Bytes {
		conf := d.Confidence
		if !d.Known() {
			conf = 0xff
		}
		out = append(out, d.Value, conf)
	}
	return w.Write(out)
}

// WriteListing writes a one-line-per-packet description of the located
// chain.
func WriteListing(w io.Writer, res *RecoveryResult) error {
	for p := res.Packets; p != nil; p = p.Next {
		if _, err := io.WriteString(w, p.String()+"\n"); err != nil {
			return err
		}
	}
	return nil
}
