// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package zrecover

import (
	"bytes"
	"context"
	"io/ioutil"
	"testing"
)

func TestReader(t *testing.T) {
	ctx := context.Background()
	data := textlike(4096)
	comp := deflate(t, data, 0)
	rd := NewReader(ctx, bytes.NewReader(comp),
		RecoveryOptions(RecoverKnownStart(true)))
	got, err := ioutil.ReadAll(rd)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %v bytes, want %v", len(got), len(data))
	}
}

func TestRecovererOrdering(t *testing.T) {
	ctx := context.Background()
	streams := make([][]byte, 5)
	var want []byte
	for i := range streams {
		data := textlike(1024 * (i + 1))
		streams[i] = deflate(t, data, 0)
		want = append(want, data...)
	}
	rc := NewRecoverer(ctx,
		RecovererConcurrency(3),
		RecovererOptions(RecoverKnownStart(true)))
	done := make(chan struct{})
	var got []byte
	var readErr error
	go func() {
		got, readErr = ioutil.ReadAll(rc)
		close(done)
	}()
	for _, s := range streams {
		if err := rc.Recover(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := rc.Finish(); err != nil {
		t.Fatal(err)
	}
	<-done
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("reassembled output disagrees: got %v bytes, want %v", len(got), len(want))
	}
}
