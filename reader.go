// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zrecover

import (
	"context"
	"io"
	"io/ioutil"
	"sync"
)

type readerOpts struct {
	recOpts     []RecoverOption
	placeholder byte
}

// ReaderOption represents an option to NewReader.
type ReaderOption func(o *readerOpts)

// RecoveryOptions passes RecoverOptions to the recovery performed by
// NewReader.
func RecoveryOptions(opts ...RecoverOption) ReaderOption {
	return func(o *readerOpts) {
		o.recOpts = append(o.recOpts, opts...)
	}
}

// Placeholder sets the byte substituted for unresolved positions.
func Placeholder(b byte) ReaderOption {
	return func(o *readerOpts) {
		o.placeholder = b
	}
}

type reader struct {
	ctx   context.Context
	errCh chan error
	wg    *sync.WaitGroup
	prd   *io.PipeReader
	pwr   *io.PipeWriter
}

// NewReader returns an io.Reader that recovers readable content from a
// damaged DEFLATE stream. The entire input is buffered: recovery needs
// random bit-level access to the compressed window, so streaming decode
// is not possible.
func NewReader(ctx context.Context, rd io.Reader, opts ...ReaderOption) io.Reader {
	rdOpts := &readerOpts{placeholder: DefaultPlaceholder}
	for _, fn := range opts {
		fn(rdOpts)
	}
	prd, pwr := io.Pipe()
	errCh := make(chan error, 1)
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		errCh <- recoverToPipe(ctx, rd, pwr, rdOpts)
		close(errCh)
		wg.Done()
	}()
	return &reader{
		ctx:   ctx,
		errCh: errCh,
		wg:    wg,
		prd:   prd,
		pwr:   pwr,
	}
}

func recoverToPipe(ctx context.Context, rd io.Reader, pwr *io.PipeWriter, opts *readerOpts) error {
	defer pwr.Close()
	window, err := ioutil.ReadAll(rd)
	if err != nil {
		pwr.CloseWithError(err)
		return err
	}
	res, err := Recover(ctx, window, opts.recOpts...)
	if err != nil {
		pwr.CloseWithError(err)
		return err
	}
	if _, err := WritePlainText(pwr, res, opts.placeholder); err != nil {
		pwr.CloseWithError(err)
		return err
	}
	return nil
}

// handleErrorOrCancel returns an error from the recovery goroutine or
// from context cancellation.
func (rd *reader) handleErrorOrCancel() error {
	select {
	case err := <-rd.errCh:
		return err
	case <-rd.ctx.Done():
		return rd.ctx.Err()
	default:
		return nil
	}
}

// Read implements io.Reader.
func (rd *reader) Read(buf []byte) (int, error) {
	if err := rd.handleErrorOrCancel(); err != nil {
		rd.pwr.CloseWithError(err)
		rd.wg.Wait()
		return 0, err
	}
	n, err := rd.prd.Read(buf)
	if err == nil {
		return n, nil
	}
	rd.wg.Wait()
	select {
	case cerr := <-rd.errCh:
		if err != io.EOF {
			return n, err
		}
		if cerr != nil {
			return n, cerr
		}
	default:
	}
	return n, err
}
