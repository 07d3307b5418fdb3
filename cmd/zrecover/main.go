// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"

	"cloudeng.io/cmdutil"
	"cloudeng.io/cmdutil/subcmd"
	"cloudeng.io/errors"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cosnicolaou/zrecover"
	"github.com/cosnicolaou/zrecover/lm"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/crypto/ssh/terminal"
)

type CommonFlags struct {
	Concurrency int    `subcmd:"concurrency,4,'concurrency for recovering multiple streams'"`
	Model       string `subcmd:"model,,'language model file used for reconstruction'"`
	Deflate64   bool   `subcmd:"deflate64,false,'treat streams as DEFLATE64'"`
	Verbose     bool   `subcmd:"verbose,false,verbose debug/trace information"`
}

type recoverFlags struct {
	CommonFlags
	ProgressBar    bool   `subcmd:"progress,true,display a progress bar"`
	OutputFile     string `subcmd:"output,,'output file or s3 path, omit for stdout'"`
	Format         string `subcmd:"format,text,'output format: text, bytes or listing'"`
	Placeholder    string `subcmd:"placeholder,?,'byte substituted for unresolved positions'"`
	NoReconstruct  bool   `subcmd:"no-reconstruct,false,'skip statistical byte reconstruction'"`
	NoPartial      bool   `subcmd:"no-partial,false,'skip header-missing packet reconstruction'"`
	AlignSpans     bool   `subcmd:"align-discontinuities,false,'align output across unrecoverable spans'"`
	UseWordModel   bool   `subcmd:"word-model,true,'use the word model for corruption detection'"`
	Iterations     int    `subcmd:"iterations,0,'bound reconstruction iterations, 0 for convergence'"`
	ForceOverwrite bool   `subcmd:"force,false,'overwrite an existing output file'"`
}

type catFlags struct {
	CommonFlags
}

type noFlags struct{}

var cmdSet *subcmd.CommandSet

func init() {
	defaultConcurrency := map[string]interface{}{
		"concurrency": runtime.GOMAXPROCS(-1),
	}

	recoverCmd := subcmd.NewCommand("recover",
		subcmd.MustRegisterFlagStruct(&recoverFlags{}, defaultConcurrency, nil),
		recoverCmdRunner, subcmd.ExactlyNumArguments(1))
	recoverCmd.Document(`recover readable content from a damaged DEFLATE stream. Files may be local, on S3 or a URL.`)

	catCmd := subcmd.NewCommand("cat",
		subcmd.MustRegisterFlagStruct(&catFlags{}, defaultConcurrency, nil),
		cat, subcmd.AtLeastNArguments(0))
	catCmd.Document(`recover damaged DEFLATE streams or stdin to stdout.`)

	scanCmd := subcmd.NewCommand("scan",
		subcmd.MustRegisterFlagStruct(&noFlags{}, nil, nil),
		scan, subcmd.AtLeastNArguments(1))
	scanCmd.Document(`scan damaged DEFLATE streams and list the packets located in each.`)

	cmdSet = subcmd.NewCommandSet(recoverCmd, catCmd, scanCmd)
	cmdSet.Document(`recover readable content from damaged DEFLATE streams. Files may be local, on S3 or a URL.`)

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func progressBar(ctx context.Context, progressBarWr io.Writer, ch chan zrecover.Progress, size int64) {
	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetBytes64(size),
		progressbar.OptionSetWriter(progressBarWr),
		progressbar.OptionSetPredictTime(true))
	bar.RenderBlank()
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				fmt.Fprintf(progressBarWr, "\n")
				return
			}
			if p.Expansions > 0 {
				// A hypothesis-search tick rather than a packet.
				continue
			}
			bar.Add((p.Compressed + 7) / 8)
		case <-ctx.Done():
			return
		}
	}
}

func openFileOrURL(ctx context.Context, name string) (io.Reader, int64, func(context.Context) error, error) {
	if strings.HasPrefix(name, "http") {
		resp, err := http.Get(name)
		if err != nil {
			return nil, 0, nil, err
		}
		return resp.Body,
			resp.ContentLength,
			func(context.Context) error {
				resp.Body.Close()
				return nil
			},
			err
	}
	info, err := file.Stat(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	file, err := file.Open(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	return file.Reader(ctx), info.Size(), file.Close, nil
}

func createFile(ctx context.Context, name string, force bool) (io.Writer, func(context.Context) error, error) {
	if len(name) == 0 {
		return os.Stdout,
			func(context.Context) error {
				return nil
			},
			nil
	}
	if !force {
		if _, err := file.Stat(ctx, name); err == nil {
			return nil, nil, fmt.Errorf("%v exists, use --force to overwrite", name)
		}
	}
	file, err := file.Create(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return file.Writer(ctx), file.Close, nil
}

func main() {
	cmdSet.MustDispatch(context.Background())
}

func optsFromCommonFlags(cl *CommonFlags) ([]zrecover.RecoverOption, *lm.Model, error) {
	opts := []zrecover.RecoverOption{
		zrecover.RecoverDeflate64(cl.Deflate64),
		zrecover.RecoverVerbose(cl.Verbose),
	}
	var model *lm.Model
	if len(cl.Model) > 0 {
		var err error
		model, err = lm.OpenModelFile(cl.Model)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, zrecover.RecoverModels(model))
	}
	return opts, model, nil
}

func cat(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*catFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	recOpts, model, err := optsFromCommonFlags(&cl.CommonFlags)
	if err != nil {
		return err
	}
	if model != nil {
		defer model.Close()
	}

	if len(args) == 0 {
		rd := zrecover.NewReader(ctx, os.Stdin, zrecover.RecoveryOptions(recOpts...))
		_, err := io.Copy(os.Stdout, rd)
		return err
	}

	for _, inputFile := range args {
		rd, _, readerCleanup, err := openFileOrURL(ctx, inputFile)
		if err != nil {
			return err
		}
		defer readerCleanup(ctx)

		rc := zrecover.NewReader(ctx, rd, zrecover.RecoveryOptions(recOpts...))
		if _, err := io.Copy(os.Stdout, rc); err != nil {
			return err
		}
	}
	return nil
}

func recoverCmdRunner(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*recoverFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	recOpts, model, err := optsFromCommonFlags(&cl.CommonFlags)
	if err != nil {
		return err
	}
	if model != nil {
		defer model.Close()
	}
	recOpts = append(recOpts,
		zrecover.RecoverReconstruction(!cl.NoReconstruct),
		zrecover.RecoverPartialPackets(!cl.NoPartial),
		zrecover.RecoverAlignDiscontinuities(cl.AlignSpans),
		zrecover.RecoverUseWordModel(cl.UseWordModel),
		zrecover.RecoverIterations(cl.Iterations),
	)

	rd, size, readerCleanup, err := openFileOrURL(ctx, args[0])
	if err != nil {
		return err
	}
	defer readerCleanup(ctx)

	wr, writerCleanup, err := createFile(ctx, cl.OutputFile, cl.ForceOverwrite)
	if err != nil {
		return err
	}

	isTTY := terminal.IsTerminal(int(os.Stdout.Fd()))
	var (
		progressBarWg sync.WaitGroup
		progressBarWr = os.Stdout
		progressCh    chan zrecover.Progress
	)
	if cl.ProgressBar && (len(cl.OutputFile) > 0 || !isTTY) {
		progressCh = make(chan zrecover.Progress, cl.Concurrency)
		recOpts = append(recOpts, zrecover.RecoverSendUpdates(progressCh))
		progressBarWg.Add(1)
		if !isTTY {
			progressBarWr = os.Stderr
		}
		go func() {
			progressBar(ctx, progressBarWr, progressCh, size)
			progressBarWg.Done()
		}()
	}

	window, err := ioutil.ReadAll(rd)
	if err != nil {
		return err
	}
	res, err := zrecover.Recover(ctx, window, recOpts...)

	errs := &errors.M{}
	errs.Append(err)
	if err == nil {
		errs.Append(writeOutput(wr, cl, res))
	}
	errs.Append(writerCleanup(ctx))

	if progressCh != nil {
		close(progressCh)
		progressBarWg.Wait()
	}
	return errs.Err()
}

func writeOutput(wr io.Writer, cl *recoverFlags, res *zrecover.RecoveryResult) error {
	switch cl.Format {
	case "text":
		placeholder := byte(zrecover.DefaultPlaceholder)
		if len(cl.Placeholder) > 0 {
			placeholder = cl.Placeholder[0]
		}
		_, err := zrecover.WritePlainText(wr, res, placeholder)
		return err
	case "bytes":
		_, err := zrecover.WriteDecodedBytes(wr, res)
		return err
	case "listing":
		return zrecover.WriteListing(wr, res)
	}
	return fmt.Errorf("unknown output format: %v", cl.Format)
}

func scan(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	cmdutil.HandleSignals(cancel, os.Interrupt)
	errs := errors.M{}
	for _, arg := range args {
		errs.Append(scanFile(ctx, arg))
	}
	return errs.Err()
}

func scanFile(ctx context.Context, name string) error {
	rd, _, readerCleanup, err := openFileOrURL(ctx, name)
	if err != nil {
		return err
	}
	defer readerCleanup(ctx)
	window, err := ioutil.ReadAll(rd)
	if err != nil {
		return err
	}
	sc := zrecover.NewScanner(window)
	for sc.Scan(ctx) {
		fmt.Println(name, sc.Packet().String())
	}
	return sc.Err()
}
