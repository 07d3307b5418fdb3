// Copyright 2022 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// +build ignore

package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/cosnicolaou/zrecover/lm"
	"github.com/grailbio/base/must"
	"v.io/x/lib/cmd/flagvar"
)

var commandline struct {
	ModelFile string `cmd:"model,,'language model file to inspect'"`
}

func init() {
	must.Nil(flagvar.RegisterFlagsInStruct(flag.CommandLine, "cmd", &commandline,
		nil, nil))
}

func main() {
	flag.Parse()

	model, err := lm.OpenModelFile(commandline.ModelFile)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer model.Close()
	fmt.Printf("=== %v ===\n", commandline.ModelFile)
	if t := model.Forward; t != nil {
		fmt.Printf("forward trie   : %v bytes, keys up to %v bytes\n", t.Size(), t.MaxKeyLength())
	}
	if t := model.Reverse; t != nil {
		fmt.Printf("reverse trie   : %v bytes, keys up to %v bytes\n", t.Size(), t.MaxKeyLength())
	}
	for n, c := range model.CountsByLength {
		fmt.Printf("%2d-gram count  : %v\n", n+1, c)
	}
	fmt.Printf("known words    : %v\n", model.Words.Len())
}
