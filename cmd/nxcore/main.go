// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Command nxcore is the CLI front end over the content-extraction
// stack, grounded on the teacher's `cmd/pedumper.go`: a cobra root
// command and one subcommand per dominant operation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cartdump/nxcore/nxlog"
)

var log = nxlog.Default()

func main() {
	root := &cobra.Command{
		Use:   "nxcore",
		Short: "Content-extraction toolkit for installed titles and gamecards",
		Long:  "nxcore reads cartridge images, installed title containers, and the title database, and produces verified package and raw-image dumps.",
	}

	root.AddCommand(newKeysCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newDumpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
