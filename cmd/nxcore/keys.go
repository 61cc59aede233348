// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cartdump/nxcore/keyset"
)

func newKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect a loaded keyset",
	}
	keysCmd.AddCommand(newKeysCheckCmd())
	return keysCmd
}

// loadKeyset opens path, loads and derives a keys file, and returns the
// resulting Keyset. Shared by every subcommand that needs device keys.
func loadKeyset(path string) (*keyset.Keyset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ks := keyset.New(log)
	if _, err := ks.Load(f); err != nil {
		return nil, err
	}
	if err := ks.Derive(0, nil); err != nil {
		return nil, err
	}
	return ks, nil
}

func newKeysCheckCmd() *cobra.Command {
	var unitGen int
	cmd := &cobra.Command{
		Use:   "check <keys-file>",
		Short: "Load and derive a keys file, reporting what's available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ks := keyset.New(log)
			malformed, err := ks.Load(f)
			if err != nil {
				return err
			}
			if malformed > 0 {
				fmt.Printf("%d malformed line(s) skipped\n", malformed)
			}

			if err := ks.Derive(unitGen, nil); err != nil {
				return err
			}

			present := 0
			for gen := 0; gen < keyset.MaxKeyGeneration; gen++ {
				if _, err := ks.MasterKey(gen); err == nil {
					present++
				}
			}
			fmt.Printf("master keys loaded: %d\n", present)
			fmt.Printf("eticket rsa key:    %v\n", ks.ETicketRSAKey != nil)
			return nil
		},
	}
	cmd.Flags().IntVar(&unitGen, "unit-key-generation", 0, "unit-reported key generation")
	return cmd
}
