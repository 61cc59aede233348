// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartdump/nxcore/titledb"
)

func newListCmd() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List entries from the title database",
	}
	listCmd.AddCommand(newListTitlesCmd())
	return listCmd
}

func newListTitlesCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "titles",
		Short: "List every known application, its patches, and its add-ons",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := loadJSONMetaService(dbPath)
			if err != nil {
				return err
			}

			db := titledb.New(svc, log)
			if err := db.Build([]titledb.Backend{
				titledb.BuiltInSystem, titledb.BuiltInUser, titledb.SD, titledb.Gamecard,
			}); err != nil {
				return err
			}

			for _, app := range db.Applications() {
				printApplication(db, app)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the JSON title-metadata document")
	cmd.MarkFlagRequired("db")
	return cmd
}

func printApplication(db *titledb.DB, app titledb.TitleInfo) {
	fmt.Printf("%016x  %s\n", app.Meta.TitleID, titledb.DisplayName(app))
	set, err := db.ApplicationSet(app.Meta.TitleID)
	if err != nil {
		fmt.Printf("  (error resolving application set: %v)\n", err)
		return
	}
	for _, p := range set.Patches {
		fmt.Printf("  patch  v%d  %016x\n", p.Meta.Version, p.Meta.TitleID)
	}
	for _, a := range set.AddOns {
		fmt.Printf("  addon  #%d  %016x\n", titledb.AddOnIndex(a.Meta.TitleID), a.Meta.TitleID)
	}
}
