// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cartdump/nxcore/assembler"
	"github.com/cartdump/nxcore/blockio"
	"github.com/cartdump/nxcore/cartridge"
	"github.com/cartdump/nxcore/cryptoprim"
	"github.com/cartdump/nxcore/sink"
	"github.com/cartdump/nxcore/titledb"
	"github.com/cartdump/nxcore/xmlout"
)

func newDumpCmd() *cobra.Command {
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump a gamecard image or an installed title's package",
	}
	dumpCmd.AddCommand(newDumpGamecardCmd())
	dumpCmd.AddCommand(newDumpTitleCmd())
	return dumpCmd
}

func newDumpGamecardCmd() *cobra.Command {
	var normalPath, securePath, keysPath, out string
	var trim, prependKeyArea bool

	cmd := &cobra.Command{
		Use:   "gamecard",
		Short: "Dump a cartridge's logical image to a raw-image file",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := loadKeyset(keysPath)
			if err != nil {
				return err
			}

			normal, err := blockio.OpenFile(normalPath)
			if err != nil {
				return err
			}
			secure, err := blockio.OpenFile(securePath)
			if err != nil {
				return err
			}

			card := cartridge.New(keys, log)
			card.HandleInsert(normal, secure)
			if card.State() == cartridge.InsertedInfoNotLoaded {
				return fmt.Errorf("gamecard: failed to read header (state=%v)", card.State())
			}

			size := card.TotalDumpSize()
			if trim {
				size = card.TrimmedDumpSize()
			}

			writer := sink.NewSDSink(nil)
			if sink.DetectMode(out) == sink.ModeUMS {
				writer = sink.NewUMSSink(nil, nil)
			}
			declared := size
			if prependKeyArea {
				declared += int64(len(card.KeyArea()))
			}
			if err := writer.CreateOrOpen(out, declared, 0); err != nil {
				return err
			}
			defer writer.Close()

			if prependKeyArea {
				keyArea := card.KeyArea()
				if _, err := writer.Write(keyArea[:]); err != nil {
					writer.Cancel()
					return err
				}
			}

			if err := streamReaderTo(writer, card.Reader(), size); err != nil {
				writer.Cancel()
				return err
			}

			if err := writeSidecarXML(out+".xml", xmlout.Document{
				Kind:    xmlout.KindGamecard,
				Entries: []xmlout.Entry{{Name: filepath.Base(out), Size: size}},
			}); err != nil {
				return err
			}

			fmt.Printf("wrote %d bytes to %s\n", size, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&normalPath, "normal", "", "path to a dumped cartridge normal-area image")
	cmd.Flags().StringVar(&securePath, "secure", "", "path to a dumped cartridge secure-area image")
	cmd.Flags().StringVar(&keysPath, "keys", "", "path to the keys file")
	cmd.Flags().StringVar(&out, "out", "", "output path (SD/UMS prefix selects the writer mode)")
	cmd.Flags().BoolVar(&trim, "trim", false, "stop at header_size + valid_data_end instead of the full declared capacity")
	cmd.Flags().BoolVar(&prependKeyArea, "prepend-key-area", false, "prepend the 16-byte initial-data key-area block")
	for _, f := range []string{"normal", "secure", "keys", "out"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func streamReaderTo(w sink.Writer, r *blockio.Reader, size int64) error {
	const chunk = 8 * 1024 * 1024
	buf := make([]byte, chunk)
	var off int64
	for off < size {
		n := int64(len(buf))
		if off+n > size {
			n = size - off
		}
		if _, err := r.ReadAt(buf[:n], off); err != nil {
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func newDumpTitleCmd() *cobra.Command {
	var dbPath, contentDir, keysPath, resignKeyPath, titleIDHex, out string
	var includeDeltas, includeTicket, reSign bool

	cmd := &cobra.Command{
		Use:   "title",
		Short: "Assemble an installed title's package (PFS) and write it out",
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

			titleID, err := parseHexUint64(titleIDHex)
			if err != nil {
				return fmt.Errorf("--title-id: %w", err)
			}
			matches := db.ByTitleID(titleID)
			if len(matches) == 0 {
				return fmt.Errorf("no title database entry for %016x", titleID)
			}
			info := matches[0]

			keys, err := loadKeyset(keysPath)
			if err != nil {
				return err
			}

			policy := assembler.Policy{IncludeDeltas: includeDeltas, IncludeTicket: includeTicket, ReSign: reSign}

			var buildKey *cryptoprim.RSA2048PrivateKey
			if reSign {
				buildKey, err = loadBuildKey(resignKeyPath)
				if err != nil {
					return err
				}
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()

			// src runs content through the real decrypt stack (CNT header
			// → key area → section cipher → PFS for the metadata content)
			// instead of handing the assembler plaintext files directly.
			src := &cntContentSource{dir: contentDir, keys: keys}
			if err := assembler.Assemble(info, policy, src, buildKey, nil, f); err != nil {
				os.Remove(out)
				return err
			}

			entries := make([]xmlout.Entry, 0, len(info.Meta.Contents))
			for _, c := range info.Meta.Contents {
				entries = append(entries, xmlout.Entry{Name: hex.EncodeToString(c.ID[:]), Size: c.Size})
			}
			if err := writeSidecarXML(out+".xml", xmlout.Document{
				Kind:    xmlout.KindPackage,
				TitleID: titleID,
				Entries: entries,
			}); err != nil {
				return err
			}

			fmt.Printf("wrote package for %016x to %s\n", titleID, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the JSON title-metadata document")
	cmd.Flags().StringVar(&contentDir, "content-dir", "", "directory of installed content containers, named by hex content id")
	cmd.Flags().StringVar(&keysPath, "keys", "", "path to the console keys file")
	cmd.Flags().StringVar(&resignKeyPath, "resign-key", "", "path to the PEM-encoded build-signing key (only needed with --resign)")
	cmd.Flags().StringVar(&titleIDHex, "title-id", "", "16 hex-digit title id")
	cmd.Flags().StringVar(&out, "out", "", "output package path")
	cmd.Flags().BoolVar(&includeDeltas, "include-deltas", false, "include delta-fragment contents")
	cmd.Flags().BoolVar(&includeTicket, "include-ticket", false, "embed the ticket and certificate chain (rights-id-locked titles)")
	cmd.Flags().BoolVar(&reSign, "resign", false, "re-sign the metadata content's content table after excluding content")
	for _, f := range []string{"db", "content-dir", "keys", "title-id", "out"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

// writeSidecarXML creates path and renders doc to it via xmlout, the
// authoring-tool XML companion spec.md §6 names for each extracted
// subcontainer.
func writeSidecarXML(path string, doc xmlout.Document) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return xmlout.Write(f, doc)
}

// loadBuildKey reads a PEM-encoded PKCS#1 RSA private key — the
// assembler's own package-signing key, unrelated to any device key —
// and adapts it to cryptoprim.RSA2048PrivateKey's modulus/exponent form.
func loadBuildKey(path string) (*cryptoprim.RSA2048PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: not a PEM file", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cryptoprim.RSA2048PrivateKey{
		Modulus:    key.N,
		PublicExp:  key.E,
		PrivateExp: key.D,
	}, nil
}
