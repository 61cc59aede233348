// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"path/filepath"

	"github.com/cartdump/nxcore/assembler"
	"github.com/cartdump/nxcore/blockio"
	"github.com/cartdump/nxcore/cnt"
	"github.com/cartdump/nxcore/keyset"
	"github.com/cartdump/nxcore/pfs"
	"github.com/cartdump/nxcore/section"
	"github.com/cartdump/nxcore/ticket"
)

// cntContentSource opens installed content by id from a flat directory
// of hex-named encrypted containers — this CLI's stand-in for "open by
// content id" (spec.md §6's installed-content storage abstraction) —
// and drives the full read-side stack (CNT header decrypt, key-area
// unwrap, section cipher, PFS) instead of handing the assembler raw
// bytes, per spec.md §2's "open CNT → derive/decrypt keys → open
// Section reader → parse as PFS → extract metadata" data flow.
//
// tickets is nil-safe: a rights-id-locked content fails with
// TitlekeyUnavailable when no store is configured, since this CLI has
// no real ticket service binding to enumerate from.
type cntContentSource struct {
	dir     string
	keys    *keyset.Keyset
	tickets *ticket.Store
}

func (d *cntContentSource) Open(id [16]byte) (assembler.ReaderAtSizer, error) {
	path := filepath.Join(d.dir, hex.EncodeToString(id[:]))
	raw, err := blockio.OpenFile(path)
	if err != nil {
		return nil, err
	}

	c, err := cnt.Open(blockio.New(raw), d.keys)
	if err != nil {
		return nil, err
	}

	var titlekey []byte
	if c.Header.HasRightsID() && d.tickets != nil {
		titlekey, err = d.tickets.Lookup(c.Header.RightsID)
		if err != nil {
			return nil, err
		}
	}
	if err := c.DecryptKeyArea(d.keys, titlekey); err != nil {
		return nil, err
	}

	sec, err := section.Open(c, 0, nil)
	if err != nil {
		return nil, err
	}
	if c.Header.ContentType != cnt.ContentMeta {
		return sec, nil
	}

	// The metadata content is itself a PFS0 holding one file (the real
	// content-meta record); extract it rather than handing the
	// assembler the whole section, matching the metadata-specific path
	// spec.md §2 calls out separately from plain content passthrough.
	p, err := pfs.Open(sec)
	if err != nil {
		return nil, err
	}
	entries := p.Enumerate()
	if len(entries) == 0 {
		return sec, nil
	}
	return p.OpenEntry(entries[0]), nil
}
