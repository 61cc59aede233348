// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cartdump/nxcore/titledb"
)

// jsonMetaEntry is this CLI's on-disk stand-in for the real
// content-meta service binding, which spec.md §1 treats as an opaque,
// out-of-scope system call. It carries exactly titledb.MetadataEntry's
// fields, hex-encoded where titledb uses byte arrays.
type jsonMetaEntry struct {
	Backend     string              `json:"backend"`
	TitleID     string              `json:"title_id"`
	Version     uint32              `json:"version"`
	Type        uint8               `json:"type"`
	InstallType uint8               `json:"install_type"`
	Contents    []jsonContentEntry  `json:"contents"`
	App         *jsonAppMetadata    `json:"app_metadata,omitempty"`
}

type jsonContentEntry struct {
	ID       string `json:"id"`
	Size     int64  `json:"size"`
	Type     uint8  `json:"type"`
	IDOffset uint8  `json:"id_offset"`
}

type jsonAppMetadata struct {
	Name         string `json:"name"`
	Author       string `json:"author"`
	LanguageMask uint32 `json:"language_mask"`
}

var backendNames = map[string]titledb.Backend{
	"system": titledb.BuiltInSystem,
	"user":   titledb.BuiltInUser,
	"sd":     titledb.SD,
	"gamecard": titledb.Gamecard,
}

// jsonMetaService implements titledb.ContentMetaService from a single
// JSON document loaded up front, used by this CLI wherever the real
// stack would call the console's content-meta service.
type jsonMetaService struct {
	entries []titledb.MetadataEntry
	apps    map[uint64]*titledb.ApplicationMetadata
}

func loadJSONMetaService(path string) (*jsonMetaService, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed []jsonMetaEntry
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	svc := &jsonMetaService{apps: make(map[uint64]*titledb.ApplicationMetadata)}
	for _, e := range parsed {
		backend, ok := backendNames[e.Backend]
		if !ok {
			return nil, fmt.Errorf("unknown backend %q", e.Backend)
		}
		titleID, err := parseHexUint64(e.TitleID)
		if err != nil {
			return nil, fmt.Errorf("title_id %q: %w", e.TitleID, err)
		}

		var contents []titledb.ContentDescriptor
		for _, c := range e.Contents {
			id, err := parseHex16(c.ID)
			if err != nil {
				return nil, fmt.Errorf("content id %q: %w", c.ID, err)
			}
			contents = append(contents, titledb.ContentDescriptor{
				ID: id, Size: c.Size, Type: c.Type, IDOffset: c.IDOffset,
			})
		}

		svc.entries = append(svc.entries, titledb.MetadataEntry{
			Backend:     backend,
			TitleID:     titleID,
			Version:     e.Version,
			Type:        titledb.TitleType(e.Type),
			InstallType: e.InstallType,
			Contents:    contents,
		})

		if e.App != nil {
			svc.apps[titleID] = &titledb.ApplicationMetadata{
				TitleID: titleID, Name: e.App.Name, Author: e.App.Author, LanguageMask: e.App.LanguageMask,
			}
		}
	}
	return svc, nil
}

func (s *jsonMetaService) Keys(b titledb.Backend) ([]titledb.MetaKey, error) {
	var keys []titledb.MetaKey
	for _, e := range s.entries {
		if e.Backend == b {
			keys = append(keys, titledb.MetaKey{TitleID: e.TitleID, Version: e.Version})
		}
	}
	return keys, nil
}

func (s *jsonMetaService) Fetch(b titledb.Backend, key titledb.MetaKey) (titledb.MetadataEntry, error) {
	for _, e := range s.entries {
		if e.Backend == b && e.TitleID == key.TitleID && e.Version == key.Version {
			return e, nil
		}
	}
	return titledb.MetadataEntry{}, fmt.Errorf("no metadata for %016x v%d on backend %v", key.TitleID, key.Version, b)
}

func (s *jsonMetaService) ApplicationMetadata(_ titledb.Backend, titleID uint64) (*titledb.ApplicationMetadata, error) {
	return s.apps[titleID], nil
}

func parseHexUint64(s string) (uint64, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return 0, fmt.Errorf("expected 16 hex chars")
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

func parseHex16(s string) ([16]byte, error) {
	var out [16]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return out, fmt.Errorf("expected 32 hex chars")
	}
	copy(out[:], b)
	return out, nil
}
