// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package config loads and rewrites the persisted JSON configuration
// file (spec.md §6): last-used output device, split/trim defaults, the
// naming-convention selector, and the overclock toggle. Unknown keys
// round-trip unchanged.
package config

import (
	"encoding/json"
	"os"

	"github.com/cartdump/nxcore/nxerr"
)

const component = "config"

// NamingConvention selects how dumped filenames are built.
type NamingConvention string

// The two naming conventions the shell exposes.
const (
	NamingFull NamingConvention = "full"
	NamingID   NamingConvention = "id"
)

// Config is the known, typed subset of the persisted file. Everything
// else present in the file is kept in extra and re-emitted verbatim.
type Config struct {
	OutputDevice string           `json:"output_device"`
	SplitByFAT   bool             `json:"split_by_fat"`
	Trim         bool             `json:"trim"`
	Naming       NamingConvention `json:"naming_convention"`
	Overclock    bool             `json:"overclock"`

	extra map[string]json.RawMessage
}

// Default returns the default configuration the shell falls back to
// when no file exists yet.
func Default() *Config {
	return &Config{
		SplitByFAT: true,
		Naming:     NamingFull,
		extra:      map[string]json.RawMessage{},
	}
}

// fieldNames lists the struct's own JSON keys so Load/Save can separate
// recognized fields from the passthrough bag without reflection.
var fieldNames = map[string]bool{
	"output_device":     true,
	"split_by_fat":      true,
	"trim":              true,
	"naming_convention": true,
	"overclock":         true,
}

// Load reads and parses path. A missing file is not an error: Load
// returns Default() so first-run behaves like an empty config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, nxerr.New(component, nxerr.KindIoError, err)
	}

	c := &Config{extra: map[string]json.RawMessage{}}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, nxerr.New(component, nxerr.KindCorruptMetadata, err)
	}

	var whole map[string]json.RawMessage
	if err := json.Unmarshal(data, &whole); err != nil {
		return nil, nxerr.New(component, nxerr.KindCorruptMetadata, err)
	}
	for k, v := range whole {
		if !fieldNames[k] {
			c.extra[k] = v
		}
	}
	return c, nil
}

// Save serializes c to path, re-emitting every key Load didn't
// recognize so a shell upgrade/downgrade never loses unrelated state.
func (c *Config) Save(path string) error {
	known, err := json.Marshal(struct {
		OutputDevice string           `json:"output_device"`
		SplitByFAT   bool             `json:"split_by_fat"`
		Trim         bool             `json:"trim"`
		Naming       NamingConvention `json:"naming_convention"`
		Overclock    bool             `json:"overclock"`
	}{c.OutputDevice, c.SplitByFAT, c.Trim, c.Naming, c.Overclock})
	if err != nil {
		return nxerr.New(component, nxerr.KindInvalidArgument, err)
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nxerr.New(component, nxerr.KindInvalidArgument, err)
	}
	for k, v := range c.extra {
		merged[k] = v
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nxerr.New(component, nxerr.KindInvalidArgument, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	return nil
}
