// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package keyset parses the prod/dev keys text file, derives the
// per-generation master/KAEK/titlekek keys, and recovers the device's
// eTicket RSA key, per spec.md §4.2.
package keyset

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/cartdump/nxcore/cryptoprim"
	"github.com/cartdump/nxcore/nxerr"
	"github.com/cartdump/nxcore/nxlog"
)

const component = "keyset"

// MaxKeyGeneration bounds the per-generation key arrays. The original
// firmware line never exceeded this; Keyset.Load grows nothing past it.
const MaxKeyGeneration = 32

// XTSKeyPair is a 32-byte XTS key split into its two 16-byte halves.
type XTSKeyPair struct {
	Key1, Key2 [16]byte
}

// Keyset holds every key derived or loaded at startup. Zero value is
// usable but empty; call Load then Derive.
type Keyset struct {
	raw map[string][]byte // lowercased name -> raw bytes, as parsed

	HeaderKey      XTSKeyPair
	MasterKeys     [MaxKeyGeneration][16]byte
	masterKeySet   [MaxKeyGeneration]bool
	KAEK           [4][MaxKeyGeneration][16]byte
	kaekSet        [4][MaxKeyGeneration]bool
	CommonTitlekek [MaxKeyGeneration][16]byte
	titlekekSet    [MaxKeyGeneration]bool

	ETicketRSAKey *cryptoprim.RSA2048PrivateKey

	log *nxlog.Helper
}

// New returns an empty Keyset. logger may be nil.
func New(logger *nxlog.Helper) *Keyset {
	if logger == nil {
		logger = nxlog.Default()
	}
	return &Keyset{raw: make(map[string][]byte), log: logger}
}

// ParseError records a malformed keys-file line, logged as a warning
// per spec.md S2 rather than aborting the whole load.
type ParseError struct {
	Line int
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("keyset: malformed line %d: %q", e.Line, e.Text)
}

// Load reads a "name = hex" / "name, hex" keys file per spec.md §6.
// Malformed lines are logged and skipped; recognized names are stored
// for later use by Derive. Returns the count of malformed lines seen.
func (k *Keyset) Load(r io.Reader) (malformed int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, hexVal, ok := splitKeyLine(line)
		if !ok {
			k.log.Warnf("malformed line %d in keys file: %q", lineNo, line)
			malformed++
			continue
		}

		val, decErr := hex.DecodeString(hexVal)
		if decErr != nil {
			k.log.Warnf("malformed line %d in keys file: %q", lineNo, line)
			malformed++
			continue
		}

		k.raw[strings.ToLower(name)] = val
	}
	if err := scanner.Err(); err != nil {
		return malformed, nxerr.New(component, nxerr.KindIoError, err)
	}
	return malformed, nil
}

// splitKeyLine splits a "name = hex" or "name, hex" line, trimming
// whitespace on both sides. Returns ok=false for anything else,
// including a bare name with no separator (spec.md S2's "badname").
func splitKeyLine(line string) (name, hexVal string, ok bool) {
	idx := strings.IndexAny(line, "=,")
	if idx < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(line[:idx])
	hexVal = strings.TrimSpace(line[idx+1:])
	if name == "" || hexVal == "" {
		return "", "", false
	}
	return name, hexVal, true
}

// Raw returns the raw bytes for a loaded key-file entry by name
// (case-insensitive), or ok=false if absent.
func (k *Keyset) Raw(name string) ([]byte, bool) {
	v, ok := k.raw[strings.ToLower(name)]
	return v, ok
}
