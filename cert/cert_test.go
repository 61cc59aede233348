// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package cert

import (
	"encoding/binary"
	"testing"
)

// buildCertRecord constructs one synthetic RSA2048-SHA256/RSA2048
// certificate record in the on-wire layout parseOne expects.
func buildCertRecord(issuer, name string) []byte {
	buf := make([]byte, 0, 4+0x100+sigPadding+issuerSize+4+nameSize+4+0x138)
	var tag [4]byte
	binary.BigEndian.PutUint32(tag[:], uint32(SigTypeRSA2048SHA256))
	buf = append(buf, tag[:]...)
	buf = append(buf, make([]byte, 0x100+sigPadding)...) // sig + padding

	issuerField := make([]byte, issuerSize)
	copy(issuerField, issuer)
	buf = append(buf, issuerField...)

	var keyType [4]byte
	binary.BigEndian.PutUint32(keyType[:], uint32(KeyTypeRSA2048))
	buf = append(buf, keyType[:]...)

	nameField := make([]byte, nameSize)
	copy(nameField, name)
	buf = append(buf, nameField...)

	buf = append(buf, make([]byte, 4)...) // unique id
	buf = append(buf, make([]byte, 0x138)...)
	return buf
}

func TestParseSingleRecord(t *testing.T) {
	rec := buildCertRecord("Root-CA00000003", "XS00000020")
	chain, err := Parse(rec)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, ok := chain["XS00000020"]
	if !ok {
		t.Fatalf("record not found in chain: %v", chain)
	}
	if c.Issuer != "Root-CA00000003" {
		t.Fatalf("Issuer = %q", c.Issuer)
	}
	if c.KeyType != KeyTypeRSA2048 {
		t.Fatalf("KeyType = %v", c.KeyType)
	}
}

func TestParseTwoRecordsBackToBack(t *testing.T) {
	a := buildCertRecord("Root-CA00000003", "CA00000003")
	b := buildCertRecord("Root-CA00000003-CA00000003", "XS00000020")
	chain, err := Parse(append(a, b...))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain has %d entries, want 2", len(chain))
	}
}
