// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package cnt

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/cartdump/nxcore/blockio"
	"github.com/cartdump/nxcore/cryptoprim"
	"github.com/cartdump/nxcore/keyset"
	"github.com/cartdump/nxcore/nxerr"
)

type memSource struct{ data []byte }

func (m *memSource) Size() int64 { return int64(len(m.data)) }
func (m *memSource) Ready() bool { return true }
func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func repeat16(b byte) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = b
	}
	return out
}

func hexOf(b []byte) string { return hex.EncodeToString(b) }

// buildPlainHeader lays out a structurally valid, unencrypted headerSize
// buffer with the given magic and the scalar fields Open/parseHeader
// read; the section table and key-area slots are left zeroed since the
// tests below don't exercise them.
func buildPlainHeader(magic [4]byte, keyGen, kaekIndex uint8, rightsID [16]byte) []byte {
	plain := make([]byte, headerSize)
	copy(plain[0:4], magic[:])
	plain[0x205] = byte(ContentMeta)
	plain[0x206] = keyGen
	plain[0x207] = kaekIndex
	binary.LittleEndian.PutUint64(plain[0x208:0x210], 0x8000)
	copy(plain[0x230:0x240], rightsID[:])
	return plain
}

func encryptHeader(t *testing.T, key1, key2, plain []byte) []byte {
	t.Helper()
	cipher, err := cryptoprim.AESXTSSectorTweak(cryptoprim.XTSEncrypt, key1, key2, 0, sectorSize, plain)
	if err != nil {
		t.Fatalf("encrypt fixture: %v", err)
	}
	return cipher
}

// TestOpenWrongHeaderKeyFails is scenario S3: opening a container under
// the wrong header key produces garbage that doesn't decode to either
// known magic, failing with BadMagic.
func TestOpenWrongHeaderKeyFails(t *testing.T) {
	plain := buildPlainHeader(magicV3, 0, 0, [16]byte{})
	cipher := encryptHeader(t, repeat16(0x11), repeat16(0x22), plain)

	ks := keyset.New(nil)
	copy(ks.HeaderKey.Key1[:], repeat16(0xAA))
	copy(ks.HeaderKey.Key2[:], repeat16(0xBB))

	_, err := Open(blockio.New(&memSource{data: cipher}), ks)
	if !nxerr.Of(err, nxerr.KindBadMagic) {
		t.Fatalf("Open with wrong header key = %v, want BadMagic", err)
	}
}

// TestOpenNCA3RoundTrip confirms a correctly keyed header round-trips
// through Open and its scalar fields parse as written.
func TestOpenNCA3RoundTrip(t *testing.T) {
	plain := buildPlainHeader(magicV3, 2, 1, [16]byte{})
	key1, key2 := repeat16(0x01), repeat16(0x02)
	cipher := encryptHeader(t, key1, key2, plain)

	ks := keyset.New(nil)
	copy(ks.HeaderKey.Key1[:], key1)
	copy(ks.HeaderKey.Key2[:], key2)

	c, err := Open(blockio.New(&memSource{data: cipher}), ks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Header.KeyGeneration != 2 || c.Header.KAEKIndex != 1 {
		t.Fatalf("header fields = %+v, want keyGen=2 kaekIndex=1", c.Header)
	}
}

// TestOpenNCA2MagicVariant confirms the legacy NCA2 magic round-trips.
// Open takes decryptHeader's version-2 branch here, but encryptHeader
// encrypts the whole header in one pass, so the re-decrypted
// section-header blocks past 0x400 do not match the plaintext; this
// checks only that Open succeeds, not the section-header contents.
func TestOpenNCA2MagicVariant(t *testing.T) {
	plain := buildPlainHeader(magicV2, 0, 0, [16]byte{})
	key1, key2 := repeat16(0x03), repeat16(0x04)
	cipher := encryptHeader(t, key1, key2, plain)

	ks := keyset.New(nil)
	copy(ks.HeaderKey.Key1[:], key1)
	copy(ks.HeaderKey.Key2[:], key2)

	if _, err := Open(blockio.New(&memSource{data: cipher}), ks); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

// TestDecryptKeyArea exercises the key-area path: a keyset
// loaded and derived from a fabricated keys file must recompute the
// same KAEK this test used to build the header's encrypted slots, and
// DecryptKeyArea must recover the original plaintext slots through it.
func TestDecryptKeyArea(t *testing.T) {
	masterKey := repeat16(0x10)
	kaekSource := repeat16(0x20)
	kaek, err := cryptoprim.AESECB(cryptoprim.ECBDecrypt, masterKey, kaekSource)
	if err != nil {
		t.Fatalf("compute fixture kaek: %v", err)
	}

	var plainSlots, encSlots [keyAreaSlotCount][16]byte
	for i := range plainSlots {
		copy(plainSlots[i][:], repeat16(byte(0x50+i)))
		enc, err := cryptoprim.AESECB(cryptoprim.ECBEncrypt, kaek, plainSlots[i][:])
		if err != nil {
			t.Fatalf("encrypt fixture slot %d: %v", i, err)
		}
		copy(encSlots[i][:], enc)
	}

	keysFile := strings.Join([]string{
		"master_key_00 = " + hexOf(masterKey),
		"header_key = " + hexOf(append(repeat16(0x01), repeat16(0x02)...)),
		"key_area_key_application_00 = " + hexOf(kaekSource),
	}, "\n")

	ks := keyset.New(nil)
	if _, err := ks.Load(strings.NewReader(keysFile)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := ks.Derive(0, nil); err != nil {
		t.Fatalf("Derive: %v", err)
	}

	c := &Container{Header: Header{KeyGeneration: 0, KAEKIndex: 0, EncryptedKeySlots: encSlots}}
	if err := c.DecryptKeyArea(ks, nil); err != nil {
		t.Fatalf("DecryptKeyArea: %v", err)
	}
	for i := range plainSlots {
		if c.KeySlot[i] != plainSlots[i] {
			t.Fatalf("slot %d = %x, want %x", i, c.KeySlot[i], plainSlots[i])
		}
	}
}

// TestDecryptKeyAreaRightsIDSubstitutesSlot2 covers the rights-id path:
// a missing titlekey fails with TitlekeyUnavailable, and a supplied one
// lands directly in key_slot[2], bypassing the key-area-derived value.
func TestDecryptKeyAreaRightsIDSubstitutesSlot2(t *testing.T) {
	keysFile := strings.Join([]string{
		"master_key_00 = " + hexOf(repeat16(0x10)),
		"header_key = " + hexOf(append(repeat16(0x01), repeat16(0x02)...)),
		"key_area_key_application_00 = " + hexOf(repeat16(0x20)),
	}, "\n")

	ks := keyset.New(nil)
	if _, err := ks.Load(strings.NewReader(keysFile)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := ks.Derive(0, nil); err != nil {
		t.Fatalf("Derive: %v", err)
	}

	var rightsID [16]byte
	rightsID[0] = 1
	c := &Container{Header: Header{RightsID: rightsID}}

	if err := c.DecryptKeyArea(ks, nil); !nxerr.Of(err, nxerr.KindTitlekeyUnavailable) {
		t.Fatalf("DecryptKeyArea without titlekey = %v, want TitlekeyUnavailable", err)
	}

	titlekey := repeat16(0x99)
	if err := c.DecryptKeyArea(ks, titlekey); err != nil {
		t.Fatalf("DecryptKeyArea with titlekey: %v", err)
	}
	var want [16]byte
	copy(want[:], titlekey)
	if c.KeySlot[2] != want {
		t.Fatalf("KeySlot[2] = %x, want %x", c.KeySlot[2], want)
	}
}
