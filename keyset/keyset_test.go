// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package keyset

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/cartdump/nxcore/cryptoprim"
	"github.com/cartdump/nxcore/nxerr"
)

// genTestRSAKeyForKeyset builds a 2048-bit key with the standard public
// exponent, reshaped into cryptoprim's raw (modulus, private-exp) form.
func genTestRSAKeyForKeyset(t *testing.T) *cryptoprim.RSA2048PrivateKey {
	t.Helper()
	std, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return &cryptoprim.RSA2048PrivateKey{
		Modulus:    new(big.Int).Set(std.N),
		PublicExp:  std.E,
		PrivateExp: new(big.Int).Set(std.D),
	}
}

// TestKeyFileParseHappyPath is scenario S1: both entries load, and the
// 32-byte header_key splits into the two 16-byte XTS halves.
func TestKeyFileParseHappyPath(t *testing.T) {
	const keysFile = `master_key_00 = c2caaff089b9aed55694876055271c7d
header_key    = 8E03DE24818D96CE4F2A09B43AF979E60F5FE5A29D0C67D6B89D937E5E4FF7E0
`
	k := New(nil)
	malformed, err := k.Load(strings.NewReader(keysFile))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if malformed != 0 {
		t.Fatalf("malformed = %d, want 0", malformed)
	}

	raw, ok := k.Raw("master_key_00")
	if !ok || len(raw) != 16 {
		t.Fatalf("master_key_00 not loaded: %v %v", raw, ok)
	}

	if err := k.deriveHeaderKey(); err != nil {
		t.Fatalf("deriveHeaderKey: %v", err)
	}
	wantKey1, _ := hex.DecodeString("8E03DE24818D96CE4F2A09B43AF979E6")
	wantKey2, _ := hex.DecodeString("0F5FE5A29D0C67D6B89D937E5E4FF7E0")
	if !cryptoprim.ConstantTimeCompare(k.HeaderKey.Key1[:], wantKey1) {
		t.Fatalf("HeaderKey.Key1 = %x, want %x", k.HeaderKey.Key1, wantKey1)
	}
	if !cryptoprim.ConstantTimeCompare(k.HeaderKey.Key2[:], wantKey2) {
		t.Fatalf("HeaderKey.Key2 = %x, want %x", k.HeaderKey.Key2, wantKey2)
	}
}

// TestKeyFileParseMalformedLines is scenario S2: the well-formed entry
// loads, every malformed line is skipped rather than aborting the load,
// and nothing else ends up in the keyset.
func TestKeyFileParseMalformedLines(t *testing.T) {
	const keysFile = `# comment
master_key_00 = c2caaff089b9aed55694876055271c7d
badname
master_key_01 , NOT_HEX
`
	k := New(nil)
	malformed, err := k.Load(strings.NewReader(keysFile))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if malformed == 0 {
		t.Fatalf("malformed = 0, want at least 1")
	}

	if _, ok := k.Raw("master_key_00"); !ok {
		t.Fatal("master_key_00 should have loaded")
	}
	if _, ok := k.Raw("master_key_01"); ok {
		t.Fatal("master_key_01 should not have loaded (invalid hex)")
	}
	if len(k.raw) != 1 {
		t.Fatalf("raw has %d entries, want 1", len(k.raw))
	}
}

func TestLoadMasterKeysRequiresAtLeastOne(t *testing.T) {
	k := New(nil)
	if err := k.loadMasterKeys(); !nxerr.Of(err, nxerr.KindKeyUnavailable) {
		t.Fatalf("expected KeyUnavailable with no master keys loaded, got %v", err)
	}
}

func TestValidateMasterKeysFailsOnMismatch(t *testing.T) {
	k := New(nil)
	copy(k.MasterKeys[0][:], strings.Repeat("\x11", 16))
	k.masterKeySet[0] = true

	vector := ValidationVector{Generation: 0}
	copy(vector.Plaintext[:], strings.Repeat("\xAA", 16))
	copy(vector.Cipher[:], strings.Repeat("\x00", 16)) // deliberately wrong

	if err := k.validateMasterKeys(0, vector); !nxerr.Of(err, nxerr.KindWrongKeys) {
		t.Fatalf("expected WrongKeys, got %v", err)
	}
}

func TestValidateMasterKeysAcceptsMatchingVector(t *testing.T) {
	k := New(nil)
	key := []byte(strings.Repeat("\x11", 16))
	copy(k.MasterKeys[0][:], key)
	k.masterKeySet[0] = true

	var vector ValidationVector
	vector.Generation = 0
	copy(vector.Plaintext[:], strings.Repeat("\xAA", 16))
	cipher, err := cryptoprim.AESECB(cryptoprim.ECBEncrypt, key, vector.Plaintext[:])
	if err != nil {
		t.Fatalf("AESECB: %v", err)
	}
	copy(vector.Cipher[:], cipher)

	if err := k.validateMasterKeys(0, vector); err != nil {
		t.Fatalf("validateMasterKeys: %v", err)
	}
}

// TestDeriveKAEKsAndTitlekeks exercises the per-generation KAEK/titlekek
// fan-out: each key_area_key_<purpose>_NN/titlekek_source entry, ECB-decrypted
// under its generation's master key, becomes that generation's slot.
func TestDeriveKAEKsAndTitlekeks(t *testing.T) {
	k := New(nil)
	master := []byte(strings.Repeat("\x22", 16))
	copy(k.MasterKeys[0][:], master)
	k.masterKeySet[0] = true

	appSrc := []byte(strings.Repeat("\x33", 16))
	titlekekSrc := []byte(strings.Repeat("\x44", 16))
	k.raw["key_area_key_application_00"] = appSrc
	k.raw["titlekek_source"] = titlekekSrc

	if err := k.deriveKAEKs(); err != nil {
		t.Fatalf("deriveKAEKs: %v", err)
	}
	if err := k.deriveCommonTitlekeks(); err != nil {
		t.Fatalf("deriveCommonTitlekeks: %v", err)
	}

	wantKAEK, _ := cryptoprim.AESECB(cryptoprim.ECBDecrypt, master, appSrc)
	got, err := k.KAEKSlot(0, 0)
	if err != nil {
		t.Fatalf("KAEKSlot: %v", err)
	}
	if !cryptoprim.ConstantTimeCompare(got, wantKAEK) {
		t.Fatalf("KAEKSlot(0,0) = %x, want %x", got, wantKAEK)
	}

	wantTitlekek, _ := cryptoprim.AESECB(cryptoprim.ECBDecrypt, master, titlekekSrc)
	gotTK, err := k.CommonTitlekekForGeneration(0)
	if err != nil {
		t.Fatalf("CommonTitlekekForGeneration: %v", err)
	}
	if !cryptoprim.ConstantTimeCompare(gotTK, wantTitlekek) {
		t.Fatalf("CommonTitlekekForGeneration(0) = %x, want %x", gotTK, wantTitlekek)
	}

	// Index 3 (personalized slot) is never filled by Derive.
	if _, err := k.KAEKSlot(3, 0); !nxerr.Of(err, nxerr.KindKeyUnavailable) {
		t.Fatalf("expected KeyUnavailable for slot 3, got %v", err)
	}
}

// TestRecoverETicketRSAKeyValidatesExponentAndRoundTrip builds a
// synthetic encrypted blob (no real device key involved) and checks the
// recovered key both enforces the expected public exponent and passes
// the deterministic round-trip self-check.
func TestRecoverETicketRSAKeyValidatesExponentAndRoundTrip(t *testing.T) {
	k := New(nil)
	kek := []byte(strings.Repeat("\x55", 16))
	k.raw["eticket_rsa_kek"] = kek

	priv := genTestRSAKeyForKeyset(t)
	plain := make([]byte, eTicketRSABlobSize)
	modBytes := leftPad(priv.Modulus.Bytes(), 256)
	privBytes := leftPad(priv.PrivateExp.Bytes(), 256)
	copy(plain[0:256], modBytes)
	copy(plain[256:512], privBytes)

	ctr := cryptoprim.NewCounter128(0, 0)
	enc, err := cryptoprim.AESCTR(kek, ctr, plain)
	if err != nil {
		t.Fatalf("AESCTR: %v", err)
	}

	if err := k.RecoverETicketRSAKey("eticket_rsa_kek", enc, ctr); err != nil {
		t.Fatalf("RecoverETicketRSAKey: %v", err)
	}
	if k.ETicketRSAKey.PublicExp != 65537 {
		t.Fatalf("PublicExp = %d, want 65537", k.ETicketRSAKey.PublicExp)
	}
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
