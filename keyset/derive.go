// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package keyset

import (
	"fmt"
	"math/big"

	"github.com/cartdump/nxcore/cryptoprim"
	"github.com/cartdump/nxcore/nxerr"
)

// ErrWrongKeys is returned by Derive when the master-key validation
// vector doesn't match, per spec.md §4.2 step 3/§7's WrongKeys kind.
var ErrWrongKeys = nxerr.New(component, nxerr.KindWrongKeys, fmt.Errorf("master key validation failed"))

// kaekSourceName returns the keys-file entry name for KAEK index i,
// generation gen: "key_area_key_application_{gen:02x}" and friends.
// The three KAEK purposes (application/ocean/system) map to indices
// 0/1/2; index 3 (titlekey-personalized slot) is filled at CNT-open
// time from the ticket store, not derived here.
func kaekSourceName(purpose string, gen int) string {
	return fmt.Sprintf("key_area_key_%s_%02x", purpose, gen)
}

var kaekPurposes = [4]string{"application", "ocean", "system", ""}

func masterKeyName(gen int) string { return fmt.Sprintf("master_key_%02x", gen) }

// Derive runs spec.md §4.2 steps 3-6: load the master keys, check the
// validation vector if one is given, then derive the header key and
// per-generation KAEK/titlekek sets. The eTicket RSA key is recovered
// separately by RecoverETicketRSAKey.
//
// unitKeyGeneration is the Exosphère/CFW-reported generation (step 3);
// it is accepted but not used by the check. validationVector, if
// non-nil, is a (plaintext, expected-ciphertext) pair ECB-encrypted
// under the master key of the vector's own generation, or the
// highest-known master key when that one is absent; a mismatch fails
// the whole initialization with WrongKeys.
func (k *Keyset) Derive(unitKeyGeneration int, validationVector *ValidationVector) error {
	if err := k.loadMasterKeys(); err != nil {
		return err
	}
	if validationVector != nil {
		if err := k.validateMasterKeys(unitKeyGeneration, *validationVector); err != nil {
			return err
		}
	}
	if err := k.deriveHeaderKey(); err != nil {
		return err
	}
	if err := k.deriveKAEKs(); err != nil {
		return err
	}
	if err := k.deriveCommonTitlekeks(); err != nil {
		return err
	}
	return nil
}

// ValidationVector is a known (plaintext, ciphertext) pair under a
// specific master-key generation, used to sanity-check a key file.
type ValidationVector struct {
	Generation        int
	Plaintext, Cipher [16]byte
}

func (k *Keyset) loadMasterKeys() error {
	found := false
	for gen := 0; gen < MaxKeyGeneration; gen++ {
		raw, ok := k.Raw(masterKeyName(gen))
		if !ok || len(raw) != 16 {
			continue
		}
		copy(k.MasterKeys[gen][:], raw)
		k.masterKeySet[gen] = true
		found = true
	}
	if !found {
		return nxerr.New(component, nxerr.KindKeyUnavailable, fmt.Errorf("no master_key_NN entries loaded"))
	}
	return nil
}

// highestKnownMasterKey returns the largest generation index loaded.
func (k *Keyset) highestKnownMasterKey() (int, bool) {
	for gen := MaxKeyGeneration - 1; gen >= 0; gen-- {
		if k.masterKeySet[gen] {
			return gen, true
		}
	}
	return 0, false
}

func (k *Keyset) validateMasterKeys(unitGen int, vector ValidationVector) error {
	gen := vector.Generation
	if !k.masterKeySet[gen] {
		// Fail open: fall back to whatever master key is highest known.
		hi, ok := k.highestKnownMasterKey()
		if !ok {
			return ErrWrongKeys
		}
		gen = hi
	}
	got, err := cryptoprim.AESECB(cryptoprim.ECBEncrypt, k.MasterKeys[gen][:], vector.Plaintext[:])
	if err != nil {
		return nxerr.New(component, nxerr.KindWrongKeys, err)
	}
	if !cryptoprim.ConstantTimeCompare(got, vector.Cipher[:]) {
		return ErrWrongKeys
	}
	_ = unitGen // recorded by callers for diagnostics; validation itself only needs `gen`.
	return nil
}

func (k *Keyset) deriveHeaderKey() error {
	raw, ok := k.Raw("header_key")
	if !ok || len(raw) != 32 {
		return nxerr.New(component, nxerr.KindKeyUnavailable, fmt.Errorf("header_key missing or wrong size"))
	}
	copy(k.HeaderKey.Key1[:], raw[:16])
	copy(k.HeaderKey.Key2[:], raw[16:])
	return nil
}

func (k *Keyset) deriveKAEKs() error {
	for gen := 0; gen < MaxKeyGeneration; gen++ {
		if !k.masterKeySet[gen] {
			continue
		}
		for idx, purpose := range kaekPurposes {
			if purpose == "" {
				continue // index 3 is filled from the ticket store at CNT-open time.
			}
			src, ok := k.Raw(kaekSourceName(purpose, gen))
			if !ok || len(src) != 16 {
				continue
			}
			// kek = aes_ecb_dec(master_key[gen], kaek_source) per §4.5's
			// key-area decrypt step, applied here once per generation so
			// cnt.Container.DecryptKeyArea only does the per-slot ECB pass.
			kek, err := cryptoprim.AESECB(cryptoprim.ECBDecrypt, k.MasterKeys[gen][:], src)
			if err != nil {
				return nxerr.New(component, nxerr.KindKeyUnavailable, err)
			}
			copy(k.KAEK[idx][gen][:], kek)
			k.kaekSet[idx][gen] = true
		}
	}
	return nil
}

func (k *Keyset) deriveCommonTitlekeks() error {
	for gen := 0; gen < MaxKeyGeneration; gen++ {
		if !k.masterKeySet[gen] {
			continue
		}
		src, ok := k.Raw("titlekek_source")
		if !ok || len(src) != 16 {
			continue
		}
		tk, err := cryptoprim.AESECB(cryptoprim.ECBDecrypt, k.MasterKeys[gen][:], src)
		if err != nil {
			return nxerr.New(component, nxerr.KindKeyUnavailable, err)
		}
		copy(k.CommonTitlekek[gen][:], tk)
		k.titlekekSet[gen] = true
	}
	return nil
}

// MasterKey returns the master key for a generation.
func (k *Keyset) MasterKey(gen int) ([]byte, error) {
	if gen < 0 || gen >= MaxKeyGeneration || !k.masterKeySet[gen] {
		return nil, nxerr.WithName(component, nxerr.KindKeyUnavailable, masterKeyName(gen), nil)
	}
	return k.MasterKeys[gen][:], nil
}

// KAEKSlot returns the decrypted KAEK for (index, generation).
func (k *Keyset) KAEKSlot(index, gen int) ([]byte, error) {
	if index < 0 || index > 3 || gen < 0 || gen >= MaxKeyGeneration || !k.kaekSet[index][gen] {
		return nil, nxerr.WithName(component, nxerr.KindKeyUnavailable, fmt.Sprintf("kaek[%d,%d]", index, gen), nil)
	}
	return k.KAEK[index][gen][:], nil
}

// CommonTitlekekForGeneration returns the common titlekek for gen.
func (k *Keyset) CommonTitlekekForGeneration(gen int) ([]byte, error) {
	if gen < 0 || gen >= MaxKeyGeneration || !k.titlekekSet[gen] {
		return nil, nxerr.WithName(component, nxerr.KindKeyUnavailable, fmt.Sprintf("titlekek[%d]", gen), nil)
	}
	return k.CommonTitlekek[gen][:], nil
}

// GcCardInfoKey returns gc_cardinfo_key, a direct keys-file entry (not
// master-key derived) used by the cartridge package to AES-CBC decrypt
// the gamecard header's card-info block. Satisfies cartridge.KeySource.
func (k *Keyset) GcCardInfoKey() ([16]byte, error) {
	var out [16]byte
	raw, ok := k.Raw("gc_cardinfo_key")
	if !ok || len(raw) != 16 {
		return out, nxerr.WithName(component, nxerr.KindKeyUnavailable, "gc_cardinfo_key", nil)
	}
	copy(out[:], raw)
	return out, nil
}

// RecoverETicketRSAKey decrypts the device's encrypted eTicket RSA
// private key blob (read from the calibration area by the caller) with
// the eTicket RSA KEK (AES-CTR per spec.md §4.2 step 7), validates the
// public exponent, and stores the recovered key.
//
// kekName lets the caller pick between the two observed keys-file names
// for this KEK ("eticket_rsa_kek" vs "eticket_rsa_kek_personalized");
// spec.md §9 flags the exact generation threshold between them as an
// open question left to upstream documentation, so this is a caller
// decision rather than one this package makes silently.
func (k *Keyset) RecoverETicketRSAKey(kekName string, encryptedBlob []byte, ctr cryptoprim.Counter128) error {
	kek, ok := k.Raw(kekName)
	if !ok || len(kek) != 16 {
		return nxerr.WithName(component, nxerr.KindKeyUnavailable, kekName, nil)
	}
	plain, err := cryptoprim.AESCTR(kek, ctr, encryptedBlob)
	if err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}

	key, err := parseETicketRSABlob(plain)
	if err != nil {
		return err
	}
	if key.PublicExp != 65537 {
		return nxerr.New(component, nxerr.KindWrongKeys, fmt.Errorf("unexpected eticket RSA public exponent %d", key.PublicExp))
	}

	// Round-trip a fixed exponentiation pair to validate the recovered
	// modulus/private exponent actually form a keypair (spec.md §4.2
	// step 7's "verify by round-tripping an exponentiation pair").
	probe := make([]byte, (key.Modulus.BitLen()+7)/8)
	probe[len(probe)-1] = 0x2a
	back := cryptoprim.RSA2048RawRoundTrip(key, probe)
	if !cryptoprim.ConstantTimeCompare(back, probe) {
		return nxerr.New(component, nxerr.KindWrongKeys, fmt.Errorf("eticket RSA key failed self-check"))
	}

	k.ETicketRSAKey = key
	return nil
}

// eTicketRSABlobSize is the on-device layout: a 2048-bit modulus
// followed by a 2048-bit private exponent, both big-endian.
const eTicketRSABlobSize = 256 + 256

func parseETicketRSABlob(plain []byte) (*cryptoprim.RSA2048PrivateKey, error) {
	if len(plain) < eTicketRSABlobSize {
		return nil, nxerr.New(component, nxerr.KindCorruptMetadata, fmt.Errorf("eticket RSA blob too short"))
	}
	modulus := new(big.Int).SetBytes(plain[0:256])
	priv := new(big.Int).SetBytes(plain[256:512])
	return &cryptoprim.RSA2048PrivateKey{
		Modulus:    modulus,
		PublicExp:  65537,
		PrivateExp: priv,
	}, nil
}
