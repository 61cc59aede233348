// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package cryptoprim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"
)

// RSA2048PrivateKey wraps the modulus/private-exponent pair the Keyset
// recovers from the device's encrypted eTicket RSA blob. It's kept as
// raw big.Int fields rather than *rsa.PrivateKey because the source
// material (modulus + private exponent only, no CRT parameters) doesn't
// carry the primes *rsa.PrivateKey.Precompute wants; conversion happens
// lazily inside Decrypt.
type RSA2048PrivateKey struct {
	Modulus    *big.Int
	PublicExp  int
	PrivateExp *big.Int
}

// toStdKey builds a stdlib *rsa.PrivateKey good enough for OAEP decrypt.
// Decryption via modexp doesn't need the CRT primes; leaving Primes nil
// just disables the library's internal fast path, which is fine here.
func (k *RSA2048PrivateKey) toStdKey() *rsa.PrivateKey {
	return &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: k.Modulus, E: k.PublicExp},
		D:         k.PrivateExp,
		Primes:    nil,
	}
}

// RSA2048OAEPDecrypt implements spec.md §4.3's
// rsa2048_oaep_decrypt(label, modulus, private_exp, ciphertext).
// label is almost always empty for this stack's personalized-titlekey
// path (§4.11).
func RSA2048OAEPDecrypt(label []byte, key *RSA2048PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, key.toStdKey(), ciphertext, label)
}

// RSA2048PSSVerify implements spec.md §4.3's
// rsa2048_pss_verify(modulus, public_exp, message, signature).
func RSA2048PSSVerify(modulus *big.Int, publicExp int, message, signature []byte) bool {
	pub := &rsa.PublicKey{N: modulus, E: publicExp}
	digest := sha256.Sum256(message)
	err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	return err == nil
}

// RSA2048PKCS1v15Verify verifies a PKCS#1 v1.5 signature, the scheme the
// console's certificate chain actually uses for most signature-type tags
// (§4.4); PSS covers the subset of tag values that call for it.
func RSA2048PKCS1v15Verify(modulus *big.Int, publicExp int, message, signature []byte) bool {
	pub := &rsa.PublicKey{N: modulus, E: publicExp}
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature) == nil
}

// RSA2048PKCS1v15Sign signs message with key, the counterpart to
// RSA2048PKCS1v15Verify, used by the package assembler's re-signing step
// (§4.12.3) under the assembler's own build key rather than any
// device-derived key.
func RSA2048PKCS1v15Sign(key *RSA2048PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPKCS1v15(rand.Reader, key.toStdKey(), crypto.SHA256, digest[:])
}

// RSA2048OAEPEncrypt wraps plaintext for key's public half with a fresh
// random OAEP padding. General-purpose; since OAEP is probabilistic this
// does not reproduce any particular prior ciphertext byte-for-byte.
func RSA2048OAEPEncrypt(label []byte, key *RSA2048PrivateKey, plaintext []byte) ([]byte, error) {
	pub := &rsa.PublicKey{N: key.Modulus, E: key.PublicExp}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, label)
}

// RSA2048RawRoundTrip recomputes ciphertext^d^e mod N as two raw modular
// exponentiations (no OAEP padding involved). This is what testable
// property 7 (spec.md §8) and the Keyset's master-key-generation
// self-check (§4.2 step 7, "verify by round-tripping an exponentiation
// pair") actually check: since OAEP re-padding is probabilistic and
// can't reproduce a prior ciphertext, the key pair is instead validated
// at the raw-RSA level, which is deterministic.
func RSA2048RawRoundTrip(key *RSA2048PrivateKey, ciphertext []byte) []byte {
	c := new(big.Int).SetBytes(ciphertext)
	m := new(big.Int).Exp(c, key.PrivateExp, key.Modulus)
	e := big.NewInt(int64(key.PublicExp))
	back := new(big.Int).Exp(m, e, key.Modulus)
	out := back.Bytes()
	// left-pad to the modulus byte length, matching a fixed-width RSA block.
	size := (key.Modulus.BitLen() + 7) / 8
	if len(out) < size {
		padded := make([]byte, size)
		copy(padded[size-len(out):], out)
		return padded
	}
	return out
}
