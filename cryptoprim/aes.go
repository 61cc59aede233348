// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package cryptoprim is the thin abstraction over the platform crypto
// primitives every upper layer builds on: AES ECB/CTR/sector-tweak-XTS,
// CMAC, SHA-256, SHA-3 and RSA-2048 OAEP/PSS.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// ErrBlockSize is returned when a buffer isn't a multiple of the AES
// block size where one is required.
var ErrBlockSize = errors.New("cryptoprim: buffer is not a multiple of the AES block size")

// ECBMode selects encrypt or decrypt for AESECB.
type ECBMode int

// The two ECB directions.
const (
	ECBEncrypt ECBMode = iota
	ECBDecrypt
)

// AESECB runs a single 16-byte block through AES-ECB in the given key.
// Used for key-area unwrap (§4.5) where each 16-byte slot is its own
// independent ECB block.
func AESECB(mode ECBMode, key, block []byte) ([]byte, error) {
	if len(block) != aes.BlockSize {
		return nil, ErrBlockSize
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize)
	switch mode {
	case ECBEncrypt:
		c.Encrypt(out, block)
	case ECBDecrypt:
		c.Decrypt(out, block)
	}
	return out, nil
}

// AESECBBuffer runs an arbitrary multiple-of-blocksize buffer through
// ECB, one block at a time (no chaining). A handful of fixed-size
// records (ticket titlekey blocks) are ECB rather than
// CBC/CTR and this avoids repeating the block loop at each call site.
func AESECBBuffer(mode ECBMode, key, buf []byte) ([]byte, error) {
	if len(buf)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(buf))
	for off := 0; off < len(buf); off += aes.BlockSize {
		switch mode {
		case ECBEncrypt:
			c.Encrypt(out[off:off+aes.BlockSize], buf[off:off+aes.BlockSize])
		case ECBDecrypt:
			c.Decrypt(out[off:off+aes.BlockSize], buf[off:off+aes.BlockSize])
		}
	}
	return out, nil
}

// AESCBCDecrypt decrypts buf (a multiple of the block size) with AES-CBC
// under key/iv. Used for the cartridge card-info block (§4.10).
func AESCBCDecrypt(key, iv, buf []byte) ([]byte, error) {
	if len(buf)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(buf))
	cipher.NewCBCDecrypter(c, iv).CryptBlocks(out, buf)
	return out, nil
}

// AESCBCEncrypt is AESCBCDecrypt's counterpart, used by tests that need
// to construct a ciphertext fixture (production code only ever decrypts
// a card-info block, never encrypts one).
func AESCBCEncrypt(key, iv, buf []byte) ([]byte, error) {
	if len(buf)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(c, iv).CryptBlocks(out, buf)
	return out, nil
}

// Counter128 is the 16-byte CTR counter block layout used by section
// decryption: the high 8 bytes are the section's base counter value
// (big-endian), the low 8 bytes are the current byte offset within the
// section shifted right by 4 (i.e. the 16-byte-aligned block index),
// also big-endian.
type Counter128 [16]byte

// NewCounter128 builds the initial counter for a section, given its
// 8-byte base counter value and the starting byte offset.
func NewCounter128(base uint64, offset int64) Counter128 {
	var c Counter128
	binary.BigEndian.PutUint64(c[0:8], base)
	binary.BigEndian.PutUint64(c[8:16], uint64(offset)>>4)
	return c
}

// AESCTR encrypts/decrypts buf in place semantics (returns a new slice)
// starting at the given 128-bit counter block. buf must already be
// aligned to a 16-byte offset within the logical stream; callers that
// need an unaligned window handle the bounce-buffer trim themselves
// (see section.Reader).
func AESCTR(key []byte, ctr Counter128, buf []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(c, ctr[:])
	out := make([]byte, len(buf))
	stream.XORKeyStream(out, buf)
	return out, nil
}

// xtsTweak builds the 16-byte tweak block for the non-standard
// sector-tweak XTS variant: the sector number written little-endian,
// with *no* AES encryption pass over it. Standard XTS always encrypts
// the tweak with a second key first; this format skips that step, which
// is why golang.org/x/crypto/xts can't be reused here (see DESIGN.md).
func xtsTweak(sector uint64) [aes.BlockSize]byte {
	var t [aes.BlockSize]byte
	binary.LittleEndian.PutUint64(t[:8], sector)
	return t
}

// XTSMode selects encrypt or decrypt for AESXTSSectorTweak.
type XTSMode int

// The two XTS directions.
const (
	XTSEncrypt XTSMode = iota
	XTSDecrypt
)

// AESXTSSectorTweak runs buf (a multiple of sectorSize) through the
// sector-tweak XTS variant described in spec.md §4.3: for each
// sectorSize-byte sector, XOR-tweak-XOR under key2 (the data key) with a
// tweak equal to the raw, unencrypted little-endian sector number — no
// second AES pass over the tweak the way standard XTS runs one under
// key1. key1 is kept as a parameter (and length-checked) purely so call
// sites can pass the same (key1, key2) pair the header-key and
// KeyArea-slot layouts name throughout the rest of the stack.
func AESXTSSectorTweak(mode XTSMode, key1, key2 []byte, startSector uint64, sectorSize int, buf []byte) ([]byte, error) {
	if sectorSize <= 0 || len(buf)%sectorSize != 0 {
		return nil, ErrBlockSize
	}
	dataCipher, err := aes.NewCipher(key2)
	if err != nil {
		return nil, err
	}
	if len(key1) != aes.BlockSize {
		return nil, ErrBlockSize
	}

	out := make([]byte, len(buf))
	sector := startSector
	for off := 0; off < len(buf); off += sectorSize {
		raw := xtsTweak(sector)
		// The tweak is used directly (no AES pass over it per spec.md
		// §4.3), then advanced across the sector's 16-byte blocks by
		// repeated GF(2^128) doubling, exactly like standard XTS.
		tweak := raw
		sec := buf[off : off+sectorSize]
		dst := out[off : off+sectorSize]
		for blk := 0; blk < sectorSize; blk += aes.BlockSize {
			var tmp [aes.BlockSize]byte
			xorBlock(tmp[:], sec[blk:blk+aes.BlockSize], tweak[:])
			switch mode {
			case XTSEncrypt:
				dataCipher.Encrypt(tmp[:], tmp[:])
			case XTSDecrypt:
				dataCipher.Decrypt(tmp[:], tmp[:])
			}
			xorBlock(dst[blk:blk+aes.BlockSize], tmp[:], tweak[:])
			gfDouble(&tweak)
		}
		sector++
	}
	return out, nil
}

func xorBlock(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// gfDouble multiplies a 16-byte block by x in GF(2^128) using the XTS
// reduction polynomial, exactly as standard XTS advances the tweak
// across blocks within one sector.
func gfDouble(t *[aes.BlockSize]byte) {
	var carry byte
	for i := 0; i < aes.BlockSize; i++ {
		cur := t[i]
		t[i] = (cur << 1) | carry
		carry = cur >> 7
	}
	if carry != 0 {
		t[0] ^= 0x87
	}
}

// cmacRb is the RFC 4493 reduction constant for 128-bit block ciphers.
const cmacRb = 0x87

// AESCMAC computes the RFC 4493 AES-CMAC tag of buf under key.
func AESCMAC(key, buf []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	k1, k2 := cmacSubkeys(c)

	var mac [aes.BlockSize]byte
	n := len(buf)
	complete := n > 0 && n%aes.BlockSize == 0

	blocks := n / aes.BlockSize
	if !complete {
		blocks++
	}
	if blocks == 0 {
		blocks = 1
	}

	for i := 0; i < blocks; i++ {
		var block [aes.BlockSize]byte
		start := i * aes.BlockSize
		if i == blocks-1 {
			// last block: XOR with k1 (exact multiple) or k2 (padded)
			var last [aes.BlockSize]byte
			remaining := buf[start:]
			if complete {
				copy(last[:], remaining)
				xorBlock(last[:], last[:], k1[:])
			} else {
				copy(last[:], remaining)
				last[len(remaining)] = 0x80
				xorBlock(last[:], last[:], k2[:])
			}
			block = last
		} else {
			copy(block[:], buf[start:start+aes.BlockSize])
		}
		xorBlock(mac[:], mac[:], block[:])
		c.Encrypt(mac[:], mac[:])
	}
	return mac[:], nil
}

func cmacSubkeys(c cipher.Block) (k1, k2 [aes.BlockSize]byte) {
	var zero, l [aes.BlockSize]byte
	c.Encrypt(l[:], zero[:])
	k1 = l
	shiftAndXor(&k1)
	k2 = k1
	shiftAndXor(&k2)
	return
}

func shiftAndXor(b *[aes.BlockSize]byte) {
	msb := b[0]&0x80 != 0
	var carry byte
	for i := aes.BlockSize - 1; i >= 0; i-- {
		cur := b[i]
		b[i] = (cur << 1) | carry
		carry = cur >> 7
	}
	if msb {
		b[aes.BlockSize-1] ^= cmacRb
	}
}

// ConstantTimeCompare reports whether a and b are equal, without
// leaking timing information about where they first differ. Exposed so
// callers comparing MACs/hashes don't reach for bytes.Equal by habit.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
