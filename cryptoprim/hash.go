// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package cryptoprim

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/sha3"
)

// ErrUnsupportedSHA3Size is returned for a bit size outside {224,256,384,512}.
var ErrUnsupportedSHA3Size = errors.New("cryptoprim: unsupported sha3 size")

// SHA256 returns the 32-byte SHA-256 digest of buf.
func SHA256(buf []byte) [32]byte {
	return sha256.Sum256(buf)
}

// SHA3 returns the bits/8-byte SHA-3 digest of buf for bits in
// {224, 256, 384, 512}, backed by golang.org/x/crypto/sha3.
func SHA3(bits int, buf []byte) ([]byte, error) {
	switch bits {
	case 224:
		sum := sha3.Sum224(buf)
		return sum[:], nil
	case 256:
		sum := sha3.Sum256(buf)
		return sum[:], nil
	case 384:
		sum := sha3.Sum384(buf)
		return sum[:], nil
	case 512:
		sum := sha3.Sum512(buf)
		return sum[:], nil
	default:
		return nil, ErrUnsupportedSHA3Size
	}
}
