// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package cnt

import (
	"io"

	"github.com/cartdump/nxcore/blockio"
	"github.com/cartdump/nxcore/keyset"
)

// fuzzSource presents a fixed buffer as a blockio.Source, returning
// io.EOF for any read past the end instead of panicking on a bad
// offset/length drawn from fuzzer input.
type fuzzSource struct{ data []byte }

func (s *fuzzSource) Size() int64 { return int64(len(s.data)) }
func (s *fuzzSource) Ready() bool { return true }

func (s *fuzzSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fuzzHeaderKey is a fixed, arbitrary header key: the harness isn't
// trying to find a real header-key match, only to drive decryptHeader
// and parseHeader over arbitrary ciphertext without crashing.
var fuzzHeaderKey = func() *keyset.Keyset {
	ks := keyset.New(nil)
	for i := range ks.HeaderKey.Key1 {
		ks.HeaderKey.Key1[i] = byte(i)
	}
	for i := range ks.HeaderKey.Key2 {
		ks.HeaderKey.Key2[i] = byte(i + 1)
	}
	return ks
}()

// Fuzz parses data as a container header under a fixed header key, the
// same harness shape saferwall/pe uses over its own parser. Most inputs
// fail BadMagic immediately since the key won't match; decryptHeader runs
// for any input of at least headerSize bytes, its version-2 per-block
// pass only when the decrypted magic is NCA2, and parseHeader only for
// inputs whose decrypted magic matches.
func Fuzz(data []byte) int {
	if len(data) < headerSize {
		return 0
	}
	if _, err := Open(blockio.New(&fuzzSource{data: data}), fuzzHeaderKey); err != nil {
		return 0
	}
	return 1
}
