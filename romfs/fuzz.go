// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package romfs

import "io"

// byteSource presents a fixed buffer as a Source, returning io.EOF for any
// read that runs past the end instead of panicking on a bad offset/length
// drawn from fuzzer input.
type byteSource struct{ data []byte }

func (s *byteSource) Size() int64 { return int64(len(s.data)) }

func (s *byteSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Fuzz parses data as a ROMFS image, the same harness shape saferwall/pe
// uses over its own parser. Open itself validates the sibling/hash
// chain invariants, so a successful parse already exercises the
// structural checks; a throwaway Lookup additionally exercises the
// hash-bucket walk without requiring a real hit.
func Fuzz(data []byte) int {
	r, err := Open(&byteSource{data: data})
	if err != nil {
		return 0
	}
	r.Lookup("/")
	return 1
}
