// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package pfs

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

// fuzzReadCap bounds how much of an entry this harness reads, since
// entry.Size comes straight from fuzzer-controlled input and an
// unbounded make([]byte, size) would turn a parse failure into an OOM.
const fuzzReadCap = 1 << 16

// Fuzz parses data as a PFS0 directory and reads every entry's bytes,
// the same harness shape saferwall/pe uses over its own parser.
func Fuzz(data []byte) int {
	p, err := Open(&byteSource{data: data})
	if err != nil {
		return 0
	}
	for _, e := range p.Enumerate() {
		r := p.OpenEntry(e)
		n := r.Size()
		if n < 0 {
			return 0
		}
		if n > fuzzReadCap {
			n = fuzzReadCap
		}
		buf := make([]byte, n)
		if _, err := r.ReadAt(buf, 0); err != nil {
			return 0
		}
	}
	return 1
}
