// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package cryptoprim

import "testing"

func TestSHA3Sizes(t *testing.T) {
	for _, bits := range []int{224, 256, 384, 512} {
		out, err := SHA3(bits, []byte("hello"))
		if err != nil {
			t.Fatalf("SHA3(%d): %v", bits, err)
		}
		if len(out) != bits/8 {
			t.Fatalf("SHA3(%d) returned %d bytes, want %d", bits, len(out), bits/8)
		}
	}
}

func TestSHA3UnsupportedSize(t *testing.T) {
	if _, err := SHA3(160, []byte("x")); err != ErrUnsupportedSHA3Size {
		t.Fatalf("expected ErrUnsupportedSHA3Size, got %v", err)
	}
}
