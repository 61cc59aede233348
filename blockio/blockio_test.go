// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package blockio

import (
	"bytes"
	"testing"

	"github.com/cartdump/nxcore/nxerr"
)

// memSource is an in-memory Source used by tests standing in for a
// cartridge area or installed-content entry.
type memSource struct {
	data  []byte
	ready bool
}

func (m *memSource) Size() int64 { return int64(len(m.data)) }
func (m *memSource) Ready() bool { return m.ready }
func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func newMem(data []byte) *memSource { return &memSource{data: data, ready: true} }

func seqBytes(n int, start byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = start + byte(i)
	}
	return out
}

func TestReaderUnalignedWindow(t *testing.T) {
	data := seqBytes(4096, 0)
	r := New(newMem(data))

	buf := make([]byte, 100)
	n, err := r.ReadAt(buf, 777)
	if err != nil {
		t.Fatal(err)
	}
	if n != 100 {
		t.Fatalf("got n=%d want 100", n)
	}
	if !bytes.Equal(buf, data[777:877]) {
		t.Fatalf("mismatch: got %x want %x", buf, data[777:877])
	}
}

func TestReaderOutOfRange(t *testing.T) {
	r := New(newMem(seqBytes(512, 0)))
	buf := make([]byte, 10)
	_, err := r.ReadAt(buf, 600)
	if !nxerr.Of(err, nxerr.KindOutOfRange) {
		t.Fatalf("expected OutOfRange, got %v", err)
	}
}

func TestReaderNotReady(t *testing.T) {
	src := newMem(seqBytes(512, 0))
	src.ready = false
	r := New(src)
	buf := make([]byte, 10)
	_, err := r.ReadAt(buf, 0)
	if !nxerr.Of(err, nxerr.KindNotReady) {
		t.Fatalf("expected NotReady, got %v", err)
	}
}

func TestConcatSourceSeamSplit(t *testing.T) {
	normal := seqBytes(1024, 0)
	secure := seqBytes(1024, 100)
	cs := &ConcatSource{First: newMem(normal), Second: newMem(secure)}
	r := New(cs)

	// Window straddling the 1024-byte seam.
	buf := make([]byte, 64)
	n, err := r.ReadAt(buf, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 64 {
		t.Fatalf("got n=%d want 64", n)
	}
	want := append(append([]byte{}, normal[1000:1024]...), secure[0:40]...)
	if !bytes.Equal(buf, want) {
		t.Fatalf("seam split mismatch: got %x want %x", buf, want)
	}
}
