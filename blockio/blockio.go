// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package blockio is the bottom of the reader stack: it reads arbitrary
// (offset, length) ranges from a cartridge area, installed-content entry,
// or a plain host file, presenting every backend through the same
// aligned-read bounce-buffer path described in spec.md §4.1.
package blockio

import (
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/cartdump/nxcore/nxerr"
)

const component = "blockio"

// SectorSize is the alignment every underlying device read must respect.
const SectorSize = 512

// Source is the minimal capability a backend must expose: a ReaderAt
// and its logical size. blockio.Reader does the alignment/bounce-buffer
// work on top; Source implementations stay as dumb as possible.
type Source interface {
	io.ReaderAt
	Size() int64
	// Ready reports whether the backend is currently available, e.g.
	// false while a cartridge is not inserted.
	Ready() bool
}

// fileSource memory-maps a host file (cartridge-image dumps, installed
// content copied to a local path) the way saferwall/pe.File.New does.
type fileSource struct {
	f    *os.File
	data mmap.MMap
}

// OpenFile memory-maps path read-only and returns a Source over it.
func OpenFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nxerr.New(component, nxerr.KindIoError, err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nxerr.New(component, nxerr.KindIoError, err)
	}
	return &fileSource{f: f, data: data}, nil
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.data.ReadAt(p, off) }
func (s *fileSource) Size() int64                             { return int64(len(s.data)) }
func (s *fileSource) Ready() bool                             { return true }

// Close unmaps and closes the backing file.
func (s *fileSource) Close() error {
	err := s.data.Unmap()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// DeviceFunc reads a sector-aligned window from a live device (cartridge
// normal/secure area, installed-content storage) via whatever console
// service binding backs it; those bindings are opaque per spec.md §1.
type DeviceFunc func(offset int64, buf []byte) (int, error)

// deviceSource adapts a DeviceFunc plus a declared logical size into a Source.
type deviceSource struct {
	read  DeviceFunc
	size  int64
	ready func() bool
}

// NewDeviceSource wraps a raw device read callback. ready reports
// whether the backend is currently usable (inserted/open); when nil the
// source is always considered ready.
func NewDeviceSource(size int64, read DeviceFunc, ready func() bool) Source {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &deviceSource{read: read, size: size, ready: ready}
}

func (d *deviceSource) ReadAt(p []byte, off int64) (int, error) { return d.read(off, p) }
func (d *deviceSource) Size() int64                             { return d.size }
func (d *deviceSource) Ready() bool                             { return d.ready() }

// ConcatSource logically concatenates two sources end to end, indexed
// from zero — the cartridge's {normal_area, secure_area} seam (spec.md
// §4.1). A read straddling the seam is split into two sub-reads.
type ConcatSource struct {
	First, Second Source
}

func (c *ConcatSource) Size() int64 { return c.First.Size() + c.Second.Size() }
func (c *ConcatSource) Ready() bool { return c.First.Ready() && c.Second.Ready() }

func (c *ConcatSource) ReadAt(p []byte, off int64) (int, error) {
	firstSize := c.First.Size()
	n := 0
	if off < firstSize {
		want := int64(len(p))
		if off+want > firstSize {
			want = firstSize - off
		}
		got, err := c.First.ReadAt(p[:want], off)
		n += got
		if err != nil {
			return n, err
		}
		if int64(got) < want {
			return n, io.ErrUnexpectedEOF
		}
		p = p[want:]
		off = firstSize
	}
	if len(p) == 0 {
		return n, nil
	}
	got, err := c.Second.ReadAt(p, off-firstSize)
	n += got
	return n, err
}

// Reader is the aligned bounce-buffer reader every upper layer talks to.
// Each ReadAt allocates its own bounce slice covering the sector-aligned
// read window, so nothing is shared across readers or calls; the slice is
// an ordinary allocation, not page-aligned, and the Reader itself holds
// no buffer. It issues one aligned underlying read per ReadAt (retried
// once on error), then copies out the requested slice.
type Reader struct {
	src Source
}

// New wraps src in a Reader.
func New(src Source) *Reader { return &Reader{src: src} }

// Size returns the logical size of the backing source.
func (r *Reader) Size() int64 { return r.src.Size() }

// ReadAt reads len(p) bytes starting at off, aligning the underlying
// device read to SectorSize and trimming the bounce buffer down to the
// caller's window.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if !r.src.Ready() {
		return 0, nxerr.New(component, nxerr.KindNotReady, nil)
	}
	if off < 0 || off > r.src.Size() {
		return 0, nxerr.WithOffset(component, nxerr.KindOutOfRange, off, nil)
	}
	length := int64(len(p))
	if off+length > r.src.Size() {
		return 0, nxerr.WithOffset(component, nxerr.KindOutOfRange, off, nil)
	}
	if length == 0 {
		return 0, nil
	}

	alignedStart := alignDown(off, SectorSize)
	alignedEnd := alignUp(off+length, SectorSize)
	if alignedEnd > r.src.Size() {
		alignedEnd = r.src.Size()
	}
	bounce := make([]byte, alignedEnd-alignedStart)

	n, err := r.readAligned(bounce, alignedStart)
	if err != nil {
		return 0, err
	}
	if int64(n) != alignedEnd-alignedStart {
		return 0, nxerr.WithOffset(component, nxerr.KindIoError, alignedStart, io.ErrUnexpectedEOF)
	}

	copy(p, bounce[off-alignedStart:off-alignedStart+length])
	return int(length), nil
}

// readAligned performs the single aligned underlying read, retrying once
// on a transient IoError per spec.md §7.
func (r *Reader) readAligned(buf []byte, off int64) (int, error) {
	n, err := r.src.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		n2, err2 := r.src.ReadAt(buf, off)
		if err2 == nil || err2 == io.EOF {
			return n2, nil
		}
		return n, nxerr.WithOffset(component, nxerr.KindIoError, off, err)
	}
	return n, nil
}

func alignDown(v, align int64) int64 { return v - v%align }
func alignUp(v, align int64) int64 {
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}
