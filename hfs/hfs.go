// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package hfs parses the signed hierarchical file container used by
// cartridge partitions, per spec.md §4.7. Entries carry a truncated-
// prefix hash verified lazily as each file reader consumes bytes;
// compare package pfs for the unhashed variant.
package hfs

import (
	"encoding/binary"
	"fmt"

	"github.com/cartdump/nxcore/cryptoprim"
	"github.com/cartdump/nxcore/nxerr"
)

const component = "hfs"

var magic = [4]byte{'H', 'F', 'S', '0'}

const headerPrefixSize = 16
const entryRecordSize = 64 // offset, size, name_offset, hashed_region_size, hashed_region_offset, hash(32)

// Entry is one HFS entry-table record.
type Entry struct {
	Offset              int64
	Size                int64
	Name                string
	HashedRegionSize    int64
	HashedRegionOffset  int64
	Hash                [32]byte
}

// Source is the minimal capability hfs.Open needs from a section.
type Source interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

// HFS is a parsed hash-filesystem directory.
type HFS struct {
	src        Source
	headerSize int64
	Entries    []Entry
}

// Open reads and parses the HFS header and entry/name tables.
func Open(src Source) (*HFS, error) {
	prefix := make([]byte, headerPrefixSize)
	if _, err := src.ReadAt(prefix, 0); err != nil {
		return nil, err
	}
	if [4]byte{prefix[0], prefix[1], prefix[2], prefix[3]} != magic {
		return nil, nxerr.New(component, nxerr.KindBadMagic, fmt.Errorf("bad HFS0 magic"))
	}
	entryCount := binary.LittleEndian.Uint32(prefix[4:8])
	nameTableSize := binary.LittleEndian.Uint32(prefix[8:12])

	tableSize := int64(entryCount) * entryRecordSize
	table := make([]byte, tableSize)
	if tableSize > 0 {
		if _, err := src.ReadAt(table, headerPrefixSize); err != nil {
			return nil, err
		}
	}

	names := make([]byte, nameTableSize)
	if nameTableSize > 0 {
		if _, err := src.ReadAt(names, headerPrefixSize+tableSize); err != nil {
			return nil, err
		}
	}

	entries := make([]Entry, entryCount)
	for i := 0; i < int(entryCount); i++ {
		rec := table[i*entryRecordSize : (i+1)*entryRecordSize]
		nameOff := binary.LittleEndian.Uint32(rec[16:20])
		e := Entry{
			Offset:             int64(binary.LittleEndian.Uint64(rec[0:8])),
			Size:               int64(binary.LittleEndian.Uint64(rec[8:16])),
			Name:               cstringFrom(names, nameOff),
			HashedRegionSize:   int64(binary.LittleEndian.Uint32(rec[20:24])),
			HashedRegionOffset: int64(binary.LittleEndian.Uint64(rec[24:32])),
		}
		copy(e.Hash[:], rec[32:64])
		entries[i] = e
	}

	headerSize := headerPrefixSize + tableSize + int64(nameTableSize)
	return &HFS{src: src, headerSize: headerSize, Entries: entries}, nil
}

func cstringFrom(names []byte, off uint32) string {
	if int(off) >= len(names) {
		return ""
	}
	b := names[off:]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Enumerate returns every entry, in on-disk order.
func (h *HFS) Enumerate() []Entry { return h.Entries }

// LookupByName does an O(N) linear scan over the entry table.
func (h *HFS) LookupByName(name string) (Entry, bool) {
	for _, e := range h.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// OpenEntry returns a hash-verifying Reader over entry e.
func (h *HFS) OpenEntry(e Entry) *Reader {
	return &Reader{
		src:  h.src,
		base: h.headerSize + e.Offset,
		size: e.Size,
		hashedRegionSize: e.HashedRegionSize,
		wantHash: e.Hash,
	}
}

// Reader reads one HFS entry's bytes, maintaining a lazy SHA-256
// accumulator over the first hashedRegionSize bytes consumed and
// failing HashMismatch on every subsequent read once that region's
// hash disagrees with the stored value, per spec.md §4.7/S4.
type Reader struct {
	src  Source
	base int64
	size int64

	hashedRegionSize int64
	wantHash         [32]byte

	consumed  int64 // highest offset+length seen so far, contiguous from 0
	verified  bool
	failed    bool
}

func (r *Reader) Size() int64 { return r.size }

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > r.size {
		return 0, nxerr.WithOffset(component, nxerr.KindOutOfRange, off, nil)
	}
	if r.failed {
		return 0, nxerr.New(component, nxerr.KindHashMismatch, nil)
	}

	n, err := r.src.ReadAt(p, r.base+off)
	if err != nil {
		return n, err
	}

	if r.hashedRegionSize > 0 && !r.verified && off == r.consumed && off+int64(n) >= r.hashedRegionSize {
		// This read reaches the end of the hashed region (and the
		// caller has read it contiguously from 0): verify now.
		region := make([]byte, r.hashedRegionSize)
		if _, rerr := r.src.ReadAt(region, r.base); rerr != nil {
			return n, rerr
		}
		got := cryptoprim.SHA256(region)
		r.verified = true
		if !cryptoprim.ConstantTimeCompare(got[:], r.wantHash[:]) {
			r.failed = true
			return n, nxerr.WithOffset(component, nxerr.KindHashMismatch, off, nil)
		}
	}
	if off == r.consumed {
		r.consumed = off + int64(n)
	}
	return n, nil
}
