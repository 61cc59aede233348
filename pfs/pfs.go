// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package pfs parses the partition-filesystem container used inside
// content sections and as the package-assembler's own output layout,
// per spec.md §4.7. Entries carry no per-entry hash; compare package
// hfs for the signed variant.
package pfs

import (
	"encoding/binary"
	"fmt"

	"github.com/cartdump/nxcore/nxerr"
)

const component = "pfs"

var magic = [4]byte{'P', 'F', 'S', '0'}

const headerPrefixSize = 16 // magic + entry count + name-table size + reserved
const entryRecordSize = 24  // offset, size, name_offset, reserved(4)

// Entry is one PFS entry-table record.
type Entry struct {
	Offset     int64
	Size       int64
	Name       string
	NameOffset uint32
}

// Source is the minimal capability pfs.Open needs from a section.
type Source interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

// PFS is a parsed partition-filesystem directory: the header plus its
// entry table, ready for enumerate/lookup_by_name/open per spec.md §4.7.
type PFS struct {
	src        Source
	headerSize int64
	Entries    []Entry
}

// Open reads and parses the PFS header and entry/name tables at the
// start of src.
func Open(src Source) (*PFS, error) {
	prefix := make([]byte, headerPrefixSize)
	if _, err := src.ReadAt(prefix, 0); err != nil {
		return nil, err
	}
	if [4]byte{prefix[0], prefix[1], prefix[2], prefix[3]} != magic {
		return nil, nxerr.New(component, nxerr.KindBadMagic, fmt.Errorf("bad PFS0 magic"))
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
		entries[i] = Entry{
			Offset:     int64(binary.LittleEndian.Uint64(rec[0:8])),
			Size:       int64(binary.LittleEndian.Uint64(rec[8:16])),
			Name:       cstringFrom(names, nameOff),
			NameOffset: nameOff,
		}
	}

	headerSize := headerPrefixSize + tableSize + int64(nameTableSize)
	return &PFS{src: src, headerSize: headerSize, Entries: entries}, nil
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
func (p *PFS) Enumerate() []Entry { return p.Entries }

// LookupByName does an O(N) linear scan over the entry table, per
// spec.md §4.7 ("Name lookup is O(N) linear ... for both").
func (p *PFS) LookupByName(name string) (Entry, bool) {
	for _, e := range p.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// OpenEntry returns a Reader over entry e's bytes within the underlying
// section, per spec.md §4.7's "file's absolute offset ... is
// section_base + header_size + entry.offset".
func (p *PFS) OpenEntry(e Entry) *Reader {
	return &Reader{src: p.src, base: p.headerSize + e.Offset, size: e.Size}
}

// Reader reads one PFS entry's bytes, failing OutOfRange past e.Size.
type Reader struct {
	src  Source
	base int64
	size int64
}

func (r *Reader) Size() int64 { return r.size }

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > r.size {
		return 0, nxerr.WithOffset(component, nxerr.KindOutOfRange, off, nil)
	}
	return r.src.ReadAt(p, r.base+off)
}
