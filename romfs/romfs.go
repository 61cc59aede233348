// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package romfs parses the read-only hierarchical filesystem inside
// content sections, per spec.md §4.8: a directory table and a file
// table, each indexed by a hash bucket table for O(1) lookup.
package romfs

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cartdump/nxcore/nxerr"
)

const component = "romfs"

const sentinel = 0xFFFFFFFF

// Source is the minimal capability romfs.Open needs from a section.
type Source interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

type header struct {
	headerSize           int64
	dirHashTableOffset   int64
	dirHashTableSize     int64
	dirTableOffset       int64
	dirTableSize         int64
	fileHashTableOffset  int64
	fileHashTableSize    int64
	fileTableOffset      int64
	fileTableSize        int64
	fileDataOffset       int64
}

// DirEntry is one directory-table record.
type DirEntry struct {
	Offset      int64
	Parent      uint32
	Sibling     uint32
	ChildDir    uint32
	ChildFile   uint32
	HashSibling uint32
	Name        string
}

// FileEntry is one file-table record.
type FileEntry struct {
	Offset      int64
	Parent      uint32
	Sibling     uint32
	DataOffset  int64
	Size        int64
	HashSibling uint32
	Name        string
}

// ROMFS is a parsed ROM-filesystem.
type ROMFS struct {
	src Source
	h   header

	dirBuckets  []uint32
	fileBuckets []uint32

	dirsByOffset  map[uint32]DirEntry
	filesByOffset map[uint32]FileEntry
}

// Open reads the ROMFS header and its four tables, validating the
// structural invariants spec.md §4.8 names (sibling/hash chains
// terminate; no cycles; offsets in range; file data stays within the
// section). A violation fails with CorruptMetadata.
func Open(src Source) (*ROMFS, error) {
	raw := make([]byte, 0x50)
	if _, err := src.ReadAt(raw, 0); err != nil {
		return nil, err
	}
	h := header{
		headerSize:          int64(binary.LittleEndian.Uint64(raw[0:8])),
		dirHashTableOffset:  int64(binary.LittleEndian.Uint64(raw[8:16])),
		dirHashTableSize:    int64(binary.LittleEndian.Uint64(raw[16:24])),
		dirTableOffset:      int64(binary.LittleEndian.Uint64(raw[24:32])),
		dirTableSize:        int64(binary.LittleEndian.Uint64(raw[32:40])),
		fileHashTableOffset: int64(binary.LittleEndian.Uint64(raw[40:48])),
		fileHashTableSize:   int64(binary.LittleEndian.Uint64(raw[48:56])),
		fileTableOffset:     int64(binary.LittleEndian.Uint64(raw[56:64])),
		fileTableSize:       int64(binary.LittleEndian.Uint64(raw[64:72])),
		fileDataOffset:      int64(binary.LittleEndian.Uint64(raw[72:80])),
	}

	r := &ROMFS{src: src, h: h, dirsByOffset: map[uint32]DirEntry{}, filesByOffset: map[uint32]FileEntry{}}

	if err := r.loadBuckets(); err != nil {
		return nil, err
	}
	if err := r.loadDirTable(); err != nil {
		return nil, err
	}
	if err := r.loadFileTable(); err != nil {
		return nil, err
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ROMFS) loadBuckets() error {
	r.dirBuckets = make([]uint32, r.h.dirHashTableSize/4)
	if len(r.dirBuckets) > 0 {
		buf := make([]byte, r.h.dirHashTableSize)
		if _, err := r.src.ReadAt(buf, r.h.dirHashTableOffset); err != nil {
			return err
		}
		for i := range r.dirBuckets {
			r.dirBuckets[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		}
	}
	r.fileBuckets = make([]uint32, r.h.fileHashTableSize/4)
	if len(r.fileBuckets) > 0 {
		buf := make([]byte, r.h.fileHashTableSize)
		if _, err := r.src.ReadAt(buf, r.h.fileHashTableOffset); err != nil {
			return err
		}
		for i := range r.fileBuckets {
			r.fileBuckets[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		}
	}
	return nil
}

func (r *ROMFS) loadDirTable() error {
	table := make([]byte, r.h.dirTableSize)
	if r.h.dirTableSize > 0 {
		if _, err := r.src.ReadAt(table, r.h.dirTableOffset); err != nil {
			return err
		}
	}
	off := uint32(0)
	for int64(off) < r.h.dirTableSize {
		if int64(off)+0x18 > r.h.dirTableSize {
			return nxerr.New(component, nxerr.KindCorruptMetadata, fmt.Errorf("truncated directory entry"))
		}
		rec := table[off:]
		nameLen := binary.LittleEndian.Uint32(rec[0x14:0x18])
		if int64(off)+0x18+int64(nameLen) > r.h.dirTableSize {
			return nxerr.New(component, nxerr.KindCorruptMetadata, fmt.Errorf("directory name overruns table"))
		}
		e := DirEntry{
			Offset:      int64(off),
			Parent:      binary.LittleEndian.Uint32(rec[0x00:0x04]),
			Sibling:     binary.LittleEndian.Uint32(rec[0x04:0x08]),
			ChildDir:    binary.LittleEndian.Uint32(rec[0x08:0x0c]),
			ChildFile:   binary.LittleEndian.Uint32(rec[0x0c:0x10]),
			HashSibling: binary.LittleEndian.Uint32(rec[0x10:0x14]),
			Name:        string(rec[0x18 : 0x18+nameLen]),
		}
		r.dirsByOffset[uint32(off)] = e
		entrySize := alignUp4(0x18 + nameLen)
		off += entrySize
	}
	return nil
}

func (r *ROMFS) loadFileTable() error {
	table := make([]byte, r.h.fileTableSize)
	if r.h.fileTableSize > 0 {
		if _, err := r.src.ReadAt(table, r.h.fileTableOffset); err != nil {
			return err
		}
	}
	off := uint32(0)
	for int64(off) < r.h.fileTableSize {
		if int64(off)+0x20 > r.h.fileTableSize {
			return nxerr.New(component, nxerr.KindCorruptMetadata, fmt.Errorf("truncated file entry"))
		}
		rec := table[off:]
		nameLen := binary.LittleEndian.Uint32(rec[0x1c:0x20])
		if int64(off)+0x20+int64(nameLen) > r.h.fileTableSize {
			return nxerr.New(component, nxerr.KindCorruptMetadata, fmt.Errorf("file name overruns table"))
		}
		e := FileEntry{
			Offset:      int64(off),
			Parent:      binary.LittleEndian.Uint32(rec[0x00:0x04]),
			Sibling:     binary.LittleEndian.Uint32(rec[0x04:0x08]),
			DataOffset:  int64(binary.LittleEndian.Uint64(rec[0x08:0x10])),
			Size:        int64(binary.LittleEndian.Uint64(rec[0x10:0x18])),
			HashSibling: binary.LittleEndian.Uint32(rec[0x18:0x1c]),
			Name:        string(rec[0x20 : 0x20+nameLen]),
		}
		if r.h.fileDataOffset+e.DataOffset+e.Size > r.src.Size() {
			return nxerr.New(component, nxerr.KindCorruptMetadata, fmt.Errorf("file data extends past section"))
		}
		r.filesByOffset[uint32(off)] = e
		entrySize := alignUp4(0x20 + nameLen)
		off += entrySize
	}
	return nil
}

func alignUp4(v uint32) uint32 {
	if v%4 == 0 {
		return v
	}
	return v + (4 - v%4)
}

// validate walks every directory's child/sibling chain and every
// bucket's hash-sibling chain to confirm termination at the sentinel
// and the absence of cycles, per spec.md §4.8.
func (r *ROMFS) validate() error {
	for start, e := range r.dirsByOffset {
		seen := map[uint32]bool{start: true}
		cur := e.Sibling
		for cur != sentinel {
			if seen[cur] {
				return nxerr.New(component, nxerr.KindCorruptMetadata, fmt.Errorf("cycle in directory sibling chain"))
			}
			seen[cur] = true
			next, ok := r.dirsByOffset[cur]
			if !ok {
				return nxerr.New(component, nxerr.KindCorruptMetadata, fmt.Errorf("dangling directory sibling offset %#x", cur))
			}
			cur = next.Sibling
		}
	}
	for start, e := range r.filesByOffset {
		seen := map[uint32]bool{start: true}
		cur := e.Sibling
		for cur != sentinel {
			if seen[cur] {
				return nxerr.New(component, nxerr.KindCorruptMetadata, fmt.Errorf("cycle in file sibling chain"))
			}
			seen[cur] = true
			next, ok := r.filesByOffset[cur]
			if !ok {
				return nxerr.New(component, nxerr.KindCorruptMetadata, fmt.Errorf("dangling file sibling offset %#x", cur))
			}
			cur = next.Sibling
		}
	}
	return nil
}

// fnvHash is the platform's defined directory/file hash function: FNV-
// style over the name's UTF-8 bytes combined with the parent offset.
func fnvHash(parentOffset uint32, name string) uint32 {
	h := parentOffset ^ 123456789
	for i := 0; i < len(name); i++ {
		h = (h >> 5) | (h << 27)
		h ^= uint32(name[i])
	}
	return h
}

// lookupDirChild finds a child directory of parentOffset named name,
// via the directory hash table.
func (r *ROMFS) lookupDirChild(parentOffset uint32, name string) (DirEntry, bool) {
	if len(r.dirBuckets) == 0 {
		return DirEntry{}, false
	}
	bucket := fnvHash(parentOffset, name) % uint32(len(r.dirBuckets))
	cur := r.dirBuckets[bucket]
	for cur != sentinel {
		e, ok := r.dirsByOffset[cur]
		if !ok {
			return DirEntry{}, false
		}
		if e.Parent == parentOffset && e.Name == name {
			return e, true
		}
		cur = e.HashSibling
	}
	return DirEntry{}, false
}

func (r *ROMFS) lookupFileChild(parentOffset uint32, name string) (FileEntry, bool) {
	if len(r.fileBuckets) == 0 {
		return FileEntry{}, false
	}
	bucket := fnvHash(parentOffset, name) % uint32(len(r.fileBuckets))
	cur := r.fileBuckets[bucket]
	for cur != sentinel {
		e, ok := r.filesByOffset[cur]
		if !ok {
			return FileEntry{}, false
		}
		if e.Parent == parentOffset && e.Name == name {
			return e, true
		}
		cur = e.HashSibling
	}
	return FileEntry{}, false
}

// lookupDirChildByTable finds a child directory the same way Lookup
// does, but by walking the directory table's child/sibling linked list
// instead of the hash table. Used to cross-check testable property 4
// ("lookup returns the same entry regardless of which table drove the
// traversal").
func (r *ROMFS) lookupDirChildByTable(parentOffset uint32, name string) (DirEntry, bool) {
	parent, ok := r.dirsByOffset[parentOffset]
	if !ok {
		return DirEntry{}, false
	}
	cur := parent.ChildDir
	for cur != sentinel {
		e, ok := r.dirsByOffset[cur]
		if !ok {
			return DirEntry{}, false
		}
		if e.Name == name {
			return e, true
		}
		cur = e.Sibling
	}
	return DirEntry{}, false
}

func (r *ROMFS) lookupFileChildByTable(parentOffset uint32, name string) (FileEntry, bool) {
	parent, ok := r.dirsByOffset[parentOffset]
	if !ok {
		return FileEntry{}, false
	}
	cur := parent.ChildFile
	for cur != sentinel {
		e, ok := r.filesByOffset[cur]
		if !ok {
			return FileEntry{}, false
		}
		if e.Name == name {
			return e, true
		}
		cur = e.Sibling
	}
	return FileEntry{}, false
}

// LookupViaTable resolves path the same way Lookup does, but by
// walking the directory/file tables directly rather than the hash
// tables — the cross-check side of testable property 4.
func (r *ROMFS) LookupViaTable(path string) (FileEntry, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	parent := uint32(0)
	for i, part := range parts {
		if i == len(parts)-1 {
			f, ok := r.lookupFileChildByTable(parent, part)
			if !ok {
				return FileEntry{}, nxerr.WithName(component, nxerr.KindOutOfRange, path, fmt.Errorf("not found"))
			}
			return f, nil
		}
		d, ok := r.lookupDirChildByTable(parent, part)
		if !ok {
			return FileEntry{}, nxerr.WithName(component, nxerr.KindOutOfRange, path, fmt.Errorf("not found"))
		}
		parent = uint32(d.Offset)
	}
	return FileEntry{}, nxerr.WithName(component, nxerr.KindOutOfRange, path, fmt.Errorf("not found"))
}

// Lookup walks a `/`-separated path from root, hashing at each
// component, per spec.md §4.8. Returns the resolved file entry.
func (r *ROMFS) Lookup(path string) (FileEntry, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return FileEntry{}, nxerr.New(component, nxerr.KindInvalidArgument, fmt.Errorf("empty path"))
	}
	parent := uint32(0)
	for i, part := range parts {
		if i == len(parts)-1 {
			f, ok := r.lookupFileChild(parent, part)
			if !ok {
				return FileEntry{}, nxerr.WithName(component, nxerr.KindOutOfRange, path, fmt.Errorf("not found"))
			}
			return f, nil
		}
		d, ok := r.lookupDirChild(parent, part)
		if !ok {
			return FileEntry{}, nxerr.WithName(component, nxerr.KindOutOfRange, path, fmt.Errorf("not found"))
		}
		parent = uint32(d.Offset)
	}
	return FileEntry{}, nxerr.WithName(component, nxerr.KindOutOfRange, path, fmt.Errorf("not found"))
}

// OpenFile returns a Reader over a file entry's bytes within the
// underlying section: file_data_offset + entry.offset, per spec.md §4.8.
func (r *ROMFS) OpenFile(e FileEntry) *Reader {
	return &Reader{src: r.src, base: r.h.fileDataOffset + e.DataOffset, size: e.Size}
}

// Reader reads one ROMFS file entry's bytes.
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
