// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package romfs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type memSource struct{ data []byte }

func (m *memSource) Size() int64 { return int64(len(m.data)) }
func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func alignUp4Test(v uint32) uint32 {
	if v%4 == 0 {
		return v
	}
	return v + (4 - v%4)
}

// buildFixture constructs a minimal ROMFS with one root directory
// containing one file "hello.txt", with both a dir and file hash
// bucket table (single bucket each, sentinel-terminated chains).
func buildFixture(t *testing.T) []byte {
	t.Helper()

	fileName := "hello.txt"
	fileRec := make([]byte, alignUp4Test(0x20+uint32(len(fileName))))
	binary.LittleEndian.PutUint32(fileRec[0x00:0x04], 0)          // parent = root
	binary.LittleEndian.PutUint32(fileRec[0x04:0x08], sentinel)   // sibling
	binary.LittleEndian.PutUint64(fileRec[0x08:0x10], 0)          // data offset
	binary.LittleEndian.PutUint64(fileRec[0x10:0x18], 5)          // size
	binary.LittleEndian.PutUint32(fileRec[0x18:0x1c], sentinel)   // hash sibling (single-entry bucket chain)
	binary.LittleEndian.PutUint32(fileRec[0x1c:0x20], uint32(len(fileName)))
	copy(fileRec[0x20:], fileName)

	rootName := ""
	dirRec := make([]byte, alignUp4Test(0x18+uint32(len(rootName))))
	binary.LittleEndian.PutUint32(dirRec[0x00:0x04], sentinel) // parent (root has none)
	binary.LittleEndian.PutUint32(dirRec[0x04:0x08], sentinel) // sibling
	binary.LittleEndian.PutUint32(dirRec[0x08:0x0c], sentinel) // child dir
	binary.LittleEndian.PutUint32(dirRec[0x0c:0x10], 0)        // child file -> offset 0 in file table
	binary.LittleEndian.PutUint32(dirRec[0x10:0x14], sentinel) // hash sibling
	binary.LittleEndian.PutUint32(dirRec[0x14:0x18], uint32(len(rootName)))

	dirHashTable := make([]byte, 4)
	binary.LittleEndian.PutUint32(dirHashTable, sentinel)

	fileHashTable := make([]byte, 4)
	binary.LittleEndian.PutUint32(fileHashTable, 0) // bucket 0 -> file entry at offset 0

	const headerSize = 0x50
	dirHashOff := int64(headerSize)
	dirTableOff := dirHashOff + int64(len(dirHashTable))
	fileHashOff := dirTableOff + int64(len(dirRec))
	fileTableOff := fileHashOff + int64(len(fileHashTable))
	fileDataOff := fileTableOff + int64(len(fileRec))

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[0:8], headerSize)
	binary.LittleEndian.PutUint64(header[8:16], uint64(dirHashOff))
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(dirHashTable)))
	binary.LittleEndian.PutUint64(header[24:32], uint64(dirTableOff))
	binary.LittleEndian.PutUint64(header[32:40], uint64(len(dirRec)))
	binary.LittleEndian.PutUint64(header[40:48], uint64(fileHashOff))
	binary.LittleEndian.PutUint64(header[48:56], uint64(len(fileHashTable)))
	binary.LittleEndian.PutUint64(header[56:64], uint64(fileTableOff))
	binary.LittleEndian.PutUint64(header[64:72], uint64(len(fileRec)))
	binary.LittleEndian.PutUint64(header[72:80], uint64(fileDataOff))

	buf := append([]byte{}, header...)
	buf = append(buf, dirHashTable...)
	buf = append(buf, dirRec...)
	buf = append(buf, fileHashTable...)
	buf = append(buf, fileRec...)
	buf = append(buf, []byte("hello")...)
	return buf
}

func TestLookupMatchesTableWalk(t *testing.T) {
	data := buildFixture(t)
	r, err := Open(&memSource{data: data})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	viaHash, err := r.Lookup("hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	viaTable, err := r.LookupViaTable("hello.txt")
	if err != nil {
		t.Fatalf("LookupViaTable: %v", err)
	}
	if viaHash.Offset != viaTable.Offset || viaHash.Name != viaTable.Name {
		t.Fatalf("mismatch: hash=%+v table=%+v", viaHash, viaTable)
	}

	reader := r.OpenFile(viaHash)
	buf := make([]byte, 5)
	if _, err := reader.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("content = %q", buf)
	}
}

// buildCyclicFileTable wraps buildFixture's layout but overwrites the
// single file entry's sibling pointer to point at itself, producing a
// one-node cycle that validate must reject.
func buildCyclicFileTable(t *testing.T) []byte {
	t.Helper()
	data := buildFixture(t)
	fileTableOffset := int64(binary.LittleEndian.Uint64(data[0x38:0x40]))

	// The lone file entry's own offset (0) now points to itself.
	binary.LittleEndian.PutUint32(data[fileTableOffset+4:fileTableOffset+8], 0)
	return data
}

func TestOpenRejectsCyclicSiblingChain(t *testing.T) {
	data := buildCyclicFileTable(t)
	if _, err := Open(&memSource{data: data}); err == nil {
		t.Fatal("expected CorruptMetadata on cyclic file sibling chain")
	}
}
