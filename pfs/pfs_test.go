// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package pfs

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"
)

type memSource struct{ data []byte }

func (m *memSource) Size() int64 { return int64(len(m.data)) }
func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

// build constructs a two-entry PFS0 blob: "a.bin" (4 bytes) and
// "bb.bin" (8 bytes).
func build() []byte {
	names := []byte("a.bin\x00bb.bin\x00")
	entries := []Entry{
		{Offset: 0, Size: 4, Name: "a.bin", NameOffset: 0},
		{Offset: 4, Size: 8, Name: "bb.bin", NameOffset: 6},
	}
	tableSize := len(entries) * entryRecordSize
	header := make([]byte, headerPrefixSize)
	copy(header[0:4], magic[:])
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(entries)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(names)))

	table := make([]byte, tableSize)
	for i, e := range entries {
		rec := table[i*entryRecordSize : (i+1)*entryRecordSize]
		binary.LittleEndian.PutUint64(rec[0:8], uint64(e.Offset))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(e.Size))
		binary.LittleEndian.PutUint32(rec[16:20], e.NameOffset)
	}

	data := append([]byte{}, header...)
	data = append(data, table...)
	data = append(data, names...)
	data = append(data, make([]byte, 12)...) // content of both entries (4 + 8 bytes)
	return data
}

func TestOpenAndEnumerate(t *testing.T) {
	data := build()
	p, err := Open(&memSource{data: data})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(p.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(p.Entries))
	}
	e, ok := p.LookupByName("bb.bin")
	if !ok || e.Size != 8 {
		t.Fatalf("lookup failed: %+v ok=%v", e, ok)
	}
}

// TestExtentsAreDisjoint is testable property 3: entry extents don't
// overlap and lie within the container.
func TestExtentsAreDisjoint(t *testing.T) {
	data := build()
	p, err := Open(&memSource{data: data})
	if err != nil {
		t.Fatal(err)
	}
	entries := append([]Entry{}, p.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	for i := 1; i < len(entries); i++ {
		if entries[i].Offset < entries[i-1].Offset+entries[i-1].Size {
			t.Fatalf("entries overlap: %+v then %+v", entries[i-1], entries[i])
		}
	}
}

func TestOpenEntryReadsWithinBounds(t *testing.T) {
	data := build()
	p, err := Open(&memSource{data: data})
	if err != nil {
		t.Fatal(err)
	}
	e, _ := p.LookupByName("a.bin")
	r := p.OpenEntry(e)
	buf := make([]byte, 4)
	if _, err := r.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 4)) {
		t.Fatalf("unexpected content")
	}
	if _, err := r.ReadAt(make([]byte, 1), 4); err == nil {
		t.Fatal("expected OutOfRange past entry size")
	}
}
