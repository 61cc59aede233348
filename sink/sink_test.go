// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package sink

import (
	"os"
	"path/filepath"
	"testing"
)

type fakeFreeSpacer struct{ free uint64 }

func (f fakeFreeSpacer) FreeBytes(string) (uint64, error) { return f.free, nil }

type fakeFSTyper struct{ magic int64 }

func (f fakeFSTyper) FSType(string) (int64, error) { return f.magic, nil }

func TestDetectMode(t *testing.T) {
	cases := map[string]Mode{
		"sdmc:/switch/out.nsp": ModeSD,
		"/host/out.nsp":        ModeUSBHost,
		"ums0:/out.nsp":        ModeUMS,
	}
	for path, want := range cases {
		if got := DetectMode(path); got != want {
			t.Errorf("DetectMode(%q) = %v, want %v", path, got, want)
		}
	}
}

// TestSplitFileOnFAT is scenario S6's split half: a 5 GiB write on a FAT
// UMS device splits into .../00 sized 4 GiB-1 and .../01 sized 1 GiB+1.
// The cancel half is TestSplitFileOnFATCancelRemovesPartialOutput.
func TestSplitFileOnFAT(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(root, "dump")

	const fiveGiB = 5 * 1024 * 1024 * 1024
	w := NewUMSSink(fakeFreeSpacer{free: fiveGiB + 1<<20}, fakeFSTyper{magic: 0x4d44})
	if err := w.CreateOrOpen(outDir, fiveGiB, 0); err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}

	buf := make([]byte, 64*1024*1024)
	var total int64
	for total < fiveGiB {
		n := int64(len(buf))
		if total+n > fiveGiB {
			n = fiveGiB - total
		}
		written, err := w.Write(buf[:n])
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		total += int64(written)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	part0, err := os.Stat(filepath.Join(outDir, "00"))
	if err != nil {
		t.Fatalf("stat 00: %v", err)
	}
	part1, err := os.Stat(filepath.Join(outDir, "01"))
	if err != nil {
		t.Fatalf("stat 01: %v", err)
	}
	if part0.Size() != fat32MaxFileSize {
		t.Errorf("part 00 size = %d, want %d", part0.Size(), int64(fat32MaxFileSize))
	}
	wantPart1 := fiveGiB - fat32MaxFileSize
	if part1.Size() != wantPart1 {
		t.Errorf("part 01 size = %d, want %d", part1.Size(), wantPart1)
	}

	idx, err := partIndices(outDir)
	if err != nil || len(idx) != 2 {
		t.Fatalf("partIndices = %v, %v", idx, err)
	}
}

func TestSplitFileOnFATCancelRemovesPartialOutput(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(root, "dump")

	const fiveGiB = 5 * 1024 * 1024 * 1024
	w := NewUMSSink(fakeFreeSpacer{free: fiveGiB + 1<<20}, fakeFSTyper{magic: 0x4d44})
	if err := w.CreateOrOpen(outDir, fiveGiB, 0); err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}

	const twoGiB = 2 * 1024 * 1024 * 1024
	buf := make([]byte, 64*1024*1024)
	var total int64
	for total < twoGiB {
		n, err := w.Write(buf)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		total += int64(n)
	}

	if err := w.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := os.Stat(outDir); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed after cancel, stat err = %v", outDir, err)
	}
}

func TestExFATUMSWritesSingleFile(t *testing.T) {
	root := t.TempDir()
	outPath := filepath.Join(root, "out.nsp")

	const size = 5 * 1024 * 1024 * 1024 // above the FAT32 limit, but exFAT doesn't care
	w := NewUMSSink(fakeFreeSpacer{free: size + 1<<20}, fakeFSTyper{magic: 0x2011BAB0})
	if err := w.CreateOrOpen(outPath, size, 0); err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("expected single output file, stat err = %v", err)
	}
}

func TestPrecheckFailsWhenInsufficientFreeSpace(t *testing.T) {
	root := t.TempDir()
	outPath := filepath.Join(root, "out.nsp")

	w := NewSDSink(fakeFreeSpacer{free: 100})
	err := w.CreateOrOpen(outPath, 1<<20, 0)
	if err == nil {
		t.Fatal("expected precheck failure, got nil")
	}
}

func TestWritesPastDeclaredTotalSilentlyTruncate(t *testing.T) {
	root := t.TempDir()
	outPath := filepath.Join(root, "out.bin")

	w := NewSDSink(fakeFreeSpacer{free: 1 << 20})
	if err := w.CreateOrOpen(outPath, 10, 0); err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	n, err := w.Write(make([]byte, 100))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 10 {
		t.Fatalf("Write returned %d, want 10 (truncated to declared total)", n)
	}
	w.Close()

	info, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 10 {
		t.Fatalf("file size = %d, want 10", info.Size())
	}
}
