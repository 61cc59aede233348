// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package sink implements the split-aware output writer, per spec.md
// §4.13: one of three device-specific modes behind a single capability
// interface, each handling its own FAT-size-limit and free-space
// concerns.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/cartdump/nxcore/nxerr"
)

const component = "sink"

// fat32MaxFileSize is the largest file a FAT32 volume can hold: 4 GiB - 1.
const fat32MaxFileSize = 4*1024*1024*1024 - 1

// chunkLimit bounds a single Write call, matching spec.md §5's
// cancellation granularity ("checked between write chunks (<= 8 MiB)").
const chunkLimit = 8 * 1024 * 1024

// Writer is the capability interface spec.md §4.13 names: create,
// stream, rewrite a package header in place, cancel, or close. The
// three device-specific sinks below all implement it.
type Writer interface {
	CreateOrOpen(path string, totalSize int64, nspHeaderSize int64) error
	Write(p []byte) (int, error)
	RewriteNSPHeader(p []byte) error
	Cancel() error
	Close() error
}

// FreeSpacer reports available bytes at a filesystem path, abstracted
// so tests don't need a real block device.
type FreeSpacer interface {
	FreeBytes(path string) (uint64, error)
}

type statfsFreeSpacer struct{}

func (statfsFreeSpacer) FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// precheck fails with OutOfRange if fs doesn't have totalSize bytes
// free at dir, per spec.md §4.13's "Free-space precheck before
// creating anything".
func precheck(fs FreeSpacer, dir string, totalSize int64) error {
	free, err := fs.FreeBytes(dir)
	if err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	if free < uint64(totalSize) {
		return nxerr.New(component, nxerr.KindOutOfRange, fmt.Errorf("need %d bytes, only %d free at %s", totalSize, free, dir))
	}
	return nil
}

// Mode dispatches an output path to the device it addresses, per
// spec.md §4.13's "selected by the output path prefix" rule.
type Mode int

const (
	ModeSD Mode = iota
	ModeUSBHost
	ModeUMS
)

// sdDevicePrefix is this project's SD-card path convention (mirroring
// the console's fixed SD mount point); usbHostPrefix is any absolute
// path with no device label, which spec.md §4.13 routes to the USB
// host transfer mode instead of the local filesystem.
const sdDevicePrefix = "sdmc:/"

// DetectMode classifies path per spec.md §4.13: SD paths carry the
// fixed device prefix, USB host paths begin with a bare "/" (no device
// label), anything else names a mounted UMS device directory.
func DetectMode(path string) Mode {
	switch {
	case len(path) >= len(sdDevicePrefix) && path[:len(sdDevicePrefix)] == sdDevicePrefix:
		return ModeSD
	case len(path) > 0 && path[0] == '/':
		return ModeUSBHost
	default:
		return ModeUMS
	}
}

// --- SD card sink -----------------------------------------------------

// splitSink is shared by the SD and FAT-UMS modes: both split a
// logical file into numbered part files inside a directory once the
// total size crosses the FAT32 limit.
type splitSink struct {
	fs       FreeSpacer
	dir      string
	parts    []*os.File
	partSize int64 // fat32MaxFileSize, or totalSize if no split needed
	total    int64
	written  int64
	single   bool // true: dir itself is the one output file, no splitting
}

func newSplitSink(fs FreeSpacer) *splitSink {
	if fs == nil {
		fs = statfsFreeSpacer{}
	}
	return &splitSink{fs: fs}
}

func (s *splitSink) CreateOrOpen(path string, totalSize int64, _ int64) error {
	parent := filepath.Dir(path)
	if err := precheck(s.fs, parent, totalSize); err != nil {
		return err
	}
	s.total = totalSize

	if totalSize <= fat32MaxFileSize {
		f, err := os.Create(path)
		if err != nil {
			return nxerr.New(component, nxerr.KindIoError, err)
		}
		s.single = true
		s.parts = []*os.File{f}
		return nil
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	s.dir = path
	s.partSize = fat32MaxFileSize
	return nil
}

func (s *splitSink) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if s.written >= s.total {
			break // writes past the declared total size silently truncate
		}
		f, remaining, err := s.currentPartFor(s.written)
		if err != nil {
			return written, err
		}
		n := int64(len(p))
		if n > remaining {
			n = remaining
		}
		if n > chunkLimit {
			n = chunkLimit
		}
		nn, err := f.Write(p[:n])
		if err != nil {
			return written, nxerr.New(component, nxerr.KindIoError, err)
		}
		written += nn
		s.written += int64(nn)
		p = p[nn:]
	}
	return written, nil
}

// currentPartFor opens (creating if needed) the part file that owns
// byte offset written, and reports how many bytes remain in it.
func (s *splitSink) currentPartFor(written int64) (*os.File, int64, error) {
	if s.single {
		return s.parts[0], s.total - written, nil
	}
	idx := int(written / s.partSize)
	for len(s.parts) <= idx {
		name := filepath.Join(s.dir, fmt.Sprintf("%02d", len(s.parts)))
		f, err := os.Create(name)
		if err != nil {
			return nil, 0, nxerr.New(component, nxerr.KindIoError, err)
		}
		s.parts = append(s.parts, f)
	}
	within := written % s.partSize
	return s.parts[idx], s.partSize - within, nil
}

func (s *splitSink) RewriteNSPHeader(p []byte) error {
	f, _, err := s.currentPartFor(0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(p, 0); err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	return nil
}

func (s *splitSink) Cancel() error {
	for _, f := range s.parts {
		f.Close()
	}
	if s.single {
		if len(s.parts) == 1 {
			os.Remove(s.parts[0].Name())
		}
		return nil
	}
	if s.dir != "" {
		if err := os.RemoveAll(s.dir); err != nil {
			return nxerr.New(component, nxerr.KindIoError, err)
		}
	}
	return nil
}

func (s *splitSink) Close() error {
	var first error
	for _, f := range s.parts {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return nxerr.New(component, nxerr.KindIoError, first)
	}
	return nil
}

// NewSDSink builds the SD-card writer: a single file under the FAT32
// limit, or a concatenation directory of 4 GiB parts above it.
func NewSDSink(fs FreeSpacer) Writer { return newSplitSink(fs) }

// --- UMS sink -----------------------------------------------------

// fatFSTypes are the statfs magic numbers naming a FAT-family
// filesystem, per spec.md §4.13's "for FAT variants, create a plain
// directory with numbered 4 GiB parts". exFAT and anything else gets a
// single file, since only the legacy FAT32 file-size limit applies.
var fatFSTypes = map[int64]bool{
	0x4d44: true, // MSDOS_SUPER_MAGIC
}

// FSTyper reports a mount's filesystem type magic, abstracted for
// testing the same way FreeSpacer is.
type FSTyper interface {
	FSType(path string) (int64, error)
}

type statfsFSTyper struct{}

func (statfsFSTyper) FSType(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Type), nil
}

// umsSink wraps splitSink, first inspecting the target filesystem to
// decide whether FAT-style splitting applies at all.
type umsSink struct {
	*splitSink
	fsTyper FSTyper
	forceSingle bool
}

// NewUMSSink builds the UMS writer: it inspects path's filesystem via
// fsTyper (real unix.Statfs when nil) before CreateOrOpen decides
// whether to split.
func NewUMSSink(fs FreeSpacer, fsTyper FSTyper) Writer {
	if fsTyper == nil {
		fsTyper = statfsFSTyper{}
	}
	return &umsSink{splitSink: newSplitSink(fs), fsTyper: fsTyper}
}

func (u *umsSink) CreateOrOpen(path string, totalSize int64, nspHeaderSize int64) error {
	magic, err := u.fsTyper.FSType(filepath.Dir(path))
	if err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	if !fatFSTypes[magic] {
		u.forceSingle = true
	}
	if u.forceSingle {
		parent := filepath.Dir(path)
		if err := precheck(u.fs, parent, totalSize); err != nil {
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			return nxerr.New(component, nxerr.KindIoError, err)
		}
		u.total = totalSize
		u.single = true
		u.parts = []*os.File{f}
		return nil
	}
	return u.splitSink.CreateOrOpen(path, totalSize, nspHeaderSize)
}

// --- USB host sink -----------------------------------------------------

// HostTransport is the bulk/control-endpoint abstraction the USB host
// sink streams through, matching spec.md §6's length-prefixed
// {file_properties, file_data, nsp_header, cancel} message framing.
type HostTransport interface {
	SendFileProperties(name string, totalSize int64, nspHeaderSize int64) error
	SendFileData(p []byte) error
	SendNSPHeader(p []byte) error
	SendCancel() error
}

type usbHostSink struct {
	t        HostTransport
	name     string
	total    int64
	written  int64
}

// NewUSBHostSink builds the USB-host writer: it never touches the
// local filesystem, just frames messages over t.
func NewUSBHostSink(t HostTransport) Writer {
	return &usbHostSink{t: t}
}

func (u *usbHostSink) CreateOrOpen(path string, totalSize int64, nspHeaderSize int64) error {
	u.name = filepath.Base(path)
	u.total = totalSize
	if err := u.t.SendFileProperties(u.name, totalSize, nspHeaderSize); err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	return nil
}

func (u *usbHostSink) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if u.written >= u.total {
			break
		}
		n := int64(len(p))
		if n > chunkLimit {
			n = chunkLimit
		}
		if err := u.t.SendFileData(p[:n]); err != nil {
			return written, nxerr.New(component, nxerr.KindIoError, err)
		}
		written += int(n)
		u.written += n
		p = p[n:]
	}
	return written, nil
}

func (u *usbHostSink) RewriteNSPHeader(p []byte) error {
	if err := u.t.SendNSPHeader(p); err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	return nil
}

func (u *usbHostSink) Cancel() error {
	if err := u.t.SendCancel(); err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	return nil
}

func (u *usbHostSink) Close() error { return nil }

// --- helpers -----------------------------------------------------

// partIndices returns the part-file indices present under dir, sorted,
// used by callers inspecting a completed split dump (e.g. tests, or a
// resume path that isn't otherwise in scope here).
func partIndices(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}
