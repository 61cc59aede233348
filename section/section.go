// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package section presents a linear decrypted view of one container
// section over blockio, dispatching on the section's encryption type as
// a tagged variant rather than virtual methods, per spec.md §4.6 and
// the polymorphism note in §9.
package section

import (
	"fmt"
	"sort"

	"github.com/cartdump/nxcore/blockio"
	"github.com/cartdump/nxcore/cnt"
	"github.com/cartdump/nxcore/cryptoprim"
	"github.com/cartdump/nxcore/nxerr"
)

const component = "section"

// Subsection is one entry of a BKTR companion table: the byte range
// [Offset, Offset+Size) within the section uses CounterLow in place of
// the section's base counter (the high 8 bytes of the CTR block); the
// low 8 bytes still come from the byte offset.
type Subsection struct {
	Offset      int64
	Size        int64
	CounterLow  uint32
}

// Reader is the tagged-variant section view: {None, Xts{k1,k2},
// Ctr{key,baseCtr}, Bktr{key,subsections}} with a single ReadAt
// dispatch, per spec.md §9.
type Reader struct {
	src    *blockio.Reader // underlying container reader
	base   int64           // container-relative offset of this section
	size   int64
	enc    cnt.EncryptionType
	key1   [16]byte
	key2   [16]byte
	baseCtr uint64
	subsections []Subsection // sorted by Offset, bktr only
}

// Open builds a section.Reader over container c's section index i,
// selecting key material per spec.md §4.6:
//   - none: no keys needed.
//   - xts: (key1,key2) = (key_slot[0], key_slot[1]).
//   - ctr / bktr: key = key_slot[2].
//
// subsections is the parsed BKTR companion table; pass nil for
// non-bktr sections.
func Open(c *cnt.Container, i int, subsections []Subsection) (*Reader, error) {
	if err := c.VerifySectionHeaderHash(i); err != nil {
		return nil, err
	}
	offset, size := c.Window(i)
	sh := c.Header.SectionHeaders[i]

	r := &Reader{
		src:  c.Reader(),
		base: offset,
		size: size,
		enc:  sh.EncryptionType,
	}

	switch sh.EncryptionType {
	case cnt.EncNone:
	case cnt.EncXTS:
		r.key1 = c.KeySlot[0]
		r.key2 = c.KeySlot[1]
	case cnt.EncCTR:
		r.key1 = c.KeySlot[2]
		r.baseCtr = sh.SectionCTR
	case cnt.EncBKTR:
		r.key1 = c.KeySlot[2]
		r.baseCtr = sh.SectionCTR
		sorted := append([]Subsection{}, subsections...)
		sort.Slice(sorted, func(a, b int) bool { return sorted[a].Offset < sorted[b].Offset })
		r.subsections = sorted
	default:
		return nil, nxerr.New(component, nxerr.KindUnsupportedVersion, fmt.Errorf("unknown section encryption type %d", sh.EncryptionType))
	}
	return r, nil
}

// Size returns the section's logical byte length.
func (r *Reader) Size() int64 { return r.size }

// ReadAt reads len(p) decrypted bytes from offset off within the
// section, aligning internally down to a 16-byte boundary (a 512-byte
// sector boundary for XTS) and trimming
// via a bounce buffer, per spec.md §4.6.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > r.size {
		return 0, nxerr.WithOffset(component, nxerr.KindOutOfRange, off, nil)
	}
	if len(p) == 0 {
		return 0, nil
	}

	switch r.enc {
	case cnt.EncNone:
		return r.src.ReadAt(p, r.base+off)
	case cnt.EncXTS:
		return r.readXTS(p, off)
	case cnt.EncCTR:
		return r.readCTR(p, off, r.baseCtr)
	case cnt.EncBKTR:
		return r.readBKTR(p, off)
	default:
		return 0, nxerr.New(component, nxerr.KindUnsupportedVersion, nil)
	}
}

func (r *Reader) readXTS(p []byte, off int64) (int, error) {
	alignedStart := off - off%blockio.SectorSize
	alignedEnd := off + int64(len(p))
	if rem := alignedEnd % blockio.SectorSize; rem != 0 {
		alignedEnd += blockio.SectorSize - rem
	}
	bounce := make([]byte, alignedEnd-alignedStart)
	if _, err := r.src.ReadAt(bounce, r.base+alignedStart); err != nil {
		return 0, err
	}

	startSector := uint64((r.base + alignedStart) / blockio.SectorSize)
	plain, err := cryptoprim.AESXTSSectorTweak(cryptoprim.XTSDecrypt, r.key1[:], r.key2[:], startSector, blockio.SectorSize, bounce)
	if err != nil {
		return 0, nxerr.New(component, nxerr.KindIoError, err)
	}
	copy(p, plain[off-alignedStart:off-alignedStart+int64(len(p))])
	return len(p), nil
}

func (r *Reader) readCTR(p []byte, off int64, counterLow uint64) (int, error) {
	const blk = 16
	alignedStart := off - off%blk
	alignedEnd := off + int64(len(p))
	if rem := alignedEnd % blk; rem != 0 {
		alignedEnd += blk - rem
	}
	bounce := make([]byte, alignedEnd-alignedStart)
	if _, err := r.src.ReadAt(bounce, r.base+alignedStart); err != nil {
		return 0, err
	}

	ctr := cryptoprim.NewCounter128(counterLow, alignedStart)
	plain, err := cryptoprim.AESCTR(r.key1[:], ctr, bounce)
	if err != nil {
		return 0, nxerr.New(component, nxerr.KindIoError, err)
	}
	copy(p, plain[off-alignedStart:off-alignedStart+int64(len(p))])
	return len(p), nil
}

// readBKTR binary-searches the subsection table for the range
// containing off, serves the read within that subsection's bounds
// using its own CounterLow as the base counter, and recurses across a subsection
// boundary so the caller never observes the discontinuity, per spec.md
// §4.6.
func (r *Reader) readBKTR(p []byte, off int64) (int, error) {
	sub := r.findSubsection(off)
	if sub == nil {
		return 0, nxerr.WithOffset(component, nxerr.KindCorruptMetadata, off, fmt.Errorf("no bktr subsection covers offset"))
	}

	remaining := sub.Offset + sub.Size - off
	if remaining >= int64(len(p)) {
		return r.readCTR(p, off, uint64(sub.CounterLow))
	}

	n, err := r.readCTR(p[:remaining], off, uint64(sub.CounterLow))
	if err != nil {
		return n, err
	}
	rest, err := r.readBKTR(p[remaining:], off+remaining)
	return n + rest, err
}

func (r *Reader) findSubsection(off int64) *Subsection {
	idx := sort.Search(len(r.subsections), func(i int) bool {
		return r.subsections[i].Offset+r.subsections[i].Size > off
	})
	if idx >= len(r.subsections) {
		return nil
	}
	sub := r.subsections[idx]
	if off < sub.Offset {
		return nil
	}
	return &sub
}
