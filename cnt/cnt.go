// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package cnt parses the encrypted content container header, decrypts
// its key area, and hands out a section.Reader per enabled section, per
// spec.md §4.5.
package cnt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cartdump/nxcore/blockio"
	"github.com/cartdump/nxcore/cryptoprim"
	"github.com/cartdump/nxcore/keyset"
	"github.com/cartdump/nxcore/nxerr"
)

const component = "cnt"

const (
	headerSize        = 0xc00
	sectorSize        = 512
	sectionTableCount  = 4
	keyAreaSlotCount   = 4
	sectionHeaderSize  = 0x200
)

var magicV3 = [4]byte{'N', 'C', 'A', '3'}
var magicV2 = [4]byte{'N', 'C', 'A', '2'}

// ContentType is the container's declared purpose.
type ContentType uint8

// The content types a container header can declare.
const (
	ContentProgram ContentType = iota
	ContentMeta
	ContentControl
	ContentManual
	ContentData
	ContentPublicData
)

// SectionDescriptor is one of the four section-table entries.
type SectionDescriptor struct {
	MediaOffset uint32 // in media units (sectorSize)
	MediaSize   uint32
	Enabled     bool
}

func (d SectionDescriptor) Offset() int64 { return int64(d.MediaOffset) * sectorSize }
func (d SectionDescriptor) Size() int64   { return int64(d.MediaSize) * sectorSize }

// EncryptionType is the per-section cipher tag, consumed by package
// section to select the tagged-variant reader.
type EncryptionType uint8

// The four section encryption types spec.md §4.6 names.
const (
	EncNone EncryptionType = iota
	EncXTS
	EncCTR
	EncBKTR
)

// SectionHeader is the per-section metadata record, per spec.md's
// SectionHeader data-model entry. Only the fields this stack's readers
// consume are kept; the rest of the 0x200-byte record is opaque bytes
// preserved in Raw for hash verification and re-embedding.
type SectionHeader struct {
	Version         uint16
	FSType          uint8
	HashType        uint8
	EncryptionType  EncryptionType
	Generation      uint8
	BaseSecureValue uint32
	SectionCTR      uint64
	Raw             [sectionHeaderSize]byte
}

// Header is the parsed, decrypted container header.
type Header struct {
	ContentType   ContentType
	ContentSize   int64
	RightsID      [16]byte
	KeyGeneration uint8
	KAEKIndex     uint8

	EncryptedKeySlots [keyAreaSlotCount][16]byte
	Sections          [sectionTableCount]SectionDescriptor
	SectionHeaders    [sectionTableCount]SectionHeader
	SectionHeaderHash [sectionTableCount][32]byte
}

// HasRightsID reports whether the container is rights-id-locked (needs
// a ticket-derived titlekey rather than a key-area slot).
func (h *Header) HasRightsID() bool {
	var zero [16]byte
	return h.RightsID != zero
}

// Container is an opened CNT: the decrypted header plus the key area
// (once DecryptKeyArea has run) and the underlying block reader.
type Container struct {
	Header  Header
	KeySlot [keyAreaSlotCount][16]byte
	src     *blockio.Reader
}

// Open reads and XTS-decrypts the first headerSize bytes of src under
// the keyset's header key, checks magic, and parses out every field
// spec.md §4.5 names. Version 3 decrypts the whole header in one pass;
// version 2 decrypts each section-header sub-block independently
// starting at sector 0, matching the original format's layout history.
func Open(src *blockio.Reader, ks *keyset.Keyset) (*Container, error) {
	raw := make([]byte, headerSize)
	if _, err := src.ReadAt(raw, 0); err != nil {
		return nil, err
	}

	plain, version, err := decryptHeader(raw, ks)
	if err != nil {
		return nil, err
	}

	magic := [4]byte{plain[0], plain[1], plain[2], plain[3]}
	if magic != magicV3 && magic != magicV2 {
		return nil, nxerr.New(component, nxerr.KindBadMagic, fmt.Errorf("unexpected magic %q", magic))
	}
	_ = version

	h, err := parseHeader(plain)
	if err != nil {
		return nil, err
	}

	return &Container{Header: *h, src: src}, nil
}

// decryptHeader decrypts raw in one XTS pass from sector 0 and reads the
// magic from that output. Version 3 uses the single pass as is; version
// 2 keeps its first 0x400 bytes and re-decrypts each 0x200-byte
// section-header block independently, each restarting its tweak at
// sector 0. Any other magic is returned unchanged (version 0) for Open
// to reject.
func decryptHeader(raw []byte, ks *keyset.Keyset) ([]byte, int, error) {
	full, err := cryptoprim.AESXTSSectorTweak(cryptoprim.XTSDecrypt, ks.HeaderKey.Key1[:], ks.HeaderKey.Key2[:], 0, sectorSize, raw)
	if err != nil {
		return nil, 0, nxerr.New(component, nxerr.KindIoError, err)
	}
	if bytes.Equal(full[0:4], magicV3[:]) {
		return full, 3, nil
	}
	if !bytes.Equal(full[0:4], magicV2[:]) {
		return full, 0, nil
	}

	v2 := make([]byte, headerSize)
	copy(v2[:0x400], full[:0x400])
	for i := 0; i < sectionTableCount; i++ {
		start := 0x400 + i*sectionHeaderSize
		block, err := cryptoprim.AESXTSSectorTweak(cryptoprim.XTSDecrypt, ks.HeaderKey.Key1[:], ks.HeaderKey.Key2[:], 0, sectorSize, raw[start:start+sectionHeaderSize])
		if err != nil {
			return nil, 0, nxerr.New(component, nxerr.KindIoError, err)
		}
		copy(v2[start:start+sectionHeaderSize], block)
	}
	return v2, 2, nil
}

func parseHeader(plain []byte) (*Header, error) {
	h := &Header{
		ContentType:   ContentType(plain[0x205]),
		KeyGeneration: plain[0x206],
		KAEKIndex:     plain[0x207],
	}
	h.ContentSize = int64(binary.LittleEndian.Uint64(plain[0x208:0x210]))
	copy(h.RightsID[:], plain[0x230:0x240])

	for i := 0; i < keyAreaSlotCount; i++ {
		copy(h.EncryptedKeySlots[i][:], plain[0x300+i*16:0x300+i*16+16])
	}

	for i := 0; i < sectionTableCount; i++ {
		off := 0x240 + i*16
		h.Sections[i] = SectionDescriptor{
			MediaOffset: binary.LittleEndian.Uint32(plain[off : off+4]),
			MediaSize:   binary.LittleEndian.Uint32(plain[off+4 : off+8]),
			Enabled:     binary.LittleEndian.Uint32(plain[off+4:off+8]) != 0,
		}
		copy(h.SectionHeaderHash[i][:], plain[0x280+i*32:0x280+i*32+32])
	}

	for i := 0; i < sectionTableCount; i++ {
		start := 0x400 + i*sectionHeaderSize
		raw := plain[start : start+sectionHeaderSize]
		sh := SectionHeader{
			Version:         binary.LittleEndian.Uint16(raw[0:2]),
			FSType:          raw[2],
			HashType:        raw[3],
			EncryptionType:  EncryptionType(raw[4]),
			Generation:      raw[0x4c],
			BaseSecureValue: binary.LittleEndian.Uint32(raw[0x48:0x4c]),
			SectionCTR:      binary.BigEndian.Uint64(raw[0x140:0x148]),
		}
		copy(sh.Raw[:], raw)
		h.SectionHeaders[i] = sh
	}

	return h, nil
}

// DecryptKeyArea computes kek = aes_ecb_dec(master_key[key_gen],
// kaek_source[kaek_index]) then key_slot[i] = aes_ecb_dec(kek,
// enc_slot[i]) for all four slots, per spec.md §4.5. If the header
// declares a non-zero rights id, titlekey (already unwrapped by the
// ticket store) replaces key_slot[2], the slot section readers opting
// into rights-id keying consume.
func (c *Container) DecryptKeyArea(ks *keyset.Keyset, titlekey []byte) error {
	kaek, err := ks.KAEKSlot(int(c.Header.KAEKIndex), int(c.Header.KeyGeneration))
	if err != nil {
		return err
	}
	for i := 0; i < keyAreaSlotCount; i++ {
		slot, err := cryptoprim.AESECB(cryptoprim.ECBDecrypt, kaek, c.Header.EncryptedKeySlots[i][:])
		if err != nil {
			return nxerr.New(component, nxerr.KindKeyUnavailable, err)
		}
		copy(c.KeySlot[i][:], slot)
	}

	if c.Header.HasRightsID() {
		if titlekey == nil {
			return nxerr.New(component, nxerr.KindTitlekeyUnavailable, fmt.Errorf("rights-id container opened without a titlekey"))
		}
		if len(titlekey) != 16 {
			return nxerr.New(component, nxerr.KindTitlekeyUnavailable, fmt.Errorf("titlekey must be 16 bytes"))
		}
		copy(c.KeySlot[2][:], titlekey)
	}
	return nil
}

// VerifySectionHeaderHash checks sha256(section_header[i]) against the
// hash stored in the container header, the invariant testable property
// 1 (spec.md §8) names.
func (c *Container) VerifySectionHeaderHash(i int) error {
	got := cryptoprim.SHA256(c.Header.SectionHeaders[i].Raw[:])
	if !cryptoprim.ConstantTimeCompare(got[:], c.Header.SectionHeaderHash[i][:]) {
		return nxerr.WithOffset(component, nxerr.KindHashMismatch, int64(i), fmt.Errorf("section header hash mismatch"))
	}
	return nil
}

// Reader returns the raw, not-yet-decrypted block reader over this
// container. Package section wraps Window(i) with the section's cipher.
func (c *Container) Reader() *blockio.Reader { return c.src }

// Window returns the container-relative byte range for section i.
func (c *Container) Window(i int) (offset, size int64) {
	d := c.Header.Sections[i]
	return d.Offset(), d.Size()
}
