// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package cartridge drives the gamecard insertion state machine and
// exposes the logical-image reader, raw header, and key/certificate
// material read off an inserted cartridge, per spec.md §4.10.
package cartridge

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/cartdump/nxcore/blockio"
	"github.com/cartdump/nxcore/cryptoprim"
	"github.com/cartdump/nxcore/nxerr"
	"github.com/cartdump/nxcore/nxlog"
)

const component = "cartridge"

// State is one node of the insertion state machine spec.md §4.10 names.
type State int

const (
	NotInserted State = iota
	Processing
	InsertedInfoLoaded
	LafwUpdateRequired
	NoGameCardPatchEnabled
	InsertedInfoNotLoaded
)

func (s State) String() string {
	switch s {
	case NotInserted:
		return "NotInserted"
	case Processing:
		return "Processing"
	case InsertedInfoLoaded:
		return "InsertedInfoLoaded"
	case LafwUpdateRequired:
		return "LafwUpdateRequired"
	case NoGameCardPatchEnabled:
		return "NoGameCardPatchEnabled"
	case InsertedInfoNotLoaded:
		return "InsertedInfoNotLoaded"
	default:
		return "Unknown"
	}
}

func (s State) Inserted() bool { return s != NotInserted }

const mediaUnitSize = 512

// Header is the plaintext gamecard header: a 16-byte magic-bearing
// prefix ending with "HEAD", followed by the fields needed to locate
// the normal/secure area split and the encrypted card-info block.
type Header struct {
	RomSizeUnits        uint32 // total size, media units
	ValidDataEndUnits   uint32 // trimmed size, media units
	PackageID           uint64
	NormalAreaEndUnits  uint32 // normal area length, media units
	Raw                 []byte
}

const headerSize = 0x200
const headerMagicOffset = 0x0C

var headerMagic = [4]byte{'H', 'E', 'A', 'D'}

const cardInfoCipherOffset = 0x70
const cardInfoCipherSize = 0x70
const cardIDSetOffset = 0xF0
const cardIDSetSize = 0x10

// keyAreaOffset/keyAreaSize locate the 16-byte block a raw dump may
// optionally prepend, per spec.md §6 ("optionally preceded by a 16-byte
// key-area block"). HandleInsert copies it from bytes 0x100-0x10F of
// the header read at offset 0 of the normal area; no separate
// security-information area is read.
const keyAreaOffset = 0x100
const keyAreaSize = 0x10

// CertOffset is the fixed byte offset of the certificate block within
// the logical image, per spec.md §4.10.
const CertOffset = 0x7000
const CertSize = 0x200

// CompatibilityType is the gamecard's declared LAFW-compatibility class,
// read from the card-info block, per SPEC_FULL.md §C.3's LAFW/
// compatibility-type gating.
type CompatibilityType uint8

// The compatibility types original_source/'s hos_version_structs.h names.
const (
	CompatNormal          CompatibilityType = 0x00
	CompatNoGameCardPatch CompatibilityType = 0xFF
)

func (c CompatibilityType) String() string {
	switch c {
	case CompatNormal:
		return "Normal"
	case CompatNoGameCardPatch:
		return "NoGameCardPatch"
	default:
		return fmt.Sprintf("Unknown(%#x)", uint8(c))
	}
}

// CardInfo is the plaintext card-info block, AES-CBC decrypted with
// gc_cardinfo_key per spec.md §4.10.
type CardInfo struct {
	LafwVersion        uint32
	CupVersion         uint32
	CompatibilityType  CompatibilityType
	UpdatePartitionVer uint32
}

// NeedsLafwUpdate reports whether the unit's reported LAFW version is
// too old to read this cartridge, per SPEC_FULL.md §C.3's
// LafwUpdateRequired transition. NoGameCardPatch cartridges are gated
// by their own transition, not this comparison.
func (ci CardInfo) NeedsLafwUpdate(unitLafw uint32) bool {
	return ci.CompatibilityType == CompatNormal && ci.LafwVersion > unitLafw
}

// CardIDSet is the three card-identification words read alongside the
// card-info block.
type CardIDSet struct {
	CardID1, CardID2, CardID3 uint32
}

// KeySource is the capability cartridge.Open needs for the card-info
// decrypt key; bound by the caller (normally keyset.Keyset).
type KeySource interface {
	GcCardInfoKey() ([16]byte, error)
}

// Cartridge owns the gamecard state machine and, while in an inserted
// state, the handle to its logical image.
type Cartridge struct {
	log  *nxlog.Helper
	keys KeySource

	mu            sync.Mutex
	state         State
	header        Header
	cardInfo      CardInfo
	cardIDSet     CardIDSet
	normalArea    blockio.Source
	secureArea    blockio.Source
	img           *blockio.Reader
	keyArea       [16]byte
	subscribers   []func(State)

	unitLafwVersion uint32
}

// New returns a Cartridge in the NotInserted state. The unit LAFW
// version starts effectively disabled (math.MaxUint32), matching no
// cartridge ever requiring an update until SetUnitLafwVersion is called
// with the unit's real reported version.
func New(keys KeySource, logger *nxlog.Helper) *Cartridge {
	if logger == nil {
		logger = nxlog.Default()
	}
	return &Cartridge{keys: keys, log: logger, state: NotInserted, unitLafwVersion: math.MaxUint32}
}

// SetUnitLafwVersion records the launcher-firmware version this unit
// reports, consulted by HandleInsert's CardInfo.NeedsLafwUpdate gate.
func (c *Cartridge) SetUnitLafwVersion(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unitLafwVersion = v
}

// Subscribe registers fn to be called on every state transition.
func (c *Cartridge) Subscribe(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *Cartridge) setState(s State) {
	c.state = s
	subs := append([]func(State){}, c.subscribers...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
	c.mu.Lock()
}

// State reports the current insertion state.
func (c *Cartridge) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleInsert runs the Processing transition spec.md §4.10 describes:
// acquire normal/secure area storages, read and verify the header,
// decrypt the card-info block, read the card-id-set, then land in
// whichever terminal state the outcome implies.
func (c *Cartridge) HandleInsert(normalArea, secureArea blockio.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(Processing)

	c.normalArea = normalArea
	c.secureArea = secureArea
	c.img = blockio.New(&blockio.ConcatSource{First: normalArea, Second: secureArea})

	raw := make([]byte, headerSize)
	if _, err := c.img.ReadAt(raw, 0); err != nil {
		c.log.Warnf("cartridge: header read failed: %v", err)
		c.setState(InsertedInfoNotLoaded)
		return
	}
	if [4]byte{raw[headerMagicOffset], raw[headerMagicOffset+1], raw[headerMagicOffset+2], raw[headerMagicOffset+3]} != headerMagic {
		c.log.Warnf("cartridge: bad header magic")
		c.setState(InsertedInfoNotLoaded)
		return
	}

	h := Header{
		RomSizeUnits:       binary.LittleEndian.Uint32(raw[0x14:0x18]),
		ValidDataEndUnits:  binary.LittleEndian.Uint32(raw[0x18:0x1c]),
		PackageID:          binary.LittleEndian.Uint64(raw[0x20:0x28]),
		NormalAreaEndUnits: binary.LittleEndian.Uint32(raw[0x28:0x2c]),
		Raw:                raw,
	}
	c.header = h

	ci, err := c.decryptCardInfo(raw[cardInfoCipherOffset : cardInfoCipherOffset+cardInfoCipherSize])
	if err != nil {
		c.log.Warnf("cartridge: card-info decrypt failed: %v", err)
		c.setState(InsertedInfoNotLoaded)
		return
	}
	c.cardInfo = ci

	idRaw := raw[cardIDSetOffset : cardIDSetOffset+cardIDSetSize]
	c.cardIDSet = CardIDSet{
		CardID1: binary.LittleEndian.Uint32(idRaw[0:4]),
		CardID2: binary.LittleEndian.Uint32(idRaw[4:8]),
		CardID3: binary.LittleEndian.Uint32(idRaw[8:12]),
	}
	copy(c.keyArea[:], raw[keyAreaOffset:keyAreaOffset+keyAreaSize])

	switch {
	case ci.CompatibilityType == CompatNoGameCardPatch:
		c.setState(NoGameCardPatchEnabled)
	case ci.NeedsLafwUpdate(c.unitLafwVersion):
		c.setState(LafwUpdateRequired)
	default:
		c.setState(InsertedInfoLoaded)
	}
}

// decryptCardInfo AES-CBC decrypts the card-info block under the
// gc_cardinfo_key with a fixed zero IV and extracts the fields the
// insertion state machine needs.
func (c *Cartridge) decryptCardInfo(cipher []byte) (CardInfo, error) {
	key, err := c.keys.GcCardInfoKey()
	if err != nil {
		return CardInfo{}, nxerr.New(component, nxerr.KindKeyUnavailable, err)
	}
	iv := make([]byte, 16)
	plain, err := cryptoprim.AESCBCDecrypt(key[:], iv, cipher)
	if err != nil {
		return CardInfo{}, nxerr.New(component, nxerr.KindIoError, err)
	}
	return CardInfo{
		LafwVersion:        binary.LittleEndian.Uint32(plain[0x00:0x04]),
		CupVersion:         binary.LittleEndian.Uint32(plain[0x04:0x08]),
		CompatibilityType:  CompatibilityType(plain[0x08]),
		UpdatePartitionVer: binary.LittleEndian.Uint32(plain[0x0c:0x10]),
	}, nil
}

// HandleEject returns the cartridge to NotInserted from any inserted
// state, per spec.md §4.10's "(any inserted state) --eject detected-->
// NotInserted" transition.
func (c *Cartridge) HandleEject() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.normalArea, c.secureArea, c.img = nil, nil, nil
	c.setState(NotInserted)
}

// Header returns the last-read plaintext header. Valid only once State
// is not NotInserted/Processing.
func (c *Cartridge) Header() Header { return c.header }

// CardInfo returns the decrypted card-info block.
func (c *Cartridge) CardInfo() CardInfo { return c.cardInfo }

// CardIDSet returns the card-identification words.
func (c *Cartridge) CardIDSet() CardIDSet { return c.cardIDSet }

// KeyArea returns the 16-byte block a raw dump may optionally prepend
// ahead of the normal/secure area concatenation, per spec.md §6: bytes
// 0x100-0x10F of the header HandleInsert read from the normal area.
func (c *Cartridge) KeyArea() [16]byte { return c.keyArea }

// TotalDumpSize is the full normal+secure area size, fully padded to
// the header's declared capacity.
func (c *Cartridge) TotalDumpSize() int64 {
	return int64(c.header.RomSizeUnits) * mediaUnitSize
}

// TrimmedDumpSize is header_size + valid_data_end * media_unit, the
// "trimmed" dump-size variant spec.md §4.10 names.
func (c *Cartridge) TrimmedDumpSize() int64 {
	return headerSize + int64(c.header.ValidDataEndUnits)*mediaUnitSize
}

// Reader returns the logical-image reader (spec.md §4.1), serving both
// the total and trimmed dump-size variants; the writer is responsible
// for stopping early for a trimmed dump.
func (c *Cartridge) Reader() *blockio.Reader { return c.img }

// ReadCert reads the certificate block at CertOffset.
func (c *Cartridge) ReadCert() ([]byte, error) {
	buf := make([]byte, CertSize)
	if _, err := c.img.ReadAt(buf, CertOffset); err != nil {
		return nil, fmt.Errorf("cartridge: read cert: %w", err)
	}
	return buf, nil
}
