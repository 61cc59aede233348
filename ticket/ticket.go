// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package ticket enumerates common and personalized tickets and
// recovers titlekeys from them, per spec.md §4.11.
package ticket

import (
	"fmt"
	"sync"

	"github.com/cartdump/nxcore/cryptoprim"
	"github.com/cartdump/nxcore/keyset"
	"github.com/cartdump/nxcore/nxerr"
	"github.com/cartdump/nxcore/nxlog"
)

const component = "ticket"

// Type distinguishes a common ticket (titlekey encrypted under a
// common titlekek) from a personalized one (titlekey encrypted under
// the device's own eTicket RSA key).
type Type int

const (
	Common Type = iota
	Personalized
)

// Ticket is one fetched ticket blob, not yet decrypted.
type Ticket struct {
	RightsID         [16]byte
	Type             Type
	KeyGeneration    int
	EncTitlekeyBlock []byte // 16 bytes for Common, an RSA-OAEP block for Personalized
}

// Service is the capability ticket.Store needs from the service layer:
// enumerate rights ids per ticket kind, then fetch a ticket by rights id.
type Service interface {
	ListCommonRightsIDs() ([][16]byte, error)
	ListPersonalizedRightsIDs() ([][16]byte, error)
	FetchTicket(rightsID [16]byte) (Ticket, error)
}

// Store enumerates and caches tickets by rights id and resolves
// titlekeys from them.
type Store struct {
	log *nxlog.Helper
	svc Service
	ks  *keyset.Keyset

	mu      sync.RWMutex
	cache   map[[16]byte]Ticket
	wipeLogged bool
}

// New returns an empty Store bound to svc and ks. logger may be nil.
func New(svc Service, ks *keyset.Keyset, logger *nxlog.Helper) *Store {
	if logger == nil {
		logger = nxlog.Default()
	}
	return &Store{svc: svc, ks: ks, log: logger, cache: make(map[[16]byte]Ticket)}
}

// Enumerate lists common and personalized rights ids and fetches and
// caches every ticket blob, per spec.md §4.11. A fetch failure for one
// rights id is logged and skipped, matching the rest of the stack's
// "best effort across a set" failure mode.
func (s *Store) Enumerate() error {
	common, err := s.svc.ListCommonRightsIDs()
	if err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	personalized, err := s.svc.ListPersonalizedRightsIDs()
	if err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}

	fetched := make(map[[16]byte]Ticket)
	for _, id := range common {
		t, err := s.svc.FetchTicket(id)
		if err != nil {
			s.log.Warnf("ticket: fetch common %x failed: %v", id, err)
			continue
		}
		fetched[id] = t
	}
	for _, id := range personalized {
		t, err := s.svc.FetchTicket(id)
		if err != nil {
			s.log.Warnf("ticket: fetch personalized %x failed: %v", id, err)
			continue
		}
		fetched[id] = t
	}

	s.mu.Lock()
	s.cache = fetched
	s.mu.Unlock()
	return nil
}

// Lookup resolves rightsID's titlekey. Fails with TicketNotFound if no
// ticket was cached for rightsID, RsaDecryptFailed if a personalized
// ticket's OAEP block doesn't decrypt to a valid titlekey, or
// DeviceKeyWiped if the device's eTicket RSA key was never recovered
// (the calibration area has been wiped) — reported once, then every
// subsequent personalized lookup fails the same way without re-logging.
func (s *Store) Lookup(rightsID [16]byte) ([]byte, error) {
	s.mu.RLock()
	t, ok := s.cache[rightsID]
	s.mu.RUnlock()
	if !ok {
		return nil, nxerr.New(component, nxerr.KindTicketNotFound, fmt.Errorf("no ticket cached for rights id %x", rightsID))
	}

	switch t.Type {
	case Common:
		kek, err := s.ks.CommonTitlekekForGeneration(t.KeyGeneration)
		if err != nil {
			return nil, err
		}
		titlekey, err := cryptoprim.AESECB(cryptoprim.ECBDecrypt, kek, t.EncTitlekeyBlock)
		if err != nil {
			return nil, nxerr.New(component, nxerr.KindRsaDecryptFailed, err)
		}
		return titlekey, nil

	case Personalized:
		if s.ks.ETicketRSAKey == nil {
			if !s.wipeLogged {
				s.log.Warnf("ticket: eTicket RSA key unavailable, personalized tickets unrecoverable")
				s.wipeLogged = true
			}
			return nil, nxerr.New(component, nxerr.KindDeviceKeyWiped, nil)
		}
		plain, err := cryptoprim.RSA2048OAEPDecrypt(nil, s.ks.ETicketRSAKey, t.EncTitlekeyBlock)
		if err != nil || len(plain) < 16 {
			return nil, nxerr.New(component, nxerr.KindRsaDecryptFailed, err)
		}
		return plain[:16], nil

	default:
		return nil, nxerr.New(component, nxerr.KindInvalidArgument, fmt.Errorf("unknown ticket type %d", t.Type))
	}
}
