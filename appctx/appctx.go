// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package appctx assembles the core's global state into one
// AppContext value, replacing the global mutable state spec.md §9
// flags for redesign: "replace with an AppContext value threaded
// through the core, holding {keyset, title_db, cartridge_state,
// ticket_store, poll_handles, log_sink}. Lifetime: constructed by
// initialize(), dropped by shutdown(). Background pollers hold a weak
// reference to it."
package appctx

import (
	"io"
	"time"

	"github.com/cartdump/nxcore/blockio"
	"github.com/cartdump/nxcore/cartridge"
	"github.com/cartdump/nxcore/keyset"
	"github.com/cartdump/nxcore/nxerr"
	"github.com/cartdump/nxcore/nxlog"
	"github.com/cartdump/nxcore/poller"
	"github.com/cartdump/nxcore/ticket"
	"github.com/cartdump/nxcore/titledb"
)

const component = "appctx"

// pollInterval is the ~250ms cadence spec.md §5 assigns to every
// background poller.
const pollInterval = 250 * time.Millisecond

// UmsDevice is one removable-storage device the UMS poller publishes,
// kept deliberately small: the console-specific enumeration syscall
// itself is out of scope (spec.md §1's "console-specific service
// bindings ... treated as opaque system calls").
type UmsDevice struct {
	Label string
	Path  string
}

// UsbHostStatus is the USB host poller's published snapshot.
type UsbHostStatus struct {
	Connected    bool
	NegotiatedMbps int
}

// Dependencies are the opaque system calls and service bindings
// AppContext needs but spec.md explicitly scopes out of this core:
// keys-file access, the content-meta/ticket service bindings, and the
// three pollers' underlying hardware queries.
type Dependencies struct {
	KeysFile           io.Reader
	UnitKeyGeneration  int
	ValidationVector   *keyset.ValidationVector

	MetaService   titledb.ContentMetaService
	Backends      []titledb.Backend
	TicketService ticket.Service

	CardKeys      cartridge.KeySource
	PollCartridge func() (normalArea, secureArea blockio.Source, inserted bool)

	PollUmsDevices func() []UmsDevice
	PollUsbHost    func() UsbHostStatus

	Logger *nxlog.Helper
}

// AppContext is the core's whole live state: the recovered keyset, the
// title database, the cartridge state machine, the ticket store, the
// running poll handles, and the log sink every component shares.
type AppContext struct {
	Keyset      *keyset.Keyset
	TitleDB     *titledb.DB
	Cartridge   *cartridge.Cartridge
	TicketStore *ticket.Store
	Log         *nxlog.Helper

	UmsDevices *poller.Publisher[[]UmsDevice]
	UsbHost    *poller.Publisher[UsbHostStatus]

	pollHandles []*poller.Task
}

// Initialize builds an AppContext: loads and derives the keyset,
// builds the title database, and starts the three background pollers
// spec.md §5 names. It returns a top-level error rather than aborting
// the process, per spec.md §9's "Exception/abort behavior" redesign
// note ("the target-language implementation surfaces these as a
// top-level error returned from initialize()").
func Initialize(deps Dependencies) (*AppContext, error) {
	log := deps.Logger
	if log == nil {
		log = nxlog.Default()
	}

	ks := keyset.New(log)
	if deps.KeysFile != nil {
		if _, err := ks.Load(deps.KeysFile); err != nil {
			return nil, nxerr.New(component, nxerr.KindIoError, err)
		}
	}
	if err := ks.Derive(deps.UnitKeyGeneration, deps.ValidationVector); err != nil {
		return nil, err
	}

	ctx := &AppContext{
		Keyset:     ks,
		Log:        log,
		UmsDevices: &poller.Publisher[[]UmsDevice]{},
		UsbHost:    &poller.Publisher[UsbHostStatus]{},
	}

	if deps.MetaService != nil {
		ctx.TitleDB = titledb.New(deps.MetaService, log)
		if err := ctx.TitleDB.Build(deps.Backends); err != nil {
			return nil, err
		}
	}

	if deps.TicketService != nil {
		ctx.TicketStore = ticket.New(deps.TicketService, ks, log)
		if err := ctx.TicketStore.Enumerate(); err != nil {
			return nil, err
		}
	}

	if deps.CardKeys != nil {
		ctx.Cartridge = cartridge.New(deps.CardKeys, log)
	}

	if ctx.Cartridge != nil && deps.PollCartridge != nil {
		ctx.pollHandles = append(ctx.pollHandles, poller.RunEvery(pollInterval, func() {
			normal, secure, inserted := deps.PollCartridge()
			if !inserted {
				if ctx.Cartridge.State().Inserted() {
					ctx.Cartridge.HandleEject()
				}
				return
			}
			if !ctx.Cartridge.State().Inserted() {
				ctx.Cartridge.HandleInsert(normal, secure)
			}
		}))
	}
	if deps.PollUmsDevices != nil {
		ctx.pollHandles = append(ctx.pollHandles, poller.RunEvery(pollInterval, func() {
			ctx.UmsDevices.Publish(deps.PollUmsDevices())
		}))
	}
	if deps.PollUsbHost != nil {
		ctx.pollHandles = append(ctx.pollHandles, poller.RunEvery(pollInterval, func() {
			ctx.UsbHost.Publish(deps.PollUsbHost())
		}))
	}

	return ctx, nil
}

// Shutdown stops every background poller, blocking until each has
// fully exited, then releases the context's resources. Per spec.md
// §9, background pollers only ever hold a handle back into ctx; once
// Shutdown returns, nothing still references it, so it's free to be
// garbage collected like any other value.
func (ctx *AppContext) Shutdown() {
	for _, h := range ctx.pollHandles {
		h.Stop()
	}
	ctx.pollHandles = nil
}
