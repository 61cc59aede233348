// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package appctx

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// minimalKeysFile supplies just enough for Keyset.Derive to succeed
// (one master key and a header key) without pulling in a full fixture.
func minimalKeysFile() string {
	return "master_key_00 = " + strings.Repeat("02", 16) + "\n" +
		"header_key = " + strings.Repeat("01", 32) + "\n"
}

func TestInitializeWithNoOptionalDepsStillSucceeds(t *testing.T) {
	ctx, err := Initialize(Dependencies{KeysFile: strings.NewReader(minimalKeysFile())})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if ctx.TitleDB != nil || ctx.TicketStore != nil || ctx.Cartridge != nil {
		t.Fatal("expected optional subsystems to stay nil when their dependencies are absent")
	}
	ctx.Shutdown() // must not panic with zero poll handles
}

func TestInitializeStartsUmsPollerAndShutdownStopsIt(t *testing.T) {
	var calls int32
	ctx, err := Initialize(Dependencies{
		KeysFile: strings.NewReader(minimalKeysFile()),
		PollUmsDevices: func() []UmsDevice {
			atomic.AddInt32(&calls, 1)
			return []UmsDevice{{Label: "ums0", Path: "ums0:/"}}
		},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var got []UmsDevice
	done := make(chan struct{})
	ctx.UmsDevices.Subscribe(func(v []UmsDevice) {
		got = v
		close(done)
	})

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for UMS poller to publish")
	}
	if len(got) != 1 || got[0].Label != "ums0" {
		t.Fatalf("published devices = %v", got)
	}

	ctx.Shutdown()
	n := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != n {
		t.Fatal("poller kept running after Shutdown")
	}
}
