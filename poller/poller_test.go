// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package poller

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRunEveryCallsFnImmediatelyThenOnTicks(t *testing.T) {
	var calls int32
	task := RunEvery(5*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
	})
	defer task.Stop()

	time.Sleep(22 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n < 3 {
		t.Fatalf("expected at least 3 calls in 22ms at a 5ms interval, got %d", n)
	}
}

func TestStopBlocksUntilGoroutineExits(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	task := RunEvery(time.Hour, func() {
		select {
		case <-started:
		default:
			close(started)
			<-release
		}
	})

	<-started
	close(release)
	task.Stop() // must not return before the in-flight fn call finishes
}

func TestPublisherFansOutToAllSubscribers(t *testing.T) {
	var p Publisher[int]
	var a, b int32
	p.Subscribe(func(v int) { atomic.StoreInt32(&a, int32(v)) })
	p.Subscribe(func(v int) { atomic.StoreInt32(&b, int32(v)) })

	p.Publish(42)
	if atomic.LoadInt32(&a) != 42 || atomic.LoadInt32(&b) != 42 {
		t.Fatalf("subscribers = %d, %d, want 42, 42", a, b)
	}
}
