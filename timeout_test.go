// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

import (
	"testing"
	"time"
)

func TestDeadlineExpiry(t *testing.T) {
	clock := newTestClock()
	deadline := newDeadline(clock, 100*time.Millisecond)

	if deadline.Expired() {
		t.Fatal("expired immediately")
	}
	clock.Sleep(99 * time.Millisecond)
	if deadline.Expired() {
		t.Fatal("expired early")
	}
	clock.Sleep(time.Millisecond)
	if !deadline.Expired() {
		t.Fatal("did not expire at the boundary")
	}
}

func TestDeadlineRearm(t *testing.T) {
	clock := newTestClock()
	deadline := newDeadline(clock, 10*time.Millisecond)

	clock.Sleep(20 * time.Millisecond)
	if !deadline.Expired() {
		t.Fatal("not expired")
	}
	deadline.Rearm(10 * time.Millisecond)
	if deadline.Expired() {
		t.Fatal("still expired after rearm")
	}
}

func TestProgressTickerCadence(t *testing.T) {
	clock := newTestClock()
	fired := 0
	ticker := newProgressTicker(clock, 500*time.Millisecond, func() { fired++ })

	// Three seconds of 5ms polling gives six cadence intervals.
	for i := 0; i < 600; i++ {
		clock.Sleep(5 * time.Millisecond)
		ticker.tick()
	}
	if fired < 5 || fired > 7 {
		t.Fatalf("fired %d times in 3s at a 500ms cadence", fired)
	}
}

func TestProgressTickerNilCallback(t *testing.T) {
	clock := newTestClock()
	ticker := newProgressTicker(clock, 500*time.Millisecond, nil)
	clock.Sleep(time.Second)
	ticker.tick() // must not panic
}
