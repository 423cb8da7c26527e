// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

import (
	"time"
)

// Clock abstracts wall time so polling loops are testable without real
// hardware delays. The realClock passed around by default is the only
// implementation outside the tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return realClock{} }

// Deadline is a monotonic expiry used by every busy-wait loop in the
// stack. Polling never blocks open-ended: loops spin against Expired
// and report FaultTimeout/FaultWait when it fires.
type Deadline struct {
	clock   Clock
	expires time.Time
}

func newDeadline(clock Clock, d time.Duration) Deadline {
	return Deadline{clock: clock, expires: clock.Now().Add(d)}
}

func (d *Deadline) Expired() bool {
	return !d.clock.Now().Before(d.expires)
}

// Rearm resets the deadline relative to now. Used by progress tickers
// that fire repeatedly.
func (d *Deadline) Rearm(interval time.Duration) {
	d.expires = d.clock.Now().Add(interval)
}

// ProgressFunc is invoked periodically during long operations (flash
// erase, mass erase) so the session layer can keep its console alive.
type ProgressFunc func()

// progressTicker wraps a Deadline into the ~500ms progress cadence the
// flash layer uses while a long erase keeps the link busy.
type progressTicker struct {
	deadline Deadline
	interval time.Duration
	notify   ProgressFunc
}

func newProgressTicker(clock Clock, interval time.Duration, notify ProgressFunc) progressTicker {
	return progressTicker{
		deadline: newDeadline(clock, interval),
		interval: interval,
		notify:   notify,
	}
}

func (p *progressTicker) tick() {
	if p.notify == nil {
		return
	}
	if p.deadline.Expired() {
		p.notify()
		p.deadline.Rearm(p.interval)
	}
}
