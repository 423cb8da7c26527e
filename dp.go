// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Transport generic Debug Port handling: register access dispatch,
// sticky fault state, power-up and Access Port enumeration.

package goprobe

import (
	"time"

	"github.com/boljen/go-bitmap"
)

const apSelMax = 255

// dpLowLevel is the protocol-specific half of a DebugPort. The variant
// set is closed: a DP is either reached over SWD or over a JTAG scan
// chain, decided once at connection time.
type dpLowLevel interface {
	read(dp *DebugPort, addr uint16) (uint32, error)
	lowAccess(dp *DebugPort, rnw int, addr uint16, value uint32) (uint32, error)
	clearError(dp *DebugPort, protocolRecovery bool) (uint32, error)
	abort(dp *DebugPort, value uint32) error
}

// DebugPort is one physical debug connection. Every AccessPort and
// Target discovered through it shares the instance by reference
// counting; a wire fault latches here and blocks AP traffic until an
// explicit ClearError.
type DebugPort struct {
	session *Session
	clock   Clock

	kind      ConnectionKind
	ll        dpLowLevel
	refcnt    int
	openedAps bitmap.Bitmap

	// Identification read during the scan.
	IdCode   uint32
	Version  uint8
	Designer uint16
	PartNo   uint16

	instance  uint8
	targetsel uint32
	quirks    uint32
	fault     FaultCode

	// RomFilter lets a chip driver suppress bogus entries found while
	// walking the ROM table (used to hide disabled secondary cores).
	// Return false to skip the component at addr.
	RomFilter func(addr uint32) bool

	waitTimeout   time.Duration
	retryInterval time.Duration
	progress      ProgressFunc
}

func newDebugPort(s *Session, kind ConnectionKind, ll dpLowLevel) *DebugPort {
	return &DebugPort{
		session:   s,
		clock:     s.clock,
		kind:      kind,
		ll:        ll,
		openedAps: bitmap.New(apSelMax + 1),
		// Flash erase can leave the link answering WAIT for seconds,
		// so the resend window is generous.
		waitTimeout:   15 * time.Second,
		retryInterval: 5 * time.Millisecond,
		progress:      s.progress,
	}
}

func (dp *DebugPort) Kind() ConnectionKind { return dp.kind }

// Fault reports the latched wire fault, FaultNone when healthy.
func (dp *DebugPort) Fault() FaultCode { return dp.fault }

func (dp *DebugPort) ref() { dp.refcnt++ }

func (dp *DebugPort) unref() {
	dp.refcnt--
	if dp.refcnt == 0 {
		logger.Debugf("DP %08x released", dp.IdCode)
	}
}

// Read reads a DP register (or an AP register through the posted-read
// protocol of the underlying transport).
func (dp *DebugPort) Read(addr uint16) (uint32, error) {
	return dp.ll.read(dp, addr)
}

// Write performs a posted write of a DP or AP register.
func (dp *DebugPort) Write(addr uint16, value uint32) error {
	_, err := dp.ll.lowAccess(dp, lowWrite, addr, value)
	return err
}

// LowAccess is the raw, single transfer primitive: one request phase,
// one acknowledge phase, one data phase, with WAIT retry handled by
// the transport variant.
func (dp *DebugPort) LowAccess(rnw int, addr uint16, value uint32) (uint32, error) {
	return dp.ll.lowAccess(dp, rnw, addr, value)
}

// Abort writes the ABORT register regardless of latched fault state.
func (dp *DebugPort) Abort(value uint32) error {
	return dp.ll.abort(dp, value)
}

// ClearError decodes and clears the sticky error bits and resets the
// latched fault, returning the error bits that were set. With
// protocolRecovery the transport first re-synchronizes the line.
func (dp *DebugPort) ClearError(protocolRecovery bool) (uint32, error) {
	return dp.ll.clearError(dp, protocolRecovery)
}

// init powers the debug domain and enumerates Access Ports, handing
// each one to the AP probe list and the ROM table walk. Discovered
// targets accumulate on the session.
func (dp *DebugPort) init() error {
	dp.ref()
	defer dp.unref()

	ctrlstat, err := dp.Read(dpCtrlStat)
	if err != nil {
		logger.Warn("DP not responding, trying abort sequence")
		if err = dp.Abort(dpAbortDapAbort); err != nil {
			return err
		}
		if ctrlstat, err = dp.Read(dpCtrlStat); err != nil {
			return err
		}
	}

	// Request system and debug power up, then poll for the acks.
	ctrlstat |= dpCtrlStatCDbgPwrupReq | dpCtrlStatCSysPwrupReq
	if err := dp.Write(dpCtrlStat, ctrlstat); err != nil {
		return err
	}
	const pwrupAck = dpCtrlStatCDbgPwrupAck | dpCtrlStatCSysPwrupAck
	deadline := newDeadline(dp.clock, 250*time.Millisecond)
	for {
		status, err := dp.Read(dpCtrlStat)
		if err != nil {
			return err
		}
		if status&pwrupAck == pwrupAck {
			break
		}
		if deadline.Expired() {
			return newProbeError(FaultTimeout, "debug domain power-up not acknowledged")
		}
		dp.clock.Sleep(time.Millisecond)
	}

	for apsel := 0; apsel <= apSelMax; apsel++ {
		ap, err := dp.newAccessPort(uint8(apsel))
		if err != nil {
			// A faulted link is fatal for enumeration; an absent AP
			// is not.
			if dp.fault != FaultNone {
				if _, cerr := dp.ClearError(false); cerr != nil {
					return cerr
				}
			}
			continue
		}
		if ap == nil {
			continue
		}

		dp.session.runAPProbes(ap)

		if ap.Base == 0xffffffff || ap.Base == 0 {
			// No debug entries behind this AP.
			ap.unref()
			continue
		}

		ap.componentProbe(ap.Base)
		ap.unref()
	}
	return nil
}

// openAP marks an AP selector in use so shared windows are only set up
// once per connection.
func (dp *DebugPort) openAP(apsel uint8) bool {
	if dp.openedAps.Get(int(apsel)) {
		return false
	}
	dp.openedAps.Set(int(apsel), true)
	logger.Debugf("AP %d enabled", apsel)
	return true
}
