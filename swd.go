// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// SW-DP specific functions of the ARM Debug Interface v5, ARM doc
// IHI0031: request encoding, selection sequences and the WAIT retry
// loop every higher layer relies on.

package goprobe

import (
	"time"
)

type swdAccess struct {
	driver SwdDriver
}

// makePacketRequest builds the 8 bit SWD request: start, APnDP, RnW,
// A[3:2], parity, stop, park.
func makePacketRequest(rnw int, addr uint16) uint8 {
	apSelector := addr&apNDP != 0
	a := uint8(addr) & 0xc

	request := uint8(0x81) // park and start bit
	if apSelector {
		request ^= 0x22
	}
	if rnw == lowRead {
		request ^= 0x24
	}
	request |= (a << 1) & 0x18
	if a == 4 || a == 8 {
		request ^= 0x20
	}
	return request
}

// lineResetSequence holds SWDIO high for more than 50 clocks. Some
// non-conformant parts want extra cycles, so 60 high plus optional
// idle cycles are used.
func (sw *swdAccess) lineResetSequence(idleCycles bool) {
	sw.driver.SeqOut(0xffffffff, 32)
	if idleCycles {
		sw.driver.SeqOut(0x0fffffff, 32)
	} else {
		sw.driver.SeqOut(0x0fffffff, 28)
	}
}

// dormantToSwdSequence switches the interface out of dormant state,
// ADIv5 §5.3.4, and leaves the line reset.
func (sw *swdAccess) dormantToSwdSequence() {
	logger.Debug("switching out of dormant state into SWD")
	sw.lineResetSequence(false)
	sw.driver.SeqOut(swdSelectionAlert0, 32)
	sw.driver.SeqOut(swdSelectionAlert1, 32)
	sw.driver.SeqOut(swdSelectionAlert2, 32)
	sw.driver.SeqOut(swdSelectionAlert3, 32)
	// 4 low cycles then the 8 bit SWD activation code, shifted out as
	// one 12 bit sequence.
	sw.driver.SeqOut(swdActivationCodeSwd<<4, 12)
	sw.lineResetSequence(true)
}

// jtagToSwdSequence is the deprecated select sequence for parts that
// predate the dormant state.
func (sw *swdAccess) jtagToSwdSequence() {
	logger.Debug("deprecated JTAG-to-SWD sequence")
	sw.lineResetSequence(false)
	sw.driver.SeqOut(jtagToSwdSelect, 16)
	sw.lineResetSequence(true)
}

// lowWriteRaw is a bare DP write without retry or fault latching, for
// use during line bring-up and multi-drop selection where the target
// legitimately does not drive a response.
func (sw *swdAccess) lowWriteRaw(addr uint16, value uint32) bool {
	request := makePacketRequest(lowWrite, addr)
	sw.driver.SeqOut(uint32(request), 8)
	ack := sw.driver.SeqIn(3)
	sw.driver.SeqOutParity(value, 32)
	sw.driver.SeqOut(0, 8)
	return ack == swdAckOK
}

func (sw *swdAccess) lowReadRaw(addr uint16) uint32 {
	request := makePacketRequest(lowRead, addr)
	sw.driver.SeqOut(uint32(request), 8)
	ack := sw.driver.SeqIn(3)
	value, _ := sw.driver.SeqInParity(32)
	if ack != swdAckOK {
		return 0
	}
	return value
}

func (sw *swdAccess) read(dp *DebugPort, addr uint16) (uint32, error) {
	if addr&apNDP != 0 {
		// AP reads are posted: issue the read, collect from RDBUFF.
		if _, err := sw.lowAccess(dp, lowRead, addr, 0); err != nil {
			return 0, err
		}
		return sw.lowAccess(dp, lowRead, dpRdBuff, 0)
	}
	return sw.lowAccess(dp, lowRead, addr, 0)
}

func (sw *swdAccess) lowAccess(dp *DebugPort, rnw int, addr uint16, value uint32) (uint32, error) {
	if addr&apNDP != 0 && dp.fault != FaultNone {
		return 0, newProbeError(dp.fault, "DP faulted, AP access suppressed")
	}

	request := makePacketRequest(rnw, addr)
	ack := uint32(swdAckWait)

	deadline := newDeadline(dp.clock, dp.waitTimeout)
	ticker := newProgressTicker(dp.clock, 500*time.Millisecond, dp.progress)
	for {
		sw.driver.SeqOut(uint32(request), 8)
		ack = sw.driver.SeqIn(3)
		if ack != swdAckWait {
			break
		}
		if deadline.Expired() {
			break
		}
		// The target keeps the link busy during long flash erases;
		// keep resending the request until the deadline.
		dp.clock.Sleep(dp.retryInterval)
		ticker.tick()
	}

	switch ack {
	case swdAckOK:
	case swdAckWait:
		dp.fault = FaultWait
		sw.abort(dp, dpAbortDapAbort)
		return 0, newProbeError(FaultWait, "SWD access stuck in wait")
	case swdAckFault:
		dp.fault = FaultAck
		return 0, newProbeError(FaultAck, "SWD access fault")
	case swdAckNoResponse:
		dp.fault = FaultNoResponse
		return 0, newProbeError(FaultNoResponse, "target is not responding")
	default:
		dp.fault = FaultProtocol
		return 0, newProbeError(FaultProtocol, "invalid SWD acknowledge %x", ack)
	}

	var response uint32
	if rnw == lowRead {
		var parityOK bool
		response, parityOK = sw.driver.SeqInParity(32)
		if !parityOK {
			dp.fault = FaultParity
			return 0, newProbeError(FaultParity, "SWD read parity mismatch")
		}
	} else {
		sw.driver.SeqOutParity(value, 32)
		// Clock at least 8 idle cycles so the write lands before the
		// next request, favouring correctness over speed.
		sw.driver.SeqOut(0, 8)
	}
	return response, nil
}

func (sw *swdAccess) clearError(dp *DebugPort, protocolRecovery bool) (uint32, error) {
	// DPv2+ parts deselect during a protocol error; a line reset plus
	// re-selection brings them back.
	if (dp.Version >= 2 && dp.fault != FaultNone) || protocolRecovery {
		sw.lineResetSequence(true)
		if dp.Version >= 2 {
			sw.lowWriteRaw(dpTargetSel, dp.targetsel)
		}
		sw.lowReadRaw(dpIDR)
	}

	errBits := sw.lowReadRaw(dpCtrlStat) & dpCtrlStatErrMask
	var clr uint32
	if errBits&dpCtrlStatStickyOrun != 0 {
		clr |= dpAbortOrunErrClr
	}
	if errBits&dpCtrlStatStickyCmp != 0 {
		clr |= dpAbortStkCmpClr
	}
	if errBits&dpCtrlStatStickyErr != 0 {
		clr |= dpAbortStkErrClr
	}
	if errBits&dpCtrlStatWDataErr != 0 {
		clr |= dpAbortWdErrClr
	}
	if clr != 0 {
		sw.lowWriteRaw(dpAbort, clr)
	}
	dp.fault = FaultNone
	return errBits, nil
}

func (sw *swdAccess) abort(dp *DebugPort, value uint32) error {
	if sw.lowWriteRaw(dpAbort, value) {
		return nil
	}
	return newProbeError(FaultAck, "abort write not acknowledged")
}

// SwdScan connects over SWD and probes everything reachable. With a
// non-zero targetID the multi-drop selection protocol is used
// directly; otherwise the scan reads DPIDR and follows the DP version.
// Discovered targets are appended to the session and returned.
func (s *Session) SwdScan(driver SwdDriver, targetID uint32) ([]*Target, error) {
	sw := &swdAccess{driver: driver}
	dp := newDebugPort(s, ConnectionSwd, sw)

	sw.dormantToSwdSequence()

	scanTargetID := targetID
	if scanTargetID == 0 {
		// Read DPIDR; if the first read fails try the legacy
		// JTAG-to-SWD sequence before giving up.
		triedJtagToSwd := false
		for {
			idr := sw.lowReadRaw(dpIDR)
			if idr != 0 {
				dp.IdCode = idr
				break
			}
			if !triedJtagToSwd {
				sw.jtagToSwdSequence()
				dp.fault = FaultNone
				triedJtagToSwd = true
				continue
			}
			return nil, newProbeError(FaultNoResponse, "no usable DP found")
		}

		dp.Version = uint8((dp.IdCode & dpIDRVersionMask) >> dpIDRVersionOffset)
		if dp.Version >= 2 {
			// TARGETID lives on bank 2 and is readable even in WFI,
			// sleep or reset.
			if err := dp.Write(dpSelect, dpBank2); err != nil {
				return nil, err
			}
			id, err := dp.Read(dpTargetID)
			if err != nil {
				return nil, err
			}
			if err := dp.Write(dpSelect, dpBank0); err != nil {
				return nil, err
			}
			scanTargetID = id
		}
	}

	before := len(s.targets)
	if targetID != 0 || dp.Version >= 2 {
		s.swdMultidropScan(sw, dp, scanTargetID)
	} else {
		if err := dp.Abort(dpAbortStkErrClr); err != nil {
			return nil, err
		}
		if err := dp.init(); err != nil {
			return nil, err
		}
	}
	return s.targets[before:], nil
}

// swdMultidropScan walks all 16 possible instance IDs, selecting each
// via TARGETSEL after a line reset. Instances that do not answer a
// DPIDR read simply are not there.
func (s *Session) swdMultidropScan(sw *swdAccess, dp *DebugPort, targetID uint32) {
	logger.Debugf("SWD multi-drop scan, TARGETID %08x", targetID)

	for instance := uint32(0); instance < 16; instance++ {
		sw.lineResetSequence(true)
		dp.fault = FaultNone

		targetsel := instance<<dpTargetSelInstanceOffset |
			(targetID & (dpTargetIDDesignerMask | dpTargetIDPartnoMask)) | 1
		sw.lowWriteRaw(dpTargetSel, targetsel)

		idr := sw.lowReadRaw(dpIDR)
		if idr == 0 {
			continue
		}

		instanceDP := newDebugPort(s, ConnectionSwd, sw)
		instanceDP.IdCode = idr
		instanceDP.Version = dp.Version
		instanceDP.instance = uint8(instance)
		instanceDP.targetsel = targetsel

		if err := instanceDP.Abort(dpAbortStkErrClr); err != nil {
			logger.Warnf("multi-drop instance %d: %v", instance, err)
			continue
		}
		if err := instanceDP.init(); err != nil {
			logger.Warnf("multi-drop instance %d: %v", instance, err)
		}
	}
}
