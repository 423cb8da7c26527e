// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// JTAG-DP specific functions of the ARM Debug Interface v5: DPACC and
// APACC shifts through a scan chain with WAIT retry.

package goprobe

import (
	"time"
)

type jtagAccess struct {
	driver JtagDriver
	dev    int
}

func (jt *jtagAccess) read(dp *DebugPort, addr uint16) (uint32, error) {
	// Reads are posted; the value arrives with the RDBUFF access.
	if _, err := jt.lowAccess(dp, lowRead, addr, 0); err != nil {
		return 0, err
	}
	return jt.lowAccess(dp, lowRead, dpRdBuff, 0)
}

func (jt *jtagAccess) lowAccess(dp *DebugPort, rnw int, addr uint16, value uint32) (uint32, error) {
	if addr&apNDP != 0 && dp.fault != FaultNone {
		return 0, newProbeError(dp.fault, "DP faulted, AP access suppressed")
	}

	reg := uint64(addr & 0x0c)
	request := uint64(value)<<3 | reg>>1
	if rnw == lowRead {
		request |= 1
	}

	ir := uint32(jtagIRDPAcc)
	if addr&apNDP != 0 {
		ir = jtagIRAPAcc
	}
	jt.driver.ShiftIR(jt.dev, ir, jtagIRLen)

	var result uint32
	var ack uint8
	deadline := newDeadline(dp.clock, dp.waitTimeout)
	ticker := newProgressTicker(dp.clock, 500*time.Millisecond, dp.progress)
	for {
		// 35 bit scan: {DATA[31:0], A[3:2], RnW} out, ack in the low
		// three captured bits.
		response := jt.driver.ShiftDR(jt.dev, request, 35)
		result = uint32(response >> 3)
		ack = uint8(response & 0x07)
		if ack != jtagAckWait || deadline.Expired() {
			break
		}
		dp.clock.Sleep(dp.retryInterval)
		ticker.tick()
	}

	if ack == jtagAckWait {
		jt.abort(dp, dpAbortDapAbort)
		dp.fault = FaultWait
		return 0, newProbeError(FaultWait, "JTAG access stuck in wait")
	}
	if ack != jtagAckOK {
		// The fault codes stay consistent between JTAG and SWD.
		dp.fault = FaultProtocol
		return 0, newProbeError(FaultProtocol, "invalid JTAG-DP acknowledge %x", ack)
	}
	return result, nil
}

func (jt *jtagAccess) clearError(dp *DebugPort, protocolRecovery bool) (uint32, error) {
	status, err := jt.read(dp, dpCtrlStat)
	if err != nil {
		return 0, err
	}
	status &= dpCtrlStatErrMask
	dp.fault = FaultNone
	// On a JTAG-DP the sticky bits are write-one-to-clear in
	// CTRL/STAT itself. The write replaces the whole register, so the
	// power-up requests must stay asserted through the clear.
	reqs := uint32(dpCtrlStatCSysPwrupReq | dpCtrlStatCDbgPwrupReq)
	cleared, err := jt.lowAccess(dp, lowWrite, dpCtrlStat, reqs|status)
	return cleared & 0x32, err
}

func (jt *jtagAccess) abort(dp *DebugPort, value uint32) error {
	jt.driver.ShiftIR(jt.dev, jtagIRAbort, jtagIRLen)
	jt.driver.ShiftDR(jt.dev, uint64(value)<<3, 35)
	return nil
}

const (
	jtagIdCodeDesignerMask   = 0x00000ffe
	jtagIdCodeDesignerOffset = 1
	jtagIdCodePartnoMask     = 0x0ffff000
	jtagIdCodePartnoOffset   = 12

	// Continuation count in the high byte, identity code below, the
	// same form the decode below produces.
	jep106ManufacturerARM = 0x43b
)

// JtagScan resets the scan chain and initializes a DebugPort for every
// ARM debug tap it finds, probing each one for Access Ports and cores.
// Discovered targets are appended to the session and returned.
func (s *Session) JtagScan(driver JtagDriver) ([]*Target, error) {
	driver.Reset()

	devices := driver.ChainLength()
	if devices == 0 {
		return nil, newProbeError(FaultNoResponse, "JTAG scan found no devices")
	}
	logger.Debugf("JTAG scan found %d devices", devices)

	before := len(s.targets)
	for dev := 0; dev < devices; dev++ {
		idcode := driver.IdCode(dev)
		designer := (idcode & jtagIdCodeDesignerMask) >> jtagIdCodeDesignerOffset

		jt := &jtagAccess{driver: driver, dev: dev}
		dp := newDebugPort(s, ConnectionJtag, jt)
		dp.IdCode = idcode
		dp.quirks |= QuirkJtag
		// The JEP-106 code from the scanned ID in our internal form:
		// continuation code in the high bits, identity code below.
		dp.Designer = uint16((designer&0x780)<<1 | designer&0x7f)
		dp.PartNo = uint16((idcode & jtagIdCodePartnoMask) >> jtagIdCodePartnoOffset)

		if dp.Designer != jep106ManufacturerARM {
			logger.Debugf("device %d (%08x) is not an ARM debug tap", dev, idcode)
			continue
		}

		if err := dp.Abort(dpAbortStkErrClr); err != nil {
			logger.Warnf("JTAG device %d: %v", dev, err)
			continue
		}
		if err := dp.init(); err != nil {
			logger.Warnf("JTAG device %d: %v", dev, err)
		}
	}
	return s.targets[before:], nil
}
