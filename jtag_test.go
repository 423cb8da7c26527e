// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

import (
	"testing"
)

// mockJtagDriver emulates one ARM debug tap with a minimal JTAG-DP
// behind it: DPACC reaches DP registers, APACC answers zero (no APs).
type mockJtagDriver struct {
	idcode uint32

	ir       uint32
	posted   uint32
	ctrlstat uint32
	sel      uint32

	pendingWaits int
	drShifts     int
	aborts       []uint32
	resets       int
}

func (m *mockJtagDriver) Reset() { m.resets++ }

func (m *mockJtagDriver) ChainLength() int { return 1 }

func (m *mockJtagDriver) IdCode(dev int) uint32 { return m.idcode }

func (m *mockJtagDriver) ShiftIR(dev int, instruction uint32, irLen int) {
	m.ir = instruction
}

func (m *mockJtagDriver) ShiftDR(dev int, request uint64, cycles int) uint64 {
	m.drShifts++
	if m.ir == jtagIRAbort {
		m.aborts = append(m.aborts, uint32(request>>3))
		return 0
	}
	if m.pendingWaits > 0 {
		m.pendingWaits--
		return uint64(jtagAckWait)
	}

	rnw := request & 1
	reg := uint16(request&0x6) << 1
	value := uint32(request >> 3)

	var result uint32
	if rnw == 1 {
		result = m.posted
		switch {
		case m.ir == jtagIRDPAcc && reg == dpCtrlStat:
			status := m.ctrlstat
			if status&dpCtrlStatCSysPwrupReq != 0 {
				status |= dpCtrlStatCSysPwrupAck
			}
			if status&dpCtrlStatCDbgPwrupReq != 0 {
				status |= dpCtrlStatCDbgPwrupAck
			}
			m.posted = status
		case m.ir == jtagIRDPAcc && reg == dpRdBuff:
			result = m.posted
			m.posted = 0
		default:
			m.posted = 0
		}
	} else if m.ir == jtagIRDPAcc {
		switch reg {
		case dpCtrlStat:
			// Sticky bits are write-one-to-clear, the rest is stored.
			sticky := m.ctrlstat & dpCtrlStatErrMask &^ value
			m.ctrlstat = sticky | value&^dpCtrlStatErrMask
		case dpSelect:
			m.sel = value
		}
	}
	return uint64(result)<<3 | uint64(jtagAckOK)
}

func TestJtagLowAccessShift(t *testing.T) {
	s, _ := newTestSession()
	driver := &mockJtagDriver{}
	jt := &jtagAccess{driver: driver}
	dp := newDebugPort(s, ConnectionJtag, jt)

	if _, err := jt.lowAccess(dp, lowWrite, dpCtrlStat, 0x50000000); err != nil {
		t.Fatal(err)
	}
	if driver.ir != jtagIRDPAcc {
		t.Fatalf("IR %x", driver.ir)
	}
	if driver.ctrlstat != 0x50000000 {
		t.Fatalf("CTRL/STAT %08x", driver.ctrlstat)
	}

	// The posted read pipeline: the value arrives with RDBUFF.
	value, err := jt.read(dp, dpCtrlStat)
	if err != nil {
		t.Fatal(err)
	}
	const acks = dpCtrlStatCSysPwrupAck | dpCtrlStatCDbgPwrupAck
	if value != 0x50000000|acks {
		t.Fatalf("read %08x", value)
	}
}

func TestJtagWaitRetries(t *testing.T) {
	s, _ := newTestSession()
	driver := &mockJtagDriver{pendingWaits: 3}
	jt := &jtagAccess{driver: driver}
	dp := newDebugPort(s, ConnectionJtag, jt)

	if _, err := jt.lowAccess(dp, lowWrite, dpSelect, 0); err != nil {
		t.Fatal(err)
	}
	if driver.drShifts != 4 {
		t.Fatalf("%d shifts for 3 waits", driver.drShifts)
	}
}

func TestJtagWaitBounded(t *testing.T) {
	s, clock := newTestSession()
	driver := &mockJtagDriver{pendingWaits: 1 << 30}
	jt := &jtagAccess{driver: driver}
	dp := newDebugPort(s, ConnectionJtag, jt)

	_, err := jt.lowAccess(dp, lowRead, apDRW, 0)
	if ErrorCode(err) != FaultWait {
		t.Fatalf("fault code %v", ErrorCode(err))
	}
	if clock.slept < dp.waitTimeout {
		t.Fatalf("gave up after %v", clock.slept)
	}
	if len(driver.aborts) == 0 {
		t.Fatal("stuck transaction not aborted")
	}
}

func TestJtagClearErrorKeepsPowerUp(t *testing.T) {
	s, _ := newTestSession()
	driver := &mockJtagDriver{}
	jt := &jtagAccess{driver: driver}
	dp := newDebugPort(s, ConnectionJtag, jt)

	// Powered-up DP with a latched sticky error.
	driver.ctrlstat = dpCtrlStatCSysPwrupReq | dpCtrlStatCDbgPwrupReq | dpCtrlStatStickyErr
	dp.fault = FaultAck

	if _, err := jt.clearError(dp, false); err != nil {
		t.Fatal(err)
	}
	if driver.ctrlstat&dpCtrlStatStickyErr != 0 {
		t.Fatalf("sticky error still latched, CTRL/STAT %08x", driver.ctrlstat)
	}
	const reqs = dpCtrlStatCSysPwrupReq | dpCtrlStatCDbgPwrupReq
	if driver.ctrlstat&reqs != reqs {
		t.Fatalf("CTRL/STAT write %08x dropped power-up requests", driver.ctrlstat)
	}
	if dp.fault != FaultNone {
		t.Fatal("fault latch not reset")
	}
}

func TestJtagScanArmTap(t *testing.T) {
	s, _ := newTestSession()
	driver := &mockJtagDriver{idcode: 0x4ba00477}

	targets, err := s.JtagScan(driver)
	if err != nil {
		t.Fatal(err)
	}
	if driver.resets != 1 {
		t.Fatal("scan did not reset the chain")
	}
	// The emulated DP has no APs, so the scan powers up and finds no
	// cores.
	if len(targets) != 0 {
		t.Fatalf("%d targets from an empty DP", len(targets))
	}
	const reqs = dpCtrlStatCSysPwrupReq | dpCtrlStatCDbgPwrupReq
	if driver.ctrlstat&reqs != reqs {
		t.Fatal("debug domain not powered up")
	}
}

func TestJtagScanIgnoresForeignTap(t *testing.T) {
	s, _ := newTestSession()
	// A Xilinx tap, designer 0x049.
	driver := &mockJtagDriver{idcode: 0x03631093}

	targets, err := s.JtagScan(driver)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 0 {
		t.Fatalf("%d targets from a non-ARM tap", len(targets))
	}
	if driver.ctrlstat != 0 {
		t.Fatal("scan poked a foreign tap")
	}
}
