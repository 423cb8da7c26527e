// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

import (
	"time"
)

// testClock advances only when something sleeps, so wait loops run
// instantly and deterministically.
type testClock struct {
	now    time.Time
	slept  time.Duration
	sleeps int
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
	c.slept += d
	c.sleeps++
}

func newTestSession() (*Session, *testClock) {
	clock := newTestClock()
	s := NewSession(&SessionConfig{Clock: clock})
	return s, clock
}

// fakeCore emulates the debug register transfer unit: a write to the
// selector register moves one word between the register file and the
// data register.
type fakeCore struct {
	regs [20]uint32
}

func dcrsrIndex(sel uint32) int {
	switch {
	case sel <= 15:
		return int(sel)
	case sel == 0x10:
		return 16
	case sel == 0x11:
		return 17
	case sel == 0x12:
		return 18
	case sel == 0x14:
		return 19
	}
	return -1
}

// fakeWire is an in-memory dpLowLevel with one memory AP at selector
// 0. It models the posted-read pipeline and the hardware TAR
// auto-increment wrap at the 1024 byte window so missing rewrites
// corrupt transfers the same way silicon does.
type fakeWire struct {
	mem map[uint32]uint32

	dpidr    uint32
	idr      uint32
	cfg      uint32
	base     uint32
	sel      uint32
	csw      uint32
	tar      uint32
	ctrlstat uint32
	posted   uint32

	core       *fakeCore
	noPowerAck bool

	tarWrites  []uint32
	drwReads   int
	drwWrites  int
	aborts     []uint32
	clearCalls int
}

func newFakeWire() *fakeWire {
	return &fakeWire{
		mem:   make(map[uint32]uint32),
		dpidr: 0x2ba01477, // DPv1
		idr:   0x24770011, // AHB-AP
		base:  0xffffffff,
	}
}

func (fw *fakeWire) word(addr uint32) uint32 { return fw.mem[addr&^3] }

func (fw *fakeWire) setWord(addr uint32, value uint32) { fw.mem[addr&^3] = value }

func (fw *fakeWire) storeBytes(addr uint32, data []byte) {
	for i, b := range data {
		a := addr + uint32(i)
		word := fw.word(a)
		shift := (a & 3) * 8
		word = word&^(0xff<<shift) | uint32(b)<<shift
		fw.setWord(a, word)
	}
}

func (fw *fakeWire) loadBytes(addr uint32, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		a := addr + uint32(i)
		data[i] = byte(fw.word(a) >> ((a & 3) * 8))
	}
	return data
}

func (fw *fakeWire) step() uint32 {
	switch fw.csw & apCSWSizeMask {
	case apCSWSizeByte:
		return 1
	case apCSWSizeHalfword:
		return 2
	}
	return 4
}

func (fw *fakeWire) incTar() {
	if fw.csw&apCSWAddrIncMask == 0 {
		return
	}
	// Hardware wraps inside the window.
	fw.tar = fw.tar&apTarWindowMask | (fw.tar+fw.step())&^apTarWindowMask
}

func (fw *fakeWire) apWrite(eff uint32, value uint32) {
	switch {
	case eff == 0x00:
		fw.csw = value
	case eff == 0x04:
		fw.tar = value
		fw.tarWrites = append(fw.tarWrites, value)
	case eff == 0x0c:
		fw.drwWrites++
		switch fw.csw & apCSWSizeMask {
		case apCSWSizeByte:
			lane := fw.tar & 3
			fw.storeBytes(fw.tar, []byte{byte(value >> (8 * lane))})
		case apCSWSizeHalfword:
			lane := fw.tar & 2
			half := uint16(value >> (8 * lane))
			fw.storeBytes(fw.tar&^1, []byte{byte(half), byte(half >> 8)})
		default:
			fw.setWord(fw.tar, value)
		}
		fw.incTar()
	case eff >= 0x10 && eff <= 0x1c:
		addr := fw.tar&^0xf + (eff - 0x10)
		fw.setWord(addr, value)
		if fw.core != nil && addr == cmDCRSR {
			if idx := dcrsrIndex(value & 0x7f); idx >= 0 {
				if value&0x10000 != 0 {
					fw.core.regs[idx] = fw.word(cmDCRDR)
				} else {
					fw.setWord(cmDCRDR, fw.core.regs[idx])
				}
			}
		}
	}
}

func (fw *fakeWire) apRead(eff uint32) uint32 {
	apsel := fw.sel >> 24
	switch {
	case eff == 0x00:
		return fw.csw
	case eff == 0x04:
		return fw.tar
	case eff == 0x0c:
		fw.drwReads++
		value := fw.word(fw.tar)
		fw.incTar()
		return value
	case eff >= 0x10 && eff <= 0x1c:
		return fw.word(fw.tar&^0xf + (eff - 0x10))
	case eff == 0xf4:
		return fw.cfg
	case eff == 0xf8:
		return fw.base
	case eff == 0xfc:
		if apsel != 0 {
			return 0
		}
		return fw.idr
	}
	return 0
}

func (fw *fakeWire) lowAccess(dp *DebugPort, rnw int, addr uint16, value uint32) (uint32, error) {
	if addr&apNDP != 0 {
		eff := fw.sel&0xf0 | uint32(addr&0x0c)
		if rnw == lowWrite {
			fw.apWrite(eff, value)
			return 0, nil
		}
		prev := fw.posted
		fw.posted = fw.apRead(eff)
		return prev, nil
	}

	if rnw == lowWrite {
		switch addr {
		case dpAbort:
			fw.aborts = append(fw.aborts, value)
		case dpCtrlStat:
			fw.ctrlstat = value
		case dpSelect:
			fw.sel = value
		}
		return 0, nil
	}
	switch addr {
	case dpIDR:
		return fw.dpidr, nil
	case dpRdBuff:
		value := fw.posted
		fw.posted = 0
		return value, nil
	case dpCtrlStat:
		status := fw.ctrlstat
		if !fw.noPowerAck {
			if status&dpCtrlStatCSysPwrupReq != 0 {
				status |= dpCtrlStatCSysPwrupAck
			}
			if status&dpCtrlStatCDbgPwrupReq != 0 {
				status |= dpCtrlStatCDbgPwrupAck
			}
		}
		return status, nil
	case dpSelect:
		return fw.sel, nil
	}
	return 0, nil
}

func (fw *fakeWire) read(dp *DebugPort, addr uint16) (uint32, error) {
	if addr&apNDP != 0 {
		if _, err := fw.lowAccess(dp, lowRead, addr, 0); err != nil {
			return 0, err
		}
		return fw.lowAccess(dp, lowRead, dpRdBuff, 0)
	}
	return fw.lowAccess(dp, lowRead, addr, 0)
}

func (fw *fakeWire) clearError(dp *DebugPort, protocolRecovery bool) (uint32, error) {
	fw.clearCalls++
	dp.fault = FaultNone
	return 0, nil
}

func (fw *fakeWire) abort(dp *DebugPort, value uint32) error {
	fw.aborts = append(fw.aborts, value)
	return nil
}

// newTestAP wires a memory AP over a fakeWire.
func newTestAP() (*AccessPort, *fakeWire, *Session) {
	s, _ := newTestSession()
	fw := newFakeWire()
	dp := newDebugPort(s, ConnectionSwd, fw)
	ap, err := dp.newAccessPort(0)
	if err != nil || ap == nil {
		panic("fake AP did not come up")
	}
	return ap, fw, s
}
