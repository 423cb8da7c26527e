// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

import (
	"testing"
)

// installComponent writes the CIDR/PIDR identification block of one
// CoreSight component into fake memory.
func installComponent(fw *fakeWire, base uint32, class uint32, part uint16) {
	cidr := romCIDPreamble | class<<romCIDClassShift
	for i := uint32(0); i < 4; i++ {
		fw.setWord(base+romCIDR0Offset+4*i, cidr>>(8*i)&0xff)
	}
	pidr := uint64(romPIDRArmBits) | uint64(part)
	for i := uint32(0); i < 4; i++ {
		fw.setWord(base+romPIDR0Offset+4*i, uint32(pidr>>(8*i))&0xff)
	}
	fw.setWord(base+romPIDR4Offset, uint32(pidr>>32))
}

// installCortexM4 builds a ROM table pointing at an M4 SCS, with a
// CPUID behind it.
func installCortexM4(fw *fakeWire) {
	romBase := uint32(0xe00ff000)
	scsBase := uint32(0xe000e000)

	fw.base = romBase | 3
	installComponent(fw, romBase, romCIDClassRomTable, 0x4c0)
	fw.setWord(romBase, (scsBase-romBase)&^0xfff|1)
	installComponent(fw, scsBase, romCIDClassDebug, 0x00c)
	fw.setWord(cmCPUID, 0x410fc241)
}

func TestDebugPortDiscovery(t *testing.T) {
	s, _ := newTestSession()
	fw := newFakeWire()
	installCortexM4(fw)
	dp := newDebugPort(s, ConnectionSwd, fw)

	if err := dp.init(); err != nil {
		t.Fatal(err)
	}

	const reqs = dpCtrlStatCSysPwrupReq | dpCtrlStatCDbgPwrupReq
	if fw.ctrlstat&reqs != reqs {
		t.Fatal("debug domain not powered up")
	}
	targets := s.Targets()
	if len(targets) != 1 {
		t.Fatalf("found %d targets", len(targets))
	}
	if targets[0].Name != "Cortex-M4" {
		t.Fatalf("identified %q", targets[0].Name)
	}
	if targets[0].IdCode != 0x410fc241 {
		t.Fatalf("CPUID %08x", targets[0].IdCode)
	}
}

func TestDebugPortPowerUpTimeout(t *testing.T) {
	s, clock := newTestSession()
	fw := newFakeWire()
	fw.noPowerAck = true
	dp := newDebugPort(s, ConnectionSwd, fw)

	err := dp.init()
	if ErrorCode(err) != FaultTimeout {
		t.Fatalf("error %v", err)
	}
	if clock.slept == 0 {
		t.Fatal("gave up without polling")
	}
}

func TestRomFilterSuppressesComponent(t *testing.T) {
	s, _ := newTestSession()
	fw := newFakeWire()
	installCortexM4(fw)
	dp := newDebugPort(s, ConnectionSwd, fw)
	dp.RomFilter = func(addr uint32) bool { return addr != 0xe000e000 }

	if err := dp.init(); err != nil {
		t.Fatal(err)
	}
	if len(s.Targets()) != 0 {
		t.Fatal("filtered component still probed")
	}
}

// emuSwdDriver decodes real SWD request bytes and routes them into a
// fakeWire, so full scans run against the actual wire encoding.
type emuSwdDriver struct {
	fw *fakeWire

	rnw  int
	addr uint16
}

func (e *emuSwdDriver) SeqOut(value uint32, cycles int) {
	// The only 8 cycle sequences with start and park set are request
	// phases; selection sequences and idle cycles pass through.
	if cycles != 8 || value&0x81 != 0x81 {
		return
	}
	e.rnw = lowWrite
	if value&0x04 != 0 {
		e.rnw = lowRead
	}
	e.addr = uint16(value>>1) & 0xc
	if value&0x02 != 0 {
		e.addr |= apNDP
	}
}

func (e *emuSwdDriver) SeqOutParity(value uint32, cycles int) {
	if cycles != 32 {
		return
	}
	e.fw.lowAccess(nil, lowWrite, e.addr, value)
}

func (e *emuSwdDriver) SeqIn(cycles int) uint32 {
	if cycles == 3 {
		return swdAckOK
	}
	return 0
}

func (e *emuSwdDriver) SeqInParity(cycles int) (uint32, bool) {
	value, _ := e.fw.lowAccess(nil, lowRead, e.addr, 0)
	return value, true
}

func TestSwdScanFindsCortexM(t *testing.T) {
	s, _ := newTestSession()
	fw := newFakeWire()
	installCortexM4(fw)
	driver := &emuSwdDriver{fw: fw}

	targets, err := s.SwdScan(driver, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 {
		t.Fatalf("scan found %d targets", len(targets))
	}
	if targets[0].Name != "Cortex-M4" {
		t.Fatalf("identified %q", targets[0].Name)
	}
}
