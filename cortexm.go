// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Cortex-M core support: debug unit attach, the halt/resume/step
// state machine, register file access through the banked AP data
// window, hardware break/watchpoint pools and the fault unwinder.

package goprobe

import (
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"
)

const (
	cmCPUID = 0xe000ed00
	cmAIRCR = 0xe000ed0c
	cmCFSR  = 0xe000ed28
	cmHFSR  = 0xe000ed2c
	cmDFSR  = 0xe000ed30
	cmCPACR = 0xe000ed88
	cmCTR   = 0xe000ed7c
	cmDHCSR = 0xe000edf0
	cmDCRSR = 0xe000edf4
	cmDCRDR = 0xe000edf8
	cmDEMCR = 0xe000edfc

	cmICIALLU = 0xe000ef50

	cmCPUIDPartnoMask = 0xfff0

	cmAIRCRVectkey       = 0x05fa << 16
	cmAIRCRSysResetReq   = 1 << 2
	cmAIRCRVectClrActive = 1 << 1

	// DHCSR write accesses require the key in the top halfword.
	cmDHCSRDbgKey    = 0xa05f << 16
	cmDHCSRCMaskInts = 1 << 3
	cmDHCSRCStep     = 1 << 2
	cmDHCSRCHalt     = 1 << 1
	cmDHCSRCDebugEn  = 1 << 0
	cmDHCSRSResetSt  = 1 << 25
	cmDHCSRSRetireSt = 1 << 24
	cmDHCSRSLockup   = 1 << 19
	cmDHCSRSHalt     = 1 << 17
	cmDHCSRSRegRdy   = 1 << 16

	cmDFSRResetAll = 0x1f
	cmDFSRExternal = 1 << 4
	cmDFSRVCatch   = 1 << 3
	cmDFSRDwtTrap  = 1 << 2
	cmDFSRBkpt     = 1 << 1
	cmDFSRHalted   = 1 << 0

	cmDEMCRTrcEna      = 1 << 24
	cmDEMCRVCHardErr   = 1 << 10
	cmDEMCRVCIntErr    = 1 << 9
	cmDEMCRVCBusErr    = 1 << 8
	cmDEMCRVCStatErr   = 1 << 7
	cmDEMCRVCChkErr    = 1 << 6
	cmDEMCRVCNoCpErr   = 1 << 5
	cmDEMCRVCMMErr     = 1 << 4
	cmDEMCRVCCoreReset = 1 << 0

	cmHFSRForced   = 1 << 30
	cmHFSRVectTbl  = 1 << 1
	cmCFSRUsageErr = 0xffff << 16

	cmXPSRThumb = 1 << 24

	cmFPCtrl    = 0xe0002000
	cmFPCtrlKey = 1 << 1
	cmFPCtrlEna = 1 << 0

	cmDwtCtrl = 0xe0001000

	cmDwtMaskByte     = 0
	cmDwtMaskHalfword = 1
	cmDwtMaskWord     = 2

	cmDwtFuncMatched    = 1 << 24
	cmDwtFuncDataVSize1 = 0 << 10
	cmDwtFuncDataVSize2 = 1 << 10
	cmDwtFuncDataVSize4 = 2 << 10
	cmDwtFuncWrite      = 5
	cmDwtFuncRead       = 6
	cmDwtFuncAccess     = 7
)

func cmFPComp(i int) uint32  { return cmFPCtrl + 8 + 4*uint32(i) }
func cmDwtComp(i int) uint32 { return cmDwtCtrl + 0x20 + 16*uint32(i) }
func cmDwtMask(i int) uint32 { return cmDwtCtrl + 0x24 + 16*uint32(i) }
func cmDwtFunc(i int) uint32 { return cmDwtCtrl + 0x28 + 16*uint32(i) }

// Register file layout as DCRSR selector values. The general file is
// r0..r15, xPSR, MSP, PSP and the packed special register; an FP
// extension appends FPSCR and s0..s31.
var cmRegnums = func() []uint32 {
	r := make([]uint32, 0, 20)
	for i := uint32(0); i < 16; i++ {
		r = append(r, i)
	}
	return append(r, 0x10, 0x11, 0x12, 0x14)
}()

var cmFPRegnums = func() []uint32 {
	r := []uint32{0x21}
	for i := uint32(0); i < 32; i++ {
		r = append(r, 0x40+i)
	}
	return r
}()

const (
	cmRegPC   = 15
	cmRegXPSR = 16
	cmRegSP   = 13
	cmRegLR   = 14
)

type cortexmPriv struct {
	ap *AccessPort

	demcr    uint32
	stepping bool
	onBkpt   bool

	hwBreakpointMax int
	hwWatchpointMax int
	hwBreakpoints   bitmap.Bitmap
	hwWatchpoints   bitmap.Bitmap

	// Flash patch revision selects the comparator encoding.
	flashPatchRevision uint32

	hasFPU        bool
	hasCache      bool
	dcacheMinline uint32

	regnums []uint32
}

var cortexmPartNames = map[uint32]string{
	0xc200: "Cortex-M0",
	0xc600: "Cortex-M0+",
	0xc210: "Cortex-M1",
	0xc230: "Cortex-M3",
	0xc240: "Cortex-M4",
	0xc270: "Cortex-M7",
	0xd200: "Cortex-M23",
	0xd210: "Cortex-M33",
}

// cortexmProbe recognizes a Cortex-M debug unit behind ap, creates
// the target and installs the core control vtable, then gives the
// registered chip probes a chance to claim it.
func (s *Session) cortexmProbe(ap *AccessPort) bool {
	t := s.newTarget(ap)
	priv := &cortexmPriv{ap: ap, regnums: cmRegnums}
	t.priv = priv

	t.attachFn = cortexmAttach
	t.detachFn = cortexmDetach
	t.memReadFn = cortexmMemRead
	t.memWriteFn = cortexmMemWrite
	t.regsReadFn = cortexmRegsRead
	t.regsWriteFn = cortexmRegsWrite
	t.resetFn = cortexmReset
	t.haltRequestFn = cortexmHaltRequest
	t.haltPollFn = cortexmHaltPoll
	t.haltResumeFn = cortexmHaltResume
	t.breakwatchSet = cortexmBreakwatchSet
	t.breakwatchClear = cortexmBreakwatchClear

	cpuid, err := ap.MemRead32(cmCPUID)
	if err != nil {
		logger.Warnf("cortexm: CPUID read failed: %v", err)
		return false
	}
	t.IdCode = cpuid
	t.Name = "Cortex-M"
	partno := cpuid & cmCPUIDPartnoMask
	if name, ok := cortexmPartNames[partno]; ok {
		t.Name = name
	}
	logger.Infof("cortexm: found %s, CPUID 0x%08x", t.Name, cpuid)

	// Halt before poking CPACR, then probe for the FP extension by
	// attempting to enable CP10/CP11.
	dhcsr, _ := ap.MemRead32(cmDHCSR)
	ap.MemWrite32(cmDHCSR, cmDHCSRDbgKey|cmDHCSRCDebugEn|cmDHCSRCHalt)
	cpacr, err := ap.MemRead32(cmCPACR)
	if err == nil {
		const cpacrFP = 0xf << 20
		ap.MemWrite32(cmCPACR, cpacr|cpacrFP)
		if readback, err := ap.MemRead32(cmCPACR); err == nil && readback&cpacrFP == cpacrFP {
			priv.hasFPU = true
			priv.regnums = append(append([]uint32{}, cmRegnums...), cmFPRegnums...)
		}
		ap.MemWrite32(cmCPACR, cpacr)
	}
	t.regsSize = len(priv.regnums) * 4

	if partno == 0xc270 {
		priv.hasCache = true
		if ctr, err := ap.MemRead32(cmCTR); err == nil {
			priv.dcacheMinline = 4 << ((ctr >> 16) & 0xf)
		}
	}

	priv.demcr = cmDEMCRTrcEna | cmDEMCRVCHardErr | cmDEMCRVCCoreReset

	t.AddCommands("cortexm", cortexmCommands)

	// Restore the pre-probe run state when no chip driver claims the
	// core; the generic target remains usable either way.
	if !s.runTargetProbes(t) {
		logger.Debugf("cortexm: no chip driver for CPUID 0x%08x", cpuid)
	}
	if dhcsr&cmDHCSRCHalt == 0 {
		ap.MemWrite32(cmDHCSR, cmDHCSRDbgKey|cmDHCSRCDebugEn)
	}
	return true
}

func cortexmPrivOf(t *Target) *cortexmPriv { return t.priv.(*cortexmPriv) }

func cortexmAttach(t *Target) error {
	priv := cortexmPrivOf(t)
	ap := priv.ap

	tries := 10
	for {
		if err := ap.MemWrite32(cmDHCSR, cmDHCSRDbgKey|cmDHCSRCDebugEn|cmDHCSRCHalt); err != nil {
			return err
		}
		dhcsr, err := ap.MemRead32(cmDHCSR)
		if err == nil && dhcsr&cmDHCSRSHalt != 0 {
			break
		}
		tries--
		if tries == 0 {
			return newProbeError(FaultTimeout, "cortexm: core refused to halt")
		}
		t.session.clock.Sleep(200 * time.Millisecond)
	}

	if err := ap.MemWrite32(cmDEMCR, priv.demcr); err != nil {
		return err
	}
	if err := ap.MemWrite32(cmDFSR, cmDFSRResetAll); err != nil {
		return err
	}

	// Size the comparator pools and scrub any comparators a previous
	// session left armed.
	fpCtrl, err := ap.MemRead32(cmFPCtrl)
	if err != nil {
		return err
	}
	priv.flashPatchRevision = fpCtrl >> 28
	priv.hwBreakpointMax = int((fpCtrl>>4)&0xf | (fpCtrl>>8)&0x70)
	dwtCtrl, err := ap.MemRead32(cmDwtCtrl)
	if err != nil {
		return err
	}
	priv.hwWatchpointMax = int(dwtCtrl >> 28)

	priv.hwBreakpoints = bitmap.New(priv.hwBreakpointMax)
	priv.hwWatchpoints = bitmap.New(priv.hwWatchpointMax)
	for i := 0; i < priv.hwBreakpointMax; i++ {
		ap.MemWrite32(cmFPComp(i), 0)
	}
	for i := 0; i < priv.hwWatchpointMax; i++ {
		ap.MemWrite32(cmDwtFunc(i), 0)
	}

	return ap.MemWrite32(cmFPCtrl, cmFPCtrlKey|cmFPCtrlEna)
}

func cortexmDetach(t *Target) {
	priv := cortexmPrivOf(t)
	ap := priv.ap
	for i := 0; i < priv.hwBreakpointMax; i++ {
		ap.MemWrite32(cmFPComp(i), 0)
	}
	for i := 0; i < priv.hwWatchpointMax; i++ {
		ap.MemWrite32(cmDwtFunc(i), 0)
	}
	ap.MemWrite32(cmDEMCR, 0)
	ap.MemWrite32(cmDHCSR, cmDHCSRDbgKey)
}

func cortexmMemRead(t *Target, dest []byte, src uint32) error {
	return cortexmPrivOf(t).ap.MemRead(dest, src)
}

func cortexmMemWrite(t *Target, dest uint32, src []byte) error {
	return cortexmPrivOf(t).ap.MemWrite(dest, src)
}

// cortexmRegsRead pulls the register file through the banked data
// window: with TAR parked on DHCSR the AP data registers DB1/DB2
// alias DCRSR/DCRDR, so each register costs two raw accesses and no
// TAR rewrites.
func cortexmRegsRead(t *Target) ([]uint32, error) {
	priv := cortexmPrivOf(t)
	ap := priv.ap

	if err := ap.memAccessSetup(cmDHCSR, alignWord); err != nil {
		return nil, err
	}
	if err := ap.selectBank(apDB0); err != nil {
		return nil, err
	}
	regs := make([]uint32, len(priv.regnums))
	for i, regnum := range priv.regnums {
		if _, err := ap.dp.LowAccess(lowWrite, apDB(1), regnum); err != nil {
			return nil, err
		}
		value, err := ap.dp.Read(apDB(2))
		if err != nil {
			return nil, err
		}
		regs[i] = value
	}
	return regs, nil
}

func cortexmRegsWrite(t *Target, regs []uint32) error {
	priv := cortexmPrivOf(t)
	ap := priv.ap

	if len(regs) != len(priv.regnums) {
		return fmt.Errorf("cortexm: register file is %d words, got %d",
			len(priv.regnums), len(regs))
	}
	if err := ap.memAccessSetup(cmDHCSR, alignWord); err != nil {
		return err
	}
	if err := ap.selectBank(apDB0); err != nil {
		return err
	}
	for i, regnum := range priv.regnums {
		if _, err := ap.dp.LowAccess(lowWrite, apDB(2), regs[i]); err != nil {
			return err
		}
		if _, err := ap.dp.LowAccess(lowWrite, apDB(1), 0x10000|regnum); err != nil {
			return err
		}
	}
	return nil
}

func cortexmRegRead(t *Target, regnum int) (uint32, error) {
	regs, err := t.RegsRead()
	if err != nil {
		return 0, err
	}
	return regs[regnum], nil
}

func cortexmRegWrite(t *Target, regnum int, value uint32) error {
	regs, err := t.RegsRead()
	if err != nil {
		return err
	}
	regs[regnum] = value
	return t.RegsWrite(regs)
}

func cortexmReset(t *Target) error {
	priv := cortexmPrivOf(t)
	ap := priv.ap

	// Read DHCSR to clear a stale reset-seen latch before requesting
	// the reset, so the poll below observes this one.
	ap.MemRead32(cmDHCSR)

	if t.extendedReset != nil {
		if err := t.extendedReset(t); err != nil {
			return err
		}
	}
	if err := ap.MemWrite32(cmAIRCR, cmAIRCRVectkey|cmAIRCRSysResetReq); err != nil {
		return err
	}

	deadline := newDeadline(t.session.clock, time.Second)
	for {
		dhcsr, err := ap.MemRead32(cmDHCSR)
		if err == nil && dhcsr&cmDHCSRSResetSt == 0 {
			break
		}
		if deadline.Expired() {
			return newProbeError(FaultTimeout, "cortexm: reset did not complete")
		}
		t.session.clock.Sleep(time.Millisecond)
	}

	return ap.MemWrite32(cmDFSR, cmDFSRResetAll)
}

func cortexmHaltRequest(t *Target) error {
	return cortexmPrivOf(t).ap.MemWrite32(cmDHCSR,
		cmDHCSRDbgKey|cmDHCSRCDebugEn|cmDHCSRCHalt)
}

// cortexmHaltPoll samples DHCSR once. A wire timeout means the core
// has its debug clocks gated in deep sleep and counts as running.
func cortexmHaltPoll(t *Target) (HaltReason, uint32, error) {
	priv := cortexmPrivOf(t)
	ap := priv.ap

	dhcsr, err := ap.MemRead32(cmDHCSR)
	if err != nil {
		if IsTimeout(err) {
			return HaltRunning, 0, nil
		}
		return HaltError, 0, err
	}
	if dhcsr == 0xffffffff {
		return HaltError, 0, newProbeError(FaultProtocol, "cortexm: debug unit unreadable")
	}
	if dhcsr&cmDHCSRSLockup != 0 {
		// Halt a locked-up core so the fault is inspectable.
		ap.MemWrite32(cmDHCSR, cmDHCSRDbgKey|cmDHCSRCDebugEn|cmDHCSRCHalt)
		return HaltFault, 0, nil
	}
	if dhcsr&cmDHCSRSHalt == 0 {
		return HaltRunning, 0, nil
	}

	dfsr, err := ap.MemRead32(cmDFSR)
	if err != nil {
		return HaltError, 0, err
	}
	ap.MemWrite32(cmDFSR, dfsr)

	switch {
	case dfsr&cmDFSRVCatch != 0:
		if cortexmFaultUnwind(t) {
			return HaltFault, 0, nil
		}
		return HaltRequest, 0, nil
	case dfsr&cmDFSRDwtTrap != 0:
		return HaltWatchpoint, cortexmWatchMatched(priv), nil
	case dfsr&cmDFSRBkpt != 0:
		priv.onBkpt = true
		return HaltBreakpoint, 0, nil
	case dfsr&cmDFSRHalted != 0:
		if priv.stepping {
			return HaltStepping, 0, nil
		}
		return HaltRequest, 0, nil
	}
	return HaltRequest, 0, nil
}

// cortexmWatchMatched scans the DWT pool for the comparator that
// fired. The matched flag clears on read, so the first hit wins.
func cortexmWatchMatched(priv *cortexmPriv) uint32 {
	for i := 0; i < priv.hwWatchpointMax; i++ {
		if !priv.hwWatchpoints.Get(i) {
			continue
		}
		fn, err := priv.ap.MemRead32(cmDwtFunc(i))
		if err == nil && fn&cmDwtFuncMatched != 0 {
			addr, _ := priv.ap.MemRead32(cmDwtComp(i))
			return addr
		}
	}
	return 0
}

func cortexmHaltResume(t *Target, step bool) error {
	priv := cortexmPrivOf(t)
	ap := priv.ap

	dhcsr := uint32(cmDHCSRDbgKey | cmDHCSRCDebugEn)
	if step {
		dhcsr |= cmDHCSRCStep | cmDHCSRCMaskInts
	}

	// Interrupt masking must change while halted, in a separate
	// write from the halt release.
	if step != priv.stepping {
		if err := ap.MemWrite32(cmDHCSR, dhcsr|cmDHCSRCHalt); err != nil {
			return err
		}
		priv.stepping = step
	}

	if priv.onBkpt {
		// Hitting a hard-coded BKPT would re-halt immediately, so
		// advance past it by hand.
		pc, err := cortexmRegRead(t, cmRegPC)
		if err != nil {
			return err
		}
		instr, err := t.MemRead16(pc)
		if err != nil {
			return err
		}
		if instr&0xff00 == 0xbe00 {
			if err := cortexmRegWrite(t, cmRegPC, pc+2); err != nil {
				return err
			}
		}
		priv.onBkpt = false
	}

	if priv.hasCache {
		ap.MemWrite32(cmICIALLU, 0)
	}
	return ap.MemWrite32(cmDHCSR, dhcsr)
}

// cortexmFaultUnwind checks for a captured hard fault and rewinds the
// exception entry so the faulting context is what the client sees.
// Returns false when no fault was pending.
func cortexmFaultUnwind(t *Target) bool {
	priv := cortexmPrivOf(t)
	ap := priv.ap

	hfsr, err := ap.MemRead32(cmHFSR)
	if err != nil {
		return false
	}
	cfsr, _ := ap.MemRead32(cmCFSR)
	if hfsr&(cmHFSRForced|cmHFSRVectTbl) == 0 && cfsr == 0 {
		return false
	}
	ap.MemWrite32(cmHFSR, hfsr)
	ap.MemWrite32(cmCFSR, cfsr)
	logger.Infof("cortexm: fault, HFSR 0x%08x CFSR 0x%08x", hfsr, cfsr)

	regs, err := t.RegsRead()
	if err != nil {
		return false
	}

	// EXC_RETURN bit 2 picks the stack the frame lives on.
	var sp uint32
	if regs[cmRegLR]&(1<<2) != 0 {
		sp = regs[18] // PSP
	} else {
		sp = regs[17] // MSP
	}

	var frame [8 * 4]byte
	if err := t.MemRead(frame[:], sp); err != nil {
		return false
	}
	stacked := make([]uint32, 8)
	for i := range stacked {
		stacked[i] = leToUint32(frame[4*i:])
	}

	frameSize := uint32(8 * 4)
	if stacked[7]&(1<<9) != 0 {
		// Stack was realigned on exception entry.
		frameSize += 4
	}
	if regs[cmRegLR]&(1<<4) == 0 {
		// Extended frame with FP state.
		frameSize += 18 * 4
	}

	regs[0], regs[1], regs[2], regs[3] = stacked[0], stacked[1], stacked[2], stacked[3]
	regs[12] = stacked[4]
	regs[cmRegLR] = stacked[5]
	regs[cmRegPC] = stacked[6]
	regs[cmRegXPSR] = stacked[7]
	regs[cmRegSP] = sp + frameSize

	if err := t.RegsWrite(regs); err != nil {
		return false
	}
	return true
}

// RunStub executes a routine already loaded into target RAM. The
// routine receives r0..r3 as arguments and terminates with a BKPT
// instruction; anything else that halts the core is an error.
func (t *Target) RunStub(loadaddr uint32, r0, r1, r2, r3 uint32) error {
	regs, err := t.RegsRead()
	if err != nil {
		return err
	}
	regs[0], regs[1], regs[2], regs[3] = r0, r1, r2, r3
	regs[cmRegPC] = loadaddr
	regs[cmRegLR] = loadaddr
	regs[cmRegXPSR] = cmXPSRThumb
	if err := t.RegsWrite(regs); err != nil {
		return err
	}
	if err := t.HaltResume(false); err != nil {
		return err
	}

	deadline := newDeadline(t.session.clock, 5*time.Second)
	for {
		reason, _, err := t.HaltPoll()
		if err != nil {
			return err
		}
		if reason != HaltRunning {
			if reason != HaltBreakpoint {
				t.HaltRequest()
				return newProbeError(FaultProtocol, "stub halted without breakpoint")
			}
			break
		}
		if deadline.Expired() {
			t.HaltRequest()
			return newProbeError(FaultTimeout, "stub did not complete")
		}
		t.session.clock.Sleep(time.Millisecond)
	}

	pc, err := cortexmRegRead(t, cmRegPC)
	if err != nil {
		return err
	}
	instr, err := t.MemRead16(pc)
	if err != nil {
		return err
	}
	if instr != 0xbe00 {
		return newProbeError(FaultProtocol, "stub failed, stopped at 0x%08x", pc)
	}
	return nil
}

func cortexmBreakwatchSet(t *Target, bw *Breakwatch) error {
	priv := cortexmPrivOf(t)
	ap := priv.ap

	switch bw.Type {
	case BreakHard:
		slot := cortexmAllocSlot(priv.hwBreakpoints, priv.hwBreakpointMax)
		if slot < 0 {
			return fmt.Errorf("cortexm: all %d breakpoints in use", priv.hwBreakpointMax)
		}
		var comp uint32
		if priv.flashPatchRevision == 0 {
			comp = bw.Addr&0x1ffffffc | 1
			if bw.Addr&2 != 0 {
				comp |= 0x80000000
			} else {
				comp |= 0x40000000
			}
		} else {
			comp = bw.Addr | 1
		}
		if err := ap.MemWrite32(cmFPComp(slot), comp); err != nil {
			priv.hwBreakpoints.Set(slot, false)
			return err
		}
		bw.slot = slot
		return nil

	case WatchWrite, WatchRead, WatchAccess:
		slot := cortexmAllocSlot(priv.hwWatchpoints, priv.hwWatchpointMax)
		if slot < 0 {
			return fmt.Errorf("cortexm: all %d watchpoints in use", priv.hwWatchpointMax)
		}
		var fn uint32
		switch bw.Type {
		case WatchWrite:
			fn = cmDwtFuncWrite
		case WatchRead:
			fn = cmDwtFuncRead
		default:
			fn = cmDwtFuncAccess
		}
		var mask uint32
		switch bw.Size {
		case 1:
			mask = cmDwtMaskByte
		case 2:
			mask = cmDwtMaskHalfword
		case 4:
			mask = cmDwtMaskWord
		default:
			priv.hwWatchpoints.Set(slot, false)
			return fmt.Errorf("cortexm: unsupported watch size %d", bw.Size)
		}
		if err := ap.MemWrite32(cmDwtComp(slot), bw.Addr); err == nil {
			if err = ap.MemWrite32(cmDwtMask(slot), mask); err == nil {
				err = ap.MemWrite32(cmDwtFunc(slot), fn)
			}
		} else {
			priv.hwWatchpoints.Set(slot, false)
			return err
		}
		bw.slot = slot
		return nil
	}
	return fmt.Errorf("cortexm: unknown breakwatch type %d", bw.Type)
}

func cortexmBreakwatchClear(t *Target, bw *Breakwatch) error {
	priv := cortexmPrivOf(t)
	ap := priv.ap

	switch bw.Type {
	case BreakHard:
		if bw.slot < 0 || bw.slot >= priv.hwBreakpointMax || !priv.hwBreakpoints.Get(bw.slot) {
			return fmt.Errorf("cortexm: breakpoint slot %d not armed", bw.slot)
		}
		priv.hwBreakpoints.Set(bw.slot, false)
		return ap.MemWrite32(cmFPComp(bw.slot), 0)
	default:
		if bw.slot < 0 || bw.slot >= priv.hwWatchpointMax || !priv.hwWatchpoints.Get(bw.slot) {
			return fmt.Errorf("cortexm: watchpoint slot %d not armed", bw.slot)
		}
		priv.hwWatchpoints.Set(bw.slot, false)
		// Zero the whole comparator so a stale address can never
		// rematch if the slot is re-enabled.
		if err := ap.MemWrite32(cmDwtFunc(bw.slot), 0); err != nil {
			return err
		}
		if err := ap.MemWrite32(cmDwtComp(bw.slot), 0); err != nil {
			return err
		}
		return ap.MemWrite32(cmDwtMask(bw.slot), 0)
	}
}

func cortexmAllocSlot(pool bitmap.Bitmap, max int) int {
	for i := 0; i < max; i++ {
		if !pool.Get(i) {
			pool.Set(i, true)
			return i
		}
	}
	return -1
}

var cortexmVectorCatches = []struct {
	name string
	bit  uint32
}{
	{"reset", cmDEMCRVCCoreReset},
	{"hard", cmDEMCRVCHardErr},
	{"int", cmDEMCRVCIntErr},
	{"bus", cmDEMCRVCBusErr},
	{"stat", cmDEMCRVCStatErr},
	{"chk", cmDEMCRVCChkErr},
	{"nocp", cmDEMCRVCNoCpErr},
	{"mm", cmDEMCRVCMMErr},
}

var cortexmCommands = []Command{
	{
		Cmd:     "vector_catch",
		Help:    "Catch exception vectors [enable|disable] [hard int bus stat chk nocp mm reset]",
		Handler: cortexmCmdVectorCatch,
	},
}

func cortexmCmdVectorCatch(t *Target, argv []string) error {
	priv := cortexmPrivOf(t)

	if len(argv) >= 2 && (argv[0] == "enable" || argv[0] == "disable") {
		var mask uint32
		for _, arg := range argv[1:] {
			found := false
			for _, vc := range cortexmVectorCatches {
				if vc.name == arg {
					mask |= vc.bit
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("unknown vector %q", arg)
			}
		}
		if argv[0] == "enable" {
			priv.demcr |= mask
		} else {
			priv.demcr &^= mask
		}
		if err := priv.ap.MemWrite32(cmDEMCR, priv.demcr); err != nil {
			return err
		}
	}

	t.printf("Catching vectors:")
	for _, vc := range cortexmVectorCatches {
		if priv.demcr&vc.bit != 0 {
			t.printf(" %s", vc.name)
		}
	}
	t.printf("\n")
	return nil
}
