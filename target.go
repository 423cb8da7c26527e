// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Target representation: the per-core control vtable, memory access
// primitives and the RAM/flash region lists chip drivers populate.

package goprobe

import (
	"fmt"
	"strings"
)

// HaltReason reports why a halt poll considers the core stopped, or
// that it is still running.
type HaltReason int

const (
	HaltRunning HaltReason = iota
	HaltError
	HaltRequest
	HaltStepping
	HaltBreakpoint
	HaltWatchpoint
	HaltFault
)

// BreakwatchType discriminates the two comparator pools.
type BreakwatchType int

const (
	BreakHard BreakwatchType = iota
	WatchWrite
	WatchRead
	WatchAccess
)

// Breakwatch is one client-visible breakpoint or watchpoint. The
// backing hardware slot is recorded on set so clear maps 1:1.
type Breakwatch struct {
	Type BreakwatchType
	Addr uint32
	Size uint32

	slot int
}

// RamRegion is a described span of volatile memory.
type RamRegion struct {
	Start  uint32
	Length uint32
}

// PrintFunc is the driver-agnostic print facility targets report
// through; it feeds whatever console the session layer owns.
type PrintFunc func(format string, args ...interface{})

// Target is one debuggable core. The control fields are installed by
// the architecture prober and individually overridable by chip
// drivers; the flash and RAM lists are owned by the target and die
// with it.
type Target struct {
	session *Session
	ap      *AccessPort

	Name     string
	IdCode   uint32
	attached bool

	ram      []RamRegion
	flash    []*FlashRegion
	commands []commandSet
	priv     interface{}

	flashMode bool
	regsSize  int

	// Control vtable. attachFn/detachFn and friends come from the
	// core prober; the hooks below them default to nil and exist for
	// chip drivers to override.
	attachFn        func(t *Target) error
	detachFn        func(t *Target)
	memReadFn       func(t *Target, dest []byte, src uint32) error
	memWriteFn      func(t *Target, dest uint32, src []byte) error
	regsReadFn      func(t *Target) ([]uint32, error)
	regsWriteFn     func(t *Target, regs []uint32) error
	resetFn         func(t *Target) error
	haltRequestFn   func(t *Target) error
	haltPollFn      func(t *Target) (HaltReason, uint32, error)
	haltResumeFn    func(t *Target, step bool) error
	breakwatchSet   func(t *Target, bw *Breakwatch) error
	breakwatchClear func(t *Target, bw *Breakwatch) error

	// Chip driver hooks.
	extendedReset  func(t *Target) error
	enterFlashMode func(t *Target) error
	exitFlashMode  func(t *Target) error
	massErase      func(t *Target, progress *progressTicker) error
}

func (s *Session) newTarget(ap *AccessPort) *Target {
	t := &Target{session: s, ap: ap, Name: "unknown"}
	ap.ref()
	s.targets = append(s.targets, t)
	return t
}

// AP exposes the access port a chip driver pokes registers through.
func (t *Target) AP() *AccessPort { return t.ap }

func (t *Target) Attached() bool { return t.attached }

// Attach brings the core under debug control. The target stays valid
// on failure so a later reattach can succeed.
func (t *Target) Attach() error {
	if t.attachFn == nil {
		return fmt.Errorf("%s: no attach support", t.Name)
	}
	if err := t.attachFn(t); err != nil {
		return err
	}
	t.attached = true
	return nil
}

func (t *Target) Detach() {
	if t.detachFn != nil {
		t.detachFn(t)
	}
	t.attached = false
}

// destroy releases the target's share of the AP/DP pair. The region
// lists die with the target.
func (t *Target) destroy() {
	if t.attached {
		t.Detach()
	}
	for _, f := range t.flash {
		f.releaseBuffer()
	}
	t.flash = nil
	t.ram = nil
	t.ap.unref()
}

/* Memory access primitives, the only sanctioned path for backend
 * register pokes. */

func (t *Target) MemRead(dest []byte, src uint32) error {
	return t.memReadFn(t, dest, src)
}

func (t *Target) MemWrite(dest uint32, src []byte) error {
	return t.memWriteFn(t, dest, src)
}

func (t *Target) MemRead32(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := t.MemRead(buf[:], addr); err != nil {
		return 0, err
	}
	return leToUint32(buf[:]), nil
}

func (t *Target) MemWrite32(addr uint32, value uint32) error {
	var buf [4]byte
	uint32ToLE(buf[:], value)
	return t.MemWrite(addr, buf[:])
}

func (t *Target) MemRead16(addr uint32) (uint16, error) {
	var buf [2]byte
	if err := t.MemRead(buf[:], addr); err != nil {
		return 0, err
	}
	return leToUint16(buf[:]), nil
}

func (t *Target) MemWrite16(addr uint32, value uint16) error {
	var buf [2]byte
	uint16ToLE(buf[:], value)
	return t.MemWrite(addr, buf[:])
}

func (t *Target) MemRead8(addr uint32) (uint8, error) {
	var buf [1]byte
	if err := t.MemRead(buf[:], addr); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (t *Target) MemWrite8(addr uint32, value uint8) error {
	return t.MemWrite(addr, []byte{value})
}

/* Core control */

func (t *Target) RegsRead() ([]uint32, error)   { return t.regsReadFn(t) }
func (t *Target) RegsWrite(regs []uint32) error { return t.regsWriteFn(t, regs) }
func (t *Target) RegsSize() int                 { return t.regsSize }

func (t *Target) Reset() error { return t.resetFn(t) }

func (t *Target) HaltRequest() error { return t.haltRequestFn(t) }

// HaltPoll samples the halt state once. The watch address is valid
// only for HaltWatchpoint.
func (t *Target) HaltPoll() (HaltReason, uint32, error) {
	return t.haltPollFn(t)
}

func (t *Target) HaltResume(step bool) error { return t.haltResumeFn(t, step) }

func (t *Target) BreakwatchSet(bw *Breakwatch) error {
	return t.breakwatchSet(t, bw)
}

func (t *Target) BreakwatchClear(bw *Breakwatch) error {
	return t.breakwatchClear(t, bw)
}

/* Region lists */

// AddRAM registers a RAM region with the target's memory map.
func (t *Target) AddRAM(start, length uint32) {
	t.ram = append(t.ram, RamRegion{Start: start, Length: length})
}

// AddFlash registers a flash region. Regions must not overlap and the
// program-write size can never exceed the erase-block size.
func (t *Target) AddFlash(f *FlashRegion) error {
	if f.WriteSize == 0 {
		f.WriteSize = f.BlockSize
	}
	if f.WriteSize > f.BlockSize {
		return fmt.Errorf("flash region %08x: write size %d exceeds block size %d",
			f.Start, f.WriteSize, f.BlockSize)
	}
	if f.writeBufSize()%f.WriteSize != 0 {
		return fmt.Errorf("flash region %08x: buffer size %d not a multiple of write size %d",
			f.Start, f.writeBufSize(), f.WriteSize)
	}
	for _, other := range t.flash {
		if f.Start < other.Start+other.Length && other.Start < f.Start+f.Length {
			return fmt.Errorf("flash region %08x overlaps %08x", f.Start, other.Start)
		}
	}
	f.target = t
	t.flash = append(t.flash, f)
	return nil
}

func (t *Target) RAM() []RamRegion      { return t.ram }
func (t *Target) Flash() []*FlashRegion { return t.flash }

// MemoryMap renders the region lists in the XML memory-map dialect the
// GDB server layer forwards verbatim.
func (t *Target) MemoryMap() string {
	var b strings.Builder
	b.WriteString("<memory-map>")
	for _, r := range t.ram {
		fmt.Fprintf(&b, "<memory type=\"ram\" start=\"0x%08x\" length=\"0x%x\"/>", r.Start, r.Length)
	}
	for _, f := range t.flash {
		fmt.Fprintf(&b, "<memory type=\"flash\" start=\"0x%08x\" length=\"0x%x\">", f.Start, f.Length)
		fmt.Fprintf(&b, "<property name=\"blocksize\">0x%x</property></memory>", f.BlockSize)
	}
	b.WriteString("</memory-map>")
	return b.String()
}

// printf reports through the session's print facility.
func (t *Target) printf(format string, args ...interface{}) {
	if t.session.printf != nil {
		t.session.printf(format, args...)
	}
}
