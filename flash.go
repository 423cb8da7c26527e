// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Generic flash programming engine: erase/program orchestration with
// write coalescing across heterogeneous block and write granularities.
// Chip backends only implement the FlashController contract; the
// engine owns alignment, buffering and region splitting.

package goprobe

import (
	"bytes"
	"fmt"
	"time"
)

// FlashController is the per-region backend contract. Erase is always
// called with addr aligned to the region's block size and length a
// multiple of it; Write with dest aligned to the write size. Both
// poll their hardware to completion before returning. Prepare and
// Done bracket an operation (unlock/lock, bank select); regions with
// nothing to do return nil.
type FlashController interface {
	Prepare(f *FlashRegion) error
	Erase(f *FlashRegion, addr, length uint32) error
	Write(f *FlashRegion, dest uint32, src []byte) error
	Done(f *FlashRegion) error
}

// RegionMassEraser is optionally implemented by controllers with a
// whole-region erase faster than per-block iteration.
type RegionMassEraser interface {
	MassErase(f *FlashRegion) error
}

type flashOperation int

const (
	flashOpNone flashOperation = iota
	flashOpErase
	flashOpWrite
	flashOpMassErase
)

const noAddress = ^uint32(0)

// FlashRegion describes one span of programmable memory with its own
// granularity and backend. An address belongs to at most one region;
// regions may appear in any order on a target.
type FlashRegion struct {
	Start     uint32
	Length    uint32
	BlockSize uint32
	// WriteSize is the program granularity handed to the backend.
	WriteSize uint32
	// WriteBufSize is the coalescing buffer granularity; zero means
	// one write-size unit.
	WriteBufSize uint32
	// Erased is the fill byte an erased block reads back as.
	Erased byte
	// RequiresFullWrite forbids handing the backend a final short
	// chunk; the engine pads it to WriteSize with the erased fill
	// instead.
	RequiresFullWrite bool

	Controller FlashController

	target    *Target
	operation flashOperation

	buf     []byte
	bufBase uint32
	bufLow  uint32
	bufHigh uint32
}

func (f *FlashRegion) Target() *Target { return f.target }

func (f *FlashRegion) writeBufSize() uint32 {
	if f.WriteBufSize == 0 {
		return f.WriteSize
	}
	return f.WriteBufSize
}

func (f *FlashRegion) contains(addr uint32) bool {
	return f.Start <= addr && addr < f.Start+f.Length
}

// flashFor resolves the region owning addr by linear scan, nil when
// the address is outside every region.
func (t *Target) flashFor(addr uint32) *FlashRegion {
	for _, f := range t.flash {
		if f.contains(addr) {
			return f
		}
	}
	return nil
}

func (t *Target) enterFlash() error {
	if t.flashMode {
		return nil
	}
	if t.enterFlashMode != nil {
		if err := t.enterFlashMode(t); err != nil {
			return err
		}
	} else if err := t.Reset(); err != nil {
		// Resetting on a flash command saves us if the core was
		// interrupted in IRQ context.
		return err
	}
	t.flashMode = true
	return nil
}

func (t *Target) exitFlash() error {
	if !t.flashMode {
		return nil
	}
	var err error
	if t.exitFlashMode != nil {
		err = t.exitFlashMode(t)
	} else {
		err = t.Reset()
	}
	t.flashMode = false
	return err
}

// prepare switches the region into the wanted operation, terminating
// any other one first.
func (f *FlashRegion) prepare(op flashOperation) error {
	if f.operation == op {
		return nil
	}
	if f.operation != flashOpNone {
		if err := f.done(); err != nil {
			return err
		}
	}
	f.operation = op
	if err := f.Controller.Prepare(f); err != nil {
		f.operation = flashOpNone
		return err
	}
	return nil
}

func (f *FlashRegion) done() error {
	if f.operation == flashOpNone {
		return nil
	}
	err := f.Controller.Done(f)
	f.releaseBuffer()
	f.operation = flashOpNone
	return err
}

func (f *FlashRegion) releaseBuffer() {
	f.buf = nil
	f.bufBase = noAddress
	f.bufLow = noAddress
	f.bufHigh = 0
}

func (f *FlashRegion) allocBuffer() {
	f.buf = make([]byte, f.writeBufSize())
	f.bufBase = noAddress
	f.bufLow = noAddress
	f.bufHigh = 0
}

// FlashErase erases the block-aligned superset of [addr, addr+length).
// Erase is destructive to the whole rounded block; callers account
// for that. A range that covers an entire region uses the region's
// mass erase when the backend has one.
func (t *Target) FlashErase(addr uint32, length uint32) error {
	if err := t.enterFlash(); err != nil {
		return err
	}
	active := t.flashFor(addr)
	if active == nil {
		return fmt.Errorf("erase address %08x is outside every flash region", addr)
	}

	for length > 0 {
		f := t.flashFor(addr)
		if f == nil {
			return fmt.Errorf("erase range leaves flash at %08x", addr)
		}
		if f != active {
			if err := active.done(); err != nil {
				return err
			}
			active = f
		}

		blockStart := addr &^ (f.BlockSize - 1)

		_, hasMass := f.Controller.(RegionMassEraser)
		useMass := hasMass && blockStart == f.Start && addr+length >= f.Start+f.Length

		blockEnd := blockStart + f.BlockSize
		if useMass {
			blockEnd = f.Start + f.Length
		}

		op := flashOpErase
		if useMass {
			op = flashOpMassErase
		}
		if err := f.prepare(op); err != nil {
			return err
		}

		var err error
		if useMass {
			err = f.Controller.(RegionMassEraser).MassErase(f)
		} else {
			err = f.Controller.Erase(f, blockStart, f.BlockSize)
		}
		if err != nil {
			return fmt.Errorf("erase failed at %08x: %w", blockStart, err)
		}

		erased := minUint32(blockEnd-addr, length)
		length -= erased
		addr = blockEnd
	}
	return active.done()
}

// flush programs the coalescing buffer out through the backend in
// write-size chunks. The final chunk may be short unless the backend
// requires full-size programming, in which case it goes out padded
// with the erased fill.
func (f *FlashRegion) flush() error {
	if f.buf == nil || f.bufBase == noAddress || f.bufLow == noAddress || f.bufLow >= f.bufHigh {
		return nil
	}
	if err := f.prepare(flashOpWrite); err != nil {
		return err
	}

	aligned := f.bufLow &^ (f.WriteSize - 1)
	for offset := aligned; offset < f.bufHigh; offset += f.WriteSize {
		end := offset + f.WriteSize
		if end > f.bufHigh {
			if f.RequiresFullWrite {
				// The padding bytes already hold the erased fill.
				end = offset + f.WriteSize
			} else {
				end = f.bufHigh
			}
		}
		chunk := f.buf[offset-f.bufBase : end-f.bufBase]
		if err := f.Controller.Write(f, offset, chunk); err != nil {
			return fmt.Errorf("write failed at %08x: %w", offset, err)
		}
	}

	f.bufBase = noAddress
	f.bufLow = noAddress
	f.bufHigh = 0
	return nil
}

// bufferedWrite accumulates caller bytes, which may be unaligned and
// shorter than the write size, into the region buffer and flushes
// whenever the buffer window moves.
func (f *FlashRegion) bufferedWrite(dest uint32, src []byte) error {
	bufSize := f.writeBufSize()
	for len(src) > 0 {
		base := dest &^ (bufSize - 1)
		if base != f.bufBase {
			if err := f.flush(); err != nil {
				return err
			}
			f.bufBase = base
			memset(f.buf, f.Erased)
		}

		offset := dest - base
		n := minUint32(bufSize-offset, uint32(len(src)))
		copy(f.buf[offset:offset+n], src[:n])

		// Track the dirty extent so the flush can stay short.
		f.bufLow = minUint32(f.bufLow, dest)
		f.bufHigh = maxUint32(f.bufHigh, dest+n)

		dest += n
		src = src[n:]
	}
	return nil
}

// FlashWrite streams src into flash at dest through the coalescing
// buffer, splitting the request when it straddles region boundaries so
// each backend only ever sees addresses inside its own extent.
func (t *Target) FlashWrite(dest uint32, src []byte) error {
	if err := t.enterFlash(); err != nil {
		return err
	}

	var active *FlashRegion
	for _, f := range t.flash {
		if f.contains(dest) {
			active = f
		} else if f.buf != nil {
			// Stale buffers from an earlier stream segment must land
			// before another region starts.
			if err := f.flush(); err != nil {
				return err
			}
			if err := f.done(); err != nil {
				return err
			}
		}
	}
	if active == nil {
		return fmt.Errorf("write address %08x is outside every flash region", dest)
	}

	for len(src) > 0 {
		f := t.flashFor(dest)
		if f == nil {
			return fmt.Errorf("write range leaves flash at %08x", dest)
		}
		if f != active {
			if err := active.flush(); err != nil {
				return err
			}
			if err := active.done(); err != nil {
				return err
			}
			active = f
		}
		if f.buf == nil {
			f.allocBuffer()
		}

		end := minUint32(dest+uint32(len(src)), f.Start+f.Length)
		length := end - dest
		if err := f.bufferedWrite(dest, src[:length]); err != nil {
			return err
		}
		dest = end
		src = src[length:]
	}
	return nil
}

// FlashComplete flushes every region buffer, runs the Done brackets
// and leaves flash mode. Callers invoke it once per load, after the
// last FlashWrite.
func (t *Target) FlashComplete() error {
	if !t.flashMode {
		return nil
	}
	var firstErr error
	for _, f := range t.flash {
		if err := f.flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.done(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.exitFlash(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// FlashVerify reads back [addr, addr+len(data)) and compares against
// data, reporting the first mismatching address.
func (t *Target) FlashVerify(addr uint32, data []byte) error {
	const chunkSize = 1024
	readback := make([]byte, chunkSize)
	for offset := 0; offset < len(data); offset += chunkSize {
		n := len(data) - offset
		if n > chunkSize {
			n = chunkSize
		}
		if err := t.MemRead(readback[:n], addr+uint32(offset)); err != nil {
			return err
		}
		if !bytes.Equal(readback[:n], data[offset:offset+n]) {
			for i := 0; i < n; i++ {
				if readback[i] != data[offset+i] {
					return fmt.Errorf("verify mismatch at %08x", addr+uint32(offset+i))
				}
			}
		}
	}
	return nil
}

// MassErase erases the whole device. A target-level hook bypasses
// per-region iteration entirely; otherwise every region is erased
// with its own fastest method. Long polls report through the
// session's progress callback.
func (t *Target) MassErase() error {
	if err := t.enterFlash(); err != nil {
		return err
	}
	ticker := newProgressTicker(t.session.clock, 500*time.Millisecond, t.session.progress)

	var result error
	if t.massErase != nil {
		result = t.massErase(t, &ticker)
	} else {
		for _, f := range t.flash {
			var err error
			if eraser, ok := f.Controller.(RegionMassEraser); ok {
				if err = f.prepare(flashOpMassErase); err == nil {
					err = eraser.MassErase(f)
				}
			} else {
				logger.Debugf("no mass erase for region %08x, erasing per block", f.Start)
				if err = f.prepare(flashOpErase); err == nil {
					err = f.manualMassErase(&ticker)
				}
			}
			if derr := f.done(); err == nil {
				err = derr
			}
			if err != nil {
				result = fmt.Errorf("mass erase of region %08x: %w", f.Start, err)
				break
			}
		}
	}

	if err := t.exitFlash(); err != nil && result == nil {
		result = err
	}
	return result
}

func (f *FlashRegion) manualMassErase(ticker *progressTicker) error {
	for addr := f.Start; addr < f.Start+f.Length; addr += f.BlockSize {
		if err := f.Controller.Erase(f, addr, f.BlockSize); err != nil {
			return err
		}
		ticker.tick()
	}
	return nil
}

// BlankCheck reports whether every region reads back as its erased
// fill, printing the first in-use address per region.
func (t *Target) BlankCheck() (bool, error) {
	blank := true
	ticker := newProgressTicker(t.session.clock, 500*time.Millisecond, t.session.progress)
	for _, f := range t.flash {
		buf := make([]byte, f.BlockSize)
		regionBlank := true
		for addr := f.Start; addr < f.Start+f.Length; addr += f.BlockSize {
			if err := t.MemRead(buf, addr); err != nil {
				return false, err
			}
			for i, b := range buf {
				if b != f.Erased {
					t.printf("has data at 0x%08x\n", addr+uint32(i))
					regionBlank = false
					break
				}
			}
			if !regionBlank {
				break
			}
			ticker.tick()
		}
		if regionBlank {
			t.printf("blank 0x%08x+0x%x\n", f.Start, f.Length)
		} else {
			blank = false
		}
	}
	return blank, nil
}
