// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

// ConnectionKind selects which electrical protocol a DebugPort speaks.
// The set is closed: hardware only enumerates these two.
type ConnectionKind int

const (
	ConnectionSwd ConnectionKind = iota
	ConnectionJtag
)

func (k ConnectionKind) String() string {
	if k == ConnectionJtag {
		return "JTAG"
	}
	return "SWD"
}

// SwdDriver is the bit-level contract a probe adapter implements for
// Serial Wire Debug. Sequences are shifted LSB first; cycles never
// exceeds 32. The driver owns pacing and line turnaround, nothing
// above it models the electrical layer.
type SwdDriver interface {
	// SeqOut clocks cycles bits of value out on SWDIO.
	SeqOut(value uint32, cycles int)
	// SeqOutParity clocks cycles bits of value followed by one
	// odd-parity bit.
	SeqOutParity(value uint32, cycles int)
	// SeqIn samples cycles bits from SWDIO.
	SeqIn(cycles int) uint32
	// SeqInParity samples cycles bits plus a parity bit and reports
	// whether parity checked out.
	SeqInParity(cycles int) (uint32, bool)
}

// JtagDriver is the bit-level contract for a scan chain. Devices are
// addressed by chain position; the driver pads bypass bits for the
// other taps.
type JtagDriver interface {
	// Reset forces all taps through Test-Logic-Reset back to idle.
	Reset()
	// ShiftIR loads an instruction into the tap at dev.
	ShiftIR(dev int, instruction uint32, irLen int)
	// ShiftDR exchanges cycles data register bits with the tap at
	// dev and returns the captured bits. cycles never exceeds 64.
	ShiftDR(dev int, value uint64, cycles int) uint64
	// ChainLength reports how many taps the scan found.
	ChainLength() int
	// IdCode returns the identification code captured for the tap at
	// dev during the chain scan.
	IdCode(dev int) uint32
}
