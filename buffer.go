// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

func memset(a []uint8, v uint8) {
	for i := range a {
		a[i] = v
	}
}

func leToUint16(buffer []byte) uint16 {
	return uint16(buffer[0]) | uint16(buffer[1])<<8
}

func leToUint32(buffer []byte) uint32 {
	return uint32(buffer[0]) | uint32(buffer[1])<<8 | uint32(buffer[2])<<16 | uint32(buffer[3])<<24
}

func uint16ToLE(buffer []byte, value uint16) {
	buffer[1] = byte(value >> 8)
	buffer[0] = byte(value >> 0)
}

func uint32ToLE(buffer []byte, value uint32) {
	buffer[3] = byte(value >> 24)
	buffer[2] = byte(value >> 16)
	buffer[1] = byte(value >> 8)
	buffer[0] = byte(value >> 0)
}

// parityEven returns true when value has an even number of set bits in
// its low count bits. The SWD data phase appends one odd-parity bit
// calculated on exactly this window.
func parityEven(value uint32, count int) bool {
	parity := uint32(0)
	for i := 0; i < count; i++ {
		parity ^= (value >> uint(i)) & 1
	}
	return parity == 0
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
