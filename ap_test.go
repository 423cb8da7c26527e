// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

import (
	"bytes"
	"testing"
)

func fillPattern(fw *fakeWire, start uint32, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(start) + byte(i)*7
	}
	fw.storeBytes(start, data)
	return data
}

func TestMemReadWithinWindow(t *testing.T) {
	ap, fw, _ := newTestAP()

	want := fillPattern(fw, 0x20000000, 64)
	got := make([]byte, 64)
	if err := ap.MemRead(got, 0x20000000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read mismatch:\n got %x\nwant %x", got, want)
	}

	// One TAR write from the access setup, none after.
	if len(fw.tarWrites) != 1 || fw.tarWrites[0] != 0x20000000 {
		t.Fatalf("unexpected TAR writes %x", fw.tarWrites)
	}
}

func TestMemReadWindowBoundary(t *testing.T) {
	ap, fw, _ := newTestAP()

	start := uint32(0x200003f8)
	want := fillPattern(fw, start, 16)
	got := make([]byte, 16)
	if err := ap.MemRead(got, start); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read mismatch:\n got %x\nwant %x", got, want)
	}

	// Exactly one rewrite, at the window edge.
	if len(fw.tarWrites) != 2 || fw.tarWrites[1] != 0x20000400 {
		t.Fatalf("unexpected TAR writes %x", fw.tarWrites)
	}
}

func TestMemWriteWindowBoundary(t *testing.T) {
	ap, fw, _ := newTestAP()

	start := uint32(0x200007f0)
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(0xc0 + i)
	}
	if err := ap.MemWrite(start, data); err != nil {
		t.Fatal(err)
	}
	if got := fw.loadBytes(start, len(data)); !bytes.Equal(got, data) {
		t.Fatalf("memory mismatch:\n got %x\nwant %x", got, data)
	}
	if len(fw.tarWrites) != 2 || fw.tarWrites[1] != 0x20000800 {
		t.Fatalf("unexpected TAR writes %x", fw.tarWrites)
	}
}

func TestMemReadUnaligned(t *testing.T) {
	ap, fw, _ := newTestAP()

	want := fillPattern(fw, 0x20000001, 7)
	got := make([]byte, 7)
	if err := ap.MemRead(got, 0x20000001); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read mismatch:\n got %x\nwant %x", got, want)
	}
}

func TestMemWriteUnaligned(t *testing.T) {
	ap, fw, _ := newTestAP()

	data := []byte{0x11, 0x22, 0x33}
	if err := ap.MemWrite(0x20000003, data); err != nil {
		t.Fatal(err)
	}
	if got := fw.loadBytes(0x20000003, 3); !bytes.Equal(got, data) {
		t.Fatalf("memory mismatch: got %x", got)
	}
}

func TestMemReadWriteScalars(t *testing.T) {
	ap, _, _ := newTestAP()

	if err := ap.MemWrite32(0x20000010, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	value, err := ap.MemRead32(0x20000010)
	if err != nil {
		t.Fatal(err)
	}
	if value != 0xdeadbeef {
		t.Fatalf("read back %08x", value)
	}
}

func TestAccessPortAbsent(t *testing.T) {
	s, _ := newTestSession()
	fw := newFakeWire()
	fw.idr = 0
	dp := newDebugPort(s, ConnectionSwd, fw)

	ap, err := dp.newAccessPort(0)
	if err != nil {
		t.Fatal(err)
	}
	if ap != nil {
		t.Fatal("expected no AP for zero IDR")
	}
}

func TestClearErrorResetsLatchedFault(t *testing.T) {
	ap, _, _ := newTestAP()

	ap.dp.fault = FaultAck
	if ap.dp.Fault() != FaultAck {
		t.Fatal("fault not latched")
	}
	if _, err := ap.dp.ClearError(false); err != nil {
		t.Fatal(err)
	}
	if ap.dp.Fault() != FaultNone {
		t.Fatal("fault survived ClearError")
	}
}
