// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

import (
	"fmt"
	"strings"
	"testing"
)

func TestAddFlashValidation(t *testing.T) {
	s, _ := newTestSession()
	target := &Target{session: s}

	// Write size defaults to the block size.
	f := &FlashRegion{Start: 0x08000000, Length: 0x1000, BlockSize: 0x400}
	if err := target.AddFlash(f); err != nil {
		t.Fatal(err)
	}
	if f.WriteSize != 0x400 {
		t.Fatalf("write size defaulted to %x", f.WriteSize)
	}

	// Overlapping regions are rejected.
	err := target.AddFlash(&FlashRegion{Start: 0x08000800, Length: 0x1000, BlockSize: 0x400})
	if err == nil {
		t.Fatal("overlapping region accepted")
	}

	// Write size above the block size is rejected.
	err = target.AddFlash(&FlashRegion{
		Start: 0x08100000, Length: 0x1000, BlockSize: 0x100, WriteSize: 0x400,
	})
	if err == nil {
		t.Fatal("write size above block size accepted")
	}

	// The coalescing buffer must hold whole write units.
	err = target.AddFlash(&FlashRegion{
		Start: 0x08200000, Length: 0x1000, BlockSize: 0x400,
		WriteSize: 0x100, WriteBufSize: 0x180,
	})
	if err == nil {
		t.Fatal("fractional buffer size accepted")
	}
}

func TestMemoryMapRendering(t *testing.T) {
	s, _ := newTestSession()
	target := &Target{session: s}
	target.AddRAM(0x20000000, 0x5000)
	if err := target.AddFlash(&FlashRegion{
		Start: 0x08000000, Length: 0x10000, BlockSize: 0x400,
	}); err != nil {
		t.Fatal(err)
	}

	m := target.MemoryMap()
	for _, want := range []string{
		`<memory type="ram" start="0x20000000" length="0x5000"/>`,
		`<memory type="flash" start="0x08000000" length="0x10000">`,
		`<property name="blocksize">0x400</property>`,
	} {
		if !strings.Contains(m, want) {
			t.Fatalf("memory map missing %q:\n%s", want, m)
		}
	}
}

func TestCommandDispatch(t *testing.T) {
	s, _ := newTestSession()
	target := &Target{session: s}

	var gotArgs []string
	target.AddCommands("mock", []Command{
		{Cmd: "unlock", Help: "Unlock the device", Handler: func(t *Target, argv []string) error {
			gotArgs = argv
			return nil
		}},
		{Cmd: "fail", Help: "Always fails", Handler: func(t *Target, argv []string) error {
			return fmt.Errorf("no")
		}},
	})

	if err := target.Command([]string{"unlock", "force"}); err != nil {
		t.Fatal(err)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "force" {
		t.Fatalf("handler args %q", gotArgs)
	}
	if err := target.Command([]string{"fail"}); err == nil {
		t.Fatal("handler error swallowed")
	}
	if err := target.Command([]string{"missing"}); err == nil {
		t.Fatal("unknown command accepted")
	}
}

func TestCommandHelpListing(t *testing.T) {
	var out strings.Builder
	s := NewSession(&SessionConfig{
		Clock: newTestClock(),
		Print: func(format string, args ...interface{}) {
			fmt.Fprintf(&out, format, args...)
		},
	})
	target := &Target{session: s}
	target.AddCommands("mock", []Command{
		{Cmd: "unlock", Help: "Unlock the device"},
	})

	target.CommandHelp()
	if !strings.Contains(out.String(), "unlock") || !strings.Contains(out.String(), "mock") {
		t.Fatalf("help output %q", out.String())
	}
}

func TestTargetProbeFaultRecovery(t *testing.T) {
	ap, fw, s := newTestAP()
	target := &Target{session: s, ap: ap}

	order := []string{}
	s.targetProbes = []TargetProbe{
		func(t *Target) bool {
			order = append(order, "first")
			t.ap.dp.fault = FaultAck // failed identification read
			return false
		},
		func(t *Target) bool {
			order = append(order, "second")
			// The registry must clear the fault before trying the
			// next driver.
			if t.ap.dp.Fault() != FaultNone {
				return false
			}
			return true
		},
	}

	if !s.runTargetProbes(target) {
		t.Fatal("second probe did not claim the target")
	}
	if len(order) != 2 {
		t.Fatalf("probe order %v", order)
	}
	if fw.clearCalls != 1 {
		t.Fatalf("%d fault clears", fw.clearCalls)
	}
}
