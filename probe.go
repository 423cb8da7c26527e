// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Probe registries. Chip drivers are external packages: they register
// identification routines here and the scan tries them in
// registration order, so ordering between drivers that poke the same
// identification registers is stable.

package goprobe

// APProbe inspects a freshly enumerated Access Port before the ROM
// table walk, for parts that expose control (security, mass erase)
// through a dedicated AP rather than a core. Returning true claims
// the AP.
type APProbe func(s *Session, ap *AccessPort) bool

// TargetProbe identifies a chip family on an already created Cortex
// target. On a match it mutates the target (adds flash and RAM
// regions, sets the driver name, installs hooks) and returns true.
// Identification reads must be idempotent; the registry calls probes
// in order until one matches.
type TargetProbe func(t *Target) bool

var (
	registeredAPProbes     []APProbe
	registeredTargetProbes []TargetProbe
)

// RegisterAPProbe appends an AP-level identification routine to the
// default registry picked up by new sessions.
func RegisterAPProbe(p APProbe) {
	registeredAPProbes = append(registeredAPProbes, p)
}

// RegisterTargetProbe appends a chip identification routine to the
// default registry picked up by new sessions.
func RegisterTargetProbe(p TargetProbe) {
	registeredTargetProbes = append(registeredTargetProbes, p)
}

func (s *Session) runAPProbes(ap *AccessPort) {
	for _, probe := range s.apProbes {
		if probe(s, ap) {
			return
		}
	}
}

// runTargetProbes hands t to each registered chip driver until one
// claims it. A driver that read identification registers and failed
// must leave the target usable, so a latched wire fault is cleared
// between attempts.
func (s *Session) runTargetProbes(t *Target) bool {
	for _, probe := range s.targetProbes {
		if probe(t) {
			return true
		}
		if dp := t.ap.dp; dp.fault != FaultNone {
			if _, err := dp.ClearError(false); err != nil {
				logger.Warnf("clearing fault after failed probe: %v", err)
				return false
			}
		}
	}
	return false
}
