// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

// SessionConfig carries the injectable pieces of a debug session. All
// fields are optional; zero values select the wall clock and silence.
type SessionConfig struct {
	Clock    Clock
	Progress ProgressFunc
	Print    PrintFunc
}

// Session owns everything one debug connection discovers: the target
// list and the probe registries that populate it. Nothing in the
// library lives in process-wide state, so independent sessions can
// coexist.
//
// A session is not safe for concurrent use; the whole stack assumes at
// most one target operation executes at a time.
type Session struct {
	clock    Clock
	progress ProgressFunc
	printf   PrintFunc

	targets      []*Target
	apProbes     []APProbe
	targetProbes []TargetProbe
}

func NewSession(config *SessionConfig) *Session {
	s := &Session{}
	if config != nil {
		s.clock = config.Clock
		s.progress = config.Progress
		s.printf = config.Print
	}
	if s.clock == nil {
		s.clock = SystemClock()
	}
	s.apProbes = append(s.apProbes, registeredAPProbes...)
	s.targetProbes = append(s.targetProbes, registeredTargetProbes...)
	return s
}

// Targets lists everything discovered so far, in scan order.
func (s *Session) Targets() []*Target { return s.targets }

// Close detaches and destroys every target. Topology is rediscovered
// by a fresh scan, nothing persists.
func (s *Session) Close() {
	for _, t := range s.targets {
		t.destroy()
	}
	s.targets = nil
}
