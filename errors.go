// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

import (
	"errors"
	"fmt"
)

// FaultCode classifies a failure of the debug link itself. Wire faults
// latch on the owning DebugPort and stay latched until ClearError
// succeeds; every other failure in the library is an ordinary error
// checked at the call site.
type FaultCode int

const (
	FaultNone FaultCode = iota
	// FaultWait means the target kept answering WAIT until the retry
	// deadline ran out.
	FaultWait
	// FaultAck is a non-OK, non-WAIT acknowledge on the wire.
	FaultAck
	// FaultParity is a parity mismatch on a read data phase.
	FaultParity
	// FaultNoResponse means the target stopped driving the line.
	FaultNoResponse
	// FaultTimeout is a bounded poll that expired above the wire layer.
	FaultTimeout
	// FaultProtocol is an acknowledge value outside the protocol.
	FaultProtocol
)

func (c FaultCode) String() string {
	switch c {
	case FaultNone:
		return "ok"
	case FaultWait:
		return "wait retry exhausted"
	case FaultAck:
		return "fault acknowledge"
	case FaultParity:
		return "parity error"
	case FaultNoResponse:
		return "no response"
	case FaultTimeout:
		return "timeout"
	case FaultProtocol:
		return "protocol error"
	}
	return fmt.Sprintf("fault code %d", int(c))
}

// ProbeError is the typed failure raised by the wire transport and the
// DP/AP layers on top of it.
type ProbeError struct {
	Code FaultCode
	msg  string
}

func (e *ProbeError) Error() string {
	if e.msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.msg, e.Code.String())
}

func newProbeError(code FaultCode, format string, args ...interface{}) error {
	return &ProbeError{Code: code, msg: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the fault classification from an error chain, or
// FaultNone when err does not originate in the wire layer.
func ErrorCode(err error) FaultCode {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return FaultNone
}

// IsTimeout reports whether err is a bounded poll or retry expiry.
func IsTimeout(err error) bool {
	code := ErrorCode(err)
	return code == FaultTimeout || code == FaultWait
}
