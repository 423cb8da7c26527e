// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Remote probe support: drives a probe that exposes its bitbanging
// primitives over a serial port with a framed hex protocol. Each
// request is !<packet><params># and each response &<code><data>#.

package goprobe

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/term"
)

const (
	remoteSOM  = '!'
	remoteEOM  = '#'
	remoteResp = '&'

	remoteRespOK     = 'K'
	remoteRespParErr = 'P'
	remoteRespErr    = 'E'
	remoteRespNotSup = 'N'
)

// RemoteProbe speaks the remote bitbang protocol over a serial
// device. It satisfies both wire driver contracts.
type RemoteProbe struct {
	dev  *term.Term
	path string

	taps []jtagTap
}

func NewRemoteProbe(path string) (*RemoteProbe, error) {
	dev, err := term.Open(path,
		term.RawMode,
		term.Speed(115200),
		term.ReadTimeout(500*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	logger.Infof("remote: connected to %s", path)
	return &RemoteProbe{dev: dev, path: path}, nil
}

func (r *RemoteProbe) Close() error {
	return r.dev.Close()
}

// exchange writes one framed request and collects the response up to
// the end-of-message marker.
func (r *RemoteProbe) exchange(format string, args ...interface{}) (byte, string, error) {
	packet := string(rune(remoteSOM)) + fmt.Sprintf(format, args...) + string(rune(remoteEOM))
	if _, err := r.dev.Write([]byte(packet)); err != nil {
		return 0, "", err
	}

	var buf [1]byte
	var resp []byte
	for {
		n, err := r.dev.Read(buf[:])
		if err != nil || n == 0 {
			return 0, "", newProbeError(FaultTimeout, "remote: no response from %s", r.path)
		}
		if buf[0] == remoteEOM {
			break
		}
		resp = append(resp, buf[0])
		if len(resp) > 1024 {
			return 0, "", newProbeError(FaultProtocol, "remote: unterminated response")
		}
	}
	if len(resp) < 2 || resp[0] != remoteResp {
		return 0, "", newProbeError(FaultProtocol, "remote: malformed response %q", resp)
	}
	return resp[1], string(resp[2:]), nil
}

func (r *RemoteProbe) exchangeOK(format string, args ...interface{}) (string, error) {
	code, data, err := r.exchange(format, args...)
	if err != nil {
		return "", err
	}
	switch code {
	case remoteRespOK:
		return data, nil
	case remoteRespNotSup:
		return "", newProbeError(FaultProtocol, "remote: probe does not support request")
	default:
		return "", newProbeError(FaultProtocol, "remote: request failed with %c%s", code, data)
	}
}

func remoteHex(data string) uint64 {
	value, err := strconv.ParseUint(data, 16, 64)
	if err != nil {
		logger.Warnf("remote: bad hex payload %q", data)
		return 0
	}
	return value
}

// ConnectSwd switches the probe's wire unit into SWD mode.
func (r *RemoteProbe) ConnectSwd() error {
	_, err := r.exchangeOK("SS")
	return err
}

// ConnectJtag switches the probe's wire unit into JTAG mode.
func (r *RemoteProbe) ConnectJtag() error {
	_, err := r.exchangeOK("JS")
	return err
}

/* SwdDriver */

func (r *RemoteProbe) SeqOut(value uint32, cycles int) {
	if _, err := r.exchangeOK("So%02x%x", cycles, value); err != nil {
		logger.Errorf("remote: seq out failed: %v", err)
	}
}

func (r *RemoteProbe) SeqOutParity(value uint32, cycles int) {
	if _, err := r.exchangeOK("SO%02x%x", cycles, value); err != nil {
		logger.Errorf("remote: seq out parity failed: %v", err)
	}
}

func (r *RemoteProbe) SeqIn(cycles int) uint32 {
	data, err := r.exchangeOK("Si%02x", cycles)
	if err != nil {
		logger.Errorf("remote: seq in failed: %v", err)
		return 0
	}
	return uint32(remoteHex(data))
}

func (r *RemoteProbe) SeqInParity(cycles int) (uint32, bool) {
	code, data, err := r.exchange("SI%02x", cycles)
	if err != nil {
		logger.Errorf("remote: seq in parity failed: %v", err)
		return 0, false
	}
	// A parity failure still carries the sampled value.
	return uint32(remoteHex(data)), code == remoteRespOK
}

/* JtagDriver */

func (r *RemoteProbe) tmsSeq(pattern uint32, cycles int) {
	if _, err := r.exchangeOK("JT%02x%x", cycles, pattern); err != nil {
		logger.Errorf("remote: tms sequence failed: %v", err)
	}
}

// tdiTdoSeq exchanges cycles bits, raising TMS on the last bit when
// final is set.
func (r *RemoteProbe) tdiTdoSeq(tdi uint64, cycles int, final bool) uint64 {
	kind := byte('d')
	if final {
		kind = 'D'
	}
	data, err := r.exchangeOK("J%c%02x%x", kind, cycles, tdi)
	if err != nil {
		logger.Errorf("remote: tdi/tdo sequence failed: %v", err)
		return 0
	}
	return remoteHex(data)
}

func (r *RemoteProbe) Reset() {
	if _, err := r.exchangeOK("JR"); err != nil {
		logger.Errorf("remote: tap reset failed: %v", err)
		return
	}
	r.scanChain()
}

// scanChain mirrors the discovery pass a local scan does: capture the
// ID register chain after Test-Logic-Reset, then size each tap's
// instruction register from the IR capture pattern.
func (r *RemoteProbe) scanChain() {
	r.taps = nil

	r.tmsSeq(0b011111, 6)
	r.tmsSeq(0b0010, 4) // to Shift-DR
	for len(r.taps) < 32 {
		idcode := uint32(r.tdiTdoSeq(0xffffffff, 32, false))
		if idcode == 0xffffffff || idcode == 0 {
			break
		}
		r.taps = append(r.taps, jtagTap{idcode: idcode})
	}
	r.tmsSeq(0b011, 3) // back to idle

	r.tmsSeq(0b011111, 6)
	r.tmsSeq(0b0011, 4) // to Shift-IR
	tap, bits := 0, 0
	for i := 0; i < 512 && tap < len(r.taps); i++ {
		bit := r.tdiTdoSeq(1, 1, false)
		if bit&1 == 1 && bits > 0 {
			r.taps[tap].irLen = bits
			tap++
			bits = 1
		} else {
			bits++
		}
	}
	if tap < len(r.taps) && bits > 0 {
		r.taps[tap].irLen = bits
	}
	r.tmsSeq(0b011, 3)

	logger.Infof("remote: %d taps on chain", len(r.taps))
}

func (r *RemoteProbe) ChainLength() int { return len(r.taps) }

func (r *RemoteProbe) IdCode(dev int) uint32 {
	if dev < 0 || dev >= len(r.taps) {
		return 0
	}
	return r.taps[dev].idcode
}

func (r *RemoteProbe) ShiftIR(dev int, instruction uint32, irLen int) {
	r.tmsSeq(0b0011, 4) // idle to Shift-IR
	for i := len(r.taps) - 1; i >= 0; i-- {
		n := r.taps[i].irLen
		if n == 0 {
			n = irLen
		}
		value := uint64(1)<<n - 1 // BYPASS
		if i == dev {
			value = uint64(instruction)
			n = irLen
		}
		r.tdiTdoSeq(value, n, i == 0)
	}
	r.tmsSeq(0b01, 2) // Exit1-IR to idle
}

func (r *RemoteProbe) ShiftDR(dev int, value uint64, cycles int) uint64 {
	r.tmsSeq(0b001, 3) // idle to Shift-DR
	after := len(r.taps) - 1 - dev
	if after > 0 {
		r.tdiTdoSeq(0, after, false)
	}
	var tdo uint64
	if dev > 0 {
		tdo = r.tdiTdoSeq(value, cycles, false)
		r.tdiTdoSeq(0, dev, true)
	} else {
		tdo = r.tdiTdoSeq(value, cycles, true)
	}
	r.tmsSeq(0b01, 2) // Exit1-DR to idle
	return tdo
}
