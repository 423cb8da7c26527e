// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// USB probe support: libusb context management, device discovery and
// a CMSIS-DAP adapter that maps the wire driver contracts onto DAP
// sequence commands.

package goprobe

import (
	"errors"
	"fmt"

	"github.com/google/gousb"
)

var usbCtx *gousb.Context

func InitializeUSB() error {
	if usbCtx != nil {
		logger.Warn("USB already initialized")
		return nil
	}
	usbCtx = gousb.NewContext()
	if usbCtx == nil {
		return errors.New("could not initialize libusb")
	}
	logger.Debug("Initialized libusb...")
	return nil
}

func CloseUSB() {
	if usbCtx == nil {
		logger.Warn("Could not close uninitialized usb context")
		return
	}
	usbCtx.Close()
	usbCtx = nil
}

func usbIDExists(ids []gousb.ID, id gousb.ID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func usbFindDevices(vids []gousb.ID, pids []gousb.ID) ([]*gousb.Device, error) {
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if usbIDExists(vids, desc.Vendor) && usbIDExists(pids, desc.Product) {
			logger.Infof("Found USB device [%04x:%04x] on bus %03d:%03d",
				uint16(desc.Vendor), uint16(desc.Product), desc.Bus, desc.Address)
			return true
		}
		return false
	})
	if err != nil {
		logger.Error("Got error during usb device scan ", err)
		return nil, err
	}
	logger.Infof("Found %d matching devices based on vendor and product id list", len(devices))
	return devices, nil
}

/* CMSIS-DAP command set, the subset the wire drivers need. */

const (
	dapCmdInfo              = 0x00
	dapCmdConnect           = 0x02
	dapCmdDisconnect        = 0x03
	dapCmdTransferConfigure = 0x04
	dapCmdSWJClock          = 0x11
	dapCmdSWJSequence       = 0x12
	dapCmdSWDConfigure      = 0x13
	dapCmdJTAGSequence      = 0x14
	dapCmdSWDSequence       = 0x1d

	dapInfoPacketSize = 0xff

	dapConnectSwd  = 1
	dapConnectJtag = 2

	dapOK = 0x00

	dapSequenceInput      = 0x80
	dapJtagSequenceTMS    = 0x40
	dapJtagSequenceTDO    = 0x80
	dapJtagSequenceCycles = 0x3f
)

var dapSupportedVids = []gousb.ID{0xc251, 0x0d28, 0x2e8a}
var dapSupportedPids = []gousb.ID{0xf001, 0xf002, 0x0204, 0x000c}

type jtagTap struct {
	idcode uint32
	irLen  int
}

// CmsisDap drives a CMSIS-DAP probe over its bulk endpoints. It
// satisfies both wire driver contracts; Connect selects which one is
// live.
type CmsisDap struct {
	usbDevice    *gousb.Device
	usbConfig    *gousb.Config
	usbInterface *gousb.Interface

	txEp *gousb.OutEndpoint
	rxEp *gousb.InEndpoint

	cmdbuf     []byte
	packetSize int

	taps []jtagTap
}

// NewCmsisDap opens the first matching probe, or the one with the
// given serial number when several are attached.
func NewCmsisDap(serial string) (*CmsisDap, error) {
	devices, err := usbFindDevices(dapSupportedVids, dapSupportedPids)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.New("could not find any CMSIS-DAP probe connected to computer")
	}

	d := &CmsisDap{}
	if serial == "" && len(devices) > 1 {
		return nil, errors.New("could not identify exact probe by given parameters. (Perhaps a serial no is missing?)")
	} else if len(devices) == 1 {
		d.usbDevice = devices[0]
	} else {
		for _, dev := range devices {
			devSerialNo, _ := dev.SerialNumber()
			logger.Debugf("Compare serial no %s with number %s", devSerialNo, serial)
			if devSerialNo == serial {
				d.usbDevice = dev
				logger.Infof("Found probe with serial number %s", devSerialNo)
			}
		}
	}
	if d.usbDevice == nil {
		return nil, errors.New("could not find CMSIS-DAP probe by given parameters")
	}

	d.usbConfig, err = d.usbDevice.Config(1)
	if err != nil {
		logger.Debug(err)
		return nil, errors.New("could not request configuration #1 for probe")
	}
	d.usbInterface, err = d.usbConfig.Interface(0, 0)
	if err != nil {
		logger.Debug(err)
		return nil, errors.New("could not claim interface 0,0 for probe")
	}

	for _, ep := range d.usbInterface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && d.txEp == nil {
			d.txEp, err = d.usbInterface.OutEndpoint(ep.Number)
		} else if ep.Direction == gousb.EndpointDirectionIn && d.rxEp == nil {
			d.rxEp, err = d.usbInterface.InEndpoint(ep.Number)
		}
		if err != nil {
			return nil, err
		}
	}
	if d.txEp == nil || d.rxEp == nil {
		return nil, errors.New("probe exposes no bulk endpoint pair")
	}

	d.packetSize = 64
	d.cmdbuf = make([]byte, 512)
	if size, err := d.info(dapInfoPacketSize); err == nil && len(size) == 2 {
		d.packetSize = int(leToUint16(size))
		if d.packetSize > len(d.cmdbuf) {
			d.packetSize = len(d.cmdbuf)
		}
	}
	logger.Debugf("cmsis-dap: packet size %d", d.packetSize)
	return d, nil
}

func (d *CmsisDap) Close() {
	d.command([]byte{dapCmdDisconnect})
	if d.usbInterface != nil {
		d.usbInterface.Close()
	}
	if d.usbConfig != nil {
		d.usbConfig.Close()
	}
	if d.usbDevice != nil {
		d.usbDevice.Close()
	}
}

// command round-trips one DAP packet. The response always echoes the
// command byte first.
func (d *CmsisDap) command(request []byte) ([]byte, error) {
	if _, err := d.txEp.Write(request); err != nil {
		return nil, err
	}
	response := d.cmdbuf[:d.packetSize]
	n, err := d.rxEp.Read(response)
	if err != nil {
		return nil, err
	}
	if n < 1 || response[0] != request[0] {
		return nil, fmt.Errorf("cmsis-dap: response mismatch for command 0x%02x", request[0])
	}
	return response[1:n], nil
}

func (d *CmsisDap) info(id byte) ([]byte, error) {
	resp, err := d.command([]byte{dapCmdInfo, id})
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, errors.New("cmsis-dap: short info response")
	}
	return resp[1 : 1+int(resp[0])], nil
}

// Connect selects the wire protocol and configures conservative
// transfer retry parameters.
func (d *CmsisDap) Connect(kind ConnectionKind) error {
	port := byte(dapConnectSwd)
	if kind == ConnectionJtag {
		port = dapConnectJtag
	}
	resp, err := d.command([]byte{dapCmdConnect, port})
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != port {
		return fmt.Errorf("cmsis-dap: probe refused %s mode", kind)
	}
	if _, err := d.command([]byte{dapCmdTransferConfigure, 2, 0x40, 0x00, 0x00, 0x00}); err != nil {
		return err
	}
	if kind == ConnectionSwd {
		_, err = d.command([]byte{dapCmdSWDConfigure, 0x00})
	}
	return err
}

func (d *CmsisDap) SetClock(hz uint32) error {
	req := make([]byte, 5)
	req[0] = dapCmdSWJClock
	uint32ToLE(req[1:], hz)
	resp, err := d.command(req)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != dapOK {
		return errors.New("cmsis-dap: clock configuration rejected")
	}
	return nil
}

/* SwdDriver */

// swdSequence runs one SWD_Sequence exchange. For input sequences the
// probe returns the sampled bits little endian.
func (d *CmsisDap) swdSequence(info byte, data []byte) []byte {
	req := append([]byte{dapCmdSWDSequence, 1, info}, data...)
	resp, err := d.command(req)
	if err != nil || len(resp) < 1 || resp[0] != dapOK {
		logger.Errorf("cmsis-dap: SWD sequence failed: %v", err)
		return nil
	}
	return resp[1:]
}

func (d *CmsisDap) SeqOut(value uint32, cycles int) {
	var data [4]byte
	uint32ToLE(data[:], value)
	d.swdSequence(byte(cycles&0x3f), data[:(cycles+7)/8])
}

func (d *CmsisDap) SeqOutParity(value uint32, cycles int) {
	d.SeqOut(value, cycles)
	var bit byte
	if !parityEven(value, cycles) {
		bit = 1
	}
	d.swdSequence(1, []byte{bit})
}

func (d *CmsisDap) SeqIn(cycles int) uint32 {
	resp := d.swdSequence(dapSequenceInput|byte(cycles&0x3f), nil)
	if len(resp) < (cycles+7)/8 {
		return 0
	}
	var value uint32
	for i := 0; i < (cycles+7)/8; i++ {
		value |= uint32(resp[i]) << (8 * i)
	}
	if cycles < 32 {
		value &= 1<<cycles - 1
	}
	return value
}

func (d *CmsisDap) SeqInParity(cycles int) (uint32, bool) {
	resp := d.swdSequence(dapSequenceInput|byte((cycles+1)&0x3f), nil)
	if len(resp) < (cycles+1+7)/8 {
		return 0, false
	}
	var raw uint64
	for i := range resp {
		raw |= uint64(resp[i]) << (8 * i)
	}
	value := uint32(raw & (1<<cycles - 1))
	parity := uint32(raw>>cycles) & 1
	return value, parityEven(value, cycles) == (parity == 0)
}

/* JtagDriver */

// jtagSequence issues one JTAG_Sequence packet built from (info,
// tdi bytes) chunks and returns the concatenated TDO captures.
func (d *CmsisDap) jtagSequence(chunks ...[]byte) []byte {
	req := []byte{dapCmdJTAGSequence, byte(len(chunks))}
	for _, c := range chunks {
		req = append(req, c...)
	}
	resp, err := d.command(req)
	if err != nil || len(resp) < 1 || resp[0] != dapOK {
		logger.Errorf("cmsis-dap: JTAG sequence failed: %v", err)
		return nil
	}
	return resp[1:]
}

// tmsSeq clocks cycles bits with TMS fixed and TDI high.
func (d *CmsisDap) tmsSeq(tms bool, cycles int) {
	info := byte(cycles & dapJtagSequenceCycles)
	if tms {
		info |= dapJtagSequenceTMS
	}
	d.jtagSequence(append([]byte{info}, 0xff))
}

// tmsWalk clocks one bit per pattern bit with TDI high, LSB first.
func (d *CmsisDap) tmsWalk(pattern uint32, cycles int) {
	for i := 0; i < cycles; i++ {
		d.tmsSeq(pattern>>i&1 != 0, 1)
	}
}

// shift exchanges cycles bits in the current shift state, raising TMS
// on the final bit to exit.
func (d *CmsisDap) shift(tdi uint64, cycles int) uint64 {
	var tdo uint64
	collected := 0

	emit := func(bits uint64, n int, lastTMS bool) {
		info := byte(n&dapJtagSequenceCycles) | dapJtagSequenceTDO
		if lastTMS {
			info |= dapJtagSequenceTMS
		}
		chunk := make([]byte, 1+(n+7)/8)
		chunk[0] = info
		for i := 0; i < (n+7)/8; i++ {
			chunk[1+i] = byte(bits >> (8 * i))
		}
		resp := d.jtagSequence(chunk)
		for i := 0; i < (n+7)/8 && i < len(resp); i++ {
			tdo |= uint64(resp[i]) << (collected + 8*i)
		}
		collected += n
	}

	if cycles > 1 {
		emit(tdi, cycles-1, false)
	}
	emit(tdi>>(cycles-1), 1, true)
	return tdo
}

// Reset walks every tap to Test-Logic-Reset, then to Run-Test/Idle,
// and rescans the chain.
func (d *CmsisDap) Reset() {
	d.tmsSeq(true, 6)
	d.tmsSeq(false, 1)
	d.scanChain()
}

// scanChain counts taps and captures their idcodes. Test-Logic-Reset
// loads the ID register on every tap, so one pass through Shift-DR
// reads the whole chain; the IR lengths come from the capture pattern
// each tap loads into its instruction register.
func (d *CmsisDap) scanChain() {
	d.taps = nil

	// TLR, then to Shift-DR: TMS 0,1,0,0.
	d.tmsSeq(true, 6)
	d.tmsWalk(0b0010, 4)
	for len(d.taps) < 32 {
		idcode := uint32(d.shiftNoExit(0xffffffff, 32))
		if idcode == 0xffffffff || idcode == 0 {
			break
		}
		d.taps = append(d.taps, jtagTap{idcode: idcode})
	}
	// Exit back to idle: TMS 1,1,0.
	d.tmsWalk(0b011, 3)

	// IR capture is ...0001 per the standard; count bits between the
	// mandatory ones to size each register.
	d.tmsSeq(true, 6)
	d.tmsWalk(0b0011, 4) // to Shift-IR
	tap, bits := 0, 0
	for i := 0; i < 512 && tap < len(d.taps); i++ {
		bit := d.shiftNoExit(1, 1)
		if bit&1 == 1 && bits > 0 {
			d.taps[tap].irLen = bits
			tap++
			bits = 1
		} else {
			bits++
		}
	}
	if tap < len(d.taps) && bits > 0 {
		d.taps[tap].irLen = bits
	}
	d.tmsWalk(0b011, 3)

	logger.Infof("jtag: %d taps on chain", len(d.taps))
	for i, t := range d.taps {
		logger.Debugf("jtag: tap %d idcode 0x%08x irlen %d", i, t.idcode, t.irLen)
	}
}

// shiftNoExit shifts without leaving the shift state.
func (d *CmsisDap) shiftNoExit(tdi uint64, cycles int) uint64 {
	info := byte(cycles&dapJtagSequenceCycles) | dapJtagSequenceTDO
	chunk := make([]byte, 1+(cycles+7)/8)
	chunk[0] = info
	for i := 0; i < (cycles+7)/8; i++ {
		chunk[1+i] = byte(tdi >> (8 * i))
	}
	resp := d.jtagSequence(chunk)
	var tdo uint64
	for i := 0; i < (cycles+7)/8 && i < len(resp); i++ {
		tdo |= uint64(resp[i]) << (8 * i)
	}
	return tdo
}

func (d *CmsisDap) ChainLength() int { return len(d.taps) }

func (d *CmsisDap) IdCode(dev int) uint32 {
	if dev < 0 || dev >= len(d.taps) {
		return 0
	}
	return d.taps[dev].idcode
}

// ShiftIR loads instruction into the tap at dev and BYPASS into every
// other tap.
func (d *CmsisDap) ShiftIR(dev int, instruction uint32, irLen int) {
	d.tmsWalk(0b0011, 4) // idle to Shift-IR

	for i := len(d.taps) - 1; i >= 0; i-- {
		n := d.taps[i].irLen
		if n == 0 {
			n = irLen
		}
		value := uint64(1)<<n - 1 // BYPASS
		if i == dev {
			value = uint64(instruction)
			n = irLen
		}
		if i == 0 {
			d.shift(value, n)
		} else {
			d.shiftNoExit(value, n)
		}
	}
	d.tmsWalk(0b01, 2) // Exit1-IR to idle
}

// ShiftDR exchanges cycles bits with the tap at dev; bypassed taps
// each insert one bit of delay on the TDO side.
func (d *CmsisDap) ShiftDR(dev int, value uint64, cycles int) uint64 {
	d.tmsWalk(0b001, 3) // idle to Shift-DR

	// Bypass registers ahead of the target tap sit between it and
	// TDO; pad them out before collecting.
	after := len(d.taps) - 1 - dev
	if after > 0 {
		d.shiftNoExit(0, after)
	}
	var tdo uint64
	if dev > 0 {
		tdo = d.shiftNoExit(value, cycles)
		d.shift(0, dev)
	} else {
		tdo = d.shift(value, cycles)
	}
	d.tmsWalk(0b01, 2) // Exit1-DR to idle
	return tdo
}
