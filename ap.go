// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Access Port handling: register access through the SELECT window,
// TAR/DRW memory transfers and the ROM table component walk.

package goprobe

type memAlign int

const (
	alignByte     memAlign = 0
	alignHalfword memAlign = 1
	alignWord     memAlign = 2
)

func alignOf(x uint32) memAlign {
	if x&3 == 0 {
		return alignWord
	}
	if x&1 == 0 {
		return alignHalfword
	}
	return alignByte
}

// AccessPort is a register-windowed view onto target memory exposed by
// a DebugPort. Several Targets may share one AccessPort (primary core
// plus an auxiliary window); reference counting keeps the pair alive
// until the last user releases it.
type AccessPort struct {
	dp     *DebugPort
	apsel  uint8
	refcnt int

	IDR  uint32
	CFG  uint32
	Base uint32
	// csw caches the control/status word with the size and increment
	// fields cleared; memory access ORs the per-transfer bits in.
	csw uint32

	// PartNo is filled by identification probes that recognize the AP.
	PartNo uint16
}

// newAccessPort reads the identification registers for apsel and
// returns nil when no AP answers there.
func (dp *DebugPort) newAccessPort(apsel uint8) (*AccessPort, error) {
	probe := &AccessPort{dp: dp, apsel: apsel}

	idr, err := probe.Read(apIDR)
	if err != nil {
		return nil, err
	}
	if idr == 0 {
		return nil, nil
	}

	ap := probe
	ap.refcnt = 1
	dp.ref()
	ap.IDR = idr

	if ap.CFG, err = ap.Read(apCFG); err != nil {
		return nil, err
	}
	if ap.Base, err = ap.Read(apBase); err != nil {
		return nil, err
	}
	csw, err := ap.Read(apCSW)
	if err != nil {
		return nil, err
	}
	ap.csw = csw &^ (apCSWSizeMask | apCSWAddrIncMask)
	if ap.csw&apCSWTrInProg != 0 {
		logger.Warn("AP transaction in progress, target may not be usable")
		ap.csw &^= apCSWTrInProg
	}

	dp.openAP(apsel)
	logger.Debugf("AP %3d: IDR=%08x CFG=%08x BASE=%08x CSW=%08x",
		apsel, ap.IDR, ap.CFG, ap.Base, ap.csw)
	return ap, nil
}

func (ap *AccessPort) DP() *DebugPort  { return ap.dp }
func (ap *AccessPort) Selector() uint8 { return ap.apsel }

func (ap *AccessPort) ref() { ap.refcnt++ }

func (ap *AccessPort) unref() {
	ap.refcnt--
	if ap.refcnt == 0 {
		ap.dp.unref()
	}
}

// Read reads an AP register: write the bank into SELECT, then access
// the register through the DP.
func (ap *AccessPort) Read(addr uint16) (uint32, error) {
	if err := ap.selectBank(addr); err != nil {
		return 0, err
	}
	return ap.dp.Read(addr)
}

func (ap *AccessPort) Write(addr uint16, value uint32) error {
	if err := ap.selectBank(addr); err != nil {
		return err
	}
	return ap.dp.Write(addr, value)
}

func (ap *AccessPort) selectBank(addr uint16) error {
	return ap.dp.Write(dpSelect, uint32(ap.apsel)<<24|uint32(addr&0xf0))
}

// memAccessSetup programs CSW and TAR for sequential access at the
// given width.
func (ap *AccessPort) memAccessSetup(addr uint32, align memAlign) error {
	csw := ap.csw | apCSWAddrIncSingle
	switch align {
	case alignByte:
		csw |= apCSWSizeByte
	case alignHalfword:
		csw |= apCSWSizeHalfword
	case alignWord:
		csw |= apCSWSizeWord
	}
	if err := ap.Write(apCSW, csw); err != nil {
		return err
	}
	_, err := ap.dp.LowAccess(lowWrite, apTAR, addr)
	return err
}

// extract pulls the addressed lane out of a 32 bit DRW value.
func extract(dest []byte, src, val uint32, align memAlign) int {
	switch align {
	case alignByte:
		dest[0] = byte(val >> ((src & 3) << 3))
		return 1
	case alignHalfword:
		uint16ToLE(dest, uint16(val>>((src&2)<<3)))
		return 2
	default:
		uint32ToLE(dest, val)
		return 4
	}
}

// pack shifts source bytes into the data lane TAR selects.
func pack(src []byte, dest uint32, align memAlign) uint32 {
	switch align {
	case alignByte:
		return uint32(src[0]) << ((dest & 3) << 3)
	case alignHalfword:
		return uint32(leToUint16(src)) << ((dest & 2) << 3)
	default:
		return leToUint32(src)
	}
}

// MemRead fills dest from the target address space starting at src.
// The transfer width is the largest the address and length alignment
// permit; TAR is rewritten whenever the auto-increment window would
// wrap at a 1024 byte boundary.
func (ap *AccessPort) MemRead(dest []byte, src uint32) error {
	if len(dest) == 0 {
		return nil
	}
	align := alignOf(src)
	if a := alignOf(uint32(len(dest))); a < align {
		align = a
	}

	count := len(dest) >> uint(align)
	if err := ap.memAccessSetup(src, align); err != nil {
		return err
	}

	// Reads are pipelined: the first DRW access posts the transfer,
	// each subsequent one collects the previous word and posts the
	// next, RDBUFF drains the last.
	if _, err := ap.dp.LowAccess(lowRead, apDRW, 0); err != nil {
		return err
	}
	window := src
	offset := 0
	step := uint32(1) << uint(align)
	for i := 1; i < count; i++ {
		value, err := ap.dp.LowAccess(lowRead, apDRW, 0)
		if err != nil {
			return err
		}
		offset += extract(dest[offset:], src, value, align)
		src += step
		if (src^window)&apTarWindowMask != 0 {
			// The posted read must be restarted on the far side of
			// the auto-increment window.
			window = src
			if _, err := ap.dp.LowAccess(lowWrite, apTAR, src); err != nil {
				return err
			}
			if _, err := ap.dp.LowAccess(lowRead, apDRW, 0); err != nil {
				return err
			}
		}
	}
	value, err := ap.dp.LowAccess(lowRead, dpRdBuff, 0)
	if err != nil {
		return err
	}
	extract(dest[offset:], src, value, align)
	return nil
}

// MemWrite copies src into the target address space at dest, with the
// same width selection and window handling as MemRead.
func (ap *AccessPort) MemWrite(dest uint32, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	align := alignOf(dest)
	if a := alignOf(uint32(len(src))); a < align {
		align = a
	}

	count := len(src) >> uint(align)
	if err := ap.memAccessSetup(dest, align); err != nil {
		return err
	}

	window := dest
	offset := 0
	step := uint32(1) << uint(align)
	for i := 0; i < count; i++ {
		if (dest^window)&apTarWindowMask != 0 {
			window = dest
			if _, err := ap.dp.LowAccess(lowWrite, apTAR, dest); err != nil {
				return err
			}
		}
		value := pack(src[offset:], dest, align)
		if _, err := ap.dp.LowAccess(lowWrite, apDRW, value); err != nil {
			return err
		}
		offset += int(step)
		dest += step
	}
	return nil
}

func (ap *AccessPort) MemRead32(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := ap.MemRead(buf[:], addr); err != nil {
		return 0, err
	}
	return leToUint32(buf[:]), nil
}

func (ap *AccessPort) MemWrite32(addr uint32, value uint32) error {
	var buf [4]byte
	uint32ToLE(buf[:], value)
	return ap.MemWrite(addr, buf[:])
}

/* ROM table walk */

type armPart struct {
	partNumber uint16
	arch       coreArch
	name       string
}

type coreArch int

const (
	archNone coreArch = iota
	archCortexM
)

// The part number subset routed to a core prober; everything else is
// identified for the log only.
var armPartTable = []armPart{
	{0x000, archCortexM, "Cortex-M3 SCS"},
	{0x008, archCortexM, "Cortex-M0 SCS"},
	{0x00c, archCortexM, "Cortex-M4 SCS"},
	{0x4c7, archNone, "Cortex-M7 PPB ROM table"},
	{0x906, archNone, "CoreSight CTI"},
	{0x907, archNone, "CoreSight ETB"},
	{0x912, archNone, "CoreSight TPIU"},
	{0x923, archNone, "Cortex-M3 TPIU"},
	{0x924, archNone, "Cortex-M3 ETM"},
	{0x925, archNone, "Cortex-M4 ETM"},
	{0x962, archNone, "CoreSight STM"},
	{0x9a1, archNone, "Cortex-M4 TPIU"},
}

// componentProbe reads the component and peripheral identification of
// the component at addr and either recurses through a ROM table or
// hands a recognized core component to the core prober.
func (ap *AccessPort) componentProbe(addr uint32) {
	addr &^= 3

	if filter := ap.dp.RomFilter; filter != nil && !filter(addr) {
		logger.Debugf("%08x: suppressed by ROM filter", addr)
		return
	}

	var pidr uint64
	var cidr uint32
	for i := uint32(0); i < 4; i++ {
		x, err := ap.MemRead32(addr + romPIDR0Offset + 4*i)
		if err != nil {
			logger.Debugf("fault reading ID registers at %08x", addr)
			return
		}
		pidr |= uint64(x&0xff) << (i * 8)
	}
	x, err := ap.MemRead32(addr + romPIDR4Offset)
	if err != nil {
		return
	}
	pidr |= uint64(x) << 32
	for i := uint32(0); i < 4; i++ {
		x, err := ap.MemRead32(addr + romCIDR0Offset + 4*i)
		if err != nil {
			return
		}
		cidr |= (x & 0xff) << (i * 8)
	}

	if cidr&^uint32(romCIDClassMask) != romCIDPreamble {
		logger.Debugf("%08x: CIDR %08x does not match preamble", addr, cidr)
		return
	}
	cidClass := (cidr & romCIDClassMask) >> romCIDClassShift

	if cidClass == romCIDClassRomTable {
		for i := uint32(0); i < 256; i++ {
			entry, err := ap.MemRead32(addr + i*4)
			if err != nil {
				logger.Debugf("fault reading ROM table entry %d", i)
				return
			}
			if entry == 0 {
				break
			}
			if entry&1 == 0 {
				continue
			}
			ap.componentProbe(addr + (entry &^ 0xfff))
		}
		return
	}

	if pidr&^uint64(romPIDRRevMask|romPIDRPnMask) != romPIDRArmBits {
		logger.Debugf("%08x: PIDR %012x is not an ARM design", addr, pidr)
		return
	}

	partNumber := uint16(pidr & romPIDRPnMask)
	for _, part := range armPartTable {
		if part.partNumber != partNumber {
			continue
		}
		logger.Debugf("%08x: %s", addr, part.name)
		if part.arch == archCortexM {
			ap.dp.session.cortexmProbe(ap)
		}
		return
	}
	logger.Debugf("%08x: unknown component, PIDR %012x", addr, pidr)
}
