// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Register level constants of the ARM Debug Interface v5, ARM doc
// IHI0031. Only the registers the stack actually touches are here.

package goprobe

// Register addresses carry the APnDP discriminator in bit 8 so one
// 16 bit value names any DP or AP register.
const apNDP = 0x100

const (
	lowWrite = 0
	lowRead  = 1
)

/* DP registers */
const (
	dpIDR       = 0x00
	dpAbort     = 0x00
	dpCtrlStat  = 0x04
	dpSelect    = 0x08
	dpRdBuff    = 0x0c
	dpTargetID  = 0x24 // bank 2
	dpTargetSel = 0x0c // write-only, SWD only
)

const (
	dpBank0 = 0x00
	dpBank2 = 0x02
)

/* ABORT register bits */
const (
	dpAbortDapAbort   = 1 << 0
	dpAbortStkCmpClr  = 1 << 1
	dpAbortStkErrClr  = 1 << 2
	dpAbortWdErrClr   = 1 << 3
	dpAbortOrunErrClr = 1 << 4
)

/* CTRL/STAT register bits */
const (
	dpCtrlStatOrunDetect   = 1 << 0
	dpCtrlStatStickyOrun   = 1 << 1
	dpCtrlStatStickyCmp    = 1 << 4
	dpCtrlStatStickyErr    = 1 << 5
	dpCtrlStatWDataErr     = 1 << 7
	dpCtrlStatCDbgRstReq   = 1 << 26
	dpCtrlStatCDbgRstAck   = 1 << 27
	dpCtrlStatCDbgPwrupReq = 1 << 28
	dpCtrlStatCDbgPwrupAck = 1 << 29
	dpCtrlStatCSysPwrupReq = 1 << 30
	dpCtrlStatCSysPwrupAck = 1 << 31
	dpCtrlStatErrMask      = dpCtrlStatStickyOrun | dpCtrlStatStickyCmp | dpCtrlStatStickyErr | dpCtrlStatWDataErr
)

const (
	dpIDRVersionMask   = 0x0000f000
	dpIDRVersionOffset = 12
)

const (
	dpTargetSelInstanceOffset = 28
	dpTargetIDDesignerMask    = 0x00000ffe
	dpTargetIDPartnoMask      = 0x0ffff000
)

/* AP registers (MEM-AP) */
const (
	apCSW  = 0x00 | apNDP
	apTAR  = 0x04 | apNDP
	apDRW  = 0x0c | apNDP
	apDB0  = 0x10 | apNDP
	apCFG  = 0xf4 | apNDP
	apBase = 0xf8 | apNDP
	apIDR  = 0xfc | apNDP
)

func apDB(n uint16) uint16 { return (0x10 + 4*n) | apNDP }

/* CSW bits */
const (
	apCSWSizeByte      = 0x00000000
	apCSWSizeHalfword  = 0x00000001
	apCSWSizeWord      = 0x00000002
	apCSWSizeMask      = 0x00000007
	apCSWAddrIncSingle = 0x00000010
	apCSWAddrIncMask   = 0x00000030
	apCSWTrInProg      = 0x00000080
	apCSWDeviceEn      = 0x00000040
)

// A MEM-AP only auto-increments TAR within a 1024 byte aligned window;
// crossing it without rewriting TAR silently wraps the transfer.
const apTarWindowMask = 0xfffffc00

/* SWD acknowledge values */
const (
	swdAckOK         = 0x01
	swdAckWait       = 0x02
	swdAckFault      = 0x04
	swdAckNoResponse = 0x07
)

/* SWD selection sequences, ADIv5 §5.3.4 */
const (
	swdSelectionAlert0   = 0x6209f392
	swdSelectionAlert1   = 0x86852d95
	swdSelectionAlert2   = 0xe3ddafe9
	swdSelectionAlert3   = 0x19bc0ea2
	swdActivationCodeSwd = 0x1a
	jtagToSwdSelect      = 0xe79e
)

/* JTAG-DP instruction register values, 4 bit IR */
const (
	jtagIRAbort = 0x8
	jtagIRDPAcc = 0xa
	jtagIRAPAcc = 0xb
	jtagIRLen   = 4
)

const (
	jtagAckWait = 0x01
	jtagAckOK   = 0x02
)

/* DP quirk flags */
const (
	// QuirkMinimalDP marks DPs without a SELECT/RDBUFF implementation
	// (DPv0 MINDP parts); posted AP reads are replayed instead.
	QuirkMinimalDP = 1 << 0
	// QuirkJtag marks the DP as reached over a scan chain.
	QuirkJtag = 1 << 1
)

/* ROM table component and peripheral identification */
const (
	romCIDR0Offset = 0xff0
	romPIDR0Offset = 0xfe0
	romPIDR4Offset = 0xfd0

	romCIDPreamble   = 0xb105000d
	romCIDClassMask  = 0x0000f000
	romCIDClassShift = 12

	romCIDClassRomTable = 0x1
	romCIDClassDebug    = 0x9
	romCIDClassGeneric  = 0xe

	romPIDRRevMask = 0x0fff00000
	romPIDRPnMask  = 0x000000fff
	romPIDRArmBits = 0x4000bb000
)
