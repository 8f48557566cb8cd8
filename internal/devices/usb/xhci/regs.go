package xhci

// Register layout of the controller BAR.
const (
	MMIOWindowSize = 0x10000

	capLength   = 0x80
	hciVersion  = 0x0100
	extCapStart = 0x20
	rtsOff      = 0x1000
	dbOff       = 0x2000

	opBase       = capLength
	portRegBase  = 0x400
	portRegSize  = 0x10
	intrRegBase  = 0x20
	intrRegSize  = 0x20
	maxSlotsHard = 255
	maxIntrsHard = 127
	maxPortsHard = 127
	erstMaxLog2  = 4
)

// Capability register offsets.
const (
	capRegLength    = 0x00
	capRegHCSParam1 = 0x04
	capRegHCSParam2 = 0x08
	capRegHCSParam3 = 0x0C
	capRegHCCParam1 = 0x10
	capRegDBOff     = 0x14
	capRegRTSOff    = 0x18
	capRegHCCParam2 = 0x1C
)

const (
	hccAC64        = 1 << 0
	hccXECPShift   = 16
	extCapProtocol = 2
	protocolName   = 0x20425355 // "USB "
)

// Operational register offsets, relative to opBase.
const (
	opRegUSBCmd   = 0x00
	opRegUSBSts   = 0x04
	opRegPageSize = 0x08
	opRegDNCtrl   = 0x14
	opRegCRCRLo   = 0x18
	opRegCRCRHi   = 0x1C
	opRegDCBAAPLo = 0x30
	opRegDCBAAPHi = 0x34
	opRegConfig   = 0x38
)

// USBCMD bits.
const (
	cmdRunStop      = 1 << 0
	cmdHCReset      = 1 << 1
	cmdIntEnable    = 1 << 2
	cmdHSEEnable    = 1 << 3
	cmdLightReset   = 1 << 7
	cmdSaveState    = 1 << 8
	cmdRestoreState = 1 << 9
	cmdEWE          = 1 << 10
	cmdEU3S         = 1 << 11
	cmdWritable     = cmdRunStop | cmdIntEnable | cmdHSEEnable | cmdEWE | cmdEU3S
)

// USBSTS bits.
const (
	stsHCHalted     = 1 << 0
	stsHSE          = 1 << 2
	stsEINT         = 1 << 3
	stsPCD          = 1 << 4
	stsSSS          = 1 << 8
	stsRSS          = 1 << 9
	stsSRE          = 1 << 10
	stsCNR          = 1 << 11
	stsHCE          = 1 << 12
	stsWriteToClear = stsHSE | stsEINT | stsPCD | stsSRE
)

// CRCR bits.
const (
	crcrRCS         = 1 << 0
	crcrCS          = 1 << 1
	crcrCA          = 1 << 2
	crcrCRR         = 1 << 3
	crcrPointerMask = ^uint64(0x3f)
)

const dcbaapMask = ^uint64(0x3f)

// Port register offsets within a port register set.
const (
	portRegSC    = 0x0
	portRegPMSC  = 0x4
	portRegLI    = 0x8
	portRegHLPMC = 0xC
)

// PORTSC bits.
const (
	portscCCS       = 1 << 0
	portscPED       = 1 << 1
	portscOCA       = 1 << 3
	portscPR        = 1 << 4
	portscPLSShift  = 5
	portscPLSMask   = 0xf << portscPLSShift
	portscPP        = 1 << 9
	portscSpeedShft = 10
	portscSpeedMask = 0xf << portscSpeedShft
	portscPICShift  = 14
	portscPICMask   = 0x3 << portscPICShift
	portscLWS       = 1 << 16
	portscCSC       = 1 << 17
	portscPEC       = 1 << 18
	portscWRC       = 1 << 19
	portscOCC       = 1 << 20
	portscPRC       = 1 << 21
	portscPLC       = 1 << 22
	portscCEC       = 1 << 23
	portscCAS       = 1 << 24
	portscWCE       = 1 << 25
	portscWDE       = 1 << 26
	portscWOE       = 1 << 27
	portscDR        = 1 << 30
	portscWPR       = 1 << 31

	portscChangeBits = portscCSC | portscPEC | portscWRC | portscOCC | portscPRC | portscPLC | portscCEC
	portscWakeBits   = portscWCE | portscWDE | portscWOE
)

// Port link states (PORTSC.PLS).
const (
	linkU0         = 0
	linkU1         = 1
	linkU2         = 2
	linkU3         = 3
	linkDisabled   = 4
	linkRxDetect   = 5
	linkInactive   = 6
	linkPolling    = 7
	linkRecovery   = 8
	linkHotReset   = 9
	linkCompliance = 10
	linkTestMode   = 11
	linkResume     = 15
)

// Protocol speed IDs reported in PORTSC and the slot context.
const (
	speedIDFull  = 1
	speedIDLow   = 2
	speedIDHigh  = 3
	speedIDSuper = 4
)

// Runtime register offsets.
const (
	rtRegMFIndex = 0x00

	intrRegIMAN     = 0x00
	intrRegIMOD     = 0x04
	intrRegERSTSZ   = 0x08
	intrRegERSTBALo = 0x10
	intrRegERSTBAHi = 0x14
	intrRegERDPLo   = 0x18
	intrRegERDPHi   = 0x1C
)

const (
	imanIP = 1 << 0
	imanIE = 1 << 1

	erdpDESIMask    = 0x7
	erdpEHB         = 1 << 3
	erdpPointerMask = ^uint64(0xf)
	erstbaMask      = ^uint64(0x3f)
)

// Doorbell register fields.
const (
	doorbellTargetMask = 0xff
)

// bits extracts the inclusive bit range [hi:lo] of v.
func bits(v uint32, hi, lo uint) uint32 {
	return (v >> lo) & (uint32(1)<<(hi-lo+1) - 1)
}

// setBits returns v with the inclusive range [hi:lo] replaced by field.
func setBits(v uint32, hi, lo uint, field uint32) uint32 {
	mask := (uint32(1)<<(hi-lo+1) - 1) << lo
	return v&^mask | (field<<lo)&mask
}

// mergeHalf replaces the low or high dword of a 64-bit register.
func mergeHalf(reg uint64, high bool, v uint32) uint64 {
	if high {
		return reg&0xffffffff | uint64(v)<<32
	}
	return reg&^0xffffffff | uint64(v)
}

func half(reg uint64, high bool) uint32 {
	if high {
		return uint32(reg >> 32)
	}
	return uint32(reg)
}
