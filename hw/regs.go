// Package hw describes the adapter's register map and the in-memory layouts
// shared between host and device: transmit descriptors, command headers,
// receive packet headers and interrupt coalescing table entries.
package hw

// Control and status registers.
const (
	CSRHWIFConfig = 0x000
	CSRInt        = 0x008 // write 1 to clear
	CSRIntMask    = 0x00c
	CSRFHIntStat  = 0x010
	CSRReset      = 0x020
	CSRGPCntrl    = 0x024
	CSRDRAMIntTbl = 0x0a0
)

// CSRHWIFConfig bits.
const HWIFConfigNICReady = 1 << 22

// CSRReset bits.
const (
	ResetSWReset        = 1 << 7
	ResetMasterDisabled = 1 << 8
	ResetStopMaster     = 1 << 9
)

// CSRGPCntrl bits.
const (
	GPCntrlMACClockReady = 1 << 0
	GPCntrlInitDone      = 1 << 2
	GPCntrlMACAccessReq  = 1 << 3
	GPCntrlGoingToSleep  = 1 << 4
	GPCntrlHWRFKillSW    = 1 << 27 // set while the radio is enabled
)

// CSRDRAMIntTbl bits. The low 27 bits hold the table bus address >> 12.
const (
	DRAMIntTblEnable    = 1 << 31
	DRAMIntTblWrapCheck = 1 << 27
	DRAMIntTblAddrMask  = 1<<27 - 1
)

// Interrupt causes in CSRInt and CSRIntMask.
const (
	IntFHRx       = 1 << 31
	IntHWErr      = 1 << 29
	IntRxPeriodic = 1 << 28
	IntFHTx       = 1 << 27
	IntSWErr      = 1 << 25
	IntRFKill     = 1 << 7
	IntCTKill     = 1 << 6
	IntSWRx       = 1 << 3
	IntWakeup     = 1 << 1
	IntAlive      = 1 << 0

	IntRx = IntFHRx | IntSWRx | IntRxPeriodic

	IntInitMask = IntFHRx | IntHWErr | IntRxPeriodic | IntFHTx | IntSWErr |
		IntRFKill | IntCTKill | IntSWRx | IntWakeup | IntAlive
)

// Host bus registers.
const (
	HBUSTargPrphWAddr = 0x444
	HBUSTargPrphRAddr = 0x448
	HBUSTargPrphWData = 0x44c
	HBUSTargPrphRData = 0x450
	HBUSTargWrPtr     = 0x460 // qid<<8 | index

	// PrphAccess is or-ed into periphery addresses written to the
	// indirect address registers.
	PrphAccess = 3 << 24
	PrphMask   = 0x000fffff
)

// Periphery registers, reached through the indirect access window.
const (
	APMGClkEnReg = 0x3004
	APMGPSCtrl   = 0x300c

	APMGClkValDMA         = 1 << 9
	APMGPSCtrlPwrSrcMask  = 0x03000000
	APMGPSCtrlPwrSrcVMain = 0x00000000
	APMGPSCtrlPwrSrcVAUX  = 0x02000000

	SchedDRAMAddr      = 0xa02c04 // scheduler byte-count table base >> 10
	SchedDRAMAddrShift = 10
	SchedTxFactCtrl    = 0xa02c10
	SchedTxFactAll     = 0xff
)

// Flow handler registers.
const (
	FHKWMemAddr       = 0x197c // keep-warm bus address >> 4
	fhMemCBBCQueue0   = 0x19d0
	FHRSCSRStatusWPtr = 0x1bc0 // RX status bus address >> 4
	FHRSCSRRBDCBBase  = 0x1bc4 // RX descriptor ring bus address >> 8
	FHRSCSRWPtr       = 0x1bc8 // RX write pointer
	FHRCSRConfig      = 0x1c00
	FHRSSRStatus      = 0x1c44
	fhTCSRConfig0     = 0x1d00
	fhTCSRStride      = 0x20
)

// FHMemCBBCQueue returns the register holding the descriptor ring base
// (bus address >> 8) of TX queue q.
func FHMemCBBCQueue(q int) uint32 { return uint32(fhMemCBBCQueue0 + 4*q) }

// FHTCSRConfig returns the DMA channel config register of TX queue q.
func FHTCSRConfig(q int) uint32 { return uint32(fhTCSRConfig0 + fhTCSRStride*q) }

// FHRCSRConfig bits.
const (
	RCSRChnlEnable = 0x80000000
	RCSRRBSize8K   = 0x00010000
	RCSRIRQHost    = 0x00001000
)

// FHRSSRStatus bits.
const RSSRChnlIdle = 1 << 24

// FHTCSRConfig bits.
const TCSRChnlEnable = 0x80000000
