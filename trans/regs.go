package trans

import (
	"time"

	"github.com/romshark/iwatrans/hw"
)

// Registers is the adapter's memory-mapped register window.
type Registers interface {
	Read32(reg uint32) uint32
	Write32(reg, val uint32)
}

// Platform is what the transport needs from the bus it is attached to.
type Platform interface {
	Registers

	// SetInterruptHandler installs fn as the interrupt callback.
	// A nil fn uninstalls the current one. The handler may be invoked
	// from any goroutine.
	SetInterruptHandler(fn func())
}

func setBit(r Registers, reg, bits uint32) {
	r.Write32(reg, r.Read32(reg)|bits)
}

func clearBit(r Registers, reg, bits uint32) {
	r.Write32(reg, r.Read32(reg)&^bits)
}

// pollBit waits until the bits selected by mask equal bits.
// It reports whether the condition was met before timeout elapsed.
func pollBit(r Registers, reg, bits, mask uint32, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if r.Read32(reg)&mask == bits&mask {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}

func readPrph(r Registers, _ *NICAccess, addr uint32) uint32 {
	r.Write32(hw.HBUSTargPrphRAddr, addr&hw.PrphMask|hw.PrphAccess)
	return r.Read32(hw.HBUSTargPrphRData)
}

func writePrph(r Registers, _ *NICAccess, addr, val uint32) {
	r.Write32(hw.HBUSTargPrphWAddr, addr&hw.PrphMask|hw.PrphAccess)
	r.Write32(hw.HBUSTargPrphWData, val)
}

// setBitsMaskPrph replaces the bits selected by mask.
func setBitsMaskPrph(r Registers, a *NICAccess, addr, bits, mask uint32) {
	writePrph(r, a, addr, readPrph(r, a, addr)&^mask|bits&mask)
}
