package trans

import (
	"time"

	"github.com/romshark/iwatrans/hw"
)

// NICArbiter performs the wake handshake that must precede register access
// to the DMA engines and the periphery bus.
//
// NICArbiter is not safe for concurrent use. Transport only uses it with its
// lock held.
type NICArbiter struct {
	regs     Registers
	interval time.Duration
	held     *NICAccess
}

// NICAccess is proof that the MAC is awake. It is valid until released.
type NICAccess struct {
	arb *NICArbiter
}

func NewNICArbiter(regs Registers, pollInterval time.Duration) *NICArbiter {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &NICArbiter{regs: regs, interval: pollInterval}
}

// Acquire requests MAC access and waits up to timeout for the clock.
// It returns ErrRFKill without polling if the radio is disabled and
// ErrNICAccessTimeout if the clock did not come up.
// Acquiring while a token is held panics.
func (a *NICArbiter) Acquire(timeout time.Duration) (*NICAccess, error) {
	if a.held != nil {
		panic("trans: nic access acquired twice")
	}
	if a.regs.Read32(hw.CSRGPCntrl)&hw.GPCntrlHWRFKillSW == 0 {
		return nil, ErrRFKill
	}
	setBit(a.regs, hw.CSRGPCntrl, hw.GPCntrlMACAccessReq)
	if !pollBit(a.regs, hw.CSRGPCntrl,
		hw.GPCntrlMACClockReady,
		hw.GPCntrlMACClockReady|hw.GPCntrlGoingToSleep,
		timeout, a.interval,
	) {
		clearBit(a.regs, hw.CSRGPCntrl, hw.GPCntrlMACAccessReq)
		return nil, ErrNICAccessTimeout
	}
	a.held = &NICAccess{arb: a}
	return a.held, nil
}

// Release drops the wake request. It is safe to call after a failed
// Acquire and more than once. Releasing a stale token while another one
// is held does nothing.
func (a *NICArbiter) Release(tok *NICAccess) {
	if tok != nil && tok != a.held {
		return
	}
	if tok == nil && a.held != nil {
		return
	}
	clearBit(a.regs, hw.CSRGPCntrl, hw.GPCntrlMACAccessReq)
	a.held = nil
}

// Held reports whether a token is outstanding.
func (a *NICArbiter) Held() bool { return a.held != nil }

// With runs fn with NIC access held and releases it on every exit path.
func (a *NICArbiter) With(timeout time.Duration, fn func(*NICAccess) error) error {
	tok, err := a.Acquire(timeout)
	if err != nil {
		return err
	}
	defer tok.Release()
	return fn(tok)
}

// Release is a shorthand for releasing the token to its arbiter.
func (t *NICAccess) Release() {
	if t == nil {
		return
	}
	t.arb.Release(t)
}
