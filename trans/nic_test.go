package trans

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/iwatrans/dma"
	"github.com/romshark/iwatrans/fault"
	"github.com/romshark/iwatrans/hw"
	"github.com/romshark/iwatrans/simdev"
)

func newTestArbiter(t *testing.T, opts simdev.Options) (*NICArbiter, *simdev.Device) {
	t.Helper()
	opts.Logger = discardLogger()
	dev := simdev.New(dma.NewHeapAllocator(0), opts)
	return NewNICArbiter(dev, time.Microsecond), dev
}

func macAccessRequested(dev *simdev.Device) bool {
	return dev.Reg(hw.CSRGPCntrl)&hw.GPCntrlMACAccessReq != 0
}

func TestNICAcquireRelease(t *testing.T) {
	a, dev := newTestArbiter(t, simdev.Options{})
	tok, err := a.Acquire(time.Millisecond)
	require.NoError(t, err)
	require.True(t, a.Held())
	require.True(t, macAccessRequested(dev))

	tok.Release()
	require.False(t, a.Held())
	require.False(t, macAccessRequested(dev))

	tok.Release()
	a.Release(tok)
}

func TestNICAcquireRFKillFailsFast(t *testing.T) {
	a, dev := newTestArbiter(t, simdev.Options{RFKill: true})
	dev.ResetReads()

	_, err := a.Acquire(time.Second)
	require.ErrorIs(t, err, ErrRFKill)
	require.ErrorIs(t, err, fault.ErrHardwareFault)
	assert.Equal(t, 1, dev.Reads(hw.CSRGPCntrl), "rfkill must not poll")
	assert.False(t, macAccessRequested(dev))

	a.Release(nil)
	assert.False(t, a.Held())
}

func TestNICAcquireTimeout(t *testing.T) {
	a, dev := newTestArbiter(t, simdev.Options{})
	dev.SetClockStall(true)

	start := time.Now()
	_, err := a.Acquire(5 * time.Millisecond)
	require.ErrorIs(t, err, ErrNICAccessTimeout)
	require.ErrorIs(t, err, fault.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	assert.False(t, macAccessRequested(dev), "request withdrawn on timeout")
	assert.False(t, a.Held())

	a.Release(nil)

	dev.SetClockStall(false)
	tok, err := a.Acquire(time.Millisecond)
	require.NoError(t, err)
	tok.Release()
}

func TestNICDoubleAcquirePanics(t *testing.T) {
	a, _ := newTestArbiter(t, simdev.Options{})
	tok, err := a.Acquire(time.Millisecond)
	require.NoError(t, err)
	defer tok.Release()
	assert.Panics(t, func() { _, _ = a.Acquire(time.Millisecond) })
}

func TestNICStaleReleaseKeepsHolder(t *testing.T) {
	a, dev := newTestArbiter(t, simdev.Options{})
	old, err := a.Acquire(time.Millisecond)
	require.NoError(t, err)
	old.Release()

	cur, err := a.Acquire(time.Millisecond)
	require.NoError(t, err)
	old.Release()
	a.Release(nil)
	assert.True(t, a.Held())
	assert.True(t, macAccessRequested(dev))
	cur.Release()
	assert.False(t, a.Held())
}

func TestNICWithReleasesOnEveryPath(t *testing.T) {
	a, dev := newTestArbiter(t, simdev.Options{})

	errFn := errors.New("fn failed")
	err := a.With(time.Millisecond, func(*NICAccess) error { return errFn })
	require.ErrorIs(t, err, errFn)
	assert.False(t, a.Held())
	assert.False(t, macAccessRequested(dev))

	assert.Panics(t, func() {
		_ = a.With(time.Millisecond, func(*NICAccess) error { panic("boom") })
	})
	assert.False(t, a.Held())
	assert.False(t, macAccessRequested(dev))

	// Nested fallible work inside a held token.
	err = a.With(time.Millisecond, func(tok *NICAccess) error {
		writePrph(dev, tok, hw.APMGPSCtrl, 0x1234)
		if readPrph(dev, tok, hw.APMGPSCtrl) != 0x1234 {
			return errors.New("periphery mismatch")
		}
		return errFn
	})
	require.ErrorIs(t, err, errFn)
	assert.False(t, a.Held())
	assert.Equal(t, uint32(0x1234), dev.Prph(hw.APMGPSCtrl))
}

func TestSetBitsMaskPrph(t *testing.T) {
	a, dev := newTestArbiter(t, simdev.Options{})
	require.NoError(t, a.With(time.Millisecond, func(tok *NICAccess) error {
		writePrph(dev, tok, hw.APMGPSCtrl, 0xffffffff)
		setBitsMaskPrph(dev, tok, hw.APMGPSCtrl,
			hw.APMGPSCtrlPwrSrcVMain, hw.APMGPSCtrlPwrSrcMask)
		return nil
	}))
	assert.Equal(t, uint32(0xfcffffff), dev.Prph(hw.APMGPSCtrl))
}
