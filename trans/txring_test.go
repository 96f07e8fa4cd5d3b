package trans

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/iwatrans/dma"
	"github.com/romshark/iwatrans/fault"
	"github.com/romshark/iwatrans/hw"
	"github.com/romshark/iwatrans/seq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTxRing(t *testing.T, id int) (*TxRing, *dma.HeapAllocator) {
	t.Helper()
	alloc := dma.NewHeapAllocator(0)
	r, err := newTxRing(alloc, id, nil, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		r.reset()
		require.NoError(t, r.free())
		require.Zero(t, alloc.InUse())
	})
	return r, alloc
}

func TestCompletionTable(t *testing.T) {
	var tbl completionTable
	p := &pending{}

	assert.Nil(t, tbl.resolve(7), "never registered")

	tbl.register(7, p)
	assert.Same(t, p, tbl.resolve(7))
	assert.Nil(t, tbl.resolve(7), "second resolve")

	tbl.register(9, p)
	assert.False(t, tbl.cancel(9, &pending{}), "foreign entry")
	assert.True(t, tbl.cancel(9, p))
	assert.False(t, tbl.cancel(9, p))
	assert.Nil(t, tbl.resolve(9))
	assert.Zero(t, tbl.pendingCount())
}

func TestTxPostStampsSequence(t *testing.T) {
	r, alloc := newTestTxRing(t, 2)
	for range 5 {
		_, err := r.post(0x10, 0, nil, nil)
		require.NoError(t, err)
	}
	slot, err := r.post(0x20, 1, []byte("abc"), &pending{})
	require.NoError(t, err)
	require.Equal(t, 5, slot)

	tfd := hw.ParseTFD(r.desc.Bytes()[slot*hw.TFDSize:])
	assert.Equal(t, uint8(1), tfd.NumTBs)
	assert.Equal(t, uint16(hw.CmdHeaderSize+3), tfd.Len)

	b, err := alloc.Resolve(tfd.Addr, int(tfd.Len))
	require.NoError(t, err)
	h := hw.ParseCmdHeader(b)
	assert.Equal(t, uint8(0x20), h.Code)
	assert.Equal(t, uint8(1), h.Group)
	assert.Equal(t, []byte("abc"), b[hw.CmdHeaderSize:])

	s, ring, fw := h.Seq.Decode()
	assert.Equal(t, uint8(5), s)
	assert.Equal(t, uint8(2), ring)
	assert.False(t, fw)
}

func TestTxWatermarkHysteresis(t *testing.T) {
	r, _ := newTestTxRing(t, 0)

	for i := range hw.TxHighMark {
		_, err := r.post(1, 0, nil, nil)
		require.NoError(t, err, "post %d", i)
	}
	require.True(t, r.Full())
	_, err := r.post(1, 0, nil, nil)
	require.ErrorIs(t, err, ErrRingFull)
	require.ErrorIs(t, err, fault.ErrResourceExhaustion)

	// No post succeeds until occupancy is back at the low watermark.
	slot := 0
	for r.Queued() > hw.TxLowMark+1 {
		_, resumed, err := r.complete(slot)
		require.NoError(t, err)
		require.False(t, resumed)
		slot++
		_, err = r.post(1, 0, nil, nil)
		require.ErrorIs(t, err, ErrRingFull, "queued %d", r.Queued())
	}
	_, resumed, err := r.complete(slot)
	require.NoError(t, err)
	require.True(t, resumed)
	require.Equal(t, hw.TxLowMark, r.Queued())
	require.False(t, r.Full())

	for r.Queued() < hw.TxHighMark {
		_, err := r.post(1, 0, nil, nil)
		require.NoError(t, err)
	}
	_, err = r.post(1, 0, nil, nil)
	require.ErrorIs(t, err, ErrRingFull)
	require.LessOrEqual(t, r.Queued(), hw.TxRingSize)
}

func TestTxCompleteUnoccupied(t *testing.T) {
	r, _ := newTestTxRing(t, 0)
	_, _, err := r.complete(3)
	require.ErrorIs(t, err, ErrUnoccupiedSlot)
	require.ErrorIs(t, err, fault.ErrProtocolViolation)

	p := &pending{}
	slot, err := r.post(1, 0, nil, p)
	require.NoError(t, err)

	got, _, err := r.complete(slot)
	require.NoError(t, err)
	require.Same(t, p, got)

	got, _, err = r.complete(slot)
	require.ErrorIs(t, err, ErrUnoccupiedSlot)
	require.Nil(t, got)
	require.Zero(t, r.Queued())
}

func TestTxCursorBlockedByLateCompletion(t *testing.T) {
	r, _ := newTestTxRing(t, 0)
	for range 200 {
		_, err := r.post(1, 0, nil, nil)
		require.NoError(t, err)
	}
	for slot := 1; slot < 200; slot++ {
		_, _, err := r.complete(slot)
		require.NoError(t, err)
	}
	for range hw.TxRingSize - 200 {
		_, err := r.post(1, 0, nil, nil)
		require.NoError(t, err)
	}
	require.Zero(t, r.Cursor())

	_, err := r.post(1, 0, nil, nil)
	require.ErrorIs(t, err, ErrRingFull, "slot 0 is still owned by the device")

	_, _, err = r.complete(0)
	require.NoError(t, err)
	slot, err := r.post(1, 0, nil, nil)
	require.NoError(t, err)
	require.Zero(t, slot)
}

func TestTxLargePayload(t *testing.T) {
	r, alloc := newTestTxRing(t, 1)
	base := alloc.InUse()

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	slot, err := r.post(0x30, 0, payload, nil)
	require.NoError(t, err)
	require.Equal(t, base+hw.CmdHeaderSize+len(payload), alloc.InUse())

	tfd := hw.ParseTFD(r.desc.Bytes()[slot*hw.TFDSize:])
	b, err := alloc.Resolve(tfd.Addr, int(tfd.Len))
	require.NoError(t, err)
	assert.Equal(t, seq.Encode(1, uint8(slot)), hw.ParseCmdHeader(b).Seq)
	assert.Equal(t, payload, b[hw.CmdHeaderSize:])

	_, _, err = r.complete(slot)
	require.NoError(t, err)
	require.Equal(t, base, alloc.InUse())

	_, err = r.post(0x30, 0, make([]byte, hw.MaxCmdDataSize+1), nil)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestTxByteCountTable(t *testing.T) {
	alloc := dma.NewHeapAllocator(0)
	bc, err := alloc.Allocate("bc", hw.SchedQueueBytes, hw.SchedAlign)
	require.NoError(t, err)
	r, err := newTxRing(alloc, 0, bc, discardLogger())
	require.NoError(t, err)

	_, err = r.post(1, 0, make([]byte, 12), nil)
	require.NoError(t, err)
	b := bc.Bytes()
	assert.Equal(t, []byte{16, 0}, b[0:2])
	assert.Equal(t, []byte{16, 0}, b[hw.TxRingSize*2:hw.TxRingSize*2+2], "mirrored entry")

	r.reset()
	require.NoError(t, r.free())
	require.NoError(t, alloc.Release(bc))
}

func TestTxResetReturnsPending(t *testing.T) {
	r, _ := newTestTxRing(t, 0)
	p1, p2 := &pending{}, &pending{}
	_, err := r.post(1, 0, nil, p1)
	require.NoError(t, err)
	_, err = r.post(1, 0, nil, nil)
	require.NoError(t, err)
	_, err = r.post(1, 0, make([]byte, 500), p2)
	require.NoError(t, err)

	abandoned := r.reset()
	assert.ElementsMatch(t, []*pending{p1, p2}, abandoned)
	assert.Zero(t, r.Queued())
	assert.Zero(t, r.Cursor())
	assert.Empty(t, r.reset())
}

func TestTxDraining(t *testing.T) {
	r, _ := newTestTxRing(t, 0)
	r.draining = true
	_, err := r.post(1, 0, nil, nil)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestNewTxRingRollback(t *testing.T) {
	alloc := dma.NewHeapAllocator(hw.TxRingSize * hw.TFDSize)
	_, err := newTxRing(alloc, 0, nil, discardLogger())
	require.ErrorIs(t, err, dma.ErrNoMemory)
	require.Zero(t, alloc.InUse())
}
