package trans

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/romshark/iwatrans/dma"
	"github.com/romshark/iwatrans/hw"
)

const (
	prepareRetries      = 10
	nicReadyTimeout     = 150 * time.Microsecond
	clockReadyTimeout   = 25 * time.Millisecond
	rxIdleTimeout       = time.Millisecond
	intAll              = 0xffffffff
	defaultFrameBacklog = hw.RxBufCount
)

// Transport owns the rings, scratch memory and register state of one adapter.
type Transport struct {
	opts  Options
	log   *slog.Logger
	plat  Platform
	alloc dma.Allocator
	tasks *taskQueue

	reinitTask   task
	radioOnTask  task
	radioOffTask task
	panicTask    task

	// mu guards everything below and every register access sequence.
	mu      sync.Mutex
	nic     *NICArbiter
	scratch scratch
	ict     *ict
	tx      []*TxRing
	rx      *RxRing

	intMask   uint32
	ictOn     bool
	hwUp      bool
	closing   bool
	closed    bool
	rxStalled bool
	fatal     error
	backlog   []Frame
	stats     Stats

	// changed is closed and replaced whenever ring occupancy, the frame
	// backlog or the transport state changed.
	changed chan struct{}
}

// batch collects the upcalls produced while the lock was held.
type batch struct {
	deliveries []delivery
	notes      []*Packet
	resumed    []int
	wake       bool
}

type delivery struct {
	p    *pending
	resp *Packet
	err  error
}

func (b *batch) fail(ps []*pending, err error) {
	for _, p := range ps {
		b.deliveries = append(b.deliveries, delivery{p: p, err: err})
	}
	b.wake = true
}

// Open allocates the transport's DMA memory in attach order and installs
// the interrupt handler. The hardware is left untouched until Init.
// On failure everything allocated so far is released.
func Open(plat Platform, alloc dma.Allocator, opts Options) (*Transport, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	t := &Transport{
		opts:    opts,
		log:     opts.Logger,
		plat:    plat,
		alloc:   alloc,
		nic:     NewNICArbiter(plat, opts.PollInterval),
		backlog: make([]Frame, 0, defaultFrameBacklog),
		changed: make(chan struct{}),
	}
	if err := t.allocate(); err != nil {
		return nil, errors.Join(err, t.free())
	}

	t.reinitTask = task{name: "reinit", fn: t.reinit}
	t.radioOnTask = task{name: "radio-on", fn: t.radioOn}
	t.radioOffTask = task{name: "radio-off", fn: t.radioOff}
	t.panicTask = task{name: "panic", fn: t.recoverFatal}
	t.tasks = newTaskQueue(t.log)

	plat.SetInterruptHandler(t.intr)
	t.log.Info("transport attached",
		slog.Int("tx_queues", len(t.tx)),
		slog.Int("rx_buf_size", t.rx.bufSize),
		slog.Bool("ict", t.ict != nil),
		slog.String("dma", humanize.IBytes(uint64(alloc.InUse()))))
	return t, nil
}

func (t *Transport) allocate() (err error) {
	if t.scratch.fw, err = allocFWMem(t.alloc); err != nil {
		return err
	}
	if t.scratch.kw, err = allocKeepWarm(t.alloc); err != nil {
		return err
	}
	if !t.opts.DisableICT {
		if t.ict, err = newICT(t.alloc); err != nil {
			return err
		}
	}
	if t.scratch.sched, err = allocSched(t.alloc, t.opts.TxQueues); err != nil {
		return err
	}
	for q := range t.opts.TxQueues {
		r, err := newTxRing(t.alloc, q, t.scratch.byteCounts(q), t.log)
		if err != nil {
			return err
		}
		t.tx = append(t.tx, r)
	}
	if t.rx, err = newRxRing(t.alloc, t.opts.RxBufSize); err != nil {
		return err
	}
	return nil
}

// free releases all DMA memory in detach order.
func (t *Transport) free() error {
	var errs []error
	if t.rx != nil {
		errs = append(errs, t.rx.free(t.alloc))
		t.rx = nil
	}
	for i := len(t.tx) - 1; i >= 0; i-- {
		errs = append(errs, t.tx[i].free())
	}
	t.tx = nil
	errs = append(errs, joinRelease(nil, t.alloc, t.scratch.sched, t.scratch.kw))
	if t.ict != nil {
		errs = append(errs, t.alloc.Release(t.ict.region))
		t.ict = nil
	}
	errs = append(errs, joinRelease(nil, t.alloc, t.scratch.fw))
	t.scratch = scratch{}
	return errors.Join(errs...)
}

// Init brings the hardware up: card preparation, software reset, clock
// bring-up, DMA engine programming and interrupt enable.
// It returns ErrRFKill if the radio is disabled. The transport then comes
// up by itself once the switch is released.
func (t *Transport) Init() error {
	var b batch
	t.mu.Lock()
	err := t.initLocked(&b)
	t.unlock(&b)
	return err
}

func (t *Transport) initLocked(b *batch) error {
	if t.closing || t.closed {
		return ErrClosed
	}
	if t.hwUp {
		t.stopDeviceLocked(b)
	}
	if err := t.startHWLocked(); err != nil {
		return err
	}
	if err := t.nicInitLocked(); err != nil {
		t.stopDeviceLocked(b)
		return err
	}
	t.rxStalled = false
	t.hwUp = true
	t.enableInterruptsLocked(hw.IntInitMask)
	b.wake = true
	t.log.Debug("hardware initialized")
	return nil
}

func (t *Transport) prepareCardHWLocked() error {
	for range prepareRetries {
		setBit(t.plat, hw.CSRHWIFConfig, hw.HWIFConfigNICReady)
		if pollBit(t.plat, hw.CSRHWIFConfig,
			hw.HWIFConfigNICReady, hw.HWIFConfigNICReady,
			nicReadyTimeout, t.opts.PollInterval,
		) {
			return nil
		}
	}
	return fmt.Errorf("%w: nic ready handshake", ErrHWNotReady)
}

func (t *Transport) startHWLocked() error {
	if err := t.prepareCardHWLocked(); err != nil {
		return err
	}
	t.disableInterruptsLocked()
	t.plat.Write32(hw.CSRReset, hw.ResetSWReset)
	if err := t.apmInitLocked(); err != nil {
		return err
	}
	t.enableInterruptsLocked(hw.IntRFKill)
	if t.rfkillLocked() {
		return ErrRFKill
	}
	return nil
}

func (t *Transport) apmInitLocked() error {
	setBit(t.plat, hw.CSRGPCntrl, hw.GPCntrlInitDone)
	if !pollBit(t.plat, hw.CSRGPCntrl,
		hw.GPCntrlMACClockReady, hw.GPCntrlMACClockReady,
		clockReadyTimeout, t.opts.PollInterval,
	) {
		return fmt.Errorf("%w: mac clock", ErrHWNotReady)
	}
	if t.rfkillLocked() {
		// The periphery is unreachable, StartHW reports rfkill.
		return nil
	}
	return t.nic.With(t.opts.NICAccessTimeout, func(a *NICAccess) error {
		writePrph(t.plat, a, hw.APMGClkEnReg, hw.APMGClkValDMA)
		return nil
	})
}

func (t *Transport) rfkillLocked() bool {
	return t.plat.Read32(hw.CSRGPCntrl)&hw.GPCntrlHWRFKillSW == 0
}

func (t *Transport) nicInitLocked() error {
	err := t.nic.With(t.opts.NICAccessTimeout, func(a *NICAccess) error {
		setBitsMaskPrph(t.plat, a, hw.APMGPSCtrl,
			hw.APMGPSCtrlPwrSrcVMain, hw.APMGPSCtrlPwrSrcMask)
		t.rxInitLocked(a)
		t.txInitLocked(a)
		return nil
	})
	if err != nil {
		return fmt.Errorf("nic init: %w", err)
	}
	if t.ict != nil {
		t.enableICTLocked()
	}
	return nil
}

func (t *Transport) rxInitLocked(_ *NICAccess) {
	t.plat.Write32(hw.FHRCSRConfig, 0)
	t.plat.Write32(hw.FHRSCSRStatusWPtr, uint32(t.rx.stat.PAddr()>>4))
	t.plat.Write32(hw.FHRSCSRRBDCBBase, uint32(t.rx.desc.PAddr()>>8))
	t.plat.Write32(hw.FHRSCSRWPtr, uint32(t.rx.cur))
	cfg := uint32(hw.RCSRChnlEnable | hw.RCSRIRQHost)
	if t.rx.bufSize == hw.RxBufSize8K {
		cfg |= hw.RCSRRBSize8K
	}
	t.plat.Write32(hw.FHRCSRConfig, cfg)
}

func (t *Transport) txInitLocked(a *NICAccess) {
	t.plat.Write32(hw.FHKWMemAddr, uint32(t.scratch.kw.PAddr()>>4))
	for q, r := range t.tx {
		t.plat.Write32(hw.FHMemCBBCQueue(q), uint32(r.desc.PAddr()>>8))
		t.plat.Write32(hw.FHTCSRConfig(q), hw.TCSRChnlEnable)
	}
	writePrph(t.plat, a, hw.SchedDRAMAddr,
		uint32(t.scratch.sched.PAddr()>>hw.SchedDRAMAddrShift))
	writePrph(t.plat, a, hw.SchedTxFactCtrl, hw.SchedTxFactAll)
}

func (t *Transport) enableInterruptsLocked(mask uint32) {
	t.intMask = mask
	t.plat.Write32(hw.CSRIntMask, mask)
}

func (t *Transport) restoreInterruptsLocked() {
	t.plat.Write32(hw.CSRIntMask, t.intMask)
}

func (t *Transport) disableInterruptsLocked() {
	t.intMask = 0
	t.plat.Write32(hw.CSRIntMask, 0)
	t.plat.Write32(hw.CSRInt, intAll)
	t.plat.Write32(hw.CSRFHIntStat, intAll)
}

func (t *Transport) enableICTLocked() {
	t.ict.reset()
	t.plat.Write32(hw.CSRDRAMIntTbl,
		hw.DRAMIntTblEnable|hw.DRAMIntTblWrapCheck|t.ict.base())
	t.ictOn = true
	t.plat.Write32(hw.CSRInt, intAll)
}

func (t *Transport) disableICTLocked() {
	if t.ict == nil {
		return
	}
	t.plat.Write32(hw.CSRDRAMIntTbl, 0)
	t.ictOn = false
}

// stopDeviceLocked halts the DMA engines and resets the device and the
// rings. Commands still waiting for a response fail with ErrShutdown.
func (t *Transport) stopDeviceLocked(b *batch) {
	t.disableInterruptsLocked()
	err := t.nic.With(t.opts.NICAccessTimeout, func(*NICAccess) error {
		for q := range t.tx {
			t.plat.Write32(hw.FHTCSRConfig(q), 0)
		}
		t.plat.Write32(hw.FHRCSRConfig, 0)
		if !pollBit(t.plat, hw.FHRSSRStatus,
			hw.RSSRChnlIdle, hw.RSSRChnlIdle,
			rxIdleTimeout, t.opts.PollInterval,
		) {
			t.log.Warn("rx dma channel did not go idle")
		}
		return nil
	})
	if err != nil {
		t.log.Warn("stopping dma engines", slog.Any("err", err))
	}
	for _, r := range t.tx {
		abandoned := r.reset()
		t.stats.CmdsAbandoned += uint64(len(abandoned))
		b.fail(abandoned, ErrShutdown)
	}
	t.rx.reset()
	t.rxStalled = false

	clearBit(t.plat, hw.CSRGPCntrl, hw.GPCntrlInitDone)
	t.plat.Write32(hw.CSRReset, hw.ResetSWReset)
	t.disableICTLocked()
	t.disableInterruptsLocked()
	t.hwUp = false
	b.wake = true
	t.log.Debug("device stopped")
}

// Drain stops accepting commands and waits up to timeout for the posted
// ones to complete. Commands still outstanding afterwards are failed with
// ErrShutdown and ErrDrainTimeout is returned. Drain is idempotent.
func (t *Transport) Drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var b batch
	t.mu.Lock()
	for _, r := range t.tx {
		r.draining = true
	}
	b.wake = true
	for t.outstandingLocked() > 0 {
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		ch := t.changed
		t.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
		t.mu.Lock()
	}

	var err error
	if n := t.outstandingLocked(); n > 0 {
		err = fmt.Errorf("%w: %d commands outstanding", ErrDrainTimeout, n)
		for _, r := range t.tx {
			abandoned := r.reset()
			t.stats.CmdsAbandoned += uint64(len(abandoned))
			b.fail(abandoned, ErrShutdown)
		}
	}
	t.unlock(&b)
	return err
}

func (t *Transport) outstandingLocked() (n int) {
	for _, r := range t.tx {
		n += r.queued
	}
	return n
}

// Close drains the rings, stops the deferred tasks and the device and
// releases all DMA memory. It is safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closing || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	t.mu.Unlock()

	var errs []error
	if err := t.Drain(t.opts.DrainTimeout); err != nil {
		t.log.Warn("draining on close", slog.Any("err", err))
	}
	t.tasks.close()

	var b batch
	t.mu.Lock()
	t.plat.SetInterruptHandler(nil)
	if t.hwUp {
		t.stopDeviceLocked(&b)
	}
	t.nic.Release(nil)
	t.closed = true
	errs = append(errs, t.free())
	t.backlog = nil
	b.wake = true
	t.unlock(&b)

	t.log.Info("transport detached")
	return errors.Join(errs...)
}

// unlock wakes waiters if needed, releases the lock and runs the upcalls
// collected in b.
func (t *Transport) unlock(b *batch) {
	if b.wake {
		close(t.changed)
		t.changed = make(chan struct{})
	}
	t.mu.Unlock()

	for _, d := range b.deliveries {
		d.p.deliver(d.resp, d.err)
	}
	if h := t.opts.Handlers.Unsolicited; h != nil {
		for _, n := range b.notes {
			h(n)
		}
	}
	if h := t.opts.Handlers.TxResume; h != nil {
		for _, q := range b.resumed {
			h(q)
		}
	}
}

func (t *Transport) reinit() {
	var b batch
	t.mu.Lock()
	if t.closing || t.closed {
		t.mu.Unlock()
		return
	}
	t.stats.Reinits++
	err := t.initLocked(&b)
	t.unlock(&b)
	if err != nil {
		t.log.Error("reinitialization failed", slog.Any("err", err))
		return
	}
	t.log.Info("transport reinitialized")
}

func (t *Transport) radioOff() {
	var b batch
	t.mu.Lock()
	if t.closing || t.closed {
		t.mu.Unlock()
		return
	}
	if t.hwUp {
		t.stopDeviceLocked(&b)
	}
	t.enableInterruptsLocked(hw.IntRFKill)
	t.unlock(&b)
	t.log.Info("radio off")
	if h := t.opts.Handlers.RadioOff; h != nil {
		h()
	}
}

func (t *Transport) radioOn() {
	var b batch
	t.mu.Lock()
	err := t.initLocked(&b)
	t.unlock(&b)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			t.log.Error("radio on", slog.Any("err", err))
		}
		return
	}
	t.log.Info("radio on")
	if h := t.opts.Handlers.RadioOn; h != nil {
		h()
	}
}

func (t *Transport) recoverFatal() {
	t.mu.Lock()
	err := t.fatal
	t.fatal = nil
	t.mu.Unlock()
	if err == nil {
		return
	}
	if h := t.opts.Handlers.Fatal; h != nil {
		h(err)
	}
	t.tasks.add(&t.reinitTask)
}
