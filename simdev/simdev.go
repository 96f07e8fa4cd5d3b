// Package simdev is a register-level model of the adapter. It implements
// the transport's platform interface on top of a DMA resolver: it walks the
// transmit descriptor rings on doorbell writes, writes responses,
// notifications and data frames into receive buffers, updates the receive
// status and the interrupt coalescing table, and raises interrupts.
package simdev

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/romshark/iwatrans/dma"
	"github.com/romshark/iwatrans/hw"
	"github.com/romshark/iwatrans/seq"
)

var (
	ErrRxDisabled = errors.New("simdev: rx dma channel disabled")
	ErrRxFull     = errors.New("simdev: rx ring full")
	ErrTooLarge   = errors.New("simdev: frame larger than rx buffer")
)

type Options struct {
	// RFKill starts the device with the radio disabled.
	RFKill bool
	// AutoRespond answers every command with an empty response
	// carrying the command's code.
	AutoRespond bool
	Logger      *slog.Logger
}

// Command is a command the device fetched from a transmit ring.
type Command struct {
	Queue   int
	Slot    int
	Header  hw.CmdHeader
	Payload []byte
}

// Device is a simulated adapter.
type Device struct {
	mem dma.Resolver
	log *slog.Logger

	mu          sync.Mutex
	regs        map[uint32]uint32
	prph        map[uint32]uint32
	reads       map[uint32]int
	pending     uint32
	mask        uint32
	rfkill      bool
	clockStall  bool
	autoRespond bool
	handler     func()
	txHead      [seq.MaxRing + 1]int
	lastCode    [seq.MaxRing + 1][hw.TxRingSize]uint8
	rxClosed    int
	ictCur      int
	notifySeq   uint8
	cmds        []Command
	err         error

	wg sync.WaitGroup
}

func New(mem dma.Resolver, opts Options) *Device {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Device{
		mem:         mem,
		log:         opts.Logger,
		rfkill:      opts.RFKill,
		autoRespond: opts.AutoRespond,
		reads:       make(map[uint32]int),
	}
	d.resetLocked()
	return d
}

func (d *Device) resetLocked() {
	d.regs = make(map[uint32]uint32)
	d.prph = make(map[uint32]uint32)
	d.pending, d.mask = 0, 0
	d.txHead = [seq.MaxRing + 1]int{}
	d.rxClosed, d.ictCur = 0, 0
}

func (d *Device) SetInterruptHandler(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
}

func (d *Device) Read32(reg uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads[reg]++

	switch reg {
	case hw.CSRInt:
		return d.pending
	case hw.CSRIntMask:
		return d.mask
	case hw.CSRGPCntrl:
		v := d.regs[reg]
		if d.rfkill {
			v &^= hw.GPCntrlHWRFKillSW
		} else {
			v |= hw.GPCntrlHWRFKillSW
		}
		if d.clockStall {
			v &^= hw.GPCntrlMACClockReady
		}
		return v
	case hw.FHRSSRStatus:
		if d.regs[hw.FHRCSRConfig]&hw.RCSRChnlEnable == 0 {
			return hw.RSSRChnlIdle
		}
		return 0
	case hw.HBUSTargPrphRData:
		return d.prph[d.regs[hw.HBUSTargPrphRAddr]&hw.PrphMask]
	}
	return d.regs[reg]
}

func (d *Device) Write32(reg, val uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch reg {
	case hw.CSRInt:
		d.pending &^= val
	case hw.CSRIntMask:
		d.mask = val
		d.maybeFireLocked()
	case hw.CSRReset:
		if val&hw.ResetSWReset != 0 {
			d.resetLocked()
		}
	case hw.CSRGPCntrl:
		val &^= hw.GPCntrlMACClockReady
		if val&(hw.GPCntrlInitDone|hw.GPCntrlMACAccessReq) != 0 {
			val |= hw.GPCntrlMACClockReady
		}
		d.regs[reg] = val
	case hw.HBUSTargPrphWData:
		d.prph[d.regs[hw.HBUSTargPrphWAddr]&hw.PrphMask] = val
	case hw.HBUSTargWrPtr:
		d.regs[reg] = val
		d.fetchLocked(int(val>>8)&seq.MaxRing, int(val&hw.RingMask))
	default:
		d.regs[reg] = val
	}
}

// fetchLocked consumes the descriptors of queue q up to index wr.
func (d *Device) fetchLocked(q, wr int) {
	if d.regs[hw.FHTCSRConfig(q)]&hw.TCSRChnlEnable == 0 {
		d.log.Warn("simdev: doorbell on disabled queue", slog.Int("queue", q))
		return
	}
	base := uint64(d.regs[hw.FHMemCBBCQueue(q)]) << 8
	for d.txHead[q] != wr {
		slot := d.txHead[q]
		cmd, err := d.readCmd(base, q, slot)
		if err != nil {
			d.fail(fmt.Errorf("queue %d slot %d: %w", q, slot, err))
			return
		}
		d.cmds = append(d.cmds, cmd)
		d.lastCode[q][slot] = cmd.Header.Code
		d.txHead[q] = (slot + 1) & hw.RingMask

		if d.autoRespond {
			err := d.writeRxLocked(hw.RxHeader{
				Code:  cmd.Header.Code,
				Group: cmd.Header.Group,
				Seq:   cmd.Header.Seq,
			}, nil)
			if err != nil {
				d.log.Warn("simdev: dropping response", slog.Any("err", err))
				continue
			}
			d.raiseLocked(hw.IntFHRx)
		}
	}
}

func (d *Device) readCmd(base uint64, q, slot int) (Command, error) {
	b, err := d.mem.Resolve(base+uint64(slot*hw.TFDSize), hw.TFDSize)
	if err != nil {
		return Command{}, err
	}
	tfd := hw.ParseTFD(b)
	if tfd.NumTBs == 0 || tfd.Len < hw.CmdHeaderSize {
		return Command{}, fmt.Errorf("bad descriptor %+v", tfd)
	}
	data, err := d.mem.Resolve(tfd.Addr, int(tfd.Len))
	if err != nil {
		return Command{}, err
	}
	return Command{
		Queue:   q,
		Slot:    slot,
		Header:  hw.ParseCmdHeader(data),
		Payload: bytes.Clone(data[hw.CmdHeaderSize:]),
	}, nil
}

func (d *Device) fail(err error) {
	d.log.Error("simdev: dma error", slog.Any("err", err))
	if d.err == nil {
		d.err = err
	}
}

// writeRxLocked places a frame into the next receive buffer and publishes
// the new status index.
func (d *Device) writeRxLocked(h hw.RxHeader, payload []byte) error {
	return d.writeRawLocked(func(buf []byte) error {
		if hw.RxHeaderSize+len(payload) > len(buf) {
			return ErrTooLarge
		}
		h.Len = hw.CmdHeaderSize + len(payload)
		h.Put(buf)
		copy(buf[hw.RxHeaderSize:], payload)
		return nil
	})
}

func (d *Device) writeRawLocked(fill func(buf []byte) error) error {
	cfg := d.regs[hw.FHRCSRConfig]
	if cfg&hw.RCSRChnlEnable == 0 {
		return ErrRxDisabled
	}
	wptr := int(d.regs[hw.FHRSCSRWPtr] & hw.RingMask)
	next := (d.rxClosed + 1) & hw.RingMask
	if next == wptr {
		return ErrRxFull
	}
	bufSize := hw.RxBufSize
	if cfg&hw.RCSRRBSize8K != 0 {
		bufSize = hw.RxBufSize8K
	}

	descBase := uint64(d.regs[hw.FHRSCSRRBDCBBase]) << 8
	db, err := d.mem.Resolve(descBase+uint64(d.rxClosed*4), 4)
	if err != nil {
		return err
	}
	paddr := uint64(atomic.LoadUint32((*uint32)(unsafe.Pointer(&db[0])))) << 8
	buf, err := d.mem.Resolve(paddr, bufSize)
	if err != nil {
		return err
	}
	if err := fill(buf); err != nil {
		return err
	}
	d.rxClosed = next
	return d.publishStatusLocked(uint32(next))
}

func (d *Device) publishStatusLocked(v uint32) error {
	sb, err := d.mem.Resolve(uint64(d.regs[hw.FHRSCSRStatusWPtr])<<4, 4)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&sb[0])), v)
	return nil
}

// raiseLocked latches interrupt causes, mirrors them into the coalescing
// table if enabled and fires the handler if any is unmasked.
func (d *Device) raiseLocked(causes uint32) {
	d.pending |= causes
	if tbl := d.regs[hw.CSRDRAMIntTbl]; tbl&hw.DRAMIntTblEnable != 0 {
		base := uint64(tbl&hw.DRAMIntTblAddrMask) << hw.ICTShift
		b, err := d.mem.Resolve(base+uint64(d.ictCur*4), 4)
		if err != nil {
			d.fail(fmt.Errorf("ict: %w", err))
		} else {
			atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), hw.ICTEntry(causes))
			d.ictCur = (d.ictCur + 1) & hw.ICTMask
		}
	}
	d.maybeFireLocked()
}

func (d *Device) maybeFireLocked() {
	if d.pending&d.mask == 0 || d.handler == nil {
		return
	}
	h := d.handler
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		h()
	}()
}
