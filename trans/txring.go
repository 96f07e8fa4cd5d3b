package trans

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/romshark/iwatrans/dma"
	"github.com/romshark/iwatrans/hw"
	"github.com/romshark/iwatrans/seq"
)

// pending is a host command waiting for its response.
type pending struct {
	code   uint8
	posted time.Time
	cont   Continuation
	done   chan result // synchronous waiters only
}

type result struct {
	resp *Packet
	err  error
}

func (p *pending) deliver(resp *Packet, err error) {
	if p.done != nil {
		p.done <- result{resp: resp, err: err}
		return
	}
	if p.cont != nil {
		p.cont(resp, err)
	}
}

// completionTable maps the slots of one ring to commands awaiting a response.
type completionTable struct {
	meta [hw.TxRingSize]*pending
}

func (t *completionTable) register(slot int, p *pending) { t.meta[slot] = p }

// resolve removes and returns the entry for slot, or nil if there is none.
func (t *completionTable) resolve(slot int) *pending {
	p := t.meta[slot]
	t.meta[slot] = nil
	return p
}

// cancel removes the entry for slot if it still belongs to p.
func (t *completionTable) cancel(slot int, p *pending) bool {
	if p == nil || t.meta[slot] != p {
		return false
	}
	t.meta[slot] = nil
	return true
}

func (t *completionTable) pendingCount() (n int) {
	for _, p := range t.meta {
		if p != nil {
			n++
		}
	}
	return n
}

type txSlot struct {
	occupied bool
	data     *dma.Region // payloads that don't fit the command slot
}

// TxRing is a transmit ring: a descriptor ring read by the device, a command
// buffer per slot and the completion table for the slots.
type TxRing struct {
	id    int
	alloc dma.Allocator
	log   *slog.Logger

	desc *dma.Region
	cmd  *dma.Region
	bc   *dma.Region // byte count table in scheduler memory, may be nil

	slots [hw.TxRingSize]txSlot
	table completionTable

	cur      int
	queued   int
	full     bool
	draining bool
}

func newTxRing(alloc dma.Allocator, id int, bc *dma.Region, log *slog.Logger) (*TxRing, error) {
	desc, err := alloc.Allocate(fmt.Sprintf("tx%d-desc", id), hw.TxRingSize*hw.TFDSize, 256)
	if err != nil {
		return nil, fmt.Errorf("allocating tx ring %d descriptors: %w", id, err)
	}
	cmd, err := alloc.Allocate(fmt.Sprintf("tx%d-cmd", id), hw.TxRingSize*hw.CmdSlotSize, 4)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("allocating tx ring %d commands: %w", id, err),
			alloc.Release(desc),
		)
	}
	return &TxRing{id: id, alloc: alloc, log: log, desc: desc, cmd: cmd, bc: bc}, nil
}

func (r *TxRing) ID() int { return r.id }

// Queued returns the number of occupied slots.
func (r *TxRing) Queued() int { return r.queued }

// Full reports whether the ring stopped accepting commands.
func (r *TxRing) Full() bool { return r.full }

// Cursor returns the next slot to be posted.
func (r *TxRing) Cursor() int { return r.cur }

// post writes a command to the next free slot and hands it to the device.
// p, if not nil, is registered in the completion table for that slot.
func (r *TxRing) post(code, group uint8, payload []byte, p *pending) (int, error) {
	if r.draining {
		return 0, ErrShutdown
	}
	if r.full || r.queued >= hw.TxHighMark {
		r.full = true
		return 0, ErrRingFull
	}
	if len(payload) > hw.MaxCmdDataSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	slot := r.cur
	s := &r.slots[slot]
	if s.occupied {
		// A late completion is outstanding for the slot the cursor wrapped to.
		return 0, ErrRingFull
	}

	n := hw.CmdHeaderSize + len(payload)
	buf := r.cmd.Slice(slot*hw.CmdSlotSize, hw.CmdSlotSize)
	if len(payload) > hw.CmdPayloadMax {
		data, err := r.alloc.Allocate(fmt.Sprintf("tx%d-data%d", r.id, slot), n, 4)
		if err != nil {
			return 0, fmt.Errorf("allocating command data: %w", err)
		}
		s.data = data
		buf = data
	}
	b := buf.Bytes()
	hw.CmdHeader{Code: code, Group: group, Seq: seq.Encode(uint8(r.id), uint8(slot))}.Put(b)
	copy(b[hw.CmdHeaderSize:], payload)

	hw.TFD{Addr: buf.PAddr(), Len: uint16(n), NumTBs: 1}.Put(
		r.desc.Bytes()[slot*hw.TFDSize:],
	)
	r.updateByteCount(slot, n)

	if p != nil {
		p.code = code
		r.table.register(slot, p)
	}
	s.occupied = true
	r.cur = (r.cur + 1) & hw.RingMask
	r.queued++
	if r.queued >= hw.TxHighMark {
		r.full = true
	}
	return slot, nil
}

// updateByteCount publishes the length of slot to the scheduler. The first
// entries are mirrored past the end of the ring for the device's prefetch.
func (r *TxRing) updateByteCount(slot, n int) {
	if r.bc == nil {
		return
	}
	b := r.bc.Bytes()
	binary.LittleEndian.PutUint16(b[slot*2:], uint16(n))
	if dup := slot + hw.TxRingSize; dup < hw.SchedEntries {
		binary.LittleEndian.PutUint16(b[dup*2:], uint16(n))
	}
}

// complete releases slot after the device signalled it is done with it.
// The completion table entry is removed before it is returned, so a
// repeated completion for the same slot yields ErrUnoccupiedSlot.
// resumed reports that the ring drained to its low watermark and accepts
// commands again.
func (r *TxRing) complete(slot int) (p *pending, resumed bool, err error) {
	if slot < 0 || slot >= hw.TxRingSize || !r.slots[slot].occupied {
		return nil, false, fmt.Errorf("%w: ring %d slot %d", ErrUnoccupiedSlot, r.id, slot)
	}
	p = r.table.resolve(slot)
	r.freeSlot(slot)
	r.queued--
	if r.full && r.queued <= hw.TxLowMark {
		r.full = false
		resumed = true
	}
	return p, resumed, nil
}

func (r *TxRing) freeSlot(slot int) {
	s := &r.slots[slot]
	if s.data != nil {
		if err := r.alloc.Release(s.data); err != nil {
			r.log.Error("releasing command data",
				slog.Int("ring", r.id), slog.Int("slot", slot), slog.Any("err", err))
		}
		s.data = nil
	}
	s.occupied = false
}

// reset frees every slot and rewinds the ring. It returns the commands that
// were still waiting for a response.
func (r *TxRing) reset() []*pending {
	var abandoned []*pending
	for slot := range r.slots {
		if p := r.table.resolve(slot); p != nil {
			abandoned = append(abandoned, p)
		}
		if r.slots[slot].occupied {
			r.freeSlot(slot)
		}
	}
	r.desc.Zero()
	r.cur, r.queued, r.full = 0, 0, false
	return abandoned
}

// free releases the ring's memory. The ring must have been reset.
func (r *TxRing) free() error {
	err := errors.Join(r.alloc.Release(r.cmd), r.alloc.Release(r.desc))
	r.cmd, r.desc = nil, nil
	return err
}
