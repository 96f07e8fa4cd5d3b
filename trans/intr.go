package trans

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/romshark/iwatrans/hw"
)

const intFatal = hw.IntHWErr | hw.IntSWErr | hw.IntCTKill

// intr is the interrupt handler. It only updates ring bookkeeping and
// queues deferred tasks. It never blocks on anything but the transport lock.
func (t *Transport) intr() {
	var b batch
	t.mu.Lock()
	t.intrLocked(&b)
	t.unlock(&b)
}

func (t *Transport) intrLocked(b *batch) {
	if t.closed || t.intMask == 0 {
		return
	}
	t.plat.Write32(hw.CSRIntMask, 0)

	var causes uint32
	if t.ictOn {
		if causes = t.ict.causes(); causes != 0 {
			t.stats.ICTInterrupts++
		}
	}
	if causes == 0 {
		causes = t.plat.Read32(hw.CSRInt)
		if causes == intAll {
			t.log.Warn("interrupt status reads all ones, hardware gone")
			return
		}
	}
	t.plat.Write32(hw.CSRInt, causes)
	t.stats.Interrupts++

	causes &= t.intMask
	if causes == 0 {
		t.restoreInterruptsLocked()
		return
	}

	if causes&intFatal != 0 {
		err := fmt.Errorf("%w: causes %#08x", ErrFirmwareError, causes)
		t.log.Error("fatal interrupt", slog.Any("err", err))
		t.fatal = err
		t.tasks.add(&t.panicTask)
		// Interrupts stay masked until the device is reinitialized.
		return
	}

	if causes&hw.IntRFKill != 0 {
		if t.rfkillLocked() {
			t.log.Warn("rfkill engaged")
			t.tasks.add(&t.radioOffTask)
		} else {
			t.log.Info("rfkill released")
			t.tasks.add(&t.radioOnTask)
		}
	}
	if causes&hw.IntAlive != 0 {
		t.log.Debug("firmware alive")
	}
	if causes&hw.IntRx != 0 && t.hwUp {
		t.rxLocked(b)
	}
	t.restoreInterruptsLocked()
}

// rxLocked harvests the receive ring and dispatches every entry.
func (t *Transport) rxLocked(b *batch) {
	if t.rx == nil {
		return
	}
	wasStalled := t.rxStalled
	t.rxStalled = false
	for buf, err := range t.rx.harvest() {
		if err != nil {
			if errors.Is(err, ErrPoolExhausted) {
				t.rxStalled = true
				b.wake = true
				if !wasStalled {
					t.stats.RxStalls++
					t.log.Error("rx stalled, frames are not being released", slog.Any("err", err))
				}
				continue
			}
			t.stats.RxErrors++
			t.log.Warn("dropping rx entry", slog.Any("err", err))
			continue
		}
		t.dispatchLocked(b, buf)
	}
	t.plat.Write32(hw.FHRSCSRWPtr, uint32(t.rx.cur))
}

// dispatchLocked routes a harvested buffer by its sequence identifier.
// Host-origin entries complete a command whatever their code. Of the
// firmware-origin entries, data frames stay lent to the caller and
// everything else is a notification.
func (t *Transport) dispatchLocked(b *batch, buf rxBuf) {
	h := buf.hdr
	payload := h.Payload(buf.data)
	slot, ring, fromFirmware := h.Seq.Decode()

	if fromFirmware && h.Code == hw.CodeRxMPDU {
		t.backlog = append(t.backlog, Frame{
			Buf:   payload,
			Seq:   h.Seq,
			Flags: h.Flags,
			buf:   buf.index,
			gen:   buf.gen,
		})
		t.stats.RxFrames++
		t.stats.RxBytes += uint64(len(payload))
		b.wake = true
		return
	}

	pkt := &Packet{
		Code:    h.Code,
		Group:   h.Group,
		Seq:     h.Seq,
		Flags:   h.Flags,
		Payload: bytes.Clone(payload),
	}
	if err := t.rx.release(buf.index, buf.gen); err != nil {
		t.log.Warn("releasing rx buffer",
			slog.String("seq", h.Seq.String()), slog.Any("err", err))
	}

	if fromFirmware {
		t.stats.Notifications++
		b.notes = append(b.notes, pkt)
		return
	}
	if int(ring) >= len(t.tx) {
		t.stats.Spurious++
		t.log.Warn("dropping completion",
			slog.String("seq", h.Seq.String()),
			slog.Any("err", fmt.Errorf("%w: %d", ErrUnknownQueue, ring)))
		return
	}
	p, resumed, err := t.tx[ring].complete(int(slot))
	if err != nil {
		t.stats.Spurious++
		t.log.Warn("dropping completion",
			slog.String("seq", h.Seq.String()), slog.Any("err", err))
		return
	}
	t.stats.CmdsCompleted++
	if p != nil {
		b.deliveries = append(b.deliveries, delivery{p: p, resp: pkt})
	}
	if resumed {
		b.resumed = append(b.resumed, int(ring))
	}
	b.wake = true
}
