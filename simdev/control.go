package simdev

import (
	"slices"

	"github.com/romshark/iwatrans/hw"
	"github.com/romshark/iwatrans/seq"
)

// Complete answers the command in queue q, slot with payload.
func (d *Device) Complete(q, slot int, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.writeRxLocked(hw.RxHeader{
		Code: d.lastCode[q&seq.MaxRing][slot&hw.RingMask],
		Seq:  seq.Encode(uint8(q), uint8(slot)),
	}, payload)
	if err != nil {
		return err
	}
	d.raiseLocked(hw.IntFHRx)
	return nil
}

// Notify sends an unsolicited notification.
func (d *Device) Notify(code uint8, payload []byte) error {
	return d.sendFirmware(code, payload)
}

// DeliverFrame receives a data frame.
func (d *Device) DeliverFrame(payload []byte) error {
	return d.sendFirmware(hw.CodeRxMPDU, payload)
}

func (d *Device) sendFirmware(code uint8, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.writeRxLocked(hw.RxHeader{
		Code: code,
		Seq:  seq.Firmware(0, d.notifySeq),
	}, payload)
	if err != nil {
		return err
	}
	d.notifySeq++
	d.raiseLocked(hw.IntFHRx)
	return nil
}

// DeliverRaw copies raw into the next receive buffer without a header.
func (d *Device) DeliverRaw(raw []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.writeRawLocked(func(buf []byte) error {
		if len(raw) > len(buf) {
			return ErrTooLarge
		}
		clear(buf[:hw.RxHeaderSize])
		copy(buf, raw)
		return nil
	})
	if err != nil {
		return err
	}
	d.raiseLocked(hw.IntFHRx)
	return nil
}

// CorruptStatus overwrites the receive status index and raises an RX interrupt.
func (d *Device) CorruptStatus(v uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.publishStatusLocked(v); err != nil {
		return err
	}
	d.raiseLocked(hw.IntFHRx)
	return nil
}

// SetRFKill flips the radio switch and raises an rfkill interrupt.
func (d *Device) SetRFKill(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rfkill = on
	d.raiseLocked(hw.IntRFKill)
}

// InjectFatal raises a firmware error interrupt.
func (d *Device) InjectFatal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.raiseLocked(hw.IntSWErr)
}

// SetClockStall keeps the MAC clock from reporting ready.
func (d *Device) SetClockStall(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clockStall = on
}

func (d *Device) SetAutoRespond(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoRespond = on
}

// Reads returns how often reg was read.
func (d *Device) Reads(reg uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads[reg]
}

// ResetReads zeroes the read counters.
func (d *Device) ResetReads() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.reads)
}

// Commands returns the commands fetched so far.
func (d *Device) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.cmds)
}

// Prph returns a periphery register.
func (d *Device) Prph(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prph[addr&hw.PrphMask]
}

// Reg returns a register without side effects.
func (d *Device) Reg(reg uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[reg]
}

// Err returns the first DMA error the device ran into.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Wait blocks until all interrupt handler invocations returned.
func (d *Device) Wait() { d.wg.Wait() }
