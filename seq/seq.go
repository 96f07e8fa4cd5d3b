// Package seq encodes and decodes the 16-bit sequence identifier carried in
// every command and response header.
//
//	bits 0-7   slot index
//	bits 8-12  ring id
//	bits 13-14 reserved, zero on encode, ignored on decode
//	bit  15    firmware origin
package seq

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxRing is the highest encodable ring id.
	MaxRing = 0x1f

	// Size is the wire size of an ID in bytes.
	Size = 2

	slotMask     = 0x00ff
	ringShift    = 8
	ringMask     = MaxRing << ringShift
	firmwareFlag = 0x8000
)

// ID is a sequence identifier.
type ID uint16

// Encode returns the identifier of a host-originated command posted to
// the given ring and slot. Values out of range are truncated.
func Encode(ring, slot uint8) ID {
	return ID(uint16(slot)&slotMask | uint16(ring)<<ringShift&ringMask)
}

// Firmware returns an identifier with the firmware-origin flag set.
func Firmware(ring, slot uint8) ID { return Encode(ring, slot) | firmwareFlag }

// Decode splits id into its fields. The slot of a firmware-origin
// identifier does not refer to any host command.
func (id ID) Decode() (slot, ring uint8, fromFirmware bool) {
	return id.Slot(), id.Ring(), id.FromFirmware()
}

func (id ID) Slot() uint8        { return uint8(id & slotMask) }
func (id ID) Ring() uint8        { return uint8((id & ringMask) >> ringShift) }
func (id ID) FromFirmware() bool { return id&firmwareFlag != 0 }

func (id ID) String() string {
	if id.FromFirmware() {
		return fmt.Sprintf("fw(%d:%d)", id.Ring(), id.Slot())
	}
	return fmt.Sprintf("%d:%d", id.Ring(), id.Slot())
}

// Put writes id to b in little-endian order.
func Put(b []byte, id ID) { binary.LittleEndian.PutUint16(b, uint16(id)) }

// Parse reads a little-endian identifier from b.
func Parse(b []byte) ID { return ID(binary.LittleEndian.Uint16(b)) }
