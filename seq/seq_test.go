package seq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/iwatrans/seq"
)

func TestRoundTrip(t *testing.T) {
	b := make([]byte, seq.Size)
	for ring := range seq.MaxRing + 1 {
		for slot := range 256 {
			id := seq.Encode(uint8(ring), uint8(slot))
			seq.Put(b, id)
			s, r, fw := seq.Parse(b).Decode()
			require.Equal(t, uint8(slot), s)
			require.Equal(t, uint8(ring), r)
			require.False(t, fw)
		}
	}
}

func TestWireLayout(t *testing.T) {
	b := make([]byte, 2)
	seq.Put(b, seq.Encode(2, 5))
	assert.Equal(t, []byte{0x05, 0x02}, b)

	seq.Put(b, seq.Firmware(0, 0))
	assert.Equal(t, []byte{0x00, 0x80}, b)
}

func TestEncodeTruncates(t *testing.T) {
	id := seq.Encode(0xff, 0x01)
	assert.Equal(t, uint8(seq.MaxRing), id.Ring())
	assert.Zero(t, uint16(id)&0x6000, "reserved bits must be zero")
	assert.False(t, id.FromFirmware())
}

func TestDecodeIgnoresReservedBits(t *testing.T) {
	id := seq.Parse([]byte{0x07, 0x63}) // ring 3, reserved 0x60
	slot, ring, fw := id.Decode()
	assert.Equal(t, uint8(7), slot)
	assert.Equal(t, uint8(3), ring)
	assert.False(t, fw)

	id = seq.Parse([]byte{0x10, 0x81})
	slot, ring, fw = id.Decode()
	assert.Equal(t, uint8(0x10), slot)
	assert.Equal(t, uint8(1), ring)
	assert.True(t, fw)
}

func TestString(t *testing.T) {
	assert.Equal(t, "2:5", seq.Encode(2, 5).String())
	assert.Equal(t, "fw(0:3)", seq.Firmware(0, 3).String())
}
