package hw

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/romshark/iwatrans/seq"
)

// Fixed ring geometry.
const (
	TxRingSize  = 256
	TxLowMark   = 192
	TxHighMark  = 224
	RxRingSize  = 256
	RxBufCount  = RxRingSize + 32
	RxBufSize   = 4096
	RxBufSize8K = 8192

	RingMask = 0xff
)

// Interrupt coalescing table.
const (
	ICTSize    = 4096
	ICTShift   = 12
	ICTEntries = ICTSize / 4
	ICTMask    = ICTEntries - 1
)

// Scratch region geometry.
const (
	FWMemSize       = 320 * 1024
	KWSize          = 4096
	SchedEntries    = 320
	SchedAlign      = 1 << SchedDRAMAddrShift
	SchedQueueBytes = SchedEntries * 2
)

// CodeRxMPDU marks a received data frame.
const CodeRxMPDU = 0xc1

// CodeAlive is the firmware's boot notification.
const CodeAlive = 0x01

// TFD is a transmit frame descriptor as the device reads it.
//
//	0  bus address     LE u64
//	8  length          LE u16
//	10 buffer count    u8
//	11 flags           u8
//	12 reserved        u32
type TFD struct {
	Addr   uint64
	Len    uint16
	NumTBs uint8
	Flags  uint8
}

const TFDSize = 16

func (d TFD) Put(b []byte) {
	_ = b[TFDSize-1]
	binary.LittleEndian.PutUint64(b[0:], d.Addr)
	binary.LittleEndian.PutUint16(b[8:], d.Len)
	b[10] = d.NumTBs
	b[11] = d.Flags
	clear(b[12:16])
}

func ParseTFD(b []byte) TFD {
	_ = b[TFDSize-1]
	return TFD{
		Addr:   binary.LittleEndian.Uint64(b[0:]),
		Len:    binary.LittleEndian.Uint16(b[8:]),
		NumTBs: b[10],
		Flags:  b[11],
	}
}

// CmdHeader precedes every command payload.
//
//	0 code     u8
//	1 group    u8
//	2 sequence LE u16
type CmdHeader struct {
	Code  uint8
	Group uint8
	Seq   seq.ID
}

const (
	CmdHeaderSize  = 4
	CmdPayloadMax  = 320
	CmdSlotSize    = CmdHeaderSize + CmdPayloadMax
	MaxCmdDataSize = 32 * 1024
)

func (h CmdHeader) Put(b []byte) {
	_ = b[CmdHeaderSize-1]
	b[0] = h.Code
	b[1] = h.Group
	seq.Put(b[2:], h.Seq)
}

func ParseCmdHeader(b []byte) CmdHeader {
	_ = b[CmdHeaderSize-1]
	return CmdHeader{Code: b[0], Group: b[1], Seq: seq.Parse(b[2:])}
}

// RxPacket header written by the device at the start of every RX buffer.
//
//	0 len_n_flags LE u32, low 14 bits are the frame length
//	4 code        u8
//	5 group       u8
//	6 sequence    LE u16
//
// The length counts the 4 command header bytes plus the payload.
type RxHeader struct {
	Len   int
	Flags uint32
	Code  uint8
	Group uint8
	Seq   seq.ID
}

const (
	RxHeaderSize  = 8
	rxLenMask     = 0x3fff
	RxFlagsNoResp = 1 << 31
)

var ErrShortPacket = errors.New("hw: packet shorter than its header")

func (h RxHeader) Put(b []byte) {
	_ = b[RxHeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:], uint32(h.Len)&rxLenMask|h.Flags&^rxLenMask)
	b[4] = h.Code
	b[5] = h.Group
	seq.Put(b[6:], h.Seq)
}

// ParseRxHeader decodes the header at the start of buf and checks that
// the frame fits in the buffer.
func ParseRxHeader(buf []byte) (RxHeader, error) {
	if len(buf) < RxHeaderSize {
		return RxHeader{}, ErrShortPacket
	}
	v := binary.LittleEndian.Uint32(buf[0:])
	h := RxHeader{
		Len:   int(v & rxLenMask),
		Flags: v &^ rxLenMask,
		Code:  buf[4],
		Group: buf[5],
		Seq:   seq.Parse(buf[6:]),
	}
	if h.Len < CmdHeaderSize || 4+h.Len > len(buf) {
		return h, fmt.Errorf("%w: length %d in %d byte buffer", ErrShortPacket, h.Len, len(buf))
	}
	return h, nil
}

// Payload returns the bytes following the header.
func (h RxHeader) Payload(buf []byte) []byte { return buf[RxHeaderSize : 4+h.Len] }

// ICTEntry converts CSRInt causes to the compressed form the device
// writes into the interrupt coalescing table.
func ICTEntry(causes uint32) uint32 {
	v := causes&0xff | (causes>>16)&0xff00
	if causes&IntFHRx != 0 {
		v |= 0xc0000
	}
	return v
}

// ICTCauses expands the or-ed table entries back to CSRInt layout.
func ICTCauses(v uint32) uint32 {
	if v == 0xffffffff {
		return 0
	}
	if v&0xc0000 != 0 {
		v |= 0x8000
	}
	return v&0xff | (v&0xff00)<<16
}
