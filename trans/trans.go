// Package trans implements the bus transport of the adapter: the transmit
// rings that carry host commands to firmware, the receive ring that carries
// responses, notifications and data frames back, and the register-level
// bring-up and teardown of the device's DMA engines.
//
// All ring state, the completion tables and every register access sequence
// are serialized by a single lock owned by Transport. The interrupt path
// only does bookkeeping under that lock. Reinitialization and radio state
// changes run on a deferred task goroutine. Continuations, notifications
// and backpressure release callbacks are always invoked with the lock
// released.
package trans

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/romshark/iwatrans/fault"
	"github.com/romshark/iwatrans/hw"
	"github.com/romshark/iwatrans/seq"
)

var (
	ErrRingFull         = fmt.Errorf("tx ring full: %w", fault.ErrResourceExhaustion)
	ErrPoolExhausted    = fmt.Errorf("rx buffer pool exhausted: %w", fault.ErrResourceExhaustion)
	ErrCmdTimeout       = fmt.Errorf("command timed out: %w", fault.ErrTimeout)
	ErrNICAccessTimeout = fmt.Errorf("nic access timed out: %w", fault.ErrTimeout)
	ErrDrainTimeout     = fmt.Errorf("drain timed out: %w", fault.ErrTimeout)
	ErrHWNotReady       = fmt.Errorf("hardware not ready: %w", fault.ErrHardwareFault)
	ErrRFKill           = fmt.Errorf("radio disabled by rfkill: %w", fault.ErrHardwareFault)
	ErrBadStatusIndex   = fmt.Errorf("rx status index out of range: %w", fault.ErrHardwareFault)
	ErrFirmwareError    = fmt.Errorf("firmware error: %w", fault.ErrHardwareFault)
	ErrUnoccupiedSlot   = fmt.Errorf("completion for unoccupied slot: %w", fault.ErrProtocolViolation)
	ErrUnknownQueue     = fmt.Errorf("unknown queue: %w", fault.ErrProtocolViolation)
	ErrMalformedPacket  = fmt.Errorf("malformed packet: %w", fault.ErrProtocolViolation)

	ErrShutdown        = errors.New("transport shutting down")
	ErrClosed          = errors.New("transport closed")
	ErrPayloadTooLarge = errors.New("command payload too large")
	ErrNotLent         = errors.New("frame buffer not lent")
)

const (
	DefaultTxQueues         = 10
	DefaultCmdQueue         = 9
	DefaultRxBufSize        = hw.RxBufSize
	DefaultNICAccessTimeout = 15 * time.Millisecond
	DefaultPollInterval     = 10 * time.Microsecond
	DefaultCmdTimeout       = 2 * time.Second
	DefaultDrainTimeout     = time.Second
)

// Options configures a Transport.
type Options struct {
	// TxQueues is the number of transmit rings, at most seq.MaxRing+1.
	TxQueues int
	// CmdQueue is the ring SendCmd posts to.
	CmdQueue int
	// RxBufSize is the size of every receive buffer: 4096 or 8192.
	RxBufSize int
	// DisableICT makes the interrupt path read causes from the
	// interrupt status register instead of the coalescing table.
	DisableICT bool
	// NICAccessTimeout bounds the wait for the MAC clock after a wake request.
	NICAccessTimeout time.Duration
	// PollInterval is the delay between register polls.
	PollInterval time.Duration
	// CmdTimeout is the default wait for a synchronous command's response.
	CmdTimeout time.Duration
	// DrainTimeout bounds the wait for outstanding commands in Close.
	DrainTimeout time.Duration

	Logger   *slog.Logger
	Handlers Handlers
}

func (o *Options) ValidateAndSetDefaults() error {
	if o.TxQueues == 0 {
		o.TxQueues = DefaultTxQueues
	}
	if o.TxQueues < 0 || o.TxQueues > seq.MaxRing+1 {
		return fmt.Errorf("TxQueues must be in [1, %d], got %d", seq.MaxRing+1, o.TxQueues)
	}
	if o.CmdQueue == 0 {
		o.CmdQueue = min(DefaultCmdQueue, o.TxQueues-1)
	}
	if o.CmdQueue < 0 || o.CmdQueue >= o.TxQueues {
		return fmt.Errorf("CmdQueue %d out of range for %d queues", o.CmdQueue, o.TxQueues)
	}
	if o.RxBufSize == 0 {
		o.RxBufSize = DefaultRxBufSize
	}
	if o.RxBufSize != hw.RxBufSize && o.RxBufSize != hw.RxBufSize8K {
		return fmt.Errorf("RxBufSize must be %d or %d, got %d",
			hw.RxBufSize, hw.RxBufSize8K, o.RxBufSize)
	}
	if o.NICAccessTimeout == 0 {
		o.NICAccessTimeout = DefaultNICAccessTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.CmdTimeout == 0 {
		o.CmdTimeout = DefaultCmdTimeout
	}
	if o.DrainTimeout == 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// Handlers are upcalls into the layer above the transport.
// They are invoked without the transport lock held and may call back into
// the Transport. Nil handlers are skipped.
type Handlers struct {
	// Unsolicited receives firmware notifications not correlated
	// to any host command.
	Unsolicited func(*Packet)
	// RadioOn is called after the hardware came back up once
	// the rfkill switch was released.
	RadioOn func()
	// RadioOff is called after the hardware was stopped because
	// the rfkill switch was engaged.
	RadioOff func()
	// Fatal is called from the task context before a reinitialization.
	Fatal func(error)
	// TxResume is called when a full transmit ring drained to its
	// low watermark.
	TxResume func(qid int)
}

// Packet is a response or notification received from firmware.
// Its payload is a copy and stays valid after the call it was passed to.
type Packet struct {
	Code    uint8
	Group   uint8
	Seq     seq.ID
	Flags   uint32
	Payload []byte
}

// Continuation receives the response to an asynchronous command,
// or the error that ended it.
type Continuation func(resp *Packet, err error)

// CmdFlags control command submission.
type CmdFlags uint8

const (
	// CmdWantResp registers the command in the completion table.
	CmdWantResp CmdFlags = 1 << iota
	// CmdAsync makes SubmitCommand return once the command is posted.
	// The response, if wanted, is passed to HostCmd.Callback.
	CmdAsync
)

// HostCmd is a command to be sent to firmware.
type HostCmd struct {
	Code    uint8
	Group   uint8
	Flags   CmdFlags
	Payload []byte

	// Timeout overrides Options.CmdTimeout for synchronous commands.
	Timeout time.Duration
	// Callback is invoked for asynchronous commands that want a response.
	Callback Continuation
}

// Frame is a received data frame lent to the caller.
// Buf points directly into a receive buffer and must not be used after
// the frame was passed to ReleaseFrame.
type Frame struct {
	Buf   []byte
	Seq   seq.ID
	Flags uint32

	buf int
	gen uint32
}
