// Package fault defines the error kinds shared by the transport packages.
//
// Specific errors wrap exactly one kind so callers can classify them with
// errors.Is without knowing every concrete error:
//
//	if errors.Is(err, fault.ErrTimeout) { ... }
package fault

import "errors"

var (
	// ErrResourceExhaustion covers DMA allocation failures,
	// an empty receive buffer pool and a full transmit ring.
	ErrResourceExhaustion = errors.New("resource exhaustion")

	// ErrTimeout covers NIC access polling and synchronous command waits.
	ErrTimeout = errors.New("timeout")

	// ErrHardwareFault covers rfkill and firmware/hardware error interrupts.
	ErrHardwareFault = errors.New("hardware fault")

	// ErrProtocolViolation covers malformed sequence identifiers, malformed
	// packets and completions for slots that are not occupied.
	ErrProtocolViolation = errors.New("protocol violation")
)
