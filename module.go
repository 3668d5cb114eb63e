// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import "time"

// ProtocolModule is the protocol-specific half of a session. The engine holds
// exactly one module, selected by the session's Protocol, and drives it from
// the session loop; modules never run concurrently with the engine.
type ProtocolModule interface {
	// Start is called once when the session becomes active. The channel stays
	// valid until OnTransportStateChanged reports StateClosing.
	Start(ch Channel) error

	// OnBytes offers the unconsumed inbound bytes routed to the module and
	// returns how many were consumed. Returning 0 without error means a whole
	// command is not yet buffered.
	OnBytes(p []byte) (int, error)

	// OnTransportStateChanged reports engine state changes. On StateClosing
	// the module releases every resource it owns.
	OnTransportStateChanged(state State)
}

// Channel is the duplex byte channel a module uses once the session is active.
type Channel interface {
	// Write sends p on the transport. Frames are written in call order.
	Write(p []byte) error

	// NextSequence returns the next value of the session's frame counter.
	NextSequence() uint32

	// Schedule runs fn on the session loop after d. A fatal error returned by
	// fn stops the session. Pending callbacks are discarded on close.
	Schedule(d time.Duration, fn func() error)

	// Logger returns the session logger.
	Logger() Logger

	// Metrics returns the session metrics collector.
	Metrics() Metrics
}

// Scheduler arms one-shot timers. Implementations must deliver fn on the
// goroutine that owns the engine. The returned function cancels the timer.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// newModule selects the protocol module for cfg.
func newModule(cfg *SessionConfig) ProtocolModule {
	switch cfg.Protocol {
	case ProtocolSOL:
		return NewSerialTerminal(cfg.SerialObserver)
	case ProtocolIDER:
		return NewDiskRedirector(cfg.DiskHandler)
	default:
		return NewKVMDesktop(KVMOptions{
			ColorMode:   cfg.ColorMode,
			FrameDelay:  cfg.FrameDelay,
			FocusRadius: cfg.FocusRadius,
			Observer:    cfg.DesktopObserver,
		})
	}
}
