// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

// State is the lifecycle state of a redirection session.
//
// StateClosed is zero so the numeric value reported to observers on teardown
// is 0 regardless of which layer detected the failure.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateTransportConnected
	StateAuthenticating
	StateActive
	StateClosing
	StateIdle
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateTransportConnected:
		return "transport-connected"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// StateObserver is notified of every externally visible state change.
// Closing is internal; observers see Closed exactly once.
type StateObserver interface {
	OnStateChange(state State, err error)
}

// StateObserverFunc adapts a function to StateObserver.
type StateObserverFunc func(state State, err error)

// OnStateChange calls f.
func (f StateObserverFunc) OnStateChange(state State, err error) { f(state, err) }

// Protocol selects the redirection protocol requested in the session-start
// preamble.
type Protocol int

const (
	// ProtocolSOL is serial-over-LAN text console.
	ProtocolSOL Protocol = iota + 1
	// ProtocolKVM is the remote framebuffer desktop.
	ProtocolKVM
	// ProtocolIDER is IDE (disk image) redirection.
	ProtocolIDER
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolSOL:
		return "sol"
	case ProtocolKVM:
		return "kvm"
	case ProtocolIDER:
		return "ider"
	default:
		return "unknown"
	}
}

// magic returns the 4-byte protocol magic sent after the preamble header.
func (p Protocol) magic() string {
	switch p {
	case ProtocolSOL:
		return "SOL "
	case ProtocolKVM:
		return "KVMR"
	case ProtocolIDER:
		return "IDER"
	default:
		return ""
	}
}

// ParseProtocol maps "sol", "kvm" or "ider" to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "sol", "SOL":
		return ProtocolSOL, nil
	case "kvm", "KVM":
		return ProtocolKVM, nil
	case "ider", "IDER":
		return ProtocolIDER, nil
	}
	return 0, configurationError("ParseProtocol", "unknown protocol "+s, nil)
}

// TransportKind records how the byte stream reaches the endpoint.
type TransportKind int

const (
	TransportDirect TransportKind = iota
	TransportTunnel
)

// String returns the transport kind name.
func (k TransportKind) String() string {
	if k == TransportTunnel {
		return "tunnel"
	}
	return "direct"
}
