// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

// maxSerialChunk is the largest payload of one serial data frame.
const maxSerialChunk = 0xFFFF

// SerialObserver receives serial-over-LAN console output.
type SerialObserver interface {
	OnSerialData(p []byte)
}

// SerialObserverFunc adapts a function to SerialObserver.
type SerialObserverFunc func(p []byte)

// OnSerialData calls f.
func (f SerialObserverFunc) OnSerialData(p []byte) { f(p) }

// SerialTerminal is the serial-over-LAN module. The engine strips the
// display-data framing; the module forwards console text and frames typed
// input.
type SerialTerminal struct {
	observer SerialObserver
	ch       Channel
	logger   Logger
	closed   bool
}

// NewSerialTerminal returns a terminal reporting to observer, which may be nil.
func NewSerialTerminal(observer SerialObserver) *SerialTerminal {
	return &SerialTerminal{observer: observer, logger: &NoOpLogger{}}
}

// Start binds the terminal to the session channel.
func (s *SerialTerminal) Start(ch Channel) error {
	s.ch = ch
	s.logger = ch.Logger().With(Field{Key: "module", Value: "sol"})
	return nil
}

// OnBytes delivers one display payload.
func (s *SerialTerminal) OnBytes(p []byte) (int, error) {
	if s.observer != nil && len(p) > 0 {
		s.observer.OnSerialData(append([]byte(nil), p...))
	}
	return len(p), nil
}

// OnTransportStateChanged stops input once the session is closing.
func (s *SerialTerminal) OnTransportStateChanged(state State) {
	if state == StateClosing {
		s.closed = true
	}
}

// SendText sends typed console input, split into sequenced data frames.
func (s *SerialTerminal) SendText(p []byte) error {
	if s.closed || s.ch == nil {
		s.logger.Debug("Dropping serial input outside an active session")
		return nil
	}
	for len(p) > 0 {
		n := min(len(p), maxSerialChunk)
		if err := s.ch.Write(buildSerialData(s.ch.NextSequence(), p[:n])); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
