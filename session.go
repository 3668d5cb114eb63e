// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"context"
	"errors"
	"image"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// eventQueueSize bounds work posted to the session loop.
	eventQueueSize = 256

	readChunkSize = 32 * 1024
)

// Session is one redirection session to a management controller.
//
// A single loop goroutine runs every engine and module call: transport
// chunks from the reader goroutine, timer callbacks and operator input are
// all posted to it as closures, so nothing touches protocol state
// concurrently. Session methods are safe for concurrent use.
type Session struct {
	cfg    *SessionConfig
	engine *Engine
	logger Logger

	events chan func()
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	state    State
	conn     net.Conn
	span     *sessionSpan
	stopping bool
	stopErr  error
}

// NewSession validates the configuration and returns an idle session.
func NewSession(id string, endpoint Endpoint, creds Credentials, protocol Protocol, opts ...SessionOption) (*Session, error) {
	cfg := newSessionConfig(id, endpoint, creds, protocol, opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.With(Field{Key: "session_id", Value: id}),
		events: make(chan func(), eventQueueSize),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	s.engine = NewEngine(cfg, nil, s.write, loopScheduler{s})
	s.engine.onTransition = s.onTransition
	s.engine.stopRequested = s.stopRequested
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.SessionID }

// Protocol returns the redirection protocol.
func (s *Session) Protocol() Protocol { return s.cfg.Protocol }

// State returns the last observed session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that closed the session; nil after Stop.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.engine.Err()
	default:
		return nil
	}
}

// Wait blocks until the session is closed and returns Err.
func (s *Session) Wait() error {
	<-s.done
	return s.engine.Err()
}

// Start dials the controller and runs the session until it closes or ctx is
// cancelled. It returns once the loop is running; progress is reported to
// the StateObserver.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return NewRedirError("Session.Start", ErrConfiguration, "session already started", nil)
	}
	s.started = true
	s.mu.Unlock()

	ctx, span := startSessionSpan(ctx, s.cfg.Tracer, s.cfg)
	s.mu.Lock()
	s.span = span
	s.mu.Unlock()

	s.engine.Begin()
	go s.loop()

	stopWatch := context.AfterFunc(ctx, func() {
		cause := transportError("Session.Start", "session context done", ctx.Err())
		s.abort(cause)
		s.post(func() { s.engine.Stop(cause) })
	})
	go func() {
		<-s.done
		stopWatch()
	}()

	go s.connect(ctx)
	return nil
}

func (s *Session) connect(ctx context.Context) {
	s.logger.Debug("Dialing controller",
		Field{Key: "address", Value: s.cfg.Endpoint.Address(s.cfg.TLS)},
		Field{Key: "transport", Value: s.cfg.transportKind()})

	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.Endpoint)
	if err != nil {
		s.post(func() { s.engine.Stop(WrapError("Session.connect", ErrTransport, "dial failed", err)) })
		return
	}
	if acceptsAnyCertificate(s.cfg.Dialer) {
		s.logger.Warn("TLS certificate not pinned, accepting any certificate",
			Field{Key: "address", Value: s.cfg.Endpoint.Address(true)})
	}

	if !s.post(func() {
		if s.engine.State() != StateConnecting {
			_ = conn.Close()
			return
		}
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()
		s.engine.TransportUp(conn.Close)
		go s.read(conn)
	}) {
		_ = conn.Close()
	}
}

func (s *Session) read(conn net.Conn) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !s.post(func() { s.engine.Feed(chunk) }) {
				return
			}
		}
		if err != nil {
			if stopping, cause := s.stopRequested(); stopping {
				s.post(func() { s.engine.Stop(cause) })
				return
			}
			msg := "transport read failed"
			if errors.Is(err, io.EOF) {
				msg = "connection closed by controller"
			}
			s.post(func() { s.engine.Stop(transportError("Session.read", msg, err)) })
			return
		}
	}
}

// abort records a stop request and closes the transport from the calling
// goroutine, so a loop blocked writing to a peer that stopped reading
// returns. The first cause wins.
func (s *Session) abort(cause error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping, s.stopErr = true, cause
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) stopRequested() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping, s.stopErr
}

// write runs on the loop; the engine is the only writer.
func (s *Session) write(p []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}
	_, err := conn.Write(p)
	return err
}

func (s *Session) loop() {
	defer close(s.done)
	for fn := range s.events {
		fn()
		if s.engine.State() == StateClosed {
			return
		}
	}
}

// post queues fn on the loop. It reports false once the loop has exited.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(fn func() error) error {
	result := make(chan error, 1)
	if !s.post(func() { result <- fn() }) {
		return ErrSessionClosed
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// onTransition runs on the loop for every engine state change.
func (s *Session) onTransition(state State) {
	s.mu.Lock()
	s.state = state
	span := s.span
	s.mu.Unlock()

	if span == nil {
		return
	}
	span.transition(state)
	if state == StateClosed {
		span.end(s.engine.Err())
	}
}

// Stop closes the session and waits for the loop to exit.
func (s *Session) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = true
	s.mu.Unlock()

	if !started {
		s.engine.Stop(nil)
		close(s.done)
		return
	}
	s.abort(nil)
	s.post(func() { s.engine.Stop(nil) })
	<-s.done
}

func (s *Session) kvm(fn func(k *KVMDesktop) error) error {
	return s.do(func() error {
		k, ok := s.engine.Module().(*KVMDesktop)
		if !ok {
			return configurationError("Session", "not a KVM session", nil)
		}
		if s.engine.State() != StateActive {
			return nil
		}
		err := fn(k)
		if err != nil && IsFatal(err) && !IsRedirError(err, ErrValidation) {
			s.engine.fail(err)
		}
		return err
	})
}

// SendPointer sends a pointer event at display coordinates.
func (s *Session) SendPointer(mask ButtonMask, x, y uint16) error {
	return s.kvm(func(k *KVMDesktop) error { return k.PointerEvent(mask, x, y) })
}

// SendWheel sends a signed wheel delta at display coordinates.
func (s *Session) SendWheel(delta int, x, y uint16) error {
	return s.kvm(func(k *KVMDesktop) error { return k.WheelEvent(delta, x, y) })
}

// SendKey sends a key event for a keysym.
func (s *Session) SendKey(keysym uint32, down bool) error {
	return s.kvm(func(k *KVMDesktop) error { return k.KeyEvent(keysym, down) })
}

// SendKeyCode sends a key event for a browser key code.
func (s *Session) SendKeyCode(code int, down bool) error {
	return s.kvm(func(k *KVMDesktop) error { return k.KeyCodeEvent(code, down) })
}

// SendCtrlAltDel sends the Ctrl+Alt+Delete sequence.
func (s *Session) SendCtrlAltDel() error {
	return s.kvm(func(k *KVMDesktop) error { return k.CtrlAltDelete() })
}

// SendClipboard sends clipboard text to the controller.
func (s *Session) SendClipboard(text string) error {
	return s.kvm(func(k *KVMDesktop) error { return k.SendClipboard(text) })
}

// SendData queues a payload on the in-band data channel.
func (s *Session) SendData(p []byte) error {
	p = append([]byte(nil), p...)
	return s.kvm(func(k *KVMDesktop) error { return k.SendData(p) })
}

// SendDataCommand sends an in-band command frame.
func (s *Session) SendDataCommand(cmd DataCommand, value byte) error {
	return s.kvm(func(k *KVMDesktop) error { return k.SendDataCommand(cmd, value) })
}

// SetRotation rotates the desktop and the pointer mapping.
func (s *Session) SetRotation(r Rotation) error {
	return s.kvm(func(k *KVMDesktop) error { return k.SetRotation(r) })
}

// Screenshot returns the current desktop as RGBA in display orientation.
func (s *Session) Screenshot() (*image.RGBA, error) {
	var img *image.RGBA
	err := s.do(func() error {
		k, ok := s.engine.Module().(*KVMDesktop)
		if !ok {
			return configurationError("Session.Screenshot", "not a KVM session", nil)
		}
		if !k.Framebuffer().Allocated() {
			if w := k.CapacityWarning(); w != nil {
				return w
			}
		}
		img = k.Framebuffer().Image()
		return nil
	})
	return img, err
}

// SendSerialText sends console input on a serial-over-LAN session.
func (s *Session) SendSerialText(text string) error {
	p := []byte(text)
	return s.do(func() error {
		t, ok := s.engine.Module().(*SerialTerminal)
		if !ok {
			return configurationError("Session.SendSerialText", "not a serial session", nil)
		}
		if s.engine.State() != StateActive {
			return nil
		}
		return t.SendText(p)
	})
}

// loopScheduler delivers timer callbacks on the session loop.
type loopScheduler struct{ s *Session }

func (l loopScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() { l.s.post(fn) })
	return func() { t.Stop() }
}
