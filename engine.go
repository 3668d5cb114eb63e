// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"fmt"
	"time"
)

// KeepAliveInterval is the serial-over-LAN liveness send period.
const KeepAliveInterval = 2 * time.Second

// Engine is the transport and authentication state machine.
//
// It is not safe for concurrent use: a Session calls every method from its
// loop goroutine. Tests drive it directly with Feed and a recording writer.
type Engine struct {
	cfg     *SessionConfig
	logger  Logger
	metrics Metrics

	state  State
	acc    ByteAccumulator
	seq    uint32
	auth   authContext
	module ProtocolModule

	// kvmRaw is set by the KVM-ready marker; afterwards every inbound byte
	// belongs to the module unframed.
	kvmRaw bool

	write          func([]byte) error
	closeTransport func() error
	sched          Scheduler
	timers         map[uint64]func()
	nextTimer      uint64
	cnonce         func() (string, error)
	onTransition   func(State)

	// stopRequested reports a stop asked for outside the loop; a write
	// failing after one ends the session with that cause.
	stopRequested func() (bool, error)

	err error
}

// NewEngine creates an engine for cfg. write sends bytes on the transport and
// sched arms timers on the caller's loop. module may be nil to select the
// module from cfg.Protocol.
func NewEngine(cfg *SessionConfig, module ProtocolModule, write func([]byte) error, sched Scheduler) *Engine {
	if module == nil {
		module = newModule(cfg)
	}
	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger.With(Field{Key: "session_id", Value: cfg.SessionID}, Field{Key: "protocol", Value: cfg.Protocol}),
		metrics: cfg.Metrics,
		state:   StateIdle,
		module:  module,
		auth: authContext{
			user:   cfg.Credentials.Username,
			secret: cfg.Credentials.Password,
		},
		write:  write,
		sched:  sched,
		timers: make(map[uint64]func()),
		cnonce: newCnonce,
	}
}

// State returns the current engine state.
func (e *Engine) State() State { return e.state }

// Err returns the error that stopped the engine, if any.
func (e *Engine) Err() error { return e.err }

// Module returns the active protocol module.
func (e *Engine) Module() ProtocolModule { return e.module }

// Begin moves Idle to Connecting.
func (e *Engine) Begin() {
	if e.state != StateIdle {
		return
	}
	e.setState(StateConnecting)
}

// TransportUp records a completed connection (and TLS handshake) and sends
// the session-start preamble naming the requested protocol.
func (e *Engine) TransportUp(closeTransport func() error) {
	if e.state != StateConnecting {
		return
	}
	e.closeTransport = closeTransport
	e.setState(StateTransportConnected)
	e.logger.Debug("Sending session start preamble")
	e.send(startPreamble(e.cfg.Protocol))
}

// Feed processes bytes received from the transport in arrival order.
func (e *Engine) Feed(p []byte) {
	if e.state == StateClosing || e.state == StateClosed || e.state == StateIdle {
		return
	}
	e.metrics.BytesReceived(e.cfg.Protocol, len(p))
	e.acc.Append(p)

	for e.state != StateClosed && e.acc.Len() > 0 {
		progressed, err := e.step()
		if err != nil {
			e.fail(err)
			return
		}
		if !progressed {
			return
		}
	}
}

// Stop tears the session down. err is nil for an operator-requested stop.
func (e *Engine) Stop(err error) {
	e.stop(err)
}

func (e *Engine) step() (bool, error) {
	switch e.state {
	case StateTransportConnected:
		return e.handleStartReply()
	case StateAuthenticating:
		return e.handleAuthReply()
	case StateActive:
		return e.handleActive()
	default:
		return false, protocolError("Engine.step",
			fmt.Sprintf("unexpected data in state %s", e.state), nil)
	}
}

func (e *Engine) handleStartReply() (bool, error) {
	if !e.acc.Has(4) {
		return false, nil
	}
	if cmd := e.acc.Uint8At(0); cmd != cmdStartSessionReply {
		return false, protocolError("Engine.handleStartReply",
			fmt.Sprintf("unexpected command 0x%02x awaiting session start reply", cmd), nil)
	}
	if status := e.acc.Uint8At(1); status != 0 {
		return false, protocolError("Engine.handleStartReply",
			fmt.Sprintf("session start rejected with status %d", status), nil)
	}
	if !e.acc.Has(startReplyMinLen) {
		return false, nil
	}
	size := startReplyMinLen + int(e.acc.Uint8At(12))
	if !e.acc.Has(size) {
		return false, nil
	}
	oem := string(e.acc.Bytes()[startReplyMinLen:size])
	e.acc.Consume(size)

	e.logger.Debug("Session start accepted", Field{Key: "oem", Value: oem})
	e.setState(StateAuthenticating)
	return true, e.send(buildAuthQuery())
}

func (e *Engine) handleAuthReply() (bool, error) {
	if !e.acc.Has(authReplyHeaderLen) {
		return false, nil
	}
	if cmd := e.acc.Uint8At(0); cmd != cmdAuthenticateReply {
		return false, protocolError("Engine.handleAuthReply",
			fmt.Sprintf("unexpected command 0x%02x during authentication", cmd), nil)
	}
	length := e.acc.Uint32At(5)
	if err := newInputValidator().ValidateMessageLength(length, maxAuthDataLen); err != nil {
		return false, protocolError("Engine.handleAuthReply", "auth data length", err)
	}
	size := authReplyHeaderLen + int(length)
	if !e.acc.Has(size) {
		return false, nil
	}

	status := e.acc.Uint8At(1)
	authType := e.acc.Uint8At(4)
	data := append([]byte(nil), e.acc.Bytes()[authReplyHeaderLen:size]...)
	e.acc.Consume(size)

	switch {
	case authType == authTypeQuery && status == 0:
		selected, ok := selectAuthType(data)
		if !ok {
			return false, authenticationError("Engine.handleAuthReply",
				fmt.Sprintf("no digest scheme offered (offered %v)", data), nil)
		}
		e.auth.authType = selected
		e.logger.Debug("Selected digest authentication", Field{Key: "auth_type", Value: selected})
		frame, err := e.auth.initialDigestRequest()
		if err != nil {
			return false, err
		}
		return true, e.send(frame)

	case (authType == authTypeDigest || authType == authTypeDigestQOP) && status == 1:
		if e.auth.responded {
			return false, authenticationError("Engine.handleAuthReply",
				"controller challenged again after digest response", nil)
		}
		if err := e.auth.parseChallenge(authType, data); err != nil {
			return false, err
		}
		var cnonce string
		if authType == authTypeDigestQOP {
			var err error
			if cnonce, err = e.cnonce(); err != nil {
				return false, err
			}
		}
		frame, err := e.auth.challengeResponse(cnonce)
		if err != nil {
			return false, err
		}
		e.auth.responded = true
		e.logger.Debug("Answering digest challenge", Field{Key: "realm", Value: e.auth.realm})
		return true, e.send(frame)

	case status == 0:
		return true, e.activate()

	default:
		return false, authenticationError("Engine.handleAuthReply",
			fmt.Sprintf("authentication rejected (status %d, type %d)", status, authType), nil)
	}
}

func (e *Engine) activate() error {
	e.auth.clear()
	e.setState(StateActive)

	switch e.cfg.Protocol {
	case ProtocolSOL:
		if err := e.send(buildSerialSettings(e.NextSequence())); err != nil {
			return err
		}
		e.armKeepAlive()
	case ProtocolKVM:
		if err := e.send(buildKVMStart()); err != nil {
			return err
		}
	}

	if e.state != StateActive {
		return nil
	}
	e.logger.Info("Session active")
	return e.module.Start(engineChannel{e})
}

func (e *Engine) armKeepAlive() {
	e.schedule(KeepAliveInterval, func() error {
		if err := e.send(buildKeepAlive(e.NextSequence())); err != nil {
			return err
		}
		e.armKeepAlive()
		return nil
	})
}

func (e *Engine) handleActive() (bool, error) {
	if e.kvmRaw {
		return e.toModule(e.acc.Bytes())
	}

	cmd := e.acc.Uint8At(0)
	switch cmd {
	case cmdSettingsAck:
		if !e.acc.Has(settingsAckLen) {
			return false, nil
		}
		e.acc.Consume(settingsAckLen)
		return true, e.send(buildSettingsConfirm(e.NextSequence()))

	case cmdSerialSettingsIn:
		if !e.acc.Has(serialSettingsInLen) {
			return false, nil
		}
		e.acc.Consume(serialSettingsInLen)
		return true, nil

	case cmdSerialDisplay:
		if e.cfg.Protocol != ProtocolSOL {
			return false, protocolError("Engine.handleActive", "serial display data on a non-serial session", nil)
		}
		if !e.acc.Has(serialDisplayHdrLen) {
			return false, nil
		}
		size := serialDisplayHdrLen + int(e.acc.Uint16At(8))
		if !e.acc.Has(size) {
			return false, nil
		}
		payload := append([]byte(nil), e.acc.Bytes()[serialDisplayHdrLen:size]...)
		e.acc.Consume(size)
		if _, err := e.module.OnBytes(payload); err != nil {
			return false, err
		}
		return true, nil

	case cmdKeepAlive:
		if !e.acc.Has(keepAliveLen) {
			return false, nil
		}
		e.acc.Consume(keepAliveLen)
		return true, nil

	case cmdKVMReady:
		if e.cfg.Protocol != ProtocolKVM {
			return false, protocolError("Engine.handleActive", "KVM ready marker on a non-KVM session", nil)
		}
		if !e.acc.Has(kvmReadyLen) {
			return false, nil
		}
		e.acc.Consume(kvmReadyLen)
		e.kvmRaw = true
		e.logger.Debug("KVM stream ready")
		return true, nil

	case cmdRecording:
		e.acc.Consume(1)
		e.logger.Info("Controller reports the session is being recorded")
		return true, nil

	default:
		if e.cfg.Protocol == ProtocolIDER {
			return e.toModule(e.acc.Bytes())
		}
		return false, protocolError("Engine.handleActive",
			fmt.Sprintf("unknown command 0x%02x", cmd), nil)
	}
}

func (e *Engine) toModule(p []byte) (bool, error) {
	n, err := e.module.OnBytes(p)
	if n > 0 {
		e.acc.Consume(n)
	}
	return n > 0, err
}

// send writes one frame; a write failure stops the session.
func (e *Engine) send(p []byte) error {
	if e.state == StateClosing || e.state == StateClosed {
		return ErrSessionClosed
	}
	if err := e.write(p); err != nil {
		if e.stopRequested != nil {
			if stopping, cause := e.stopRequested(); stopping {
				e.stop(cause)
				return ErrSessionClosed
			}
		}
		terr := transportError("Engine.send", "failed to write to transport", err)
		e.fail(terr)
		return terr
	}
	e.metrics.BytesSent(e.cfg.Protocol, len(p))
	return nil
}

// NextSequence returns the frame counter value and advances it.
func (e *Engine) NextSequence() uint32 {
	s := e.seq
	e.seq++
	return s
}

func (e *Engine) schedule(d time.Duration, fn func() error) {
	if e.state == StateClosing || e.state == StateClosed {
		return
	}
	id := e.nextTimer
	e.nextTimer++
	e.timers[id] = e.sched.AfterFunc(d, func() {
		if _, ok := e.timers[id]; !ok {
			return
		}
		delete(e.timers, id)
		if e.state != StateActive {
			return
		}
		if err := fn(); err != nil && IsFatal(err) {
			e.fail(err)
		}
	})
}

func (e *Engine) fail(err error) {
	if e.state == StateClosing || e.state == StateClosed {
		return
	}
	e.logger.Error("Stopping session", ErrorField(err), Field{Key: "state", Value: e.state})
	e.stop(err)
}

// stop is the single teardown routine every failure path converges on.
func (e *Engine) stop(err error) {
	if e.state == StateClosing || e.state == StateClosed {
		return
	}
	e.err = err
	e.setState(StateClosing)

	for id, cancel := range e.timers {
		cancel()
		delete(e.timers, id)
	}
	e.acc.Reset()
	e.auth.clear()
	e.module.OnTransportStateChanged(StateClosing)

	if e.closeTransport != nil {
		if cerr := e.closeTransport(); cerr != nil {
			e.logger.Debug("Transport close error", ErrorField(cerr))
		}
	}
	if IsRedirError(err, ErrAuthentication) {
		e.metrics.AuthFailure()
	}

	e.setState(StateClosed)
	e.module.OnTransportStateChanged(StateClosed)
	if e.cfg.StateObserver != nil {
		e.cfg.StateObserver.OnStateChange(StateClosed, err)
	}
}

func (e *Engine) setState(s State) {
	from := e.state
	e.state = s
	e.metrics.SessionState(e.cfg.Protocol, from, s)
	if e.onTransition != nil {
		e.onTransition(s)
	}
	if s == StateActive || s == StateTransportConnected {
		e.module.OnTransportStateChanged(s)
	}
	if s != StateClosed && s != StateClosing && e.cfg.StateObserver != nil {
		e.cfg.StateObserver.OnStateChange(s, nil)
	}
}

// engineChannel is the Channel handed to the active module.
type engineChannel struct{ e *Engine }

func (c engineChannel) Write(p []byte) error                      { return c.e.send(p) }
func (c engineChannel) NextSequence() uint32                      { return c.e.NextSequence() }
func (c engineChannel) Schedule(d time.Duration, fn func() error) { c.e.schedule(d, fn) }
func (c engineChannel) Logger() Logger                            { return c.e.logger }
func (c engineChannel) Metrics() Metrics                          { return c.e.metrics }
