// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCnonce = "0123456789abcdef0123456789abcdef"

// fakeScheduler holds timers until the test fires them.
type fakeScheduler struct {
	timers []*fakeTimer
}

type fakeTimer struct {
	d         time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := &fakeTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)
	return func() { t.cancelled = true }
}

// pending returns the timers that are neither fired nor cancelled.
func (s *fakeScheduler) pending() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.cancelled && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs every timer pending at the time of the call.
func (s *fakeScheduler) fire() int {
	ready := s.pending()
	for _, t := range ready {
		t.fired = true
		t.fn()
	}
	return len(ready)
}

type engineHarness struct {
	engine *Engine
	sched  *fakeScheduler
	states *stateRecorder
	out    [][]byte
	closed int
}

func newEngineHarness(t *testing.T, protocol Protocol, opts ...SessionOption) *engineHarness {
	t.Helper()
	h := &engineHarness{sched: &fakeScheduler{}, states: &stateRecorder{}}
	opts = append([]SessionOption{WithStateObserver(h.states)}, opts...)
	cfg := newSessionConfig("engine-test", Endpoint{Host: "controller"},
		Credentials{Username: "admin", Password: "P@ssw0rd"}, protocol, opts...)
	require.NoError(t, cfg.Validate())

	h.engine = NewEngine(cfg, nil, func(p []byte) error {
		h.out = append(h.out, append([]byte(nil), p...))
		return nil
	}, h.sched)
	h.engine.cnonce = func() (string, error) { return testCnonce, nil }
	h.engine.Begin()
	h.engine.TransportUp(func() error {
		h.closed++
		return nil
	})
	return h
}

func (h *engineHarness) last() []byte {
	if len(h.out) == 0 {
		return nil
	}
	return h.out[len(h.out)-1]
}

func authReply(status, authType byte, data []byte) []byte {
	b := make([]byte, authReplyHeaderLen, authReplyHeaderLen+len(data))
	b[0] = cmdAuthenticateReply
	b[1] = status
	b[4] = authType
	binary.BigEndian.PutUint32(b[5:], uint32(len(data)))
	return append(b, data...)
}

// handshakeScript is everything a controller sends up to a successful
// digest exchange using authType.
func handshakeScript(authType byte) []byte {
	reply := make([]byte, startReplyMinLen)
	reply[0] = cmdStartSessionReply
	reply[12] = 3
	b := append(reply, "oem"...)

	b = append(b, authReply(0, authTypeQuery, []byte{1, authType})...)
	challenge := lengthPrefixed("Digest:realm", "nonce-1")
	if authType == authTypeDigestQOP {
		challenge = lengthPrefixed("Digest:realm", "nonce-1", "auth")
	}
	b = append(b, authReply(1, authType, challenge)...)
	return append(b, authReply(0, authType, nil)...)
}

func TestEngine_Preamble(t *testing.T) {
	tests := []struct {
		protocol Protocol
		expected []byte
	}{
		{ProtocolSOL, []byte{0x10, 0x00, 0, 0, 'S', 'O', 'L', ' '}},
		{ProtocolKVM, []byte{0x10, 0x01, 0, 0, 'K', 'V', 'M', 'R'}},
		{ProtocolIDER, []byte{0x10, 0x00, 0, 0, 'I', 'D', 'E', 'R'}},
	}

	for _, tt := range tests {
		t.Run(tt.protocol.String(), func(t *testing.T) {
			h := newEngineHarness(t, tt.protocol)
			require.Len(t, h.out, 1)
			assert.Equal(t, tt.expected, h.out[0])
			assert.Equal(t, StateTransportConnected, h.engine.State())
		})
	}
}

func TestEngine_DigestQOPExchange(t *testing.T) {
	h := newEngineHarness(t, ProtocolSOL)
	h.engine.Feed(handshakeScript(authTypeDigestQOP))

	require.Equal(t, StateActive, h.engine.State())
	require.Len(t, h.out, 5)
	assert.Equal(t, buildAuthQuery(), h.out[1])

	initial := h.out[2]
	assert.Equal(t, cmdAuthenticate, initial[0])
	assert.Equal(t, authTypeDigestQOP, initial[4])
	fields, err := splitLengthPrefixed(initial[authReplyHeaderLen:])
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "", "", redirectionURI, "", "", "", ""}, fields)

	response := h.out[3]
	fields, err = splitLengthPrefixed(response[authReplyHeaderLen:])
	require.NoError(t, err)
	require.Len(t, fields, 8)
	assert.Equal(t, "admin", fields[0])
	assert.Equal(t, "Digest:realm", fields[1])
	assert.Equal(t, "nonce-1", fields[2])
	assert.Equal(t, testCnonce, fields[4])
	assert.Equal(t, "00000001", fields[5])
	assert.Equal(t, DigestResponse("admin", "P@ssw0rd", "Digest:realm", "nonce-1", redirectionURI,
		testCnonce, "00000001", "auth"), fields[6])
	assert.Equal(t, "auth", fields[7])

	assert.Equal(t, buildSerialSettings(0), h.out[4])
	assert.Empty(t, h.engine.auth.secret, "secret must be cleared once active")
}

func TestEngine_DigestExchange(t *testing.T) {
	h := newEngineHarness(t, ProtocolKVM)
	h.engine.Feed(handshakeScript(authTypeDigest))

	require.Equal(t, StateActive, h.engine.State())
	fields, err := splitLengthPrefixed(h.out[3][authReplyHeaderLen:])
	require.NoError(t, err)
	require.Len(t, fields, 7)
	assert.Equal(t, "", fields[4])
	assert.Equal(t, "", fields[5])
	assert.Equal(t, DigestResponse("admin", "P@ssw0rd", "Digest:realm", "nonce-1", redirectionURI, "", "", ""), fields[6])
	assert.Equal(t, buildKVMStart(), h.last())
}

func TestEngine_ChunkSplitEquivalence(t *testing.T) {
	script := handshakeScript(authTypeDigestQOP)
	ack := make([]byte, settingsAckLen)
	ack[0] = cmdSettingsAck
	script = append(script, ack...)
	script = append(script, cmdSerialDisplay, 0, 0, 0, 0, 0, 0, 0, 0, 3, 'a', 'b', 'c')
	script = append(script, buildKeepAlive(9)...)

	run := func(chunk int) ([][]byte, []byte) {
		var console []byte
		h := newEngineHarness(t, ProtocolSOL, WithSerialObserver(SerialObserverFunc(func(p []byte) {
			console = append(console, p...)
		})))
		for off := 0; off < len(script); off += chunk {
			h.engine.Feed(script[off:min(off+chunk, len(script))])
		}
		require.Equal(t, StateActive, h.engine.State())
		return h.out, console
	}

	wholeOut, whole := run(len(script))
	for _, chunk := range []int{1, 2, 3, 7, 13} {
		splitOut, console := run(chunk)
		assert.Equal(t, wholeOut, splitOut, "chunk size %d", chunk)
		assert.Equal(t, whole, console, "chunk size %d", chunk)
	}
	assert.Equal(t, []byte("abc"), whole)
}

func TestEngine_SettingsAckConfirm(t *testing.T) {
	h := newEngineHarness(t, ProtocolSOL)
	h.engine.Feed(handshakeScript(authTypeDigest))

	ack := make([]byte, settingsAckLen)
	ack[0] = cmdSettingsAck
	h.engine.Feed(ack)

	assert.Equal(t, buildSettingsConfirm(1), h.last())
	assert.Equal(t, []byte{0x27, 0, 0, 0, 0, 0, 0, 1, 0x00, 0x00, 0x1B, 0x00, 0x00, 0x00}, h.last())
}

func TestEngine_KeepAlive(t *testing.T) {
	h := newEngineHarness(t, ProtocolSOL)
	h.engine.Feed(handshakeScript(authTypeDigest))

	pending := h.sched.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, KeepAliveInterval, pending[0].d)

	require.Equal(t, 1, h.sched.fire())
	assert.Equal(t, buildKeepAlive(1), h.last())
	require.Equal(t, 1, h.sched.fire())
	assert.Equal(t, buildKeepAlive(2), h.last())
	assert.Len(t, h.sched.pending(), 1, "keepalive re-arms itself")

	h.engine.Stop(nil)
	assert.Empty(t, h.sched.pending(), "timers are cancelled on close")
}

func TestEngine_RecordingNotice(t *testing.T) {
	h := newEngineHarness(t, ProtocolSOL)
	h.engine.Feed(handshakeScript(authTypeDigest))

	h.engine.Feed(append([]byte{cmdRecording}, buildKeepAlive(4)...))
	assert.Equal(t, StateActive, h.engine.State())
	assert.Equal(t, 0, h.engine.acc.Len())
}

func TestEngine_Failures(t *testing.T) {
	tests := []struct {
		name     string
		protocol Protocol
		script   func() []byte
		code     ErrorCode
	}{
		{
			name:     "start rejected",
			protocol: ProtocolKVM,
			script:   func() []byte { return []byte{cmdStartSessionReply, 1, 0, 0} },
			code:     ErrProtocol,
		},
		{
			name:     "unexpected start command",
			protocol: ProtocolKVM,
			script:   func() []byte { return []byte{0x99, 0, 0, 0} },
			code:     ErrProtocol,
		},
		{
			name:     "no digest offered",
			protocol: ProtocolSOL,
			script: func() []byte {
				b := handshakeScript(authTypeDigest)
				return append(b[:startReplyMinLen+3], authReply(0, authTypeQuery, []byte{1, 2})...)
			},
			code: ErrAuthentication,
		},
		{
			name:     "second challenge",
			protocol: ProtocolSOL,
			script: func() []byte {
				b := handshakeScript(authTypeDigest)
				b = b[:len(b)-authReplyHeaderLen]
				return append(b, authReply(1, authTypeDigest, lengthPrefixed("Digest:realm", "nonce-2"))...)
			},
			code: ErrAuthentication,
		},
		{
			name:     "auth rejected",
			protocol: ProtocolSOL,
			script: func() []byte {
				b := handshakeScript(authTypeDigest)
				b = b[:len(b)-authReplyHeaderLen]
				return append(b, authReply(2, authTypeDigest, nil)...)
			},
			code: ErrAuthentication,
		},
		{
			name:     "oversized auth data",
			protocol: ProtocolSOL,
			script: func() []byte {
				b := handshakeScript(authTypeDigest)[:startReplyMinLen+3]
				hdr := authReply(0, authTypeQuery, nil)
				binary.BigEndian.PutUint32(hdr[5:], maxAuthDataLen+1)
				return append(b, hdr...)
			},
			code: ErrProtocol,
		},
		{
			name:     "unknown active command",
			protocol: ProtocolSOL,
			script:   func() []byte { return append(handshakeScript(authTypeDigest), 0x77) },
			code:     ErrProtocol,
		},
		{
			name:     "kvm ready on serial session",
			protocol: ProtocolSOL,
			script: func() []byte {
				return append(handshakeScript(authTypeDigest), cmdKVMReady, 0, 0, 0, 0, 0, 0, 0)
			},
			code: ErrProtocol,
		},
		{
			name:     "serial display on kvm session",
			protocol: ProtocolKVM,
			script: func() []byte {
				return append(handshakeScript(authTypeDigest), cmdSerialDisplay, 0, 0, 0, 0, 0, 0, 0, 0, 0)
			},
			code: ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newEngineHarness(t, tt.protocol)
			h.engine.Feed(tt.script())

			assert.Equal(t, StateClosed, h.engine.State())
			assert.True(t, IsRedirError(h.engine.Err(), tt.code), "got %v", h.engine.Err())
			assert.Equal(t, 1, h.closed)
			assert.Equal(t, 1, h.states.count(StateClosed))
			assert.Equal(t, 0, h.states.count(StateClosing))
		})
	}
}

func TestEngine_ClosedOnce(t *testing.T) {
	h := newEngineHarness(t, ProtocolKVM)
	h.engine.Feed([]byte{0x99, 0, 0, 0})
	require.Equal(t, StateClosed, h.engine.State())
	sent := len(h.out)

	h.engine.Stop(nil)
	h.engine.fail(protocolError("test", "again", nil))
	h.engine.Feed(handshakeScript(authTypeDigest))

	assert.Equal(t, 1, h.states.count(StateClosed))
	assert.Equal(t, 1, h.closed)
	assert.Len(t, h.out, sent, "nothing is written after close")
	assert.True(t, IsRedirError(h.engine.Err(), ErrProtocol), "first error is kept")
}

func TestEngine_AuthFailureMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(PrometheusConfig{Registry: reg})
	h := newEngineHarness(t, ProtocolSOL, WithMetrics(metrics))

	b := handshakeScript(authTypeDigest)
	h.engine.Feed(append(b[:len(b)-authReplyHeaderLen], authReply(2, authTypeDigest, nil)...))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.authFailures))
	assert.Equal(t, float64(len(b)), testutil.ToFloat64(metrics.bytesReceived.WithLabelValues("sol")))
}

func TestEngine_KVMReady(t *testing.T) {
	h := newEngineHarness(t, ProtocolKVM)
	h.engine.Feed(handshakeScript(authTypeDigest))

	ready := make([]byte, kvmReadyLen)
	ready[0] = cmdKVMReady
	h.engine.Feed(append(ready, protocolVersion...))

	assert.True(t, h.engine.kvmRaw)
	assert.Equal(t, []byte(protocolVersion), h.last())
	k := h.engine.Module().(*KVMDesktop)
	assert.Equal(t, KVMStateSecurityNegotiation, k.State())
}

type recordingDisk struct {
	commands []byte
	closed   int
}

func (d *recordingDisk) HandleCommands(ch Channel, p []byte) (int, error) {
	d.commands = append(d.commands, p...)
	return len(p), ch.Write([]byte{0x51, 0, 0, 0})
}

func (d *recordingDisk) Close() error {
	d.closed++
	return nil
}

func TestEngine_DiskRedirection(t *testing.T) {
	disk := &recordingDisk{}
	h := newEngineHarness(t, ProtocolIDER, WithDiskHandler(disk))
	h.engine.Feed(handshakeScript(authTypeDigest))
	require.Equal(t, StateActive, h.engine.State())

	h.engine.Feed([]byte{0x50, 1, 2, 3})
	assert.Equal(t, []byte{0x50, 1, 2, 3}, disk.commands)
	assert.Equal(t, []byte{0x51, 0, 0, 0}, h.last())

	h.engine.Stop(nil)
	h.engine.Stop(nil)
	assert.Equal(t, 1, disk.closed)
}

func TestEngine_DiskWithoutHandler(t *testing.T) {
	h := newEngineHarness(t, ProtocolIDER)
	h.engine.Feed(append(handshakeScript(authTypeDigest), 0x50))
	assert.Equal(t, StateClosed, h.engine.State())
	assert.True(t, IsRedirError(h.engine.Err(), ErrProtocol))
}

func TestEngine_WriteFailure(t *testing.T) {
	cfg := newSessionConfig("engine-test", Endpoint{Host: "controller"},
		Credentials{Username: "admin", Password: "P@ssw0rd"}, ProtocolKVM)
	var writes int
	e := NewEngine(cfg, nil, func(p []byte) error {
		writes++
		if bytes.Equal(p, buildAuthQuery()) {
			return assert.AnError
		}
		return nil
	}, &fakeScheduler{})
	e.Begin()
	e.TransportUp(nil)
	e.Feed(handshakeScript(authTypeDigest))

	assert.Equal(t, StateClosed, e.State())
	assert.True(t, IsRedirError(e.Err(), ErrTransport))
	assert.ErrorIs(t, e.Err(), assert.AnError)
	assert.Equal(t, 2, writes)
}
