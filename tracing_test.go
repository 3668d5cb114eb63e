// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

type recordingTracer struct {
	embedded.Tracer

	mu    sync.Mutex
	spans []*recordingSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	s := &recordingSpan{name: name, kind: cfg.SpanKind(), attrs: map[attribute.Key]attribute.Value{}}
	for _, kv := range cfg.Attributes() {
		s.attrs[kv.Key] = kv.Value
	}
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

type recordingSpan struct {
	noop.Span

	name        string
	kind        trace.SpanKind
	attrs       map[attribute.Key]attribute.Value
	events      []string
	errs        []error
	status      codes.Code
	description string
	ended       bool
}

func (s *recordingSpan) AddEvent(name string, opts ...trace.EventOption) {
	cfg := trace.NewEventConfig(opts...)
	for _, kv := range cfg.Attributes() {
		if kv.Key == "kvmredir.state" {
			name += ":" + kv.Value.AsString()
		}
	}
	s.events = append(s.events, name)
}

func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) { s.errs = append(s.errs, err) }

func (s *recordingSpan) SetStatus(code codes.Code, description string) {
	s.status, s.description = code, description
}

func (s *recordingSpan) SetAttributes(kv ...attribute.KeyValue) {
	for _, a := range kv {
		s.attrs[a.Key] = a.Value
	}
}

func (s *recordingSpan) End(...trace.SpanEndOption) { s.ended = true }

func TestTracing_SessionSpan(t *testing.T) {
	tracer := &recordingTracer{}
	cfg := newSessionConfig("s7", Endpoint{Host: "amt.lab"}, Credentials{Username: "u", Password: "p"}, ProtocolKVM,
		WithTLS(true), WithTracer(tracer))

	_, span := startSessionSpan(context.Background(), cfg.Tracer, cfg)
	span.transition(StateConnecting)
	span.transition(StateActive)
	span.end(nil)

	require.Len(t, tracer.spans, 1)
	s := tracer.spans[0]
	assert.Equal(t, "kvmredir.session", s.name)
	assert.Equal(t, trace.SpanKindClient, s.kind)
	assert.Equal(t, "s7", s.attrs["kvmredir.session_id"].AsString())
	assert.Equal(t, "kvm", s.attrs["kvmredir.protocol"].AsString())
	assert.Equal(t, "direct", s.attrs["kvmredir.transport"].AsString())
	assert.True(t, s.attrs["kvmredir.tls"].AsBool())
	assert.Equal(t, int64(16995), s.attrs["net.peer.port"].AsInt64())
	assert.Equal(t, []string{"state:connecting", "state:active"}, s.events)
	assert.Equal(t, codes.Ok, s.status)
	assert.True(t, s.ended)
}

func TestTracing_SessionSpanRecordsFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	tracer := &recordingTracer{}
	sess, err := NewSession("s8", Endpoint{Host: "127.0.0.1", Port: port}, Credentials{Username: "u", Password: "p"},
		ProtocolSOL, WithTracer(tracer), WithConnectTimeout(time.Second))
	require.NoError(t, err)
	require.NoError(t, sess.Start(context.Background()))
	require.Error(t, sess.Wait())

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	require.Len(t, tracer.spans, 1)
	s := tracer.spans[0]
	assert.Equal(t, []string{"state:connecting", "state:closing", "state:closed"}, s.events)
	assert.Equal(t, codes.Error, s.status)
	assert.Contains(t, s.description, "dial failed")
	assert.Equal(t, "transport", s.attrs["kvmredir.error_code"].AsString())
	require.Len(t, s.errs, 1)
	assert.True(t, s.ended)
}
