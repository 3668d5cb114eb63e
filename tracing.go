// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "github.com/tenthirtyam/go-kvmredir"

// sessionSpan records one span per session with an event for every state
// transition. Without a configured provider the global no-op tracer is used.
type sessionSpan struct {
	span trace.Span
}

func startSessionSpan(ctx context.Context, tracer trace.Tracer, cfg *SessionConfig) (context.Context, *sessionSpan) {
	if tracer == nil {
		tracer = otel.Tracer(defaultTracerName)
	}
	ctx, span := tracer.Start(ctx, "kvmredir.session",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("kvmredir.session_id", cfg.SessionID),
			attribute.String("kvmredir.protocol", cfg.Protocol.String()),
			attribute.String("kvmredir.transport", cfg.transportKind().String()),
			attribute.Bool("kvmredir.tls", cfg.TLS),
			attribute.String("net.peer.name", cfg.Endpoint.Host),
			attribute.Int("net.peer.port", cfg.Endpoint.port(cfg.TLS)),
		))
	return ctx, &sessionSpan{span: span}
}

func (s *sessionSpan) transition(state State) {
	s.span.AddEvent("state", trace.WithAttributes(attribute.String("kvmredir.state", state.String())))
}

func (s *sessionSpan) end(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		s.span.SetAttributes(attribute.String("kvmredir.error_code", GetErrorCode(err).String()))
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
