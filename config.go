// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"net"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Default redirection ports of the management controller.
const (
	DefaultPort    = 16994
	DefaultTLSPort = 16995
)

// Endpoint addresses the management controller.
type Endpoint struct {
	// Host is the controller's host name or IP address.
	Host string

	// Port overrides the default redirection port when nonzero.
	Port int
}

func (e Endpoint) port(tls bool) int {
	if e.Port != 0 {
		return e.Port
	}
	if tls {
		return DefaultTLSPort
	}
	return DefaultPort
}

// Address returns host:port, applying the default port for the TLS flag.
func (e Endpoint) Address(tls bool) string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.port(tls)))
}

// Credentials are the digest authentication user and secret.
type Credentials struct {
	Username string
	Password string
}

// SessionConfig configures a redirection session. Build it with NewSession
// and SessionOption values rather than by hand.
type SessionConfig struct {
	// SessionID identifies the session in logs, metrics and traces.
	SessionID string

	// Endpoint is the management controller to reach.
	Endpoint Endpoint

	// TLS selects the TLS redirection port and handshake for direct transports.
	TLS bool

	// Fingerprint, when set, pins the hex SHA-256 of the controller's leaf
	// certificate. Controllers commonly present self-signed certificates.
	Fingerprint string

	// Credentials are used for digest authentication.
	Credentials Credentials

	// Protocol selects the protocol module.
	Protocol Protocol

	// Dialer is the transport strategy. Defaults to a DirectDialer.
	Dialer Dialer

	// Logger receives structured session logs. Defaults to NoOpLogger.
	Logger Logger

	// Metrics receives session metrics. Defaults to NoOpMetrics.
	Metrics Metrics

	// Tracer creates the session span. Defaults to the global otel tracer.
	Tracer trace.Tracer

	// StateObserver is notified of session state changes.
	StateObserver StateObserver

	// DesktopObserver receives KVM desktop events.
	DesktopObserver DesktopObserver

	// SerialObserver receives serial console output.
	SerialObserver SerialObserver

	// DiskHandler implements the disk redirection command set.
	DiskHandler DiskHandler

	// ColorMode is the pixel format requested after ServerInit.
	ColorMode ColorMode

	// FrameDelay paces framebuffer update requests. Zero requests immediately.
	FrameDelay time.Duration

	// FocusRadius, when nonzero, restricts incremental update requests to a
	// square of this half-size around the last pointer position.
	FocusRadius uint16

	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
}

func (c *SessionConfig) transportKind() TransportKind {
	if _, ok := c.Dialer.(*TunnelDialer); ok {
		return TransportTunnel
	}
	return TransportDirect
}

// SessionOption represents a functional option for configuring a session.
type SessionOption func(*SessionConfig)

// WithTLS enables TLS on direct transports and selects the TLS port.
func WithTLS(enabled bool) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.TLS = enabled
	}
}

// WithFingerprint pins the controller certificate by hex SHA-256.
func WithFingerprint(fingerprint string) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Fingerprint = fingerprint
	}
}

// WithDialer injects the transport strategy.
func WithDialer(d Dialer) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Dialer = d
	}
}

// WithLogger sets the logger for the session.
func WithLogger(logger Logger) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Logger = logger
	}
}

// WithMetrics sets the metrics collector for the session.
func WithMetrics(metrics Metrics) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Metrics = metrics
	}
}

// WithTracer sets the tracer used for the session span.
func WithTracer(tracer trace.Tracer) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Tracer = tracer
	}
}

// WithStateObserver sets the session state observer.
func WithStateObserver(o StateObserver) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.StateObserver = o
	}
}

// WithDesktopObserver sets the KVM desktop observer.
func WithDesktopObserver(o DesktopObserver) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.DesktopObserver = o
	}
}

// WithSerialObserver sets the serial console observer.
func WithSerialObserver(o SerialObserver) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.SerialObserver = o
	}
}

// WithDiskHandler sets the disk redirection command handler.
func WithDiskHandler(h DiskHandler) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.DiskHandler = h
	}
}

// WithColorMode selects the pixel format requested from the controller.
func WithColorMode(mode ColorMode) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.ColorMode = mode
	}
}

// WithFrameDelay paces framebuffer update requests.
func WithFrameDelay(d time.Duration) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.FrameDelay = d
	}
}

// WithFocusRadius limits incremental updates to the area around the pointer.
func WithFocusRadius(radius uint16) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.FocusRadius = radius
	}
}

// WithConnectTimeout bounds dialing and the TLS handshake.
func WithConnectTimeout(d time.Duration) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.ConnectTimeout = d
	}
}

// newSessionConfig applies options over the required construction inputs and
// fills defaults.
func newSessionConfig(id string, endpoint Endpoint, creds Credentials, protocol Protocol, opts ...SessionOption) *SessionConfig {
	cfg := &SessionConfig{
		SessionID:   id,
		Endpoint:    endpoint,
		Credentials: creds,
		Protocol:    protocol,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = &NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoOpMetrics{}
	}
	if cfg.DesktopObserver == nil {
		cfg.DesktopObserver = NoOpDesktopObserver{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &DirectDialer{
			TLS:         cfg.TLS,
			Fingerprint: cfg.Fingerprint,
			Timeout:     cfg.ConnectTimeout,
		}
	}
	return cfg
}

// Validate checks the configuration before any connection is attempted.
func (c *SessionConfig) Validate() error {
	v := newInputValidator()

	if c.SessionID == "" {
		return configurationError("SessionConfig.Validate", "session id is required", nil)
	}
	if err := v.ValidateEndpoint(c.Endpoint); err != nil {
		return configurationError("SessionConfig.Validate", "invalid endpoint", err)
	}
	if err := v.ValidateCredentials(c.Credentials); err != nil {
		return configurationError("SessionConfig.Validate", "invalid credentials", err)
	}
	if c.Protocol.magic() == "" {
		return configurationError("SessionConfig.Validate", "unknown protocol", nil)
	}
	if c.Fingerprint != "" {
		if err := v.ValidateFingerprint(c.Fingerprint); err != nil {
			return configurationError("SessionConfig.Validate", "invalid fingerprint", err)
		}
	}
	if c.ColorMode > ColorModeGray4 {
		return configurationError("SessionConfig.Validate", "unknown color mode", nil)
	}
	return nil
}
