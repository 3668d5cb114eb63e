// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package relay exposes KVM redirection sessions to operators over
// websockets.
//
// An operator opens /devices/{device}/kvm; the server resolves the device
// to a controller endpoint, starts a session and bridges it with a Hub. At
// most one session exists per (operator, device). Agents next to
// controllers that cannot be reached directly register a reverse tunnel at
// /devices/{device}/tunnel, and sessions to that device dial through it.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kvmredir "github.com/tenthirtyam/go-kvmredir"
)

// OperatorHeader carries the authenticated operator identity, set by the
// access-control layer in front of the relay. Both operator sessions and
// tunnel agents must present one.
const OperatorHeader = "X-Operator"

// Target is a resolved controller.
type Target struct {
	Endpoint    kvmredir.Endpoint
	Credentials kvmredir.Credentials
	TLS         bool
	Fingerprint string
}

// Resolver maps a device identifier to its controller.
type Resolver interface {
	Resolve(ctx context.Context, device string) (Target, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, device string) (Target, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, device string) (Target, error) { return f(ctx, device) }

// Config configures a Server.
type Config struct {
	Resolver Resolver
	Logger   kvmredir.Logger
	Metrics  kvmredir.Metrics

	// Gatherer, when set, is served at /metrics.
	Gatherer prometheus.Gatherer

	// SessionOptions are applied to every session after the relay's own.
	SessionOptions []kvmredir.SessionOption

	// CheckOrigin validates operator socket origins. Nil allows same origin
	// only, as gorilla's default.
	CheckOrigin func(r *http.Request) bool
}

type sessionKey struct {
	operator string
	device   string
}

// Server routes operator and agent websockets.
type Server struct {
	cfg      Config
	router   chi.Router
	upgrader websocket.Upgrader
	logger   kvmredir.Logger

	mu       sync.Mutex
	sessions map[sessionKey]string
	tunnels  map[string]*kvmredir.WebSocketTunnel
	counter  atomic.Uint64
}

// NewServer builds the relay routes.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = &kvmredir.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = kvmredir.NoOpMetrics{}
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With(kvmredir.Field{Key: "component", Value: "relay"}),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 64 * 1024, CheckOrigin: cfg.CheckOrigin},
		sessions: make(map[sessionKey]string),
		tunnels:  make(map[string]*kvmredir.WebSocketTunnel),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/devices/{device}", func(r chi.Router) {
		r.Get("/kvm", s.handleKVM)
		r.Get("/tunnel", s.handleTunnel)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Sessions returns the number of live operator sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Tunnel returns the registered tunnel for device, if any.
func (s *Server) Tunnel(device string) *kvmredir.WebSocketTunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnels[device]
}

func (s *Server) reserve(key sessionKey, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.sessions[key]; busy {
		return false
	}
	s.sessions[key] = id
	return true
}

func (s *Server) release(key sessionKey) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

func (s *Server) handleKVM(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	operator := r.Header.Get(OperatorHeader)
	if operator == "" {
		http.Error(w, "operator identity required", http.StatusUnauthorized)
		return
	}

	key := sessionKey{operator: operator, device: device}
	id := fmt.Sprintf("%s-%d", device, s.counter.Add(1))
	if !s.reserve(key, id) {
		http.Error(w, "session already open for this device", http.StatusConflict)
		return
	}
	defer s.release(key)

	target, err := s.cfg.Resolver.Resolve(r.Context(), device)
	if err != nil {
		s.logger.Warn("Device resolution failed", kvmredir.ErrorField(err), kvmredir.Field{Key: "device", Value: device})
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}

	logger := s.logger.With(kvmredir.Field{Key: "operator", Value: operator}, kvmredir.Field{Key: "device", Value: device})
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Operator upgrade failed", kvmredir.ErrorField(err))
		return
	}
	hub := NewHub(conn, logger)

	opts := []kvmredir.SessionOption{
		kvmredir.WithTLS(target.TLS),
		kvmredir.WithFingerprint(target.Fingerprint),
		kvmredir.WithLogger(logger),
		kvmredir.WithMetrics(s.cfg.Metrics),
		kvmredir.WithDesktopObserver(hub),
		kvmredir.WithStateObserver(hub),
	}
	if t := s.Tunnel(device); t != nil {
		opts = append(opts, kvmredir.WithDialer(&kvmredir.TunnelDialer{Tunnel: t, TLS: target.TLS, Fingerprint: target.Fingerprint}))
	}
	opts = append(opts, s.cfg.SessionOptions...)

	sess, err := kvmredir.NewSession(id, target.Endpoint, target.Credentials, kvmredir.ProtocolKVM, opts...)
	if err != nil {
		logger.Error("Invalid session configuration", kvmredir.ErrorField(err))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "invalid session configuration"))
		_ = conn.Close()
		return
	}
	if err := sess.Start(context.Background()); err != nil {
		logger.Error("Session start failed", kvmredir.ErrorField(err))
		_ = conn.Close()
		return
	}
	logger.Info("Operator session started", kvmredir.Field{Key: "session_id", Value: id})
	hub.Run(sess)
	logger.Info("Operator session ended", kvmredir.Field{Key: "session_id", Value: id})
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	agent := r.Header.Get(OperatorHeader)
	if agent == "" {
		http.Error(w, "operator identity required", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	logger := s.logger.With(kvmredir.Field{Key: "device", Value: device}, kvmredir.Field{Key: "agent", Value: agent})
	t := kvmredir.NewWebSocketTunnel(conn, kvmredir.WithTunnelLogger(logger))

	s.mu.Lock()
	if old := s.tunnels[device]; old != nil {
		go func() { _ = old.Close() }()
	}
	s.tunnels[device] = t
	s.mu.Unlock()
	logger.Info("Tunnel registered")

	<-t.Done()

	s.mu.Lock()
	if s.tunnels[device] == t {
		delete(s.tunnels, device)
	}
	s.mu.Unlock()
	logger.Info("Tunnel closed", kvmredir.ErrorField(t.Err()))
}
