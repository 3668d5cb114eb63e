// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"bytes"
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func tlsEndpoint(t *testing.T) (Endpoint, string) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	return Endpoint{Host: host, Port: mustAtoi(t, port)}, CertificateFingerprint(srv.Certificate().Raw)
}

func TestDirectDialer_TLSFingerprint(t *testing.T) {
	endpoint, fp := tlsEndpoint(t)

	colon := make([]string, 0, 32)
	for i := 0; i < len(fp); i += 2 {
		colon = append(colon, strings.ToUpper(fp[i:i+2]))
	}

	tests := []struct {
		name        string
		fingerprint string
		wantErr     bool
	}{
		{"pinned", fp, false},
		{"pinned colon form", strings.Join(colon, ":"), false},
		{"unpinned accepts self-signed", "", false},
		{"mismatch", strings.Repeat("00", 32), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &DirectDialer{TLS: true, Fingerprint: tt.fingerprint, Timeout: 5 * time.Second}
			conn, err := d.Dial(context.Background(), endpoint)
			if tt.wantErr {
				assert.True(t, IsRedirError(err, ErrTransport), "got %v", err)
				return
			}
			require.NoError(t, err)
			defer conn.Close()

			tc, ok := conn.(*tls.Conn)
			require.True(t, ok, "got %T", conn)
			assert.True(t, tc.ConnectionState().HandshakeComplete)
		})
	}
}

func TestDirectDialer_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	d := &DirectDialer{Timeout: time.Second}
	_, err = d.Dial(context.Background(), Endpoint{Host: "127.0.0.1", Port: addr.Port})
	assert.True(t, IsRedirError(err, ErrTransport), "got %v", err)
	assert.Contains(t, err.Error(), addr.String())
}

func TestDirectDialer_Plain(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			_ = c.Close()
		}
	}()

	d := &DirectDialer{NetDialer: &net.Dialer{Timeout: time.Second}}
	conn, err := d.Dial(context.Background(), Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port})
	require.NoError(t, err)
	defer conn.Close()
	_, isTLS := conn.(*tls.Conn)
	assert.False(t, isTLS)
}

func TestDirectDialer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&DirectDialer{}).Dial(ctx, Endpoint{Host: "127.0.0.1", Port: 1})
	assert.True(t, IsRedirError(err, ErrTransport), "got %v", err)
}

func TestCertificateFingerprint(t *testing.T) {
	fp := CertificateFingerprint([]byte("certificate"))
	assert.Len(t, fp, 64)
	assert.Equal(t, strings.ToLower(fp), fp)
	assert.NoError(t, newInputValidator().ValidateFingerprint(fp))
	assert.NotEqual(t, fp, CertificateFingerprint([]byte("other")))
}

func TestAcceptsAnyCertificate(t *testing.T) {
	tests := []struct {
		name string
		d    Dialer
		want bool
	}{
		{"direct plain", &DirectDialer{}, false},
		{"direct tls unpinned", &DirectDialer{TLS: true}, true},
		{"direct tls pinned", &DirectDialer{TLS: true, Fingerprint: strings.Repeat("ab", 32)}, false},
		{"tunnel tls unpinned", &TunnelDialer{TLS: true}, true},
		{"tunnel tls pinned", &TunnelDialer{TLS: true, Fingerprint: strings.Repeat("ab", 32)}, false},
		{"custom", stalledDialer{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, acceptsAnyCertificate(tt.d))
		})
	}
}

func TestSession_UnpinnedTLSWarning(t *testing.T) {
	endpoint, fp := tlsEndpoint(t)

	tests := []struct {
		name        string
		fingerprint string
		wantWarn    int
	}{
		{"unpinned", "", 1},
		{"pinned", fp, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := &StandardLogger{Logger: log.New(&buf, "", 0), MinLevel: LevelWarn}
			states := &stateRecorder{}
			sess, err := NewSession("tls-1", endpoint, Credentials{Username: "u", Password: "p"}, ProtocolKVM,
				WithTLS(true), WithFingerprint(tt.fingerprint), WithLogger(logger),
				WithStateObserver(states), WithConnectTimeout(5*time.Second))
			require.NoError(t, err)
			require.NoError(t, sess.Start(context.Background()))

			assert.Eventually(t, func() bool {
				return states.count(StateTransportConnected) > 0 || states.count(StateClosed) > 0
			}, 5*time.Second, 10*time.Millisecond)
			sess.Stop()

			require.Equal(t, 1, states.count(StateTransportConnected), "TLS handshake completed")
			assert.Equal(t, tt.wantWarn, strings.Count(buf.String(), "TLS certificate not pinned"))
		})
	}
}
