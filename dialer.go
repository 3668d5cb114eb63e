// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"time"
)

// Dialer opens the byte stream to a management controller. The session
// treats the returned connection as already connected and, for TLS,
// already handshaken.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error)
}

// DirectDialer connects to the controller with a plain TCP socket, optionally
// upgraded to TLS.
type DirectDialer struct {
	// TLS selects the TLS port and performs the handshake.
	TLS bool

	// Fingerprint pins the controller's leaf certificate by hex SHA-256.
	// Without it any certificate is accepted: controllers ship self-signed
	// certificates that do not chain to a public root.
	Fingerprint string

	// Timeout bounds the connect and the handshake. Zero means no bound
	// beyond ctx.
	Timeout time.Duration

	// NetDialer overrides the TCP dialer.
	NetDialer *net.Dialer
}

// Dial connects to endpoint.
func (d *DirectDialer) Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	nd := d.NetDialer
	if nd == nil {
		nd = &net.Dialer{}
	}
	addr := endpoint.Address(d.TLS)
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transportError("DirectDialer.Dial", "failed to connect to "+addr, err)
	}
	if !d.TLS {
		return conn, nil
	}
	return clientTLS(ctx, conn, endpoint.Host, d.Fingerprint)
}

// TunnelDialer opens a stream through an established reverse tunnel.
type TunnelDialer struct {
	Tunnel *WebSocketTunnel

	// TLS and Fingerprint apply end to end, inside the tunnel stream.
	TLS         bool
	Fingerprint string
}

// Dial opens a tunnel stream to endpoint.
func (d *TunnelDialer) Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	if d.Tunnel == nil {
		return nil, configurationError("TunnelDialer.Dial", "no tunnel", nil)
	}
	conn, err := d.Tunnel.Open(ctx, endpoint.Address(d.TLS))
	if err != nil {
		return nil, err
	}
	if !d.TLS {
		return conn, nil
	}
	return clientTLS(ctx, conn, endpoint.Host, d.Fingerprint)
}

// acceptsAnyCertificate reports whether d negotiates TLS without a pin.
func acceptsAnyCertificate(d Dialer) bool {
	switch d := d.(type) {
	case *DirectDialer:
		return d.TLS && d.Fingerprint == ""
	case *TunnelDialer:
		return d.TLS && d.Fingerprint == ""
	}
	return false
}

func clientTLS(ctx context.Context, conn net.Conn, host, fingerprint string) (net.Conn, error) {
	want := normalizeFingerprint(fingerprint)
	cfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		// Chain verification is replaced by the fingerprint pin below.
		InsecureSkipVerify: true, // #nosec G402
		VerifyConnection: func(cs tls.ConnectionState) error {
			if want == "" {
				return nil
			}
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("no peer certificate")
			}
			if got := CertificateFingerprint(cs.PeerCertificates[0].Raw); got != want {
				return fmt.Errorf("certificate fingerprint %s does not match", got)
			}
			return nil
		},
	}

	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, transportError("clientTLS", "TLS handshake failed", err)
	}
	return tc, nil
}

// CertificateFingerprint returns the hex SHA-256 of a DER certificate, in
// the form accepted by WithFingerprint.
func CertificateFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
