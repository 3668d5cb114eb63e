// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errDigestRejected = errors.New("digest response rejected")

// mockController is a management controller that accepts one redirection
// session per connection: it answers the session-start preamble, runs the
// digest exchange, performs the protocol-specific start and, for KVM, the
// framebuffer handshake. The connection is then handed to the test.
type mockController struct {
	listener net.Listener
	wg       sync.WaitGroup
	stop     chan struct{}

	// Configuration
	User          string
	Password      string
	Realm         string
	Nonce         string
	OEM           string
	AuthTypes     []byte
	RejectDigest  bool
	SecurityTypes []byte
	Width         uint16
	Height        uint16
	DesktopName   string

	conns chan *controllerConn
	errs  chan error

	mu   sync.Mutex
	open []net.Conn
}

func newMockController(t *testing.T) *mockController {
	t.Helper()
	m := &mockController{
		stop:          make(chan struct{}),
		User:          "admin",
		Password:      "P@ssw0rd",
		Realm:         "Digest:A7B2",
		Nonce:         "8c1f0e4e2a",
		OEM:           "mock",
		AuthTypes:     []byte{1, 3, 4},
		SecurityTypes: []byte{securityNone},
		Width:         128,
		Height:        64,
		DesktopName:   "mock desktop",
		conns:         make(chan *controllerConn, 4),
		errs:          make(chan error, 4),
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m.listener = ln

	m.wg.Add(1)
	go m.serve()
	t.Cleanup(m.Stop)
	return m
}

// Stop closes the listener and every accepted connection.
func (m *mockController) Stop() {
	select {
	case <-m.stop:
		return
	default:
	}
	close(m.stop)
	_ = m.listener.Close()
	m.mu.Lock()
	for _, c := range m.open {
		_ = c.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Endpoint returns the listener address as a session endpoint.
func (m *mockController) Endpoint() Endpoint {
	host, port, _ := net.SplitHostPort(m.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return Endpoint{Host: host, Port: p}
}

// Credentials returns credentials the controller accepts.
func (m *mockController) Credentials() Credentials {
	return Credentials{Username: m.User, Password: m.Password}
}

// Accept waits for a session that finished its handshake.
func (m *mockController) Accept(t *testing.T) *controllerConn {
	t.Helper()
	select {
	case c := <-m.conns:
		return c
	case err := <-m.errs:
		t.Fatalf("controller handshake failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a redirection session")
	}
	return nil
}

// Err waits briefly for a handshake failure.
func (m *mockController) Err() error {
	select {
	case err := <-m.errs:
		return err
	case <-time.After(5 * time.Second):
		return nil
	}
}

func (m *mockController) serve() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				continue
			}
		}
		m.mu.Lock()
		m.open = append(m.open, conn)
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			c := &controllerConn{Conn: conn}
			protocol, err := m.handshake(c)
			if err != nil {
				m.errs <- err
				_ = conn.Close()
				return
			}
			c.Protocol = protocol
			m.conns <- c
		}()
	}
}

func (m *mockController) handshake(c *controllerConn) (Protocol, error) {
	if err := c.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return 0, err
	}
	defer func() { _ = c.SetDeadline(time.Time{}) }()

	protocol, err := m.handleStart(c)
	if err != nil {
		return 0, err
	}
	if err := m.handleAuth(c); err != nil {
		return 0, err
	}

	switch protocol {
	case ProtocolSOL:
		err = m.handleSerialStart(c)
	case ProtocolKVM:
		err = m.handleKVMStart(c)
	}
	return protocol, err
}

func (m *mockController) handleStart(c *controllerConn) (Protocol, error) {
	pre, err := c.readN(8)
	if err != nil {
		return 0, err
	}
	if pre[0] != cmdStartSession {
		return 0, fmt.Errorf("expected session start, got 0x%02x", pre[0])
	}

	var protocol Protocol
	switch string(pre[4:8]) {
	case "SOL ":
		protocol = ProtocolSOL
	case "KVMR":
		protocol = ProtocolKVM
	case "IDER":
		protocol = ProtocolIDER
	default:
		return 0, fmt.Errorf("unknown protocol magic %q", pre[4:8])
	}

	reply := make([]byte, startReplyMinLen, startReplyMinLen+len(m.OEM))
	reply[0] = cmdStartSessionReply
	reply[12] = byte(len(m.OEM))
	return protocol, c.write(append(reply, m.OEM...))
}

func (m *mockController) handleAuth(c *controllerConn) error {
	if _, _, err := c.readAuthFrame(); err != nil {
		return err
	}
	if err := c.writeAuthReply(0, authTypeQuery, m.AuthTypes); err != nil {
		return err
	}

	authType, _, err := c.readAuthFrame()
	if err != nil {
		return err
	}
	challenge := lengthPrefixed(m.Realm, m.Nonce)
	if authType == authTypeDigestQOP {
		challenge = lengthPrefixed(m.Realm, m.Nonce, "auth")
	}
	if err := c.writeAuthReply(1, authType, challenge); err != nil {
		return err
	}

	_, data, err := c.readAuthFrame()
	if err != nil {
		return err
	}
	fields, err := splitLengthPrefixed(data)
	if err != nil {
		return err
	}
	if len(fields) < 7 {
		return fmt.Errorf("digest response has %d fields", len(fields))
	}
	var qop string
	if authType == authTypeDigestQOP && len(fields) > 7 {
		qop = fields[7]
	}
	want := DigestResponse(m.User, m.Password, m.Realm, m.Nonce, fields[3], fields[4], fields[5], qop)
	if m.RejectDigest || fields[0] != m.User || fields[6] != want {
		// Controllers answer a bad response with a fresh challenge.
		if err := c.writeAuthReply(1, authType, challenge); err != nil {
			return err
		}
		return errDigestRejected
	}
	return c.writeAuthReply(0, authType, nil)
}

func (m *mockController) handleSerialStart(c *controllerConn) error {
	settings, err := c.readN(24)
	if err != nil {
		return err
	}
	if settings[0] != cmdSerialSettings {
		return fmt.Errorf("expected serial settings, got 0x%02x", settings[0])
	}
	ack := make([]byte, settingsAckLen)
	ack[0] = cmdSettingsAck
	if err := c.write(ack); err != nil {
		return err
	}
	confirm, err := c.readN(14)
	if err != nil {
		return err
	}
	if confirm[0] != cmdSettingsConfirm {
		return fmt.Errorf("expected settings confirm, got 0x%02x", confirm[0])
	}
	return nil
}

func (m *mockController) handleKVMStart(c *controllerConn) error {
	start, err := c.readN(8)
	if err != nil {
		return err
	}
	if start[0] != cmdKVMStart {
		return fmt.Errorf("expected KVM start, got 0x%02x", start[0])
	}
	ready := make([]byte, kvmReadyLen)
	ready[0] = cmdKVMReady
	if err := c.write(ready); err != nil {
		return err
	}

	// Protocol version handshake
	if err := c.write([]byte(protocolVersion)); err != nil {
		return err
	}
	version, err := c.readN(len(protocolVersion))
	if err != nil {
		return err
	}
	if string(version) != protocolVersion {
		return fmt.Errorf("unexpected client version %q", version)
	}

	// Security handshake
	if err := c.write(append([]byte{byte(len(m.SecurityTypes))}, m.SecurityTypes...)); err != nil {
		return err
	}
	selection, err := c.readN(2)
	if err != nil {
		return err
	}
	if selection[0] != securityNone {
		return fmt.Errorf("unexpected security type %d", selection[0])
	}
	if err := c.write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	// Server init
	if err := c.write(serverInit(m.Width, m.Height, m.DesktopName)); err != nil {
		return err
	}

	// SetEncodings, SetPixelFormat and the first update request.
	setup, err := c.readN(16 + 20 + 10)
	if err != nil {
		return err
	}
	c.Setup = setup
	return nil
}

// controllerConn is the controller end of an established session.
type controllerConn struct {
	net.Conn
	Protocol Protocol

	// Setup holds the client's post-init messages for KVM sessions.
	Setup []byte
}

func (c *controllerConn) readN(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(c, b)
	return b, err
}

func (c *controllerConn) write(p []byte) error {
	_, err := c.Write(p)
	return err
}

func (c *controllerConn) readAuthFrame() (byte, []byte, error) {
	hdr, err := c.readN(authReplyHeaderLen)
	if err != nil {
		return 0, nil, err
	}
	if hdr[0] != cmdAuthenticate {
		return 0, nil, fmt.Errorf("expected authenticate, got 0x%02x", hdr[0])
	}
	data, err := c.readN(int(binary.BigEndian.Uint32(hdr[5:])))
	return hdr[4], data, err
}

func (c *controllerConn) writeAuthReply(status, authType byte, data []byte) error {
	hdr := make([]byte, authReplyHeaderLen, authReplyHeaderLen+len(data))
	hdr[0] = cmdAuthenticateReply
	hdr[1] = status
	hdr[4] = authType
	binary.BigEndian.PutUint32(hdr[5:], uint32(len(data)))
	return c.write(append(hdr, data...))
}

// Expect reads exactly n bytes or fails the test.
func (c *controllerConn) Expect(t *testing.T, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	b, err := c.readN(n)
	require.NoError(t, err)
	return b
}

// Send writes p or fails the test.
func (c *controllerConn) Send(t *testing.T, p []byte) {
	t.Helper()
	require.NoError(t, c.write(p))
}

func lengthPrefixed(fields ...string) []byte {
	var b []byte
	for _, f := range fields {
		b = append(b, byte(len(f)))
		b = append(b, f...)
	}
	return b
}

func splitLengthPrefixed(data []byte) ([]string, error) {
	var fields []string
	for off := 0; off < len(data); {
		n := int(data[off])
		off++
		if off+n > len(data) {
			return nil, fmt.Errorf("field overruns auth data")
		}
		fields = append(fields, string(data[off:off+n]))
		off += n
	}
	return fields, nil
}

// serverInit builds a ServerInit message advertising a 32-bit server format.
func serverInit(width, height uint16, name string) []byte {
	b := make([]byte, 4, 24+len(name))
	binary.BigEndian.PutUint16(b[0:], width)
	binary.BigEndian.PutUint16(b[2:], height)
	b = append(b, writePixelFormat(&PixelFormat{
		BPP: 32, Depth: 24, TrueColor: true,
		RedMax: 255, GreenMax: 255, BlueMax: 255,
		RedShift: 16, GreenShift: 8,
	})...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(name)))
	return append(b, name...)
}

// updateHeader builds a FramebufferUpdate header announcing count rectangles.
func updateHeader(count uint16) []byte {
	return []byte{msgFramebufferUpdate, 0, byte(count >> 8), byte(count)}
}

// rectHeader builds one rectangle header.
func rectHeader(x, y, w, h uint16, encoding int32) []byte {
	b := make([]byte, rectHeaderLen)
	binary.BigEndian.PutUint16(b[0:], x)
	binary.BigEndian.PutUint16(b[2:], y)
	binary.BigEndian.PutUint16(b[4:], w)
	binary.BigEndian.PutUint16(b[6:], h)
	binary.BigEndian.PutUint32(b[8:], uint32(encoding))
	return b
}

// serverCutText builds a ServerCutText message.
func serverCutText(text []byte) []byte {
	b := make([]byte, 8, 8+len(text))
	b[0] = msgServerCutText
	binary.BigEndian.PutUint32(b[4:], uint32(len(text)))
	return append(b, text...)
}
