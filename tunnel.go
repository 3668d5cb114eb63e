// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Tunnel frame types. Every websocket binary message is one frame:
// Type(1) + Flags(1) + StreamID(4) + Payload.
const (
	tunnelFrameOpen  uint8 = 1
	tunnelFrameData  uint8 = 2
	tunnelFrameClose uint8 = 3
)

// Tunnel frame flags.
const (
	tunnelFlagAck   uint8 = 0x01
	tunnelFlagError uint8 = 0x02
)

const (
	tunnelHeaderSize = 6

	// maxTunnelPayload is the largest data payload per frame.
	maxTunnelPayload = 32 * 1024
)

type tunnelFrame struct {
	Type     uint8
	Flags    uint8
	StreamID uint32
	Payload  []byte
}

func encodeTunnelFrame(f *tunnelFrame) []byte {
	b := make([]byte, tunnelHeaderSize, tunnelHeaderSize+len(f.Payload))
	b[0] = f.Type
	b[1] = f.Flags
	binary.BigEndian.PutUint32(b[2:], f.StreamID)
	return append(b, f.Payload...)
}

func decodeTunnelFrame(b []byte) (*tunnelFrame, error) {
	if len(b) < tunnelHeaderSize {
		return nil, protocolError("decodeTunnelFrame", fmt.Sprintf("frame of %d bytes", len(b)), nil)
	}
	switch b[0] {
	case tunnelFrameOpen, tunnelFrameData, tunnelFrameClose:
	default:
		return nil, protocolError("decodeTunnelFrame", fmt.Sprintf("invalid frame type %d", b[0]), nil)
	}
	return &tunnelFrame{
		Type:     b[0],
		Flags:    b[1],
		StreamID: binary.BigEndian.Uint32(b[2:]),
		Payload:  b[tunnelHeaderSize:],
	}, nil
}

// TunnelOption configures a WebSocketTunnel.
type TunnelOption func(*WebSocketTunnel)

// WithTunnelLogger sets the tunnel logger.
func WithTunnelLogger(logger Logger) TunnelOption {
	return func(t *WebSocketTunnel) {
		t.logger = logger
	}
}

// WithTunnelDial makes the tunnel accept Open frames, connecting each stream
// with dial. This is the agent side, next to the controller.
func WithTunnelDial(dial func(ctx context.Context, address string) (net.Conn, error)) TunnelOption {
	return func(t *WebSocketTunnel) {
		t.dial = dial
	}
}

// WebSocketTunnel multiplexes redirection streams over one websocket that an
// agent near the controller opened to the server.
//
// The server side calls Open to reach a controller address; the agent side,
// configured with WithTunnelDial, connects the address and pumps bytes.
type WebSocketTunnel struct {
	conn   *websocket.Conn
	logger Logger
	dial   func(ctx context.Context, address string) (net.Conn, error)

	wmu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*tunnelConn
	opening map[uint32]chan error
	nextID  uint32
	err     error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebSocketTunnel starts serving frames on conn.
func NewWebSocketTunnel(conn *websocket.Conn, opts ...TunnelOption) *WebSocketTunnel {
	ctx, cancel := context.WithCancel(context.Background())
	t := &WebSocketTunnel{
		conn:    conn,
		logger:  &NoOpLogger{},
		streams: make(map[uint32]*tunnelConn),
		opening: make(map[uint32]chan error),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.readLoop()
	return t
}

// Done is closed when the tunnel stops.
func (t *WebSocketTunnel) Done() <-chan struct{} { return t.done }

// Err returns the error that stopped the tunnel.
func (t *WebSocketTunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Streams returns the number of open streams.
func (t *WebSocketTunnel) Streams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// Close shuts the websocket; every stream sees the tunnel error.
func (t *WebSocketTunnel) Close() error {
	t.wmu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.wmu.Unlock()
	err := t.conn.Close()
	<-t.done
	return err
}

// Open starts a stream to address and waits for the agent to connect it.
func (t *WebSocketTunnel) Open(ctx context.Context, address string) (net.Conn, error) {
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return nil, transportError("WebSocketTunnel.Open", "tunnel closed", err)
	}
	t.nextID++
	id := t.nextID
	ready := make(chan error, 1)
	c := newTunnelConn(t, id, address)
	t.streams[id] = c
	t.opening[id] = ready
	t.mu.Unlock()

	if err := t.writeFrame(&tunnelFrame{Type: tunnelFrameOpen, StreamID: id, Payload: []byte(address)}); err != nil {
		t.forget(id)
		return nil, err
	}

	select {
	case err := <-ready:
		if err != nil {
			t.forget(id)
			return nil, transportError("WebSocketTunnel.Open", "failed to open stream to "+address, err)
		}
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		t.forget(id)
		return nil, transportError("WebSocketTunnel.Open", "stream open cancelled", ctx.Err())
	}
}

func (t *WebSocketTunnel) forget(id uint32) {
	t.mu.Lock()
	delete(t.streams, id)
	delete(t.opening, id)
	t.mu.Unlock()
}

func (t *WebSocketTunnel) writeFrame(f *tunnelFrame) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, encodeTunnelFrame(f)); err != nil {
		return transportError("WebSocketTunnel.writeFrame", "failed to write tunnel frame", err)
	}
	return nil
}

func (t *WebSocketTunnel) readLoop() {
	var err error
	defer func() { t.shutdown(err) }()

	for {
		var msg []byte
		_, msg, err = t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				t.logger.Error("Tunnel read error", ErrorField(err))
			}
			return
		}

		f, ferr := decodeTunnelFrame(msg)
		if ferr != nil {
			t.logger.Warn("Dropping malformed tunnel frame", ErrorField(ferr))
			continue
		}
		t.handleFrame(f)
	}
}

func (t *WebSocketTunnel) handleFrame(f *tunnelFrame) {
	t.mu.Lock()
	c := t.streams[f.StreamID]
	ready := t.opening[f.StreamID]
	t.mu.Unlock()

	switch f.Type {
	case tunnelFrameOpen:
		if f.Flags&tunnelFlagAck != 0 {
			if ready != nil {
				t.mu.Lock()
				delete(t.opening, f.StreamID)
				t.mu.Unlock()
				ready <- nil
			}
			return
		}
		t.accept(f.StreamID, string(f.Payload))

	case tunnelFrameData:
		if c != nil {
			c.deliver(f.Payload)
		}

	case tunnelFrameClose:
		var reason error = io.EOF
		if f.Flags&tunnelFlagError != 0 {
			reason = errors.New(string(f.Payload))
		}
		if ready != nil {
			t.mu.Lock()
			delete(t.opening, f.StreamID)
			t.mu.Unlock()
			ready <- reason
		}
		if c != nil {
			c.remoteClose(reason)
		}
	}
}

// accept connects an agent-side stream.
func (t *WebSocketTunnel) accept(id uint32, address string) {
	if t.dial == nil {
		_ = t.writeFrame(&tunnelFrame{Type: tunnelFrameClose, Flags: tunnelFlagError, StreamID: id,
			Payload: []byte("stream open not accepted")})
		return
	}

	c := newTunnelConn(t, id, address)
	t.mu.Lock()
	t.streams[id] = c
	t.mu.Unlock()

	go func() {
		target, err := t.dial(t.ctx, address)
		if err != nil {
			t.forget(id)
			_ = t.writeFrame(&tunnelFrame{Type: tunnelFrameClose, Flags: tunnelFlagError, StreamID: id,
				Payload: []byte(err.Error())})
			return
		}
		if err := t.writeFrame(&tunnelFrame{Type: tunnelFrameOpen, Flags: tunnelFlagAck, StreamID: id}); err != nil {
			_ = target.Close()
			return
		}
		t.logger.Debug("Tunnel stream connected", Field{Key: "stream_id", Value: id}, Field{Key: "address", Value: address})

		go func() {
			_, _ = io.Copy(target, c)
			_ = target.Close()
		}()
		_, _ = io.Copy(c, target)
		_ = c.Close()
	}()
}

func (t *WebSocketTunnel) shutdown(err error) {
	if err == nil {
		err = net.ErrClosed
	}
	t.mu.Lock()
	t.err = err
	streams := t.streams
	opening := t.opening
	t.streams = make(map[uint32]*tunnelConn)
	t.opening = make(map[uint32]chan error)
	t.mu.Unlock()

	t.cancel()
	for _, ready := range opening {
		ready <- err
	}
	for _, c := range streams {
		c.remoteClose(err)
	}
	close(t.done)
}

// tunnelConn is one multiplexed stream. Inbound data is buffered without
// bound so that a slow stream never stalls the shared reader.
type tunnelConn struct {
	t       *WebSocketTunnel
	id      uint32
	address string

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	rerr     error
	closed   bool
	deadline time.Time
	timer    *time.Timer
}

func newTunnelConn(t *WebSocketTunnel, id uint32, address string) *tunnelConn {
	c := &tunnelConn{t: t, id: id, address: address}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *tunnelConn) deliver(p []byte) {
	c.mu.Lock()
	if !c.closed {
		c.buf = append(c.buf, p...)
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *tunnelConn) remoteClose(err error) {
	c.mu.Lock()
	if c.rerr == nil {
		c.rerr = err
	}
	c.mu.Unlock()
	c.cond.Broadcast()
	c.t.forget(c.id)
}

// Read blocks until data, a remote close, or the read deadline.
func (c *tunnelConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 {
		switch {
		case c.closed:
			return 0, net.ErrClosed
		case c.rerr != nil:
			return 0, c.rerr
		case !c.deadline.IsZero() && !time.Now().Before(c.deadline):
			return 0, os.ErrDeadlineExceeded
		}
		c.cond.Wait()
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return n, nil
}

// Write sends p as one or more data frames.
func (c *tunnelConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed, rerr := c.closed, c.rerr
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	if rerr != nil && rerr != io.EOF {
		return 0, rerr
	}

	written := 0
	for written < len(p) {
		n := min(len(p)-written, maxTunnelPayload)
		if err := c.t.writeFrame(&tunnelFrame{Type: tunnelFrameData, StreamID: c.id, Payload: p[written : written+n]}); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// Close ends the stream in both directions.
func (c *tunnelConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remoteGone := c.rerr != nil
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.cond.Broadcast()
	c.t.forget(c.id)

	if remoteGone {
		return nil
	}
	return c.t.writeFrame(&tunnelFrame{Type: tunnelFrameClose, StreamID: c.id})
}

func (c *tunnelConn) LocalAddr() net.Addr  { return tunnelAddr("tunnel") }
func (c *tunnelConn) RemoteAddr() net.Addr { return tunnelAddr(c.address) }

func (c *tunnelConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

// SetWriteDeadline is not supported; writes are bounded by the websocket.
func (c *tunnelConn) SetWriteDeadline(time.Time) error { return nil }

func (c *tunnelConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !t.IsZero() {
		c.timer = time.AfterFunc(time.Until(t), c.cond.Broadcast)
	}
	c.cond.Broadcast()
	return nil
}

type tunnelAddr string

func (a tunnelAddr) Network() string { return "tunnel" }
func (a tunnelAddr) String() string  { return string(a) }
