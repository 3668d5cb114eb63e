// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package relay

import (
	"encoding/binary"
	"encoding/json"
	"image"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	kvmredir "github.com/tenthirtyam/go-kvmredir"
)

const (
	// outboundQueue bounds messages waiting for the operator socket.
	outboundQueue = 64

	writeTimeout = 10 * time.Second

	// tileMessage prefixes binary RGBA updates: type(1) x y w h (uint16 each).
	tileMessage     byte = 1
	tileHeaderBytes      = 9
)

// Desktop is the session surface the hub forwards operator input to.
// *kvmredir.Session implements it.
type Desktop interface {
	SendPointer(mask kvmredir.ButtonMask, x, y uint16) error
	SendWheel(delta int, x, y uint16) error
	SendKey(keysym uint32, down bool) error
	SendKeyCode(code int, down bool) error
	SendCtrlAltDel() error
	SendClipboard(text string) error
	SendData(p []byte) error
	SendDataCommand(cmd kvmredir.DataCommand, value byte) error
	SetRotation(r kvmredir.Rotation) error
	Stop()
	Done() <-chan struct{}
}

// Event is a JSON message exchanged with the operator.
type Event struct {
	Type    string `json:"type"`
	State   string `json:"state,omitempty"`
	Error   string `json:"error,omitempty"`
	Name    string `json:"name,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Text    string `json:"text,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Command byte   `json:"command,omitempty"`
	Value   byte   `json:"value,omitempty"`

	// Input fields.
	Mask    uint8  `json:"mask,omitempty"`
	X       uint16 `json:"x,omitempty"`
	Y       uint16 `json:"y,omitempty"`
	Delta   int    `json:"delta,omitempty"`
	Code    int    `json:"code,omitempty"`
	Keysym  uint32 `json:"keysym,omitempty"`
	Down    bool   `json:"down,omitempty"`
	Degrees int    `json:"degrees,omitempty"`
}

type outbound struct {
	kind int
	data []byte
}

// Hub bridges one operator websocket and one KVM session. It observes the
// session on the session loop without blocking: updates are queued for a
// writer goroutine, and tiles dirtied while the queue is full are coalesced
// into the next frame.
type Hub struct {
	conn   *websocket.Conn
	logger kvmredir.Logger

	out  chan outbound
	quit chan struct{}
	once sync.Once

	// dirty is owned by the session loop.
	dirty image.Rectangle
}

// NewHub wraps an upgraded operator connection.
func NewHub(conn *websocket.Conn, logger kvmredir.Logger) *Hub {
	if logger == nil {
		logger = &kvmredir.NoOpLogger{}
	}
	return &Hub{
		conn:   conn,
		logger: logger,
		out:    make(chan outbound, outboundQueue),
		quit:   make(chan struct{}),
	}
}

// Run pumps operator input into d until the socket or the session closes,
// then stops the session.
func (h *Hub) Run(d Desktop) {
	go h.writeLoop()
	go func() {
		select {
		case <-d.Done():
			// Queued events, including the final state, go out before the
			// close frame.
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
			if !h.enqueue(websocket.CloseMessage, msg) {
				h.close()
			}
		case <-h.quit:
		}
	}()

	defer func() {
		d.Stop()
		h.close()
	}()
	for {
		var ev Event
		if err := h.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Operator socket read error", kvmredir.ErrorField(err))
			}
			return
		}
		if err := dispatch(d, &ev); err != nil {
			if kvmredir.IsRedirError(err, kvmredir.ErrClosed) {
				return
			}
			h.logger.Warn("Operator input rejected", kvmredir.ErrorField(err), kvmredir.Field{Key: "type", Value: ev.Type})
		}
	}
}

func dispatch(d Desktop, ev *Event) error {
	switch ev.Type {
	case "pointer":
		return d.SendPointer(kvmredir.ButtonMask(ev.Mask), ev.X, ev.Y)
	case "wheel":
		return d.SendWheel(ev.Delta, ev.X, ev.Y)
	case "key":
		if ev.Keysym != 0 {
			return d.SendKey(ev.Keysym, ev.Down)
		}
		return d.SendKeyCode(ev.Code, ev.Down)
	case "ctrl-alt-del":
		return d.SendCtrlAltDel()
	case "clipboard":
		return d.SendClipboard(ev.Text)
	case "data":
		return d.SendData(ev.Payload)
	case "command":
		return d.SendDataCommand(kvmredir.DataCommand(ev.Command), ev.Value)
	case "rotate":
		return d.SetRotation(kvmredir.Rotation(ev.Degrees))
	default:
		return kvmredir.NewRedirError("relay.dispatch", kvmredir.ErrValidation, "unknown input type "+ev.Type, nil)
	}
}

func (h *Hub) close() {
	h.once.Do(func() {
		close(h.quit)
		_ = h.conn.Close()
	})
}

func (h *Hub) writeLoop() {
	for {
		select {
		case m := <-h.out:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := h.conn.WriteMessage(m.kind, m.data); err != nil {
				h.logger.Debug("Operator socket write error", kvmredir.ErrorField(err))
				h.close()
				return
			}
			if m.kind == websocket.CloseMessage {
				_ = h.conn.SetReadDeadline(time.Now().Add(writeTimeout))
			}
		case <-h.quit:
			return
		}
	}
}

// enqueue offers a message without blocking and reports whether it fit.
func (h *Hub) enqueue(kind int, data []byte) bool {
	select {
	case h.out <- outbound{kind: kind, data: data}:
		return true
	default:
		return false
	}
}

func (h *Hub) event(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if !h.enqueue(websocket.TextMessage, b) {
		h.logger.Warn("Operator queue full, dropping event", kvmredir.Field{Key: "type", Value: ev.Type})
	}
}

// OnStateChange forwards session states.
func (h *Hub) OnStateChange(state kvmredir.State, err error) {
	ev := Event{Type: "state", State: state.String()}
	if err != nil {
		ev.Error = err.Error()
	}
	h.event(ev)
}

func (h *Hub) OnDesktopInit(name string, width, height int) {
	h.dirty = image.Rectangle{}
	h.event(Event{Type: "init", Name: name, Width: width, Height: height})
}

func (h *Hub) OnResize(width, height int) {
	h.dirty = image.Rect(0, 0, width, height)
	h.event(Event{Type: "resize", Width: width, Height: height})
}

func (h *Hub) OnTile(_ *kvmredir.Framebuffer, r image.Rectangle) {
	h.dirty = h.dirty.Union(r)
}

// OnFrameComplete sends the dirty area as one RGBA update.
func (h *Hub) OnFrameComplete(fb *kvmredir.Framebuffer) {
	if h.dirty.Empty() {
		return
	}
	if !fb.Allocated() {
		h.dirty = image.Rectangle{}
		return
	}
	if h.enqueue(websocket.BinaryMessage, encodeTile(fb.SubImage(h.dirty))) {
		h.dirty = image.Rectangle{}
	}
}

func (h *Hub) OnClipboard(text string) { h.event(Event{Type: "clipboard", Text: text}) }

func (h *Hub) OnData(p []byte) { h.event(Event{Type: "data", Payload: p}) }

func (h *Hub) OnDataCommand(cmd kvmredir.DataCommand, value byte) {
	h.event(Event{Type: "command", Command: byte(cmd), Value: value})
}

func (h *Hub) OnCapacityWarning(err error) { h.event(Event{Type: "capacity", Error: err.Error()}) }

func encodeTile(img *image.RGBA) []byte {
	r := img.Bounds()
	b := make([]byte, tileHeaderBytes, tileHeaderBytes+len(img.Pix))
	b[0] = tileMessage
	binary.BigEndian.PutUint16(b[1:], uint16(r.Min.X)) // #nosec G115 - framebuffer coordinates
	binary.BigEndian.PutUint16(b[3:], uint16(r.Min.Y)) // #nosec G115 - framebuffer coordinates
	binary.BigEndian.PutUint16(b[5:], uint16(r.Dx()))  // #nosec G115 - framebuffer coordinates
	binary.BigEndian.PutUint16(b[7:], uint16(r.Dy()))  // #nosec G115 - framebuffer coordinates
	for y := r.Min.Y; y < r.Max.Y; y++ {
		off := img.PixOffset(r.Min.X, y)
		b = append(b, img.Pix[off:off+4*r.Dx()]...)
	}
	return b
}
