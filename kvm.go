// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"time"
)

// MaxCutTextLength bounds cut text in either direction.
const MaxCutTextLength = 1024 * 1024

// protocolVersion is the only framebuffer protocol version spoken.
const protocolVersion = "RFB 003.008\n"

// securityNone is the only security type accepted.
const securityNone uint8 = 1

// KVMState is the framebuffer codec sub-state. Values above
// KVMStateTileReceiving count the rectangles still pending.
type KVMState int

const (
	KVMStateHandshake           KVMState = 0
	KVMStateSecurityNegotiation KVMState = 1
	KVMStateSecurityResult      KVMState = 2
	KVMStateServerInit          KVMState = 3
	KVMStateSteady              KVMState = 4
	KVMStateTileReceiving       KVMState = 100
)

// String returns the sub-state name.
func (s KVMState) String() string {
	switch {
	case s == KVMStateHandshake:
		return "handshake"
	case s == KVMStateSecurityNegotiation:
		return "security-negotiation"
	case s == KVMStateSecurityResult:
		return "security-result"
	case s == KVMStateServerInit:
		return "server-init"
	case s == KVMStateSteady:
		return "steady"
	case s > KVMStateTileReceiving:
		return fmt.Sprintf("tile-receiving(%d)", int(s-KVMStateTileReceiving))
	default:
		return "unknown"
	}
}

// DesktopObserver receives desktop events from the KVM module. Callbacks run
// on the session loop: they must not block or call Session methods, which
// wait on that same loop.
type DesktopObserver interface {
	// OnDesktopInit reports the controller's desktop name and size.
	OnDesktopInit(name string, width, height int)

	// OnResize reports new display dimensions after a size change or rotation.
	OnResize(width, height int)

	// OnTile reports a decoded rectangle, in display coordinates.
	OnTile(fb *Framebuffer, r image.Rectangle)

	// OnFrameComplete is called when every rectangle of an update is decoded.
	OnFrameComplete(fb *Framebuffer)

	// OnClipboard delivers controller clipboard text.
	OnClipboard(text string)

	// OnData delivers an in-band data channel payload.
	OnData(p []byte)

	// OnDataCommand delivers an in-band command frame.
	OnDataCommand(cmd DataCommand, value byte)

	// OnCapacityWarning reports that the framebuffer exceeds MaxFramebufferBytes.
	OnCapacityWarning(err error)
}

// NoOpDesktopObserver ignores every desktop event.
type NoOpDesktopObserver struct{}

func (NoOpDesktopObserver) OnDesktopInit(string, int, int)       {}
func (NoOpDesktopObserver) OnResize(int, int)                    {}
func (NoOpDesktopObserver) OnTile(*Framebuffer, image.Rectangle) {}
func (NoOpDesktopObserver) OnFrameComplete(*Framebuffer)         {}
func (NoOpDesktopObserver) OnClipboard(string)                   {}
func (NoOpDesktopObserver) OnData([]byte)                        {}
func (NoOpDesktopObserver) OnDataCommand(DataCommand, byte)      {}
func (NoOpDesktopObserver) OnCapacityWarning(error)              {}

// KVMOptions configures a KVMDesktop.
type KVMOptions struct {
	ColorMode   ColorMode
	FrameDelay  time.Duration
	FocusRadius uint16
	Observer    DesktopObserver
}

// KVMDesktop is the framebuffer protocol module. It speaks the client side of
// the embedded remote framebuffer protocol over the engine's channel and keeps
// the decoded desktop in a Framebuffer.
type KVMDesktop struct {
	opts     KVMOptions
	observer DesktopObserver
	ch       Channel
	logger   Logger
	metrics  Metrics

	state   KVMState
	pending int
	name    string

	fb          *Framebuffer
	encodings   map[int32]Encoding
	compression *CompressionContext
	data        *DataChannel

	pointerX, pointerY uint16
	buttons            ButtonMask

	updateScheduled bool
	refreshSent     bool
	warning         error
	closed          bool
}

// NewKVMDesktop returns a module awaiting the controller's version string.
func NewKVMDesktop(opts KVMOptions) *KVMDesktop {
	if opts.Observer == nil {
		opts.Observer = NoOpDesktopObserver{}
	}
	k := &KVMDesktop{
		opts:        opts,
		observer:    opts.Observer,
		logger:      &NoOpLogger{},
		metrics:     NoOpMetrics{},
		fb:          NewFramebuffer(opts.ColorMode),
		encodings:   make(map[int32]Encoding),
		compression: NewCompressionContext(),
	}
	for _, enc := range supportedEncodings() {
		k.encodings[enc.Type()] = enc
	}
	k.data = newDataChannel(k.writeCutText, k.observer.OnData, k.observer.OnDataCommand)
	return k
}

// Start binds the module to the session channel.
func (k *KVMDesktop) Start(ch Channel) error {
	k.ch = ch
	k.logger = ch.Logger().With(Field{Key: "module", Value: "kvm"})
	k.metrics = ch.Metrics()
	k.state = KVMStateHandshake
	return nil
}

// OnTransportStateChanged releases the compression context on Closing.
func (k *KVMDesktop) OnTransportStateChanged(state State) {
	if state != StateClosing || k.closed {
		return
	}
	k.closed = true
	k.data.reset()
	if err := k.compression.Close(); err != nil {
		k.logger.Debug("Compression context close error", ErrorField(err))
	}
}

// State returns the codec sub-state.
func (k *KVMDesktop) State() KVMState {
	if k.state == KVMStateTileReceiving {
		return KVMStateTileReceiving + KVMState(k.pending)
	}
	return k.state
}

// Framebuffer returns the decoded desktop.
func (k *KVMDesktop) Framebuffer() *Framebuffer { return k.fb }

// DesktopName returns the name announced in ServerInit.
func (k *KVMDesktop) DesktopName() string { return k.name }

// DataChannel returns the in-band data channel.
func (k *KVMDesktop) DataChannel() *DataChannel { return k.data }

// CapacityWarning returns the warning raised for an oversized framebuffer.
func (k *KVMDesktop) CapacityWarning() error { return k.warning }

// Compression returns the session's inflate context.
func (k *KVMDesktop) Compression() *CompressionContext { return k.compression }

// OnBytes consumes every complete framebuffer protocol message in p.
func (k *KVMDesktop) OnBytes(p []byte) (int, error) {
	consumed := 0
	for consumed < len(p) {
		n, err := k.next(p[consumed:])
		consumed += n
		if err != nil {
			return consumed, err
		}
		if n == 0 {
			break
		}
	}
	return consumed, nil
}

func (k *KVMDesktop) next(p []byte) (int, error) {
	switch k.state {
	case KVMStateHandshake:
		return k.handleVersion(p)
	case KVMStateSecurityNegotiation:
		return k.handleSecurityTypes(p)
	case KVMStateSecurityResult:
		return k.handleSecurityResult(p)
	case KVMStateServerInit:
		return k.handleServerInit(p)
	case KVMStateSteady:
		return k.handleMessage(p)
	case KVMStateTileReceiving:
		return k.handleRectangle(p)
	}
	return 0, protocolError("KVMDesktop.next", fmt.Sprintf("invalid state %d", k.state), nil)
}

func (k *KVMDesktop) handleVersion(p []byte) (int, error) {
	if len(p) < len(protocolVersion) {
		return 0, nil
	}
	if !bytes.HasPrefix(p, []byte("RFB ")) {
		return 0, protocolError("KVMDesktop.handleVersion",
			fmt.Sprintf("unexpected protocol version %q", p[:len(protocolVersion)]), nil)
	}
	k.logger.Debug("Controller protocol version",
		Field{Key: "version", Value: string(bytes.TrimSpace(p[:len(protocolVersion)]))})
	if err := k.ch.Write([]byte(protocolVersion)); err != nil {
		return 0, err
	}
	k.state = KVMStateSecurityNegotiation
	return len(protocolVersion), nil
}

func (k *KVMDesktop) handleSecurityTypes(p []byte) (int, error) {
	if len(p) < 1 {
		return 0, nil
	}
	count := int(p[0])
	if count == 0 {
		if len(p) < 5 {
			return 0, nil
		}
		size := 5 + int(binary.BigEndian.Uint32(p[1:]))
		if len(p) < size {
			return 0, nil
		}
		return size, protocolError("KVMDesktop.handleSecurityTypes",
			fmt.Sprintf("controller refused connection: %s", p[5:size]), nil)
	}
	if len(p) < 1+count {
		return 0, nil
	}
	if bytes.IndexByte(p[1:1+count], securityNone) < 0 {
		return 0, protocolError("KVMDesktop.handleSecurityTypes",
			fmt.Sprintf("security type None not offered (offered %v)", p[1:1+count]), nil)
	}
	// The selection and the shared-desktop flag go out together; the
	// controller sends the security result only after both.
	if err := k.ch.Write([]byte{securityNone, 1}); err != nil {
		return 0, err
	}
	k.state = KVMStateSecurityResult
	return 1 + count, nil
}

func (k *KVMDesktop) handleSecurityResult(p []byte) (int, error) {
	if len(p) < 4 {
		return 0, nil
	}
	if result := binary.BigEndian.Uint32(p); result != 0 {
		return 4, protocolError("KVMDesktop.handleSecurityResult",
			fmt.Sprintf("security handshake failed with result %d", result), nil)
	}
	k.state = KVMStateServerInit
	return 4, nil
}

func (k *KVMDesktop) handleServerInit(p []byte) (int, error) {
	const fixed = 24
	if len(p) < fixed {
		return 0, nil
	}
	nameLen := binary.BigEndian.Uint32(p[20:])
	if err := newInputValidator().ValidateMessageLength(nameLen, MaxCutTextLength); err != nil {
		return 0, protocolError("KVMDesktop.handleServerInit", "desktop name length", err)
	}
	size := fixed + int(nameLen)
	if len(p) < size {
		return 0, nil
	}

	width := binary.BigEndian.Uint16(p[0:])
	height := binary.BigEndian.Uint16(p[2:])
	if err := newInputValidator().ValidateFramebufferDimensions(width, height); err != nil {
		return size, protocolError("KVMDesktop.handleServerInit", "invalid desktop size", err)
	}
	serverFormat := readPixelFormat(p[4:20])
	k.name = string(p[fixed:size])

	k.logger.Info("Desktop initialised",
		Field{Key: "name", Value: k.name},
		Field{Key: "width", Value: width},
		Field{Key: "height", Value: height},
		Field{Key: "server_bpp", Value: serverFormat.BPP},
		Field{Key: "color_mode", Value: k.opts.ColorMode})

	k.fb.Reset(int(width), int(height))
	k.checkCapacity()
	k.observer.OnDesktopInit(k.name, int(width), int(height))

	enc, err := encodeSetEncodings(supportedEncodings())
	if err != nil {
		return size, err
	}
	if err := k.ch.Write(enc); err != nil {
		return size, err
	}
	format := k.opts.ColorMode.PixelFormat()
	if err := k.ch.Write(encodeSetPixelFormat(&format)); err != nil {
		return size, err
	}
	k.state = KVMStateSteady
	return size, k.requestFullRefresh()
}

// resize applies a DesktopSize change.
func (k *KVMDesktop) resize(width, height int) {
	k.fb.Resize(width, height)
	// The last pointer position must stay inside a shrunken desktop.
	k.pointerX = uint16(min(int(k.pointerX), max(width-1, 0)))  // #nosec G115 - clamped to uint16 width
	k.pointerY = uint16(min(int(k.pointerY), max(height-1, 0))) // #nosec G115 - clamped to uint16 height
	k.checkCapacity()
	dw, dh := k.fb.DisplaySize()
	k.logger.Info("Desktop resized", Field{Key: "width", Value: width}, Field{Key: "height", Value: height})
	k.observer.OnResize(dw, dh)
}

func (k *KVMDesktop) checkCapacity() {
	if k.fb.StoreBytes() <= MaxFramebufferBytes {
		k.warning = nil
		return
	}
	w, h := k.fb.Size()
	k.warning = capacityWarning("KVMDesktop.checkCapacity",
		fmt.Sprintf("framebuffer %dx%dx%d exceeds %d bytes", w, h, k.fb.BytesPerPixel(), MaxFramebufferBytes))
	k.logger.Warn("Framebuffer exceeds capacity", ErrorField(k.warning))
	k.metrics.CapacityWarning()
	k.observer.OnCapacityWarning(k.warning)
}

// requestFullRefresh asks for the whole framebuffer, non-incrementally.
func (k *KVMDesktop) requestFullRefresh() error {
	w, h := k.fb.Size()
	msg, err := encodeFramebufferUpdateRequest(false, 0, 0, uint16(w), uint16(h)) // #nosec G115 - sizes come from uint16 fields
	if err != nil {
		return err
	}
	if k.state == KVMStateTileReceiving {
		k.refreshSent = true
	}
	return k.ch.Write(msg)
}

// requestNextUpdate paces the next incremental request.
func (k *KVMDesktop) requestNextUpdate() error {
	if k.opts.FrameDelay <= 0 {
		return k.requestIncremental()
	}
	if k.updateScheduled {
		return nil
	}
	k.updateScheduled = true
	k.ch.Schedule(k.opts.FrameDelay, func() error {
		k.updateScheduled = false
		if k.closed {
			return nil
		}
		return k.requestIncremental()
	})
	return nil
}

func (k *KVMDesktop) requestIncremental() error {
	x, y, w, h := k.updateArea()
	msg, err := encodeFramebufferUpdateRequest(true, x, y, w, h)
	if err != nil {
		return err
	}
	return k.ch.Write(msg)
}

// updateArea returns the full framebuffer, or with a focus radius the square
// around the last pointer position clipped to the framebuffer.
func (k *KVMDesktop) updateArea() (x, y, w, h uint16) {
	fw, fh := k.fb.Size()
	r := int(k.opts.FocusRadius)
	if r == 0 {
		return 0, 0, uint16(fw), uint16(fh) // #nosec G115 - sizes come from uint16 fields
	}
	px := min(int(k.pointerX), max(fw-1, 0))
	py := min(int(k.pointerY), max(fh-1, 0))
	x0 := max(px-r, 0)
	y0 := max(py-r, 0)
	x1 := min(px+r, fw)
	y1 := min(py+r, fh)
	return uint16(x0), uint16(y0), uint16(x1 - x0), uint16(y1 - y0) // #nosec G115 - clipped to framebuffer
}

// inputAllowed reports whether operator input may be sent.
func (k *KVMDesktop) inputAllowed(op string) bool {
	if k.closed || k.ch == nil || (k.state != KVMStateSteady && k.state != KVMStateTileReceiving) {
		k.logger.Debug("Dropping input before desktop is ready", Field{Key: "op", Value: op}, Field{Key: "kvm_state", Value: k.State()})
		return false
	}
	return true
}

// PointerEvent sends the button mask at display coordinates (dx, dy); the
// position is mapped back through the active rotation.
func (k *KVMDesktop) PointerEvent(mask ButtonMask, dx, dy uint16) error {
	if !k.inputAllowed("PointerEvent") {
		return nil
	}
	dw, dh := k.fb.DisplaySize()
	if err := newInputValidator().ValidatePointerPosition(dx, dy, uint16(dw), uint16(dh)); err != nil { // #nosec G115 - sizes come from uint16 fields
		return validationError("PointerEvent", "invalid pointer coordinates", err)
	}
	x, y := k.fb.fromDisplay(int(dx), int(dy))
	k.pointerX, k.pointerY = uint16(x), uint16(y) // #nosec G115 - inside framebuffer
	k.buttons = mask
	msg, err := encodePointerEvent(mask, k.pointerX, k.pointerY)
	if err != nil {
		return err
	}
	return k.ch.Write(msg)
}

// WheelEvent emits one press and release of button 4 (delta < 0, up) or
// button 5 (delta > 0, down) per click, at most MaxWheelClicks.
func (k *KVMDesktop) WheelEvent(delta int, dx, dy uint16) error {
	if delta == 0 || !k.inputAllowed("WheelEvent") {
		return nil
	}
	button := Button5
	if delta < 0 {
		button, delta = Button4, -delta
	}
	held := k.buttons
	for i := 0; i < min(delta, MaxWheelClicks); i++ {
		if err := k.PointerEvent(held|button, dx, dy); err != nil {
			return err
		}
		if err := k.PointerEvent(held, dx, dy); err != nil {
			return err
		}
	}
	return nil
}

// KeyEvent sends a key press or release for keysym.
func (k *KVMDesktop) KeyEvent(keysym uint32, down bool) error {
	if !k.inputAllowed("KeyEvent") {
		return nil
	}
	msg, err := encodeKeyEvent(keysym, down)
	if err != nil {
		return err
	}
	return k.ch.Write(msg)
}

// KeyCodeEvent translates a browser key code and sends it. Unmapped codes
// are dropped.
func (k *KVMDesktop) KeyCodeEvent(code int, down bool) error {
	ks, ok := KeysymForKeyCode(code)
	if !ok {
		k.logger.Debug("Dropping unmapped key code", Field{Key: "key_code", Value: code})
		return nil
	}
	return k.KeyEvent(ks, down)
}

// CtrlAltDelete presses Control, Alt and Delete, then releases them in
// reverse order.
func (k *KVMDesktop) CtrlAltDelete() error {
	if !k.inputAllowed("CtrlAltDelete") {
		return nil
	}
	seq := []uint32{keysymControlL, keysymAltL, keysymDelete}
	for _, ks := range seq {
		if err := k.KeyEvent(ks, true); err != nil {
			return err
		}
	}
	for i := len(seq) - 1; i >= 0; i-- {
		if err := k.KeyEvent(seq[i], false); err != nil {
			return err
		}
	}
	return nil
}

// SendClipboard sends Latin-1 clipboard text to the controller.
func (k *KVMDesktop) SendClipboard(text string) error {
	if !k.inputAllowed("SendClipboard") {
		return nil
	}
	b, err := latin1(newInputValidator().SanitizeText(text))
	if err != nil {
		return err
	}
	return k.writeCutText(b)
}

// SendData queues p on the in-band data channel.
func (k *KVMDesktop) SendData(p []byte) error {
	if !k.inputAllowed("SendData") {
		return nil
	}
	return k.data.Send(p)
}

// SendDataCommand writes an in-band command frame.
func (k *KVMDesktop) SendDataCommand(cmd DataCommand, value byte) error {
	if !k.inputAllowed("SendDataCommand") {
		return nil
	}
	return k.data.SendCommand(cmd, value)
}

// SetRotation rotates the stored desktop; later tiles and pointer input use
// the new orientation.
func (k *KVMDesktop) SetRotation(r Rotation) error {
	if err := k.fb.SetRotation(r); err != nil {
		return err
	}
	dw, dh := k.fb.DisplaySize()
	k.observer.OnResize(dw, dh)
	return nil
}

func (k *KVMDesktop) writeCutText(text []byte) error {
	msg, err := encodeClientCutText(text)
	if err != nil {
		return err
	}
	return k.ch.Write(msg)
}
