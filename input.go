// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ButtonMask represents the state of pointer buttons in a pointer event.
type ButtonMask uint8

// Button mask constants for standard mouse buttons and scroll wheel events.
const (
	ButtonLeft ButtonMask = 1 << iota
	ButtonMiddle
	ButtonRight
	Button4 // wheel up
	Button5 // wheel down
)

// MaxWheelClicks caps the button presses emitted for one wheel event.
const MaxWheelClicks = 16

// Client-to-controller message types of the framebuffer protocol.
const (
	msgSetPixelFormat           uint8 = 0
	msgSetEncodings             uint8 = 2
	msgFramebufferUpdateRequest uint8 = 3
	msgKeyEvent                 uint8 = 4
	msgPointerEvent             uint8 = 5
	msgClientCutText            uint8 = 6
)

// Keysyms used outside the key code table.
const (
	keysymControlL uint32 = 0xffe3
	keysymAltL     uint32 = 0xffe9
	keysymDelete   uint32 = 0xffff
)

// keyCodeKeysyms maps browser key codes that are not derived algorithmically.
var keyCodeKeysyms = map[int]uint32{
	8:   0xff08, // backspace
	9:   0xff09, // tab
	13:  0xff0d, // return
	16:  0xffe1, // shift
	17:  keysymControlL,
	18:  keysymAltL,
	19:  0xff13, // pause
	20:  0xffe5, // caps lock
	27:  0xff1b, // escape
	32:  0x0020,
	33:  0xff55, // page up
	34:  0xff56, // page down
	35:  0xff57, // end
	36:  0xff50, // home
	37:  0xff51, // left
	38:  0xff52, // up
	39:  0xff53, // right
	40:  0xff54, // down
	44:  0xff61, // print screen
	45:  0xff63, // insert
	46:  keysymDelete,
	91:  0xffeb, // left meta
	92:  0xffec, // right meta
	93:  0xff67, // menu
	106: 0xffaa, // keypad *
	107: 0xffab, // keypad +
	109: 0xffad, // keypad -
	110: 0xffae, // keypad .
	111: 0xffaf, // keypad /
	144: 0xff7f, // num lock
	145: 0xff14, // scroll lock
	186: ';',
	187: '=',
	188: ',',
	189: '-',
	190: '.',
	191: '/',
	192: '`',
	219: '[',
	220: '\\',
	221: ']',
	222: '\'',
}

// KeysymForKeyCode translates a browser key code to a keysym. Letters map to
// their lower-case keysym and digits to themselves; keypad digits and
// function keys are ranges.
func KeysymForKeyCode(code int) (uint32, bool) {
	if ks, ok := keyCodeKeysyms[code]; ok {
		return ks, true
	}
	switch {
	case code >= '0' && code <= '9':
		return uint32(code), true // #nosec G115 - range checked
	case code >= 'A' && code <= 'Z':
		return uint32(code + 32), true // #nosec G115 - range checked
	case code >= 96 && code <= 105:
		return 0xffb0 + uint32(code-96), true // #nosec G115 - range checked
	case code >= 112 && code <= 123:
		return 0xffbe + uint32(code-112), true // #nosec G115 - range checked
	}
	return 0, false
}

func encodeMessage(op string, fields ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	for _, val := range fields {
		if err := binary.Write(&buf, binary.BigEndian, val); err != nil {
			return nil, encodingError(op, "failed to write message field", err)
		}
	}
	return buf.Bytes(), nil
}

func encodeSetEncodings(encs []Encoding) ([]byte, error) {
	fields := []interface{}{msgSetEncodings, uint8(0), uint16(len(encs))} // #nosec G115 - fixed list
	for _, enc := range encs {
		fields = append(fields, enc.Type())
	}
	return encodeMessage("SetEncodings", fields...)
}

func encodeSetPixelFormat(format *PixelFormat) []byte {
	msg := make([]byte, 4, 20)
	msg[0] = msgSetPixelFormat
	return append(msg, writePixelFormat(format)...)
}

func encodeFramebufferUpdateRequest(incremental bool, x, y, width, height uint16) ([]byte, error) {
	var inc uint8
	if incremental {
		inc = 1
	}
	return encodeMessage("FramebufferUpdateRequest", msgFramebufferUpdateRequest, inc, x, y, width, height)
}

func encodePointerEvent(mask ButtonMask, x, y uint16) ([]byte, error) {
	return encodeMessage("PointerEvent", msgPointerEvent, uint8(mask), x, y)
}

func encodeKeyEvent(keysym uint32, down bool) ([]byte, error) {
	var d uint8
	if down {
		d = 1
	}
	return encodeMessage("KeyEvent", msgKeyEvent, d, uint16(0), keysym)
}

func encodeClientCutText(text []byte) ([]byte, error) {
	if err := newInputValidator().ValidateMessageLength(uint32(len(text)), MaxCutTextLength); err != nil { // #nosec G115 - bounded below
		return nil, validationError("ClientCutText", "cut text too long", err)
	}
	msg := make([]byte, 8, 8+len(text))
	msg[0] = msgClientCutText
	binary.BigEndian.PutUint32(msg[4:], uint32(len(text))) // #nosec G115 - validated
	return append(msg, text...), nil
}

// latin1 converts clipboard text to the Latin-1 bytes cut text carries.
func latin1(text string) ([]byte, error) {
	out := make([]byte, 0, len(text))
	for _, r := range text {
		if r > 0xFF {
			return nil, validationError("latin1", fmt.Sprintf("character %q is not valid Latin-1", r), nil)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

// fromLatin1 decodes cut text bytes.
func fromLatin1(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}
