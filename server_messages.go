// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"encoding/binary"
	"fmt"
)

// Server-to-client message types handled in the steady state. SetColorMapEntries
// (type 1) is never valid: only true-colour formats are requested.
const (
	msgFramebufferUpdate uint8 = 0
	msgBell              uint8 = 2
	msgServerCutText     uint8 = 3
)

// handleMessage dispatches one steady-state message. Bell carries no payload
// and is ignored.
func (k *KVMDesktop) handleMessage(p []byte) (int, error) {
	switch p[0] {
	case msgFramebufferUpdate:
		if len(p) < 4 {
			return 0, nil
		}
		count := int(binary.BigEndian.Uint16(p[2:]))
		if count == 0 {
			return 4, k.frameComplete()
		}
		k.state = KVMStateTileReceiving
		k.pending = count
		k.refreshSent = false
		return 4, nil

	case msgBell:
		return 1, nil

	case msgServerCutText:
		if len(p) < 8 {
			return 0, nil
		}
		length := binary.BigEndian.Uint32(p[4:])
		if err := newInputValidator().ValidateMessageLength(length, MaxCutTextLength); err != nil {
			return 0, protocolError("KVMDesktop.handleMessage", "cut text length", err)
		}
		size := 8 + int(length)
		if len(p) < size {
			return 0, nil
		}
		return size, k.handleCutText(p[8:size])

	default:
		return 0, protocolError("KVMDesktop.handleMessage",
			fmt.Sprintf("unexpected message type %d", p[0]), nil)
	}
}

func (k *KVMDesktop) handleCutText(text []byte) error {
	handled, err := k.data.handleCutText(text)
	if handled || err != nil {
		return err
	}
	k.observer.OnClipboard(fromLatin1(text))
	return nil
}

// handleRectangle decodes one rectangle once its header and body are buffered.
func (k *KVMDesktop) handleRectangle(p []byte) (int, error) {
	const op = "KVMDesktop.handleRectangle"
	if len(p) < rectHeaderLen {
		return 0, nil
	}
	rect := parseRectangle(p)
	enc, ok := k.encodings[rect.Encoding]
	if !ok {
		return 0, protocolError(op, fmt.Sprintf("encoding %d was not negotiated", rect.Encoding), nil)
	}

	if !isPseudo(enc) {
		v := newInputValidator()
		if err := v.ValidateTileSize(rect.Width, rect.Height); err != nil {
			return 0, protocolError(op, "invalid tile size", err)
		}
		w, h := k.fb.Size()
		if err := v.ValidateRectangle(rect.X, rect.Y, rect.Width, rect.Height, uint16(w), uint16(h)); err != nil { // #nosec G115 - sizes come from uint16 fields
			return 0, protocolError(op, "tile outside framebuffer", err)
		}
	}

	n, ok, err := enc.BodyLen(k, &rect, p[rectHeaderLen:])
	if err != nil {
		return 0, err
	}
	if !ok || len(p) < rectHeaderLen+n {
		return 0, nil
	}
	body := p[rectHeaderLen : rectHeaderLen+n]
	if err := enc.Decode(k, &rect, body); err != nil {
		return 0, err
	}
	k.metrics.TileDecoded(encodingName(rect.Encoding))
	if !isPseudo(enc) {
		k.observer.OnTile(k.fb, k.fb.displayRect(int(rect.X), int(rect.Y), int(rect.Width), int(rect.Height)))
	}

	k.pending--
	if k.pending == 0 {
		return rectHeaderLen + n, k.frameComplete()
	}
	return rectHeaderLen + n, nil
}

func (k *KVMDesktop) frameComplete() error {
	k.state = KVMStateSteady
	k.observer.OnFrameComplete(k.fb)
	if k.refreshSent {
		k.refreshSent = false
		return nil
	}
	return k.requestNextUpdate()
}
