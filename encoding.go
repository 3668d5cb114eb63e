// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"encoding/binary"
	"fmt"
)

// Encoding identifiers negotiated with SetEncodings.
const (
	EncodingRaw         int32 = 0
	EncodingRLE         int32 = 16
	EncodingDesktopSize int32 = -223
)

// rectHeaderLen is x, y, width, height (uint16 each) and the int32 encoding.
const rectHeaderLen = 12

// Rectangle is the header of one framebuffer update rectangle.
type Rectangle struct {
	X, Y          uint16
	Width, Height uint16
	Encoding      int32
}

func parseRectangle(b []byte) Rectangle {
	return Rectangle{
		X:        binary.BigEndian.Uint16(b[0:]),
		Y:        binary.BigEndian.Uint16(b[2:]),
		Width:    binary.BigEndian.Uint16(b[4:]),
		Height:   binary.BigEndian.Uint16(b[6:]),
		Encoding: int32(binary.BigEndian.Uint32(b[8:])), // #nosec G115 - wire value is signed
	}
}

// Encoding decodes the body of one rectangle into the desktop framebuffer.
//
// Decoding is split in two so the codec can wait for a complete body without
// blocking: BodyLen inspects the bytes following the rectangle header and
// reports how many belong to the body, or ok=false when more are needed.
type Encoding interface {
	Type() int32
	BodyLen(k *KVMDesktop, rect *Rectangle, p []byte) (n int, ok bool, err error)
	Decode(k *KVMDesktop, rect *Rectangle, body []byte) error
}

// PseudoEncoding marks encodings that carry control information instead of
// pixel data. They are exempt from the tile size limit.
type PseudoEncoding interface {
	Encoding
	IsPseudo() bool
}

// supportedEncodings returns the decoders announced by SetEncodings, in
// preference order.
func supportedEncodings() []Encoding {
	return []Encoding{
		&RawEncoding{},
		&RLEEncoding{},
		&DesktopSizePseudoEncoding{},
	}
}

func isPseudo(enc Encoding) bool {
	p, ok := enc.(PseudoEncoding)
	return ok && p.IsPseudo()
}

// encodingName returns the label used for metrics and logs.
func encodingName(id int32) string {
	switch id {
	case EncodingRaw:
		return "raw"
	case EncodingRLE:
		return "rle"
	case EncodingDesktopSize:
		return "desktop-size"
	default:
		return fmt.Sprintf("encoding(%d)", id)
	}
}
