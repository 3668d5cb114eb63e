// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"encoding/binary"
	"fmt"
)

// ColorMode selects the pixel format requested after ServerInit.
type ColorMode int

const (
	// ColorMode16 is 2 bytes per pixel, 5/6/5 true colour. The default.
	ColorMode16 ColorMode = iota
	// ColorMode8 is 1 byte per pixel, 3/3/2 true colour.
	ColorMode8
	// ColorModeGray8 is 1 byte per pixel, 8-bit greyscale.
	ColorModeGray8
	// ColorModeGray4 is 1 byte per pixel, 4-bit greyscale.
	ColorModeGray4
)

// String returns the colour mode name.
func (m ColorMode) String() string {
	switch m {
	case ColorMode16:
		return "rgb565"
	case ColorMode8:
		return "rgb332"
	case ColorModeGray8:
		return "gray8"
	case ColorModeGray4:
		return "gray4"
	default:
		return fmt.Sprintf("ColorMode(%d)", int(m))
	}
}

// BytesPerPixel returns 2 for ColorMode16 and 1 for every other mode.
func (m ColorMode) BytesPerPixel() int {
	if m == ColorMode16 {
		return 2
	}
	return 1
}

// RGB converts one stored pixel (BytesPerPixel bytes) to 8-bit channels.
func (m ColorMode) RGB(p []byte) (r, g, b uint8) {
	switch m {
	case ColorMode8:
		v := p[0]
		r3, g3, b2 := v>>5&7, v>>2&7, v&3
		// 3-bit channels replicate their high bits; 2-bit blue scales by 0x55
		// so that full intensity reaches 255 rather than 192.
		return r3<<5 | r3<<2 | r3>>1, g3<<5 | g3<<2 | g3>>1, b2 * 0x55
	case ColorModeGray8:
		return p[0], p[0], p[0]
	case ColorModeGray4:
		v := (p[0] & 0x0F) * 17
		return v, v, v
	default:
		v := binary.LittleEndian.Uint16(p)
		r5, g6, b5 := uint8(v>>11&31), uint8(v>>5&63), uint8(v&31) // #nosec G115 - masked
		return r5<<3 | r5>>2, g6<<2 | g6>>4, b5<<3 | b5>>2
	}
}
