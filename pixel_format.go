// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import "encoding/binary"

// PixelFormat describes how pixel colour data is encoded on the wire.
type PixelFormat struct {
	// BPP (bits-per-pixel) specifies how many bits are used to represent each pixel.
	BPP uint8

	// Depth specifies the number of useful bits within each pixel value.
	Depth uint8

	// BigEndian determines the byte order for multi-byte pixel values.
	BigEndian bool

	// TrueColor determines whether pixels represent direct RGB values.
	TrueColor bool

	// RedMax, GreenMax and BlueMax are the maximum channel values.
	RedMax   uint16
	GreenMax uint16
	BlueMax  uint16

	// RedShift, GreenShift and BlueShift position each channel in the pixel.
	RedShift   uint8
	GreenShift uint8
	BlueShift  uint8
}

// PixelFormat returns the wire pixel format requested for the mode. Pixels
// are little-endian; greyscale modes carry the intensity in every channel.
func (m ColorMode) PixelFormat() PixelFormat {
	switch m {
	case ColorMode8:
		return PixelFormat{BPP: 8, Depth: 8, TrueColor: true,
			RedMax: 7, GreenMax: 7, BlueMax: 3, RedShift: 5, GreenShift: 2, BlueShift: 0}
	case ColorModeGray8:
		return PixelFormat{BPP: 8, Depth: 8, TrueColor: true,
			RedMax: 255, GreenMax: 255, BlueMax: 255}
	case ColorModeGray4:
		return PixelFormat{BPP: 8, Depth: 4, TrueColor: true,
			RedMax: 15, GreenMax: 15, BlueMax: 15}
	default:
		return PixelFormat{BPP: 16, Depth: 16, TrueColor: true,
			RedMax: 31, GreenMax: 63, BlueMax: 31, RedShift: 11, GreenShift: 5, BlueShift: 0}
	}
}

// writePixelFormat returns the 16-byte wire representation of format.
func writePixelFormat(format *PixelFormat) []byte {
	b := make([]byte, 16)
	b[0] = format.BPP
	b[1] = format.Depth
	if format.BigEndian {
		b[2] = 1
	}
	if format.TrueColor {
		b[3] = 1
	}
	binary.BigEndian.PutUint16(b[4:], format.RedMax)
	binary.BigEndian.PutUint16(b[6:], format.GreenMax)
	binary.BigEndian.PutUint16(b[8:], format.BlueMax)
	b[10] = format.RedShift
	b[11] = format.GreenShift
	b[12] = format.BlueShift
	return b
}

// readPixelFormat parses the 16-byte wire pixel format.
func readPixelFormat(b []byte) PixelFormat {
	return PixelFormat{
		BPP:        b[0],
		Depth:      b[1],
		BigEndian:  b[2] != 0,
		TrueColor:  b[3] != 0,
		RedMax:     binary.BigEndian.Uint16(b[4:]),
		GreenMax:   binary.BigEndian.Uint16(b[6:]),
		BlueMax:    binary.BigEndian.Uint16(b[8:]),
		RedShift:   b[10],
		GreenShift: b[11],
		BlueShift:  b[12],
	}
}
