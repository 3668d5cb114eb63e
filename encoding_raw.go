// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

// RawEncoding carries uncompressed pixels, left to right and top to bottom,
// in the negotiated pixel format.
type RawEncoding struct{}

// Type returns the encoding type identifier for Raw encoding.
func (*RawEncoding) Type() int32 {
	return EncodingRaw
}

// BodyLen returns width × height × bytes-per-pixel.
func (*RawEncoding) BodyLen(k *KVMDesktop, rect *Rectangle, _ []byte) (int, bool, error) {
	return int(rect.Width) * int(rect.Height) * k.fb.BytesPerPixel(), true, nil
}

// Decode copies the pixels through the tile scratch buffer into the store.
func (*RawEncoding) Decode(k *KVMDesktop, rect *Rectangle, body []byte) error {
	w, h := int(rect.Width), int(rect.Height)
	tile := k.fb.scratchTile(w, h)
	copy(tile, body)
	k.fb.blit(int(rect.X), int(rect.Y), w, h, tile)
	return nil
}
