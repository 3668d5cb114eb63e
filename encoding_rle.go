// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// maxRLEPayload bounds the announced length of one RLE tile payload. A 64×64
// tile of 2-byte pixels in the worst run encoding is well under this.
const maxRLEPayload = 256 * 1024

// RLE subencoding ranges.
const (
	rleSubRaw          = 0
	rleSubSolid        = 1
	rleSubPaletteMax   = 16
	rleSubPlainRLE     = 128
	rleSubPaletteRLE   = 130
	rleRunContinuation = 255
)

// RLEEncoding is the controller's ZRLE-like tile encoding. The body is a
// 4-byte length followed by either a bare stored-deflate block (sent
// uncompressed) or bytes of the session's persistent zlib stream.
type RLEEncoding struct{}

// Type returns the encoding type identifier for RLE encoding.
func (*RLEEncoding) Type() int32 {
	return EncodingRLE
}

// BodyLen returns the length prefix plus the announced payload size.
func (*RLEEncoding) BodyLen(_ *KVMDesktop, _ *Rectangle, p []byte) (int, bool, error) {
	if len(p) < 4 {
		return 0, false, nil
	}
	n := binary.BigEndian.Uint32(p)
	if err := newInputValidator().ValidateMessageLength(n, maxRLEPayload); err != nil {
		return 0, false, protocolError("RLEEncoding.BodyLen", "rle payload length", err)
	}
	return 4 + int(n), true, nil
}

// Decode inflates (or passes through) the payload and expands the tile.
func (*RLEEncoding) Decode(k *KVMDesktop, rect *Rectangle, body []byte) error {
	data := body[4:]

	var src io.Reader
	if isStoredBlock(data) {
		src = bytes.NewReader(data[5:])
	} else {
		r, err := k.compression.Feed(data)
		if err != nil {
			return err
		}
		src = r
	}

	w, h := int(rect.Width), int(rect.Height)
	tile := k.fb.scratchTile(w, h)
	if err := decodeRLETile(&tileReader{r: src}, w, h, k.fb.BytesPerPixel(), tile); err != nil {
		return err
	}
	k.fb.blit(int(rect.X), int(rect.Y), w, h, tile)
	return nil
}

// isStoredBlock reports whether data is exactly one non-final stored deflate
// block: a zero header byte, then LEN and NLEN (little-endian, NLEN == ^LEN)
// with LEN covering the rest of the payload. Such tiles bypass the inflater.
func isStoredBlock(data []byte) bool {
	if len(data) < 5 || data[0] != 0 {
		return false
	}
	n := binary.LittleEndian.Uint16(data[1:])
	nn := binary.LittleEndian.Uint16(data[3:])
	return int(n) == len(data)-5 && nn == ^n
}

// tileReader reads the decompressed tile stream a byte or a run at a time.
type tileReader struct {
	r   io.Reader
	one [1]byte
}

func (t *tileReader) byte() (byte, error) {
	if _, err := io.ReadFull(t.r, t.one[:]); err != nil {
		return 0, err
	}
	return t.one[0], nil
}

func (t *tileReader) full(p []byte) error {
	_, err := io.ReadFull(t.r, p)
	return err
}

// runLength reads a run: one plus the sum of bytes, continuing while a byte
// is 255.
func (t *tileReader) runLength() (int, error) {
	n := 1
	for {
		b, err := t.byte()
		if err != nil {
			return 0, err
		}
		n += int(b)
		if b != rleRunContinuation {
			return n, nil
		}
	}
}

func (t *tileReader) palette(size, bpp int) ([]byte, error) {
	pal := make([]byte, size*bpp)
	if err := t.full(pal); err != nil {
		return nil, err
	}
	return pal, nil
}

// decodeRLETile expands one tile of w×h pixels of bpp bytes into dst.
func decodeRLETile(t *tileReader, w, h, bpp int, dst []byte) error {
	const op = "RLEEncoding.Decode"
	pixels := w * h
	dst = dst[:pixels*bpp]

	sub, err := t.byte()
	if err != nil {
		return encodingError(op, "failed to read subencoding", err)
	}

	switch {
	case sub == rleSubRaw:
		if err := t.full(dst); err != nil {
			return encodingError(op, "failed to read raw tile", err)
		}

	case sub == rleSubSolid:
		px := dst[:bpp]
		if err := t.full(px); err != nil {
			return encodingError(op, "failed to read solid colour", err)
		}
		for off := bpp; off < len(dst); off += bpp {
			copy(dst[off:off+bpp], px)
		}

	case sub <= rleSubPaletteMax:
		size := int(sub)
		pal, err := t.palette(size, bpp)
		if err != nil {
			return encodingError(op, "failed to read palette", err)
		}
		bits := 4
		switch {
		case size == 2:
			bits = 1
		case size <= 4:
			bits = 2
		}
		mask := byte(1<<bits - 1)
		row := make([]byte, (w*bits+7)/8)
		for y := 0; y < h; y++ {
			if err := t.full(row); err != nil {
				return encodingError(op, "failed to read packed palette row", err)
			}
			for x := 0; x < w; x++ {
				bit := x * bits
				idx := int(row[bit/8] >> (8 - bits - bit%8) & mask)
				if idx >= size {
					return encodingError(op, fmt.Sprintf("palette index %d out of range %d", idx, size), nil)
				}
				off := (y*w + x) * bpp
				copy(dst[off:off+bpp], pal[idx*bpp:(idx+1)*bpp])
			}
		}

	case sub == rleSubPlainRLE:
		px := make([]byte, bpp)
		for i := 0; i < pixels; {
			if err := t.full(px); err != nil {
				return encodingError(op, "failed to read run colour", err)
			}
			n, err := t.runLength()
			if err != nil {
				return encodingError(op, "failed to read run length", err)
			}
			if n > pixels-i {
				return encodingError(op, fmt.Sprintf("run of %d overflows tile", n), nil)
			}
			for ; n > 0; n-- {
				copy(dst[i*bpp:(i+1)*bpp], px)
				i++
			}
		}

	case sub >= rleSubPaletteRLE:
		size := int(sub) - rleSubPlainRLE
		pal, err := t.palette(size, bpp)
		if err != nil {
			return encodingError(op, "failed to read palette", err)
		}
		for i := 0; i < pixels; {
			b, err := t.byte()
			if err != nil {
				return encodingError(op, "failed to read palette index", err)
			}
			idx, n := int(b&0x7F), 1
			if b&0x80 != 0 {
				if n, err = t.runLength(); err != nil {
					return encodingError(op, "failed to read run length", err)
				}
			}
			if idx >= size {
				return encodingError(op, fmt.Sprintf("palette index %d out of range %d", idx, size), nil)
			}
			if n > pixels-i {
				return encodingError(op, fmt.Sprintf("run of %d overflows tile", n), nil)
			}
			for ; n > 0; n-- {
				copy(dst[i*bpp:(i+1)*bpp], pal[idx*bpp:(idx+1)*bpp])
				i++
			}
		}

	default:
		return encodingError(op, fmt.Sprintf("unsupported subencoding %d", sub), nil)
	}
	return nil
}
