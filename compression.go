// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"compress/zlib"
	"io"
)

// CompressionContext is the session's persistent inflate state for RLE tile
// payloads. The controller compresses all RLE tiles as one zlib stream and
// sync-flushes after each tile, so the context is fed every compressed
// payload in arrival order and is never reset.
//
// The context is loop-owned and released exactly once, on Closing.
type CompressionContext struct {
	src    inflateSource
	zr     io.ReadCloser
	closed bool
}

// inflateSource holds compressed input not yet consumed by the inflater. It
// implements io.ByteReader so the zlib and flate readers use it directly
// instead of wrapping it in a read-ahead buffer.
type inflateSource struct {
	buf []byte
	off int
}

func (s *inflateSource) Read(p []byte) (int, error) {
	if s.off >= len(s.buf) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[s.off:])
	s.off += n
	return n, nil
}

func (s *inflateSource) ReadByte() (byte, error) {
	if s.off >= len(s.buf) {
		return 0, io.EOF
	}
	b := s.buf[s.off]
	s.off++
	return b, nil
}

func (s *inflateSource) append(p []byte) {
	if s.off > 0 {
		n := copy(s.buf, s.buf[s.off:])
		s.buf = s.buf[:n]
		s.off = 0
	}
	s.buf = append(s.buf, p...)
}

func (s *inflateSource) pending() int { return len(s.buf) - s.off }

// NewCompressionContext returns an idle context. The inflater is created on
// the first compressed payload because it reads the stream header eagerly.
func NewCompressionContext() *CompressionContext {
	return &CompressionContext{}
}

// Feed appends one compressed payload and returns a reader over the
// decompressed stream. Callers must read exactly the bytes the payload
// encodes: reading past them would hit the end of the buffered input, which
// the inflater treats as a permanent error.
func (c *CompressionContext) Feed(p []byte) (io.Reader, error) {
	if c.closed {
		return nil, encodingError("CompressionContext.Feed", "compression context released", ErrSessionClosed)
	}
	c.src.append(p)
	if c.zr == nil {
		zr, err := zlib.NewReader(&c.src)
		if err != nil {
			return nil, encodingError("CompressionContext.Feed", "invalid zlib stream header", err)
		}
		c.zr = zr
	}
	return c.zr, nil
}

// Pending returns the compressed bytes buffered but not yet inflated.
func (c *CompressionContext) Pending() int { return c.src.pending() }

// Closed reports whether the context has been released.
func (c *CompressionContext) Closed() bool { return c.closed }

// Close releases the inflate state. Calls after the first are no-ops.
func (c *CompressionContext) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.src = inflateSource{}
	if c.zr == nil {
		return nil
	}
	err := c.zr.Close()
	c.zr = nil
	return err
}
