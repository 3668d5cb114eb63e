// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import "encoding/binary"

// compactThreshold is the consumed prefix size after which the buffer is
// shifted down, so slow links do not grow the backing array without bound.
const compactThreshold = 64 * 1024

// ByteAccumulator buffers partial reads behind a read cursor.
//
// Parsers inspect Bytes and call Consume only once a whole command is present;
// a short buffer is left untouched so the next Append can complete it.
type ByteAccumulator struct {
	buf    []byte
	cursor int
}

// Append adds newly received bytes after any unconsumed data.
func (a *ByteAccumulator) Append(p []byte) {
	if a.cursor > 0 && (a.cursor >= compactThreshold || a.cursor == len(a.buf)) {
		a.compact()
	}
	a.buf = append(a.buf, p...)
}

// Bytes returns the unconsumed bytes. The slice is only valid until the next
// Append, Consume, or Reset.
func (a *ByteAccumulator) Bytes() []byte {
	return a.buf[a.cursor:]
}

// Len returns the number of unconsumed bytes.
func (a *ByteAccumulator) Len() int {
	return len(a.buf) - a.cursor
}

// Has reports whether at least n bytes are buffered.
func (a *ByteAccumulator) Has(n int) bool {
	return a.Len() >= n
}

// Consume advances the cursor past n bytes.
func (a *ByteAccumulator) Consume(n int) {
	if n <= 0 {
		return
	}
	if n > a.Len() {
		n = a.Len()
	}
	a.cursor += n
	if a.cursor == len(a.buf) {
		a.buf = a.buf[:0]
		a.cursor = 0
	}
}

// Reset discards all buffered data.
func (a *ByteAccumulator) Reset() {
	a.buf = a.buf[:0]
	a.cursor = 0
}

// Uint8At returns the byte at offset off from the cursor.
func (a *ByteAccumulator) Uint8At(off int) byte {
	return a.buf[a.cursor+off]
}

// Uint16At decodes a big-endian uint16 at offset off from the cursor.
func (a *ByteAccumulator) Uint16At(off int) uint16 {
	return binary.BigEndian.Uint16(a.buf[a.cursor+off:])
}

// Uint32At decodes a big-endian uint32 at offset off from the cursor.
func (a *ByteAccumulator) Uint32At(off int) uint32 {
	return binary.BigEndian.Uint32(a.buf[a.cursor+off:])
}

func (a *ByteAccumulator) compact() {
	n := copy(a.buf, a.buf[a.cursor:])
	a.buf = a.buf[:n]
	a.cursor = 0
}
