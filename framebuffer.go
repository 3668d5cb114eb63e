// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"fmt"
	"image"
	"image/color"
)

// MaxFramebufferBytes is the store size above which a CapacityWarning is
// raised and no store is allocated. The controller, not the client, is
// expected to drop the session.
const MaxFramebufferBytes = 8 << 20

// Rotation is the display rotation in degrees, clockwise.
type Rotation int

// Supported rotations.
const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

func (r Rotation) valid() bool {
	return r == Rotate0 || r == Rotate90 || r == Rotate180 || r == Rotate270
}

type tileKey struct{ w, h int }

// Framebuffer is the client-side copy of the remote desktop.
//
// Width and Height are in controller coordinates. The backing store is kept
// in display orientation: every write is remapped for the active rotation, so
// a 90 or 270 degree store is Height pixels wide. Pixels are stored in the
// negotiated wire format (BytesPerPixel bytes each).
type Framebuffer struct {
	width    int
	height   int
	mode     ColorMode
	bpp      int
	rotation Rotation
	pix      []byte

	// scratch holds one reusable tile buffer per tile size. It only grows.
	scratch map[tileKey][]byte
}

// NewFramebuffer returns an empty framebuffer for mode.
func NewFramebuffer(mode ColorMode) *Framebuffer {
	return &Framebuffer{
		mode:    mode,
		bpp:     mode.BytesPerPixel(),
		scratch: make(map[tileKey][]byte),
	}
}

// Reset sizes the store for a new desktop and clears the rotation.
func (f *Framebuffer) Reset(width, height int) {
	f.rotation = Rotate0
	f.Resize(width, height)
}

// Resize reallocates the store for new controller dimensions, keeping the
// rotation. Content is cleared. Above MaxFramebufferBytes the store is left
// unallocated and tiles are decoded but discarded.
func (f *Framebuffer) Resize(width, height int) {
	f.width, f.height = width, height
	if f.StoreBytes() > MaxFramebufferBytes {
		f.pix = nil
		return
	}
	f.pix = make([]byte, width*height*f.bpp)
}

// Allocated reports whether the store holds pixels for the current size.
func (f *Framebuffer) Allocated() bool { return f.pix != nil }

// Size returns the controller framebuffer dimensions.
func (f *Framebuffer) Size() (width, height int) { return f.width, f.height }

// DisplaySize returns the store dimensions after rotation.
func (f *Framebuffer) DisplaySize() (width, height int) {
	if f.rotation == Rotate90 || f.rotation == Rotate270 {
		return f.height, f.width
	}
	return f.width, f.height
}

// BytesPerPixel returns the stored pixel size.
func (f *Framebuffer) BytesPerPixel() int { return f.bpp }

// ColorMode returns the stored pixel format.
func (f *Framebuffer) ColorMode() ColorMode { return f.mode }

// Rotation returns the active rotation.
func (f *Framebuffer) Rotation() Rotation { return f.rotation }

// Bytes returns the backing store, row-major in display orientation.
func (f *Framebuffer) Bytes() []byte { return f.pix }

// StoreBytes returns the store size for the current dimensions.
func (f *Framebuffer) StoreBytes() int { return f.width * f.height * f.bpp }

// toDisplay maps controller coordinates to store coordinates.
func (f *Framebuffer) toDisplay(x, y int) (int, int) {
	switch f.rotation {
	case Rotate90:
		return f.height - 1 - y, x
	case Rotate180:
		return f.width - 1 - x, f.height - 1 - y
	case Rotate270:
		return y, f.width - 1 - x
	default:
		return x, y
	}
}

// fromDisplay maps store coordinates back to controller coordinates.
func (f *Framebuffer) fromDisplay(dx, dy int) (int, int) {
	switch f.rotation {
	case Rotate90:
		return dy, f.height - 1 - dx
	case Rotate180:
		return f.width - 1 - dx, f.height - 1 - dy
	case Rotate270:
		return f.width - 1 - dy, dx
	default:
		return dx, dy
	}
}

// displayRect maps a controller rectangle to the store rectangle it covers.
func (f *Framebuffer) displayRect(x, y, w, h int) image.Rectangle {
	x0, y0 := f.toDisplay(x, y)
	x1, y1 := f.toDisplay(x+w-1, y+h-1)
	return image.Rect(min(x0, x1), min(y0, y1), max(x0, x1)+1, max(y0, y1)+1)
}

// SetRotation re-lays the existing store for r.
func (f *Framebuffer) SetRotation(r Rotation) error {
	if !r.valid() {
		return validationError("Framebuffer.SetRotation", fmt.Sprintf("unsupported rotation %d", r), nil)
	}
	if r == f.rotation {
		return nil
	}

	if f.pix == nil {
		f.rotation = r
		return nil
	}
	old := f.pix
	oldW, _ := f.DisplaySize()
	oldRot := f.rotation

	next := make([]byte, len(old))
	f.rotation = r
	newW, _ := f.DisplaySize()
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			f.rotation = oldRot
			sx, sy := f.toDisplay(x, y)
			f.rotation = r
			dx, dy := f.toDisplay(x, y)
			src := (sy*oldW + sx) * f.bpp
			dst := (dy*newW + dx) * f.bpp
			copy(next[dst:dst+f.bpp], old[src:src+f.bpp])
		}
	}
	f.pix = next
	return nil
}

// scratchTile returns the reusable buffer for a w×h tile.
func (f *Framebuffer) scratchTile(w, h int) []byte {
	key := tileKey{w, h}
	buf, ok := f.scratch[key]
	if !ok {
		buf = make([]byte, w*h*f.bpp)
		f.scratch[key] = buf
	}
	return buf
}

// blit copies a w×h tile at controller position (x, y) into the store.
func (f *Framebuffer) blit(x, y, w, h int, tile []byte) {
	if f.pix == nil {
		return
	}
	dw, _ := f.DisplaySize()
	if f.rotation == Rotate0 {
		row := w * f.bpp
		for ty := 0; ty < h; ty++ {
			dst := ((y+ty)*dw + x) * f.bpp
			copy(f.pix[dst:dst+row], tile[ty*row:(ty+1)*row])
		}
		return
	}
	for ty := 0; ty < h; ty++ {
		for tx := 0; tx < w; tx++ {
			dx, dy := f.toDisplay(x+tx, y+ty)
			src := (ty*w + tx) * f.bpp
			dst := (dy*dw + dx) * f.bpp
			copy(f.pix[dst:dst+f.bpp], tile[src:src+f.bpp])
		}
	}
}

// Pixel returns the stored bytes at display coordinates, or nil without a
// store.
func (f *Framebuffer) Pixel(dx, dy int) []byte {
	if f.pix == nil {
		return nil
	}
	dw, _ := f.DisplaySize()
	off := (dy*dw + dx) * f.bpp
	return f.pix[off : off+f.bpp]
}

// Image converts the whole store to RGBA in display orientation.
func (f *Framebuffer) Image() *image.RGBA {
	dw, dh := f.DisplaySize()
	return f.SubImage(image.Rect(0, 0, dw, dh))
}

// SubImage converts a display-coordinate rectangle of the store to RGBA. It
// is empty without a store.
func (f *Framebuffer) SubImage(r image.Rectangle) *image.RGBA {
	if f.pix == nil {
		return image.NewRGBA(image.Rectangle{})
	}
	dw, dh := f.DisplaySize()
	r = r.Intersect(image.Rect(0, 0, dw, dh))
	img := image.NewRGBA(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			cr, cg, cb := f.mode.RGB(f.Pixel(x, y))
			img.SetRGBA(x, y, color.RGBA{R: cr, G: cg, B: cb, A: 0xFF})
		}
	}
	return img
}
