// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

// DesktopSizePseudoEncoding announces a new framebuffer size. The rectangle's
// width and height are the new dimensions; it carries no body.
type DesktopSizePseudoEncoding struct{}

// Type returns the encoding type identifier for DesktopSize pseudo-encoding.
func (*DesktopSizePseudoEncoding) Type() int32 {
	return EncodingDesktopSize
}

// IsPseudo returns true indicating this is a pseudo-encoding.
func (*DesktopSizePseudoEncoding) IsPseudo() bool {
	return true
}

// BodyLen is always zero.
func (*DesktopSizePseudoEncoding) BodyLen(*KVMDesktop, *Rectangle, []byte) (int, bool, error) {
	return 0, true, nil
}

// Decode resizes the store, keeping the rotation, and asks for a full
// refresh of the new desktop.
func (*DesktopSizePseudoEncoding) Decode(k *KVMDesktop, rect *Rectangle, _ []byte) error {
	if err := newInputValidator().ValidateFramebufferDimensions(rect.Width, rect.Height); err != nil {
		return protocolError("DesktopSizePseudoEncoding.Decode", "invalid desktop size", err)
	}
	k.resize(int(rect.Width), int(rect.Height))
	return k.requestFullRefresh()
}
