// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// MaxTileSize is the largest width or height of a non-DesktopSize rectangle.
const MaxTileSize = 64

// InputValidator validates configuration, peer-supplied geometry and
// operator input before it reaches the wire.
type InputValidator struct{}

func newInputValidator() *InputValidator {
	return &InputValidator{}
}

// ValidateEndpoint requires a host and a port in range.
func (iv *InputValidator) ValidateEndpoint(e Endpoint) error {
	if strings.TrimSpace(e.Host) == "" {
		return validationError("InputValidator.ValidateEndpoint", "host is required", nil)
	}
	if e.Port < 0 || e.Port > 65535 {
		return validationError("InputValidator.ValidateEndpoint",
			fmt.Sprintf("port out of range: %d", e.Port), nil)
	}
	return nil
}

// ValidateCredentials checks that the user and secret fit the one-byte length
// prefixes of the digest frames.
func (iv *InputValidator) ValidateCredentials(c Credentials) error {
	if c.Username == "" {
		return validationError("InputValidator.ValidateCredentials", "username is required", nil)
	}
	if len(c.Username) > 255 {
		return validationError("InputValidator.ValidateCredentials", "username longer than 255 bytes", nil)
	}
	if c.Password == "" {
		return validationError("InputValidator.ValidateCredentials", "password is required", nil)
	}
	return nil
}

// ValidateFingerprint accepts a hex SHA-256 digest, optionally colon separated.
func (iv *InputValidator) ValidateFingerprint(fp string) error {
	raw, err := hex.DecodeString(normalizeFingerprint(fp))
	if err != nil {
		return validationError("InputValidator.ValidateFingerprint", "fingerprint is not hex", err)
	}
	if len(raw) != 32 {
		return validationError("InputValidator.ValidateFingerprint",
			fmt.Sprintf("fingerprint must be 32 bytes, got %d", len(raw)), nil)
	}
	return nil
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(fp, ":", ""))
}

// ValidateTileSize rejects zero-sized and oversized rectangles.
func (iv *InputValidator) ValidateTileSize(width, height uint16) error {
	if width == 0 || height == 0 {
		return validationError("InputValidator.ValidateTileSize", "rectangle dimensions cannot be zero", nil)
	}
	if width > MaxTileSize || height > MaxTileSize {
		return validationError("InputValidator.ValidateTileSize",
			fmt.Sprintf("rectangle %dx%d exceeds %dx%d", width, height, MaxTileSize, MaxTileSize), nil)
	}
	return nil
}

// ValidateRectangle validates rectangle bounds against framebuffer dimensions.
func (iv *InputValidator) ValidateRectangle(x, y, width, height, fbWidth, fbHeight uint16) error {
	if uint32(x)+uint32(width) > uint32(fbWidth) || uint32(y)+uint32(height) > uint32(fbHeight) {
		return validationError("InputValidator.ValidateRectangle",
			fmt.Sprintf("rectangle (%d,%d,%d,%d) exceeds framebuffer bounds (%d,%d)",
				x, y, width, height, fbWidth, fbHeight), nil)
	}
	return nil
}

// ValidateFramebufferDimensions rejects a zero-sized desktop.
func (iv *InputValidator) ValidateFramebufferDimensions(width, height uint16) error {
	if width == 0 || height == 0 {
		return validationError("InputValidator.ValidateFramebufferDimensions",
			"framebuffer dimensions cannot be zero", nil)
	}
	return nil
}

// ValidateMessageLength checks a peer-supplied length against a ceiling.
func (iv *InputValidator) ValidateMessageLength(length uint32, maxLength uint32) error {
	if length > maxLength {
		return validationError("InputValidator.ValidateMessageLength",
			fmt.Sprintf("message length %d exceeds maximum %d", length, maxLength), nil)
	}
	return nil
}

// ValidatePointerPosition requires display coordinates inside the display.
func (iv *InputValidator) ValidatePointerPosition(x, y, width, height uint16) error {
	if x >= width || y >= height {
		return validationError("InputValidator.ValidatePointerPosition",
			fmt.Sprintf("pointer (%d,%d) outside display %dx%d", x, y, width, height), nil)
	}
	return nil
}

// SanitizeText removes control characters other than tab and line breaks.
func (iv *InputValidator) SanitizeText(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}
