// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"crypto/md5" // #nosec G501 - MD5 is mandated by the redirection digest scheme
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Authentication types carried in the authenticate query/reply frames.
const (
	authTypeQuery     byte = 0
	authTypeDigest    byte = 3
	authTypeDigestQOP byte = 4
)

// redirectionURI is the digest-uri every redirection session authenticates against.
const redirectionURI = "/RedirectionService"

// authContext carries digest state for one session.
type authContext struct {
	user       string
	secret     string
	realm      string
	nonce      string
	cnonce     string
	qop        string
	nonceCount uint32
	authType   byte

	// responded is set once a computed response was sent; a further
	// challenge means the controller rejected it.
	responded bool
}

// DigestResponse computes the digest response hash.
//
// Without qop: MD5(HA1:nonce:HA2). With qop: MD5(HA1:nonce:nc:cnonce:qop:HA2),
// where HA1 = MD5(user:realm:secret) and HA2 = MD5("POST:"+uri).
func DigestResponse(user, secret, realm, nonce, uri, cnonce, nc, qop string) string {
	ha1 := md5Hex(user + ":" + realm + ":" + secret)
	ha2 := md5Hex("POST:" + uri)
	if qop == "" {
		return md5Hex(ha1 + ":" + nonce + ":" + ha2)
	}
	return md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// selectAuthType picks the strongest digest variant offered by the controller.
// Basic and no-auth are never attempted.
func selectAuthType(offered []byte) (byte, bool) {
	var digest bool
	for _, t := range offered {
		if t == authTypeDigestQOP {
			return authTypeDigestQOP, true
		}
		if t == authTypeDigest {
			digest = true
		}
	}
	if digest {
		return authTypeDigest, true
	}
	return 0, false
}

// newCnonce returns 16 random bytes as 32 hex characters.
func newCnonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", authenticationError("newCnonce", "failed to generate client nonce", err)
	}
	return hex.EncodeToString(b), nil
}

// buildAuthQuery returns the authenticate frame asking for supported types.
func buildAuthQuery() []byte {
	return []byte{cmdAuthenticate, 0, 0, 0, authTypeQuery, 0, 0, 0, 0}
}

// buildDigestFrame encodes an authenticate frame whose auth data is a list of
// one-byte length-prefixed strings.
func buildDigestFrame(authType byte, fields ...string) ([]byte, error) {
	size := 0
	for _, f := range fields {
		if len(f) > 255 {
			return nil, authenticationError("buildDigestFrame",
				fmt.Sprintf("digest field longer than 255 bytes (%d)", len(f)), nil)
		}
		size += 1 + len(f)
	}

	frame := make([]byte, 9, 9+size)
	frame[0] = cmdAuthenticate
	frame[4] = authType
	binary.BigEndian.PutUint32(frame[5:9], uint32(size)) // #nosec G115 - bounded by 255 per field
	for _, f := range fields {
		frame = append(frame, byte(len(f)))
		frame = append(frame, f...)
	}
	return frame, nil
}

// initialDigestRequest asks the controller for a challenge.
func (a *authContext) initialDigestRequest() ([]byte, error) {
	if a.authType == authTypeDigestQOP {
		return buildDigestFrame(a.authType, a.user, "", "", redirectionURI, "", "", "", "")
	}
	return buildDigestFrame(a.authType, a.user, "", "", redirectionURI, "", "", "")
}

// parseChallenge reads realm, nonce, and (for the qop variant) qop from the
// challenge auth data.
func (a *authContext) parseChallenge(authType byte, data []byte) error {
	fields := 2
	if authType == authTypeDigestQOP {
		fields = 3
	}

	values := make([]string, 0, fields)
	off := 0
	for i := 0; i < fields; i++ {
		if off >= len(data) {
			return protocolError("authContext.parseChallenge", "truncated digest challenge", nil)
		}
		n := int(data[off])
		off++
		if off+n > len(data) {
			return protocolError("authContext.parseChallenge", "digest challenge field overruns auth data", nil)
		}
		values = append(values, string(data[off:off+n]))
		off += n
	}

	a.authType = authType
	a.realm = values[0]
	a.nonce = values[1]
	if authType == authTypeDigestQOP {
		a.qop = values[2]
	}
	return nil
}

// challengeResponse computes the digest response frame for the last parsed
// challenge. The qop variant adds a fresh client nonce and nonce count.
func (a *authContext) challengeResponse(cnonce string) ([]byte, error) {
	a.nonceCount++
	nc := fmt.Sprintf("%08x", a.nonceCount)

	if a.authType == authTypeDigestQOP {
		a.cnonce = cnonce
		digest := DigestResponse(a.user, a.secret, a.realm, a.nonce, redirectionURI, cnonce, nc, a.qop)
		return buildDigestFrame(a.authType, a.user, a.realm, a.nonce, redirectionURI, cnonce, nc, digest, a.qop)
	}

	digest := DigestResponse(a.user, a.secret, a.realm, a.nonce, redirectionURI, "", "", "")
	return buildDigestFrame(a.authType, a.user, a.realm, a.nonce, redirectionURI, "", "", digest)
}

// clear drops the secret once the session is authenticated or torn down.
func (a *authContext) clear() {
	a.secret = ""
	a.nonce = ""
	a.cnonce = ""
}
