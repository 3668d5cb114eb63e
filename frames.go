// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import "encoding/binary"

// Transport command bytes. Multi-byte fields on the transport are big-endian.
const (
	cmdStartSession      byte = 0x10
	cmdStartSessionReply byte = 0x11
	cmdAuthenticate      byte = 0x13
	cmdAuthenticateReply byte = 0x14
	cmdSerialSettings    byte = 0x20
	cmdSettingsAck       byte = 0x21
	cmdSettingsConfirm   byte = 0x27
	cmdSerialData        byte = 0x28
	cmdSerialSettingsIn  byte = 0x29
	cmdSerialDisplay     byte = 0x2A
	cmdKeepAlive         byte = 0x2B
	cmdKVMStart          byte = 0x40
	cmdKVMReady          byte = 0x41
	cmdRecording         byte = 0xF0
)

// Fixed transport frame sizes.
const (
	startReplyMinLen    = 13
	authReplyHeaderLen  = 9
	settingsAckLen      = 23
	serialSettingsInLen = 10
	serialDisplayHdrLen = 10
	keepAliveLen        = 8
	kvmReadyLen         = 8

	// maxAuthDataLen bounds the auth data a controller may announce.
	maxAuthDataLen = 64 * 1024
)

// Serial settings announced after SOL authentication.
const (
	solMaxTxBuffer       = 10000
	solTxTimeout         = 100
	solTxOverflowTimeout = 0
	solRxTimeout         = 10000
	solRxFlushTimeout    = 100
	solHeartbeat         = 0
)

// startPreamble returns the session-start frame naming protocol.
func startPreamble(p Protocol) []byte {
	var flags byte
	if p == ProtocolKVM {
		flags = 0x01
	}
	return append([]byte{cmdStartSession, flags, 0, 0}, p.magic()...)
}

// sequencedHeader returns cmd,0,0,0 followed by the 4-byte sequence number.
func sequencedHeader(cmd byte, seq uint32, extra int) []byte {
	b := make([]byte, 8, 8+extra)
	b[0] = cmd
	binary.BigEndian.PutUint32(b[4:8], seq)
	return b
}

func buildSerialSettings(seq uint32) []byte {
	b := sequencedHeader(cmdSerialSettings, seq, 16)
	for _, v := range []uint16{
		solMaxTxBuffer, solTxTimeout, solTxOverflowTimeout,
		solRxTimeout, solRxFlushTimeout, solHeartbeat,
	} {
		b = binary.BigEndian.AppendUint16(b, v)
	}
	return binary.BigEndian.AppendUint32(b, 0)
}

func buildSettingsConfirm(seq uint32) []byte {
	b := sequencedHeader(cmdSettingsConfirm, seq, 6)
	return append(b, 0x00, 0x00, 0x1B, 0x00, 0x00, 0x00)
}

func buildKeepAlive(seq uint32) []byte {
	return sequencedHeader(cmdKeepAlive, seq, 0)
}

func buildSerialData(seq uint32, data []byte) []byte {
	b := sequencedHeader(cmdSerialData, seq, 2+len(data))
	b = binary.BigEndian.AppendUint16(b, uint16(len(data))) // #nosec G115 - callers chunk to 65535
	return append(b, data...)
}

func buildKVMStart() []byte {
	return []byte{cmdKVMStart, 0, 0, 0, 0, 0, 0, 0}
}
