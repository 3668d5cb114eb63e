// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"bytes"
	"fmt"
)

// Cut text starting with one of these markers is in-band traffic rather than
// clipboard contents.
var (
	dataChannelMarker = []byte("\x00KvmDataChannel\x00")
	dataCommandMarker = []byte("\x00KvmDataCommand\x00")
)

// DataCommand identifies a command frame on the in-band command channel.
type DataCommand byte

const (
	// DataCommandDecimation sets the controller's decimation mode.
	DataCommandDecimation DataCommand = 1
	// DataCommandCompression switches tile compression on (1) or off (0).
	DataCommandCompression DataCommand = 2
)

// String returns the command name.
func (c DataCommand) String() string {
	switch c {
	case DataCommandDecimation:
		return "decimation"
	case DataCommandCompression:
		return "compression"
	default:
		return fmt.Sprintf("command(%d)", byte(c))
	}
}

// DataChannel multiplexes a reliable side channel over cut-text messages.
//
// At most one payload is unacknowledged at a time; later payloads wait in a
// FIFO queue. An empty payload is the acknowledgement. Inbound payloads are
// delivered and immediately acknowledged.
type DataChannel struct {
	send      func(text []byte) error
	onData    func(p []byte)
	onCommand func(cmd DataCommand, value byte)

	inFlight bool
	queue    [][]byte

	decimation  byte
	compression byte
}

// newDataChannel returns a channel that writes cut text with send.
func newDataChannel(send func([]byte) error, onData func([]byte), onCommand func(DataCommand, byte)) *DataChannel {
	return &DataChannel{send: send, onData: onData, onCommand: onCommand}
}

// InFlight reports whether a payload awaits acknowledgement.
func (d *DataChannel) InFlight() bool { return d.inFlight }

// Queued returns the number of payloads waiting behind the in-flight one.
func (d *DataChannel) Queued() int { return len(d.queue) }

// Decimation returns the last decimation mode seen in either direction.
func (d *DataChannel) Decimation() byte { return d.decimation }

// Compression returns the last compression setting seen in either direction.
func (d *DataChannel) Compression() byte { return d.compression }

// Send transmits p, or queues it behind the unacknowledged payload. Empty
// payloads are reserved for acknowledgements.
func (d *DataChannel) Send(p []byte) error {
	if len(p) == 0 {
		return validationError("DataChannel.Send", "payload cannot be empty", nil)
	}
	if d.inFlight {
		d.queue = append(d.queue, append([]byte(nil), p...))
		return nil
	}
	return d.transmit(p)
}

func (d *DataChannel) transmit(p []byte) error {
	if d.inFlight {
		return dataChannelError("DataChannel.transmit", "payload already in flight")
	}
	d.inFlight = true
	return d.send(append(append([]byte(nil), dataChannelMarker...), p...))
}

// SendCommand writes one command frame. Commands are not acknowledged.
func (d *DataChannel) SendCommand(cmd DataCommand, value byte) error {
	d.record(cmd, value)
	return d.send(append(append([]byte(nil), dataCommandMarker...), byte(cmd), value))
}

func (d *DataChannel) record(cmd DataCommand, value byte) {
	switch cmd {
	case DataCommandDecimation:
		d.decimation = value
	case DataCommandCompression:
		d.compression = value
	}
}

// handleCutText consumes text if it is in-band traffic.
func (d *DataChannel) handleCutText(text []byte) (bool, error) {
	switch {
	case bytes.HasPrefix(text, dataChannelMarker):
		return true, d.receive(text[len(dataChannelMarker):])
	case bytes.HasPrefix(text, dataCommandMarker):
		return true, d.receiveCommand(text[len(dataCommandMarker):])
	default:
		return false, nil
	}
}

func (d *DataChannel) receive(p []byte) error {
	if len(p) == 0 {
		if !d.inFlight {
			return dataChannelError("DataChannel.receive", "acknowledgement with nothing in flight")
		}
		d.inFlight = false
		if len(d.queue) == 0 {
			return nil
		}
		next := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		return d.transmit(next)
	}

	if d.onData != nil {
		d.onData(append([]byte(nil), p...))
	}
	return d.send(append([]byte(nil), dataChannelMarker...))
}

func (d *DataChannel) receiveCommand(p []byte) error {
	if len(p) < 2 {
		return protocolError("DataChannel.receiveCommand",
			fmt.Sprintf("command frame of %d bytes", len(p)), nil)
	}
	cmd, value := DataCommand(p[0]), p[1]
	d.record(cmd, value)
	if d.onCommand != nil {
		d.onCommand(cmd, value)
	}
	return nil
}

// reset drops queued payloads on teardown.
func (d *DataChannel) reset() {
	d.inFlight = false
	d.queue = nil
}
