// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import "fmt"

// DiskHandler implements the disk redirection command set. It is offered the
// unconsumed inbound bytes and returns how many form complete commands it
// handled; replies go out through ch.
type DiskHandler interface {
	HandleCommands(ch Channel, p []byte) (int, error)
	Close() error
}

// DiskRedirector is the disk redirection module. The command set itself is
// supplied by a DiskHandler.
type DiskRedirector struct {
	handler DiskHandler
	ch      Channel
	closed  bool
}

// NewDiskRedirector returns a module delegating to handler, which may be nil.
func NewDiskRedirector(handler DiskHandler) *DiskRedirector {
	return &DiskRedirector{handler: handler}
}

// Start binds the module to the session channel.
func (d *DiskRedirector) Start(ch Channel) error {
	d.ch = ch
	return nil
}

// OnBytes forwards inbound commands to the handler.
func (d *DiskRedirector) OnBytes(p []byte) (int, error) {
	if d.handler == nil {
		return 0, protocolError("DiskRedirector.OnBytes",
			fmt.Sprintf("disk command 0x%02x with no disk handler", p[0]), nil)
	}
	return d.handler.HandleCommands(d.ch, p)
}

// OnTransportStateChanged closes the handler once, on Closing.
func (d *DiskRedirector) OnTransportStateChanged(state State) {
	if state != StateClosing || d.closed {
		return
	}
	d.closed = true
	if d.handler == nil {
		return
	}
	if err := d.handler.Close(); err != nil && d.ch != nil {
		d.ch.Logger().Debug("Disk handler close error", ErrorField(err))
	}
}
