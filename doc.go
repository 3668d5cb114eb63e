// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package kvmredir implements the client side of management controller
// redirection: serial-over-LAN, disk redirection and the remote desktop
// (KVM) carried over one authenticated byte stream.
//
// A Session dials the controller directly (optionally over TLS) or through a
// WebSocketTunnel registered by an agent, announces the protocol, answers
// the digest challenge and then hands the stream to a protocol module. The
// KVM module speaks the embedded remote framebuffer protocol and keeps the
// decoded desktop in a Framebuffer.
//
// # Basic Usage
//
//	sess, err := kvmredir.NewSession("desk-1",
//		kvmredir.Endpoint{Host: "10.0.0.20"},
//		kvmredir.Credentials{Username: "admin", Password: secret},
//		kvmredir.ProtocolKVM,
//		kvmredir.WithTLS(true),
//		kvmredir.WithDesktopObserver(observer),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := sess.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Stop()
//
// # Input Events
//
//	sess.SendKeyCode(65, true)  // 'a' key down
//	sess.SendKeyCode(65, false) // 'a' key up
//	sess.SendPointer(kvmredir.ButtonLeft, 100, 100)
//	sess.SendPointer(0, 100, 100)
//	sess.SendCtrlAltDel()
//
// # Error Handling
//
//	if err := sess.Wait(); kvmredir.IsRedirError(err, kvmredir.ErrAuthentication) {
//		log.Printf("Authentication failed: %v", err)
//	}
//
// All protocol work for a session runs on one goroutine; observers are
// called from it and must return promptly.
package kvmredir
