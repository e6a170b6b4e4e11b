// Package session speaks the message protocol over one byte stream.
//
// Ownership boundary:
// - handshake token exchange
// - keep-alive timer
// - acknowledgement and round-trip latency tracking
// - per-type send backpressure
// - typed dispatch of received messages
//
// A Manager is driven entirely from one eventloop.Scheduler goroutine.
package session
