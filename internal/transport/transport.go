// Package transport moves encoded frames between this process and a venue.
// It is oblivious to protocol semantics: every frame it receives is handed
// to its owner unparsed, and it reports connection loss, send errors, and
// outer-frame parse failures without interpreting them. It supports a
// clean Close distinct from an unexpected drop.
package transport

import "context"

// Transport is the minimal bidirectional framed-message connection a
// Session Machine drives. Two concrete shapes exist: WSTransport (a
// persistent streaming websocket) and FIXTransport (a quickfix session) —
// both satisfy this interface so internal/session is blind to which one
// it holds.
type Transport interface {
	// Open dials the venue and blocks until the connection is ready or ctx
	// is done.
	Open(ctx context.Context) error

	// Send writes a single frame. Safe to call concurrently with Inbound
	// delivery, not safe to call concurrently with itself.
	Send(frame []byte) error

	// Inbound returns the channel of frames received from the venue, in
	// arrival order. It is not closed when the transport stops; Closed()
	// signals that.
	Inbound() <-chan []byte

	// Closed returns a channel that is closed when the transport's
	// connection ends, whether by explicit Close or by an unexpected drop.
	// Err reports which, after the channel closes.
	Closed() <-chan struct{}

	// Err returns the reason the transport closed, or nil for a clean
	// Close. Only meaningful after Closed() has fired.
	Err() error

	// Close performs an explicit, clean shutdown. Err() will report nil
	// afterward.
	Close() error
}
