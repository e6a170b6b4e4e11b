package session

import "github.com/danmuck/flydragon/internal/event"

// Stream is the byte-stream surface a Manager speaks over.
//
// Received bytes stay buffered until Discard, so a parser can peek at the
// front of the buffer and only consume once a whole message is present.
type Stream interface {
	// Peek returns up to limit buffered bytes without consuming them.
	Peek(limit int) []byte
	// Discard consumes n buffered bytes.
	Discard(n int)
	// Buffered reports received bytes not yet consumed.
	Buffered() int
	// Write queues p for sending.
	Write(p []byte) error
	// Unflushed reports queued bytes not yet handed to the network.
	Unflushed() int
	// Connected reports whether the stream is established.
	Connected() bool
	// Readable fires on the loop goroutine when new bytes arrive.
	Readable() *event.Signal[struct{}]
}
