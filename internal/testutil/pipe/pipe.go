// Package pipe provides in-memory streams for protocol tests.
//
// A Stream satisfies session.Stream and connection.Transport. Incoming
// bytes are delivered through the test scheduler so Readable fires at a
// loop boundary, the way the TCP transport behaves.
package pipe

import (
	"errors"

	"github.com/danmuck/flydragon/internal/event"
	"github.com/danmuck/flydragon/internal/eventloop"
	"github.com/danmuck/flydragon/internal/protocol"
)

var ErrClosed = errors.New("pipe: stream closed")

type Stream struct {
	sched eventloop.Scheduler
	peer  *Stream

	recv    []byte
	written []byte

	// HoldWrites keeps written bytes counted as unflushed.
	HoldWrites bool
	unflushed  int

	connected  bool
	remote     string
	DialedAddr string
	Dials      int
	Closes     int
	WriteErr   error

	readable event.Signal[struct{}]
	connSig  event.Signal[struct{}]
	errSig   event.Signal[error]
}

// New returns an unconnected stream.
func New(sched eventloop.Scheduler, remote string) *Stream {
	return &Stream{sched: sched, remote: remote}
}

// NewConnected returns a stream that is already established.
func NewConnected(sched eventloop.Scheduler, remote string) *Stream {
	s := New(sched, remote)
	s.connected = true
	return s
}

// Pair links two established streams: bytes written to one arrive on the
// other.
func Pair(sched eventloop.Scheduler) (*Stream, *Stream) {
	a := NewConnected(sched, "pipe-b")
	b := NewConnected(sched, "pipe-a")
	a.peer = b
	b.peer = a
	return a, b
}

func (s *Stream) Peek(limit int) []byte {
	if limit > len(s.recv) {
		limit = len(s.recv)
	}
	return s.recv[:limit]
}

func (s *Stream) Discard(n int) {
	if n > len(s.recv) {
		n = len(s.recv)
	}
	s.recv = s.recv[n:]
}

func (s *Stream) Buffered() int {
	return len(s.recv)
}

func (s *Stream) Write(p []byte) error {
	if s.WriteErr != nil {
		return s.WriteErr
	}
	if !s.connected {
		return ErrClosed
	}
	s.written = append(s.written, p...)
	if s.HoldWrites {
		s.unflushed += len(p)
	}
	if s.peer != nil && s.peer.connected {
		s.peer.Feed(p)
	}
	return nil
}

func (s *Stream) Unflushed() int {
	return s.unflushed
}

// SetUnflushed overrides the unsent byte count.
func (s *Stream) SetUnflushed(n int) {
	s.unflushed = n
}

func (s *Stream) Connected() bool {
	return s.connected
}

func (s *Stream) Readable() *event.Signal[struct{}] {
	return &s.readable
}

func (s *Stream) OnConnected() *event.Signal[struct{}] {
	return &s.connSig
}

func (s *Stream) OnError() *event.Signal[error] {
	return &s.errSig
}

func (s *Stream) RemoteAddr() string {
	return s.remote
}

// Dial records the address; CompleteDial finishes it.
func (s *Stream) Dial(addr string) {
	s.DialedAddr = addr
	s.Dials++
}

// CompleteDial marks the stream established and fires OnConnected.
func (s *Stream) CompleteDial() {
	s.connected = true
	s.sched.Post(func() { s.connSig.Emit(struct{}{}) })
}

// Fail drops the link and reports err on the loop.
func (s *Stream) Fail(err error) {
	s.connected = false
	s.sched.Post(func() { s.errSig.Emit(err) })
}

func (s *Stream) Close() error {
	s.Closes++
	s.connected = false
	s.recv = nil
	s.unflushed = 0
	return nil
}

// Feed delivers p as received bytes.
func (s *Stream) Feed(p []byte) {
	buf := make([]byte, len(p))
	copy(buf, p)
	s.sched.Post(func() {
		if !s.connected {
			return
		}
		s.recv = append(s.recv, buf...)
		s.readable.Emit(struct{}{})
	})
}

// FeedMessage encodes msg and feeds it.
func (s *Stream) FeedMessage(msg protocol.Message) {
	buf, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}
	s.Feed(buf)
}

// Written returns every byte accepted by Write.
func (s *Stream) Written() []byte {
	return s.written
}

// Sent parses everything written so far.
func (s *Stream) Sent() []protocol.Message {
	var out []protocol.Message
	buf := s.written
	for len(buf) > 0 {
		msg, n, err := protocol.TryParse(buf)
		if err != nil {
			break
		}
		out = append(out, msg)
		buf = buf[n:]
	}
	return out
}

// SentOfType filters Sent by type.
func (s *Stream) SentOfType(t protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, msg := range s.Sent() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// ResetWritten forgets recorded output.
func (s *Stream) ResetWritten() {
	s.written = nil
}
