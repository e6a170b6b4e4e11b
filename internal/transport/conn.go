package transport

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/flydragon/internal/event"
	"github.com/danmuck/flydragon/internal/eventloop"
	"github.com/rs/zerolog/log"
)

// Config tunes socket behavior.
type Config struct {
	ConnectTimeout time.Duration
	ReadChunk      int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		ReadChunk:      64 * 1024,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = def.ReadChunk
	}
	return c
}

const closeFlushTimeout = time.Second

type connState int

const (
	stateIdle connState = iota
	stateDialing
	stateEstablished
)

// Stats are cumulative byte counters for one Conn.
type Stats struct {
	BytesIn   uint64
	BytesOut  uint64
	Unflushed int
}

// Conn is a TCP byte stream bridged onto an event loop.
//
// A reader goroutine appends into the receive buffer and a writer goroutine
// drains the send queue. Neither touches anything else: state changes and
// signals are posted to the loop, so Readable, OnConnected and OnError
// always fire there. Each dial or accept starts a new generation and posts
// from older generations are ignored.
type Conn struct {
	sched eventloop.Scheduler
	cfg   Config

	mu     sync.Mutex
	state  connState
	gen    uint64
	conn   net.Conn
	remote string
	recv   []byte
	queue  [][]byte
	wake   chan struct{}
	quit   chan struct{}

	unflushed atomic.Int64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	notifying atomic.Bool

	readable  event.Signal[struct{}]
	connected event.Signal[struct{}]
	failed    event.Signal[error]
}

// New returns an idle Conn; call Dial to establish it.
func New(sched eventloop.Scheduler, cfg Config) *Conn {
	return &Conn{sched: sched, cfg: cfg.WithDefaults()}
}

// NewAccepted wraps a connection produced by a listener. The Conn is
// established immediately.
func NewAccepted(sched eventloop.Scheduler, conn net.Conn, cfg Config) *Conn {
	c := New(sched, cfg)
	c.mu.Lock()
	c.gen++
	c.remote = conn.RemoteAddr().String()
	c.attachLocked(conn, c.gen)
	c.mu.Unlock()
	return c
}

func (c *Conn) Readable() *event.Signal[struct{}] { return &c.readable }

func (c *Conn) OnConnected() *event.Signal[struct{}] { return &c.connected }

func (c *Conn) OnError() *event.Signal[error] { return &c.failed }

func (c *Conn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateEstablished
}

func (c *Conn) Stats() Stats {
	return Stats{
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
		Unflushed: c.Unflushed(),
	}
}

// Dial starts an asynchronous connect to addr. Success fires OnConnected
// and failure fires OnError, both on the loop.
func (c *Conn) Dial(addr string) {
	addr = strings.TrimSpace(addr)
	c.mu.Lock()
	_ = c.teardownLocked(true)
	c.gen++
	gen := c.gen
	c.remote = addr
	c.state = stateDialing
	timeout := c.cfg.ConnectTimeout
	c.mu.Unlock()

	if addr == "" {
		c.sched.Post(func() { c.fail(gen, ErrAddressRequired) })
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			c.sched.Post(func() { c.fail(gen, Classify(err)) })
			return
		}
		if !c.sched.Post(func() { c.finishDial(gen, conn) }) {
			_ = conn.Close()
		}
	}()
}

func (c *Conn) finishDial(gen uint64, conn net.Conn) {
	c.mu.Lock()
	if c.gen != gen || c.state != stateDialing {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.attachLocked(conn, gen)
	c.mu.Unlock()
	log.Debug().Msgf("transport.Conn connected remote=%q", conn.RemoteAddr().String())
	c.connected.Emit(struct{}{})
}

func (c *Conn) attachLocked(conn net.Conn, gen uint64) {
	c.conn = conn
	c.state = stateEstablished
	c.recv = nil
	c.queue = nil
	c.unflushed.Store(0)
	c.wake = make(chan struct{}, 1)
	c.quit = make(chan struct{})
	go c.readLoop(conn, gen)
	go c.writeLoop(conn, gen, c.wake, c.quit)
}

// Peek returns up to limit buffered bytes. The slice is only valid until
// the next Discard.
func (c *Conn) Peek(limit int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > len(c.recv) {
		limit = len(c.recv)
	}
	return c.recv[:limit:limit]
}

func (c *Conn) Discard(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= len(c.recv) {
		c.recv = nil
		return
	}
	c.recv = c.recv[n:]
}

func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recv)
}

// Write queues p for the writer goroutine and never blocks.
func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateEstablished {
		return ErrNotConnected
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	c.queue = append(c.queue, buf)
	c.unflushed.Add(int64(len(buf)))
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Unflushed reports queued bytes the writer has not handed to the socket.
func (c *Conn) Unflushed() int {
	return int(c.unflushed.Load())
}

// Close drops the socket and every received byte. Writes still queued get
// a short grace period to reach the peer before the socket closes. Close
// does not fire OnError.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.teardownLocked(true)
}

func (c *Conn) teardownLocked(flush bool) error {
	var err error
	if c.quit != nil {
		close(c.quit)
		c.quit = nil
	}
	if c.conn != nil {
		conn := c.conn
		pending := c.queue
		if flush && len(pending) > 0 {
			go flushAndClose(conn, pending)
		} else {
			err = conn.Close()
		}
		c.conn = nil
	}
	c.state = stateIdle
	c.recv = nil
	c.queue = nil
	c.unflushed.Store(0)
	return err
}

func flushAndClose(conn net.Conn, pending [][]byte) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
	for _, buf := range pending {
		if _, err := conn.Write(buf); err != nil {
			return
		}
	}
}

func (c *Conn) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state == stateIdle {
		c.mu.Unlock()
		return
	}
	remote := c.remote
	_ = c.teardownLocked(false)
	c.mu.Unlock()
	log.Debug().Msgf("transport.Conn failed remote=%q err=%v", remote, err)
	c.failed.Emit(err)
}

func (c *Conn) readLoop(conn net.Conn, gen uint64) {
	chunk := make([]byte, c.cfg.ReadChunk)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			live := c.gen == gen
			if live {
				c.recv = append(c.recv, chunk[:n]...)
			}
			c.mu.Unlock()
			if !live {
				return
			}
			c.bytesIn.Add(uint64(n))
			c.notify()
		}
		if err != nil {
			c.sched.Post(func() { c.fail(gen, Classify(err)) })
			return
		}
	}
}

// notify posts at most one pending Readable emit.
func (c *Conn) notify() {
	if !c.notifying.CompareAndSwap(false, true) {
		return
	}
	c.sched.Post(func() {
		c.notifying.Store(false)
		c.mu.Lock()
		live := c.state == stateEstablished && len(c.recv) > 0
		c.mu.Unlock()
		if live {
			c.readable.Emit(struct{}{})
		}
	})
}

func (c *Conn) writeLoop(conn net.Conn, gen uint64, wake <-chan struct{}, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case <-wake:
		}
		for {
			c.mu.Lock()
			if c.gen != gen || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			buf := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			n, err := conn.Write(buf)
			c.bytesOut.Add(uint64(n))
			c.mu.Lock()
			if c.gen == gen {
				c.unflushed.Add(-int64(len(buf)))
			}
			c.mu.Unlock()
			if err != nil {
				c.sched.Post(func() { c.fail(gen, Classify(err)) })
				return
			}
		}
	}
}
