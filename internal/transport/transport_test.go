package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/flydragon/internal/eventloop"
	"github.com/danmuck/flydragon/internal/testutil/testlog"
)

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func onLoop(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Call(ctx, fn); err != nil {
		t.Fatalf("loop call: %v", err)
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for transport error")
		return nil
	}
}

func TestClassify(t *testing.T) {
	testlog.Start(t)
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	cases := []struct {
		in   error
		want error
	}{
		{in: io.EOF, want: ErrRemoteClosed},
		{in: fmt.Errorf("read: %w", syscall.ECONNRESET), want: ErrRemoteClosed},
		{in: &net.DNSError{Name: "nowhere.invalid", Err: "no such host", IsNotFound: true}, want: ErrHostNotFound},
		{in: refused, want: ErrConnectionRefused},
	}
	for _, tc := range cases {
		if got := Classify(tc.in); !errors.Is(got, tc.want) {
			t.Fatalf("classify(%v)=%v want %v", tc.in, got, tc.want)
		}
	}
	other := Classify(errors.New("boom"))
	if errors.Is(other, ErrRemoteClosed) || errors.Is(other, ErrHostNotFound) || errors.Is(other, ErrConnectionRefused) {
		t.Fatalf("unexpected classification: %v", other)
	}
	if Classify(nil) != nil {
		t.Fatalf("nil classified as error")
	}
}

func TestDialAndExchange(t *testing.T) {
	testlog.Start(t)
	loop := startLoop(t)
	ln, err := Listen("127.0.0.1:0", loop, DefaultListenerConfig())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ln.Serve(ctx) }()

	accepted := make(chan *Conn, 1)
	ln.Accepted.Connect(func(c *Conn) { accepted <- c })

	client := New(loop, DefaultConfig())
	connected := make(chan struct{}, 1)
	client.OnConnected().Connect(func(struct{}) { connected <- struct{}{} })
	onLoop(t, loop, func() { client.Dial(ln.Addr().String()) })

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatalf("dial did not complete")
	}
	var server *Conn
	select {
	case server = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatalf("no accepted conn")
	}

	payload := bytes.Repeat([]byte("dragon"), 4096)
	got := make(chan []byte, 1)
	server.Readable().Connect(func(struct{}) {
		if server.Buffered() >= len(payload) {
			buf := append([]byte(nil), server.Peek(len(payload))...)
			server.Discard(len(buf))
			got <- buf
		}
	})
	onLoop(t, loop, func() {
		if err := client.Write(payload); err != nil {
			t.Errorf("write: %v", err)
		}
	})

	select {
	case buf := <-got:
		if !bytes.Equal(buf, payload) {
			t.Fatalf("payload mismatch len=%d", len(buf))
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never saw payload")
	}

	deadline := time.Now().Add(2 * time.Second)
	for client.Unflushed() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("unflushed stuck at %d", client.Unflushed())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if client.Stats().BytesOut != uint64(len(payload)) {
		t.Fatalf("bytes out=%d", client.Stats().BytesOut)
	}
}

func TestDialRefused(t *testing.T) {
	testlog.Start(t)
	loop := startLoop(t)
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := probe.Addr().String()
	_ = probe.Close()

	c := New(loop, DefaultConfig())
	errs := make(chan error, 1)
	c.OnError().Connect(func(err error) { errs <- err })
	onLoop(t, loop, func() { c.Dial(addr) })

	if err := waitErr(t, errs); !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("expected refused, got %v", err)
	}
	if c.Connected() {
		t.Fatalf("conn reports connected after failure")
	}
}

func TestRemoteCloseReported(t *testing.T) {
	testlog.Start(t)
	loop := startLoop(t)
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer raw.Close()
	go func() {
		conn, err := raw.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}()

	c := New(loop, DefaultConfig())
	errs := make(chan error, 1)
	c.OnError().Connect(func(err error) { errs <- err })
	onLoop(t, loop, func() { c.Dial(raw.Addr().String()) })

	if err := waitErr(t, errs); !errors.Is(err, ErrRemoteClosed) {
		t.Fatalf("expected remote closed, got %v", err)
	}
}

func TestCloseDiscardsState(t *testing.T) {
	testlog.Start(t)
	loop := startLoop(t)
	local, remote := net.Pipe()
	defer remote.Close()

	c := NewAccepted(loop, local, DefaultConfig())
	readable := make(chan struct{}, 1)
	c.Readable().Connect(func(struct{}) {
		select {
		case readable <- struct{}{}:
		default:
		}
	})
	errs := make(chan error, 1)
	c.OnError().Connect(func(err error) { errs <- err })

	go func() { _, _ = remote.Write([]byte("partial")) }()
	select {
	case <-readable:
	case <-time.After(3 * time.Second):
		t.Fatalf("no readable signal")
	}

	onLoop(t, loop, func() {
		if err := c.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
		if c.Buffered() != 0 || c.Connected() {
			t.Errorf("close left buffered=%d connected=%v", c.Buffered(), c.Connected())
		}
		if err := c.Write([]byte("x")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("write after close: %v", err)
		}
	})

	select {
	case err := <-errs:
		t.Fatalf("local close reported error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
