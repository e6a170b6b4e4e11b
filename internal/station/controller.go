package station

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/flydragon/internal/connection"
	"github.com/danmuck/flydragon/internal/protocol"
)

// The methods in this file are safe to call from any goroutine; each one
// runs its body on the station's loop.

func (s *Station) call(ctx context.Context, fn func()) error {
	if s.calls == nil {
		return ErrNotRunning
	}
	return s.calls.Call(ctx, fn)
}

func (s *Station) Connections(ctx context.Context) ([]connection.Info, error) {
	var out []connection.Info
	if err := s.call(ctx, func() { out = s.registry.Snapshots() }); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Station) Connection(ctx context.Context, id uint64) (connection.Info, error) {
	var (
		info connection.Info
		err  error
	)
	if cerr := s.call(ctx, func() {
		var c *connection.Connection
		c, err = s.registry.Find(id)
		if err == nil {
			info = c.Snapshot()
		}
	}); cerr != nil {
		return connection.Info{}, cerr
	}
	return info, err
}

// Connect dials addr as a one-off peer. It is not re-dialed when it drops.
func (s *Station) Connect(ctx context.Context, name, addr string) (connection.Info, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return connection.Info{}, connection.ErrAddressRequired
	}
	var (
		info connection.Info
		err  error
	)
	if cerr := s.call(ctx, func() {
		if !s.running {
			err = ErrNotRunning
			return
		}
		var c *connection.Connection
		c, err = s.registry.ConnectToServer(name, addr)
		if err == nil {
			info = c.Snapshot()
		}
	}); cerr != nil {
		return connection.Info{}, cerr
	}
	return info, err
}

// Disconnect closes id and forgets it as a configured peer.
func (s *Station) Disconnect(ctx context.Context, id uint64) error {
	var err error
	if cerr := s.call(ctx, func() {
		var c *connection.Connection
		c, err = s.registry.Find(id)
		if err != nil {
			return
		}
		delete(s.peerByConn, id)
		if c.State() == connection.StateDisconnected {
			err = s.registry.Remove(id)
			return
		}
		c.Disconnect()
	}); cerr != nil {
		return cerr
	}
	return err
}

// RequestStream asks peer id to start or stop sending frames.
func (s *Station) RequestStream(ctx context.Context, id uint64, on bool) error {
	return s.withConnection(ctx, id, func(c *connection.Connection) error {
		return c.SendStreamCommand(on)
	})
}

func (s *Station) RequestFoveate(ctx context.Context, id uint64, on bool) error {
	return s.withConnection(ctx, id, func(c *connection.Connection) error {
		return c.SendFoveateCommand(on)
	})
}

func (s *Station) SendFixation(ctx context.Context, id uint64, f protocol.Fixation) error {
	if f.Radius < 0 {
		return fmt.Errorf("%w: radius=%d", ErrInvalidFixation, f.Radius)
	}
	return s.withConnection(ctx, id, func(c *connection.Connection) error {
		return c.SendFixation(f)
	})
}

// SubscribeEvents calls fn on the loop goroutine for every station event.
// fn must not block. The returned func cancels the subscription.
func (s *Station) SubscribeEvents(ctx context.Context, fn func(Event)) (func(), error) {
	var cancel func()
	if err := s.call(ctx, func() {
		sub := s.events.Connect(fn)
		cancel = func() {
			_ = s.call(context.Background(), sub.Cancel)
		}
	}); err != nil {
		return nil, err
	}
	return cancel, nil
}

func (s *Station) withConnection(ctx context.Context, id uint64, fn func(*connection.Connection) error) error {
	var err error
	if cerr := s.call(ctx, func() {
		var c *connection.Connection
		c, err = s.registry.Find(id)
		if err == nil {
			err = fn(c)
		}
	}); cerr != nil {
		return cerr
	}
	return err
}
