package transport

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/danmuck/flydragon/internal/event"
	"github.com/danmuck/flydragon/internal/eventloop"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ListenerConfig bounds how fast inbound peers are admitted.
type ListenerConfig struct {
	Conn        Config
	AcceptRate  float64
	AcceptBurst int
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Conn:        DefaultConfig(),
		AcceptRate:  20,
		AcceptBurst: 10,
	}
}

// Listener accepts TCP peers and hands each one to the loop as a Conn.
type Listener struct {
	sched   eventloop.Scheduler
	cfg     ListenerConfig
	ln      net.Listener
	limiter *rate.Limiter

	Accepted event.Signal[*Conn]
}

func Listen(addr string, sched eventloop.Scheduler, cfg ListenerConfig) (*Listener, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrAddressRequired
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	burst := cfg.AcceptBurst
	if burst <= 0 {
		burst = 1
	}
	return &Listener{
		sched:   sched,
		cfg:     cfg,
		ln:      ln,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts until ctx is cancelled or the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	log.Info().Msgf("transport.Listener listening addr=%q", l.ln.Addr().String())
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := NewAccepted(l.sched, conn, l.cfg.Conn)
		if !l.sched.Post(func() { l.Accepted.Emit(c) }) {
			_ = c.Close()
		}
	}
}
