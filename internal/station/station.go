// Package station wires the protocol core into a running peer: the TCP
// listener, configured outbound peers, the media pump and metrics.
package station

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/flydragon/internal/connection"
	"github.com/danmuck/flydragon/internal/event"
	"github.com/danmuck/flydragon/internal/eventloop"
	"github.com/danmuck/flydragon/internal/observability"
	"github.com/danmuck/flydragon/internal/protocol"
	"github.com/danmuck/flydragon/internal/source"
	"github.com/danmuck/flydragon/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrNotRunning = errors.New("station: not running")

const shutdownGrace = 50 * time.Millisecond

type caller interface {
	Call(ctx context.Context, fn func()) error
}

// Station owns one connection registry and everything that feeds it.
type Station struct {
	cfg      Config
	sched    eventloop.Scheduler
	calls    caller
	loop     *eventloop.Loop
	registry *connection.Manager
	src      source.Source
	rng      *rand.Rand
	appeared time.Time

	peerByConn map[uint64]PeerConfig
	attempts   map[string]int
	redials    map[string]eventloop.Timer
	perConn    map[uint64]*event.Group
	timers     []eventloop.Timer
	latest     *protocol.Image
	running    bool

	registrySubs event.Group
	events       event.Signal[Event]
}

// New builds a station on its own event loop.
func New(cfg Config) (*Station, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src, err := source.NewPattern(cfg.FrameWidth, cfg.FrameHeight)
	if err != nil {
		return nil, err
	}
	loop := eventloop.New()
	connCfg := cfg.Listener.Conn
	s := newStation(cfg, loop, src, func() connection.Transport {
		return transport.New(loop, connCfg)
	})
	s.loop = loop
	return s, nil
}

func newStation(cfg Config, sched eventloop.Scheduler, src source.Source, newTransport func() connection.Transport) *Station {
	calls, _ := sched.(caller)
	return &Station{
		calls: calls,
		cfg:   cfg,
		sched: sched,
		src:   src,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		registry: connection.NewManager(sched, connection.ManagerConfig{
			Session:      cfg.Session,
			NewTransport: newTransport,
		}),
		appeared:   time.Now(),
		peerByConn: make(map[uint64]PeerConfig),
		attempts:   make(map[string]int),
		redials:    make(map[string]eventloop.Timer),
		perConn:    make(map[uint64]*event.Group),
	}
}

func (s *Station) Name() string {
	return s.cfg.Name
}

func (s *Station) Appeared() time.Time {
	return s.appeared
}

// Registry is only safe to use on the loop goroutine.
func (s *Station) Registry() *connection.Manager {
	return s.registry
}

// Run serves until ctx is cancelled, then disconnects every peer.
func (s *Station) Run(ctx context.Context) error {
	if s.loop == nil {
		return fmt.Errorf("%w: no event loop", ErrNotRunning)
	}
	var ln *transport.Listener
	if addr := strings.TrimSpace(s.cfg.ListenAddr); addr != "" {
		var err error
		ln, err = transport.Listen(addr, s.loop, s.cfg.Listener)
		if err != nil {
			return err
		}
		ln.Accepted.Connect(s.accept)
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer func() {
		stopLoop()
		<-s.loop.Done()
	}()
	go func() { _ = s.loop.Run(loopCtx) }()

	if err := s.loop.Call(ctx, s.start); err != nil {
		if ln != nil {
			_ = ln.Close()
		}
		return err
	}

	serveErr := make(chan error, 1)
	if ln != nil {
		go func() { serveErr <- ln.Serve(ctx) }()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	if ln != nil {
		_ = ln.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if cerr := s.loop.Call(shutdownCtx, s.stop); cerr != nil {
		log.Warn().Msgf("station.Station shutdown err=%v", cerr)
	}
	// queued disconnect commands are flushed by the transport writers
	time.Sleep(shutdownGrace)
	return err
}

// start runs on the loop.
func (s *Station) start() {
	if s.running {
		return
	}
	s.running = true
	s.registrySubs.Add(s.registry.Added.Connect(s.onAdded))
	s.registrySubs.Add(s.registry.Removed.Connect(s.onRemoved))
	s.registrySubs.Add(s.registry.StateChanged.Connect(s.onStateChanged))
	s.registrySubs.Add(s.registry.FixationReceived.Connect(func(ev connection.FixationEvent) {
		f := ev.Fixation
		s.publish(Event{Kind: EventFixation, ID: ev.ID, Fixation: &f})
	}))
	s.registrySubs.Add(s.registry.IconReceived.Connect(func(ev connection.MediaEvent) {
		s.publish(Event{Kind: EventIcon, ID: ev.ID, Width: ev.Image.Width, Height: ev.Image.Height})
	}))

	if s.cfg.IconInterval > 0 {
		s.timers = append(s.timers, s.sched.Every(s.cfg.IconInterval, s.pumpIcon))
	}
	if s.cfg.FrameInterval > 0 {
		s.timers = append(s.timers, s.sched.Every(s.cfg.FrameInterval, s.pumpFrame))
	}
	for _, peer := range s.cfg.Peers {
		s.dialPeer(peer)
	}
	s.updateGauge()
	log.Info().Msgf("station.Station started name=%q listen=%q peers=%d", s.cfg.Name, s.cfg.ListenAddr, len(s.cfg.Peers))
}

// stop runs on the loop.
func (s *Station) stop() {
	if !s.running {
		return
	}
	s.running = false
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	for addr, t := range s.redials {
		t.Stop()
		delete(s.redials, addr)
	}
	s.registry.Close()
	s.registrySubs.CancelAll()
	log.Info().Msgf("station.Station stopped name=%q", s.cfg.Name)
}

func (s *Station) accept(t *transport.Conn) {
	if !s.running {
		_ = t.Close()
		return
	}
	if _, err := s.registry.AcceptConnection(t); err != nil {
		log.Warn().Msgf("station.Station accept remote=%q err=%v", t.RemoteAddr(), err)
	}
}

func (s *Station) dialPeer(peer PeerConfig) {
	c, err := s.registry.ConnectToServer(peer.Name, peer.Addr)
	if err != nil {
		log.Warn().Msgf("station.Station dial peer=%q addr=%q err=%v", peer.Name, peer.Addr, err)
		s.scheduleRedial(peer)
		return
	}
	s.peerByConn[c.ID()] = peer
}

func (s *Station) scheduleRedial(peer PeerConfig) {
	if !s.running || !s.cfg.Redial {
		return
	}
	if _, pending := s.redials[peer.Addr]; pending {
		return
	}
	s.attempts[peer.Addr]++
	attempt := s.attempts[peer.Addr]
	delay := nextRedialDelay(s.cfg, attempt, s.rng)
	log.Debug().Msgf("station.Station redial peer=%q addr=%q attempt=%d delay=%s", peer.Name, peer.Addr, attempt, delay)
	s.redials[peer.Addr] = s.sched.After(delay, func() {
		delete(s.redials, peer.Addr)
		if s.running {
			s.dialPeer(peer)
		}
	})
}

func (s *Station) onAdded(c *connection.Connection) {
	group := &event.Group{}
	s.perConn[c.ID()] = group
	s.observe(c, group)
	info := c.Snapshot()
	s.publish(Event{Kind: EventAdded, ID: c.ID(), Info: &info})
	s.updateGauge()
}

func (s *Station) onRemoved(id uint64) {
	if group, ok := s.perConn[id]; ok {
		group.CancelAll()
		delete(s.perConn, id)
	}
	s.publish(Event{Kind: EventRemoved, ID: id})
	s.updateGauge()
	if peer, ok := s.peerByConn[id]; ok {
		delete(s.peerByConn, id)
		s.scheduleRedial(peer)
	}
}

func (s *Station) onStateChanged(sc connection.StateChange) {
	c, err := s.registry.Find(sc.ID)
	if err != nil {
		return
	}
	if sc.State == connection.StateConnected {
		if peer, ok := s.peerByConn[sc.ID]; ok {
			s.attempts[peer.Addr] = 0
		}
	}
	info := c.Snapshot()
	s.publish(Event{Kind: EventState, ID: sc.ID, Info: &info})
	s.updateGauge()
}

func (s *Station) pumpFrame() {
	frame, err := s.src.Next()
	if err != nil {
		log.Warn().Msgf("station.Station frame source err=%v", err)
		return
	}
	s.latest = &frame
	s.registry.BroadcastFrame(frame)
}

func (s *Station) pumpIcon() {
	if s.latest == nil {
		frame, err := s.src.Next()
		if err != nil {
			log.Warn().Msgf("station.Station icon source err=%v", err)
			return
		}
		s.latest = &frame
	}
	icon, err := source.Icon(*s.latest)
	if err != nil {
		log.Warn().Msgf("station.Station icon scale err=%v", err)
		return
	}
	s.registry.BroadcastIcon(icon)
}

func (s *Station) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.sched.Now()
	}
	s.events.Emit(ev)
}

func (s *Station) updateGauge() {
	counts := s.registry.CountByState()
	byState := map[string]int{
		connection.StateDisconnected.String(): counts[connection.StateDisconnected],
		connection.StateConnecting.String():   counts[connection.StateConnecting],
		connection.StateHandshaking.String():  counts[connection.StateHandshaking],
		connection.StateConnected.String():    counts[connection.StateConnected],
	}
	observability.SetConnections(s.cfg.Name, byState)
}
