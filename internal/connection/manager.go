package connection

import (
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/flydragon/internal/event"
	"github.com/danmuck/flydragon/internal/eventloop"
	"github.com/danmuck/flydragon/internal/protocol"
	"github.com/danmuck/flydragon/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateID    = errors.New("connection: duplicate id")
	ErrDialerRequired = errors.New("connection: transport factory required")
	ErrRegistryClosed = errors.New("connection: registry closed")
)

// StateChange reports a state or flag change on one registered connection.
type StateChange struct {
	ID    uint64 `json:"id"`
	State State  `json:"state"`
}

// MediaEvent carries an icon or frame received from one connection.
type MediaEvent struct {
	ID    uint64
	Image protocol.Image
}

type FixationEvent struct {
	ID       uint64            `json:"id"`
	Fixation protocol.Fixation `json:"fixation"`
}

// ManagerConfig configures the registry.
type ManagerConfig struct {
	Session session.Config
	// NewTransport builds the socket for outbound connections.
	NewTransport func() Transport
}

type entry struct {
	conn *Connection
	subs event.Group
}

// Manager is the registry of live connections. All methods run on the
// loop goroutine.
type Manager struct {
	sched  eventloop.Scheduler
	cfg    ManagerConfig
	nextID uint64
	conns  map[uint64]*entry
	closed bool

	Added            event.Signal[*Connection]
	Removed          event.Signal[uint64]
	StateChanged     event.Signal[StateChange]
	IconReceived     event.Signal[MediaEvent]
	FrameReceived    event.Signal[MediaEvent]
	FixationReceived event.Signal[FixationEvent]
}

func NewManager(sched eventloop.Scheduler, cfg ManagerConfig) *Manager {
	return &Manager{
		sched: sched,
		cfg:   cfg,
		conns: make(map[uint64]*entry),
	}
}

// NewID returns a fresh id. Ids start at 1 and are never reused.
func (m *Manager) NewID() uint64 {
	m.nextID++
	return m.nextID
}

// Add registers c and subscribes the registry's removal policy to it.
func (m *Manager) Add(c *Connection) error {
	if m.closed {
		return ErrRegistryClosed
	}
	if _, ok := m.conns[c.ID()]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, c.ID())
	}
	e := &entry{conn: c}
	id := c.ID()
	e.subs.Add(c.StateChanged.Connect(func(s State) {
		m.StateChanged.Emit(StateChange{ID: id, State: s})
		if s == StateDisconnected {
			m.removeLater(id, "disconnected")
		}
	}))
	e.subs.Add(c.Failed.Connect(func(err error) {
		m.removeLater(id, err.Error())
	}))
	e.subs.Add(c.ProtocolError.Connect(func(err error) {
		if c.State() != StateConnected {
			m.removeLater(id, err.Error())
		}
	}))
	e.subs.Add(c.IconReceived.Connect(func(img protocol.Image) {
		m.IconReceived.Emit(MediaEvent{ID: id, Image: img})
	}))
	e.subs.Add(c.FrameReceived.Connect(func(img protocol.Image) {
		m.FrameReceived.Emit(MediaEvent{ID: id, Image: img})
	}))
	e.subs.Add(c.FixationReceived.Connect(func(f protocol.Fixation) {
		m.FixationReceived.Emit(FixationEvent{ID: id, Fixation: f})
	}))
	m.conns[id] = e
	log.Info().Msgf("connection.Manager added id=%d name=%q origin=%s total=%d", id, c.Name(), c.Origin(), len(m.conns))
	m.Added.Emit(c)
	return nil
}

// Remove unregisters id at once. The connection itself is released on the
// next loop tick so handlers already running against it finish first.
func (m *Manager) Remove(id uint64) error {
	e, ok := m.conns[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(m.conns, id)
	e.subs.CancelAll()
	log.Info().Msgf("connection.Manager removed id=%d name=%q total=%d", id, e.conn.Name(), len(m.conns))
	m.Removed.Emit(id)
	if !m.sched.Post(e.conn.release) {
		e.conn.release()
	}
	return nil
}

func (m *Manager) removeLater(id uint64, reason string) {
	m.sched.Post(func() {
		if _, ok := m.conns[id]; !ok {
			return
		}
		log.Debug().Msgf("connection.Manager removing id=%d reason=%q", id, reason)
		_ = m.Remove(id)
	})
}

func (m *Manager) Find(id uint64) (*Connection, error) {
	e, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e.conn, nil
}

func (m *Manager) Total() int {
	return len(m.conns)
}

// List returns the registered connections ordered by id.
func (m *Manager) List() []*Connection {
	out := make([]*Connection, 0, len(m.conns))
	for _, e := range m.conns {
		out = append(out, e.conn)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (m *Manager) Snapshots() []Info {
	conns := m.List()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Snapshot())
	}
	return out
}

// CountByState tallies registered connections per state.
func (m *Manager) CountByState() map[State]int {
	out := make(map[State]int, 4)
	for _, e := range m.conns {
		out[e.conn.State()]++
	}
	return out
}

// BroadcastIcon sends icon to every connected peer and returns how many
// were offered it.
func (m *Manager) BroadcastIcon(icon protocol.Image) int {
	return m.broadcast(func(c *Connection) bool {
		return c.State() == StateConnected
	}, func(c *Connection) error {
		return c.SendIcon(icon)
	})
}

// BroadcastFrame sends frame to connected peers that asked to stream.
func (m *Manager) BroadcastFrame(frame protocol.Image) int {
	return m.broadcast(func(c *Connection) bool {
		return c.State() == StateConnected && c.Streaming()
	}, func(c *Connection) error {
		return c.SendFrame(frame)
	})
}

func (m *Manager) broadcast(eligible func(*Connection) bool, send func(*Connection) error) int {
	sent := 0
	for _, c := range m.List() {
		if _, ok := m.conns[c.ID()]; !ok || !eligible(c) {
			continue
		}
		if err := send(c); err != nil {
			log.Debug().Msgf("connection.Manager broadcast id=%d err=%v", c.ID(), err)
			continue
		}
		sent++
	}
	return sent
}

// ConnectToServer registers a client connection and dials addr.
func (m *Manager) ConnectToServer(name, addr string) (*Connection, error) {
	if m.cfg.NewTransport == nil {
		return nil, ErrDialerRequired
	}
	c, err := NewClient(m.NewID(), name, addr, m.cfg.NewTransport(), m.sched, m.cfg.Session)
	if err != nil {
		return nil, err
	}
	if err := m.Add(c); err != nil {
		c.release()
		return nil, err
	}
	if err := c.Connect(); err != nil {
		_ = m.Remove(c.ID())
		return nil, err
	}
	return c, nil
}

// AcceptConnection registers an inbound transport; the handshake starts
// immediately.
func (m *Manager) AcceptConnection(t Transport) (*Connection, error) {
	c, err := NewServer(m.NewID(), t, m.sched, m.cfg.Session)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := m.Add(c); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

// Close removes every connection and refuses further additions.
func (m *Manager) Close() {
	for _, c := range m.List() {
		_ = m.Remove(c.ID())
	}
	m.closed = true
}
