package connection

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/flydragon/internal/event"
	"github.com/danmuck/flydragon/internal/eventloop"
	"github.com/danmuck/flydragon/internal/protocol"
	"github.com/danmuck/flydragon/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound          = errors.New("connection: not found")
	ErrAlreadyActive     = errors.New("connection: already active")
	ErrNotConnected      = errors.New("connection: not connected")
	ErrAddressRequired   = errors.New("connection: address required")
	ErrTransportRequired = errors.New("connection: transport required")
)

// Transport is the socket a Connection owns.
type Transport interface {
	session.Stream
	Dial(addr string)
	Close() error
	OnConnected() *event.Signal[struct{}]
	OnError() *event.Signal[error]
	RemoteAddr() string
}

// Info is a point-in-time view of a Connection.
type Info struct {
	ID          uint64            `json:"id"`
	Name        string            `json:"name"`
	Origin      Origin            `json:"origin"`
	State       State             `json:"state"`
	RemoteAddr  string            `json:"remote_addr"`
	Streaming   bool              `json:"streaming"`
	Foveated    bool              `json:"foveated"`
	Fixation    protocol.Fixation `json:"fixation"`
	LatencyMS   float64           `json:"latency_ms"`
	PendingAcks int               `json:"pending_acks"`
	ConnectedAt time.Time         `json:"connected_at,omitzero"`
}

// Connection drives one peer through Connecting, Handshaking and Connected
// on top of a session.Manager.
type Connection struct {
	id        uint64
	name      string
	addr      string
	origin    Origin
	transport Transport
	session   *session.Manager
	sched     eventloop.Scheduler

	state       State
	streaming   bool
	foveated    bool
	fixation    protocol.Fixation
	connectedAt time.Time
	released    bool

	base        event.Group
	dial        event.Group
	handshaking event.Group
	connected   event.Group

	StateChanged     event.Signal[State]
	IconReceived     event.Signal[protocol.Image]
	FrameReceived    event.Signal[protocol.Image]
	FixationReceived event.Signal[protocol.Fixation]
	Failed           event.Signal[error]
	ProtocolError    event.Signal[error]
}

// NewServer wraps an accepted transport and starts the handshake at once.
func NewServer(id uint64, t Transport, sched eventloop.Scheduler, cfg session.Config) (*Connection, error) {
	c, err := newConnection(id, t.RemoteAddr(), OriginServer, t, sched, cfg)
	if err != nil {
		return nil, err
	}
	c.state = StateConnecting
	c.enterHandshaking()
	return c, nil
}

// NewClient prepares an outbound connection to addr. Nothing is dialed
// until Connect.
func NewClient(id uint64, name, addr string, t Transport, sched eventloop.Scheduler, cfg session.Config) (*Connection, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(name) == "" {
		name = addr
	}
	c, err := newConnection(id, name, OriginClient, t, sched, cfg)
	if err != nil {
		return nil, err
	}
	c.addr = addr
	c.armDial()
	return c, nil
}

func newConnection(id uint64, name string, origin Origin, t Transport, sched eventloop.Scheduler, cfg session.Config) (*Connection, error) {
	if t == nil {
		return nil, ErrTransportRequired
	}
	m, err := session.NewManager(t, sched, cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		id:        id,
		name:      name,
		origin:    origin,
		transport: t,
		session:   m,
		sched:     sched,
		state:     StateDisconnected,
	}
	c.base.Add(t.OnError().Connect(c.onTransportError))
	c.base.Add(m.Error.Connect(c.onProtocolError))
	c.base.Add(m.DisconnectReceived.Connect(func(struct{}) {
		log.Info().Msgf("connection.Connection disconnect received id=%d name=%q", c.id, c.name)
		c.teardown()
	}))
	return c, nil
}

func (c *Connection) ID() uint64 { return c.id }
func (c *Connection) Name() string { return c.name }
func (c *Connection) Origin() Origin { return c.origin }
func (c *Connection) State() State { return c.state }
func (c *Connection) Streaming() bool { return c.streaming }
func (c *Connection) Foveated() bool { return c.foveated }
func (c *Connection) Fixation() protocol.Fixation { return c.fixation }

// Session exposes the underlying message manager for observers.
func (c *Connection) Session() *session.Manager {
	return c.session
}

// Latency is the latest acknowledgement round trip.
func (c *Connection) Latency() time.Duration {
	return c.session.Latency()
}

func (c *Connection) Snapshot() Info {
	return Info{
		ID:          c.id,
		Name:        c.name,
		Origin:      c.origin,
		State:       c.state,
		RemoteAddr:  c.transport.RemoteAddr(),
		Streaming:   c.streaming,
		Foveated:    c.foveated,
		Fixation:    c.fixation,
		LatencyMS:   float64(c.session.Latency()) / float64(time.Millisecond),
		PendingAcks: len(c.session.PendingAcks()),
		ConnectedAt: c.connectedAt,
	}
}

// Connect dials the configured address. It is only valid for client
// connections that are not already active.
func (c *Connection) Connect() error {
	if c.released {
		return session.ErrManagerClosed
	}
	if c.addr == "" {
		return ErrAddressRequired
	}
	if c.state != StateDisconnected {
		return fmt.Errorf("%w: state=%s", ErrAlreadyActive, c.state)
	}
	c.setState(StateConnecting)
	c.transport.Dial(c.addr)
	return nil
}

// Disconnect tells the peer and tears the link down.
func (c *Connection) Disconnect() {
	if c.state == StateDisconnected {
		return
	}
	if c.transport.Connected() {
		if err := c.session.SendDisconnectCommand(); err != nil {
			log.Debug().Msgf("connection.Connection disconnect send id=%d err=%v", c.id, err)
		}
	}
	c.teardown()
}

// SetStreaming updates the local flag and notifies observers.
func (c *Connection) SetStreaming(v bool) {
	if c.streaming == v {
		return
	}
	c.streaming = v
	c.StateChanged.Emit(c.state)
}

func (c *Connection) SetFoveated(v bool) {
	if c.foveated == v {
		return
	}
	c.foveated = v
	c.StateChanged.Emit(c.state)
}

func (c *Connection) SendStreamCommand(v bool) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	return c.session.SendStreamCommand(v)
}

func (c *Connection) SendFoveateCommand(v bool) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	return c.session.SendFoveateCommand(v)
}

func (c *Connection) SendFixation(f protocol.Fixation) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	return c.session.SendFixation(f)
}

func (c *Connection) SendText(text []byte) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	return c.session.SendText(text)
}

func (c *Connection) SendIcon(icon protocol.Image) error {
	return c.session.SendIcon(icon)
}

func (c *Connection) SendFrame(frame protocol.Image) error {
	return c.session.SendFrame(frame)
}

// release drops every subscription and stops the session for good.
func (c *Connection) release() {
	if c.released {
		return
	}
	c.Disconnect()
	c.released = true
	c.dial.CancelAll()
	c.base.CancelAll()
	c.session.Close()
}

func (c *Connection) armDial() {
	c.dial.CancelAll()
	c.dial.Add(c.transport.OnConnected().Connect(func(struct{}) {
		c.dial.CancelAll()
		c.enterHandshaking()
	}))
}

func (c *Connection) enterHandshaking() {
	c.session.Reset()
	c.setState(StateHandshaking)
	c.handshaking.Add(c.session.HandshakeReceived.Connect(func(struct{}) {
		c.enterConnected()
	}))
	if err := c.session.SendHandshake(); err != nil {
		log.Warn().Msgf("connection.Connection handshake send id=%d err=%v", c.id, err)
	}
}

func (c *Connection) enterConnected() {
	c.handshaking.CancelAll()
	c.connectedAt = c.sched.Now()
	c.connected.Add(c.session.StreamCommandReceived.Connect(c.SetStreaming))
	c.connected.Add(c.session.FoveateCommandReceived.Connect(c.SetFoveated))
	c.connected.Add(c.session.IconReceived.Connect(func(img protocol.Image) {
		c.IconReceived.Emit(img)
	}))
	c.connected.Add(c.session.FrameReceived.Connect(func(img protocol.Image) {
		c.FrameReceived.Emit(img)
	}))
	c.connected.Add(c.session.FixationReceived.Connect(func(f protocol.Fixation) {
		c.fixation = f
		c.FixationReceived.Emit(f)
	}))
	c.setState(StateConnected)
	log.Info().Msgf("connection.Connection connected id=%d name=%q origin=%s", c.id, c.name, c.origin)
}

func (c *Connection) teardown() {
	if c.state == StateDisconnected {
		return
	}
	c.handshaking.CancelAll()
	c.connected.CancelAll()
	if err := c.transport.Close(); err != nil {
		log.Debug().Msgf("connection.Connection close id=%d err=%v", c.id, err)
	}
	c.session.Reset()
	c.streaming = false
	c.foveated = false
	c.connectedAt = time.Time{}
	c.setState(StateDisconnected)
	if !c.released {
		c.armDial()
	}
}

func (c *Connection) onTransportError(err error) {
	log.Warn().Msgf("connection.Connection transport id=%d name=%q err=%v", c.id, c.name, err)
	c.teardown()
	c.Failed.Emit(err)
}

func (c *Connection) onProtocolError(err error) {
	log.Warn().Msgf("connection.Connection protocol id=%d name=%q state=%s err=%v", c.id, c.name, c.state, err)
	c.ProtocolError.Emit(err)
	if errors.Is(err, session.ErrStreamStalled) {
		c.Disconnect()
	}
}

// setState panics on an edge the lifecycle does not allow; reaching one is
// a bug in this package, not a peer error.
func (c *Connection) setState(next State) {
	if c.state == next {
		return
	}
	if !canTransition(c.state, next) {
		panic(fmt.Sprintf("connection: invalid transition %s -> %s id=%d", c.state, next, c.id))
	}
	c.state = next
	c.StateChanged.Emit(next)
}
