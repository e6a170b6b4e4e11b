package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/flydragon/internal/auth"
	"github.com/danmuck/flydragon/internal/event"
	"github.com/danmuck/flydragon/internal/eventloop"
	"github.com/danmuck/flydragon/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrHandshakeMismatch = errors.New("session: invalid handshake data")
	ErrMalformedPayload  = errors.New("session: malformed payload")
	ErrStreamStalled     = errors.New("session: stream cannot be resynchronized")
	ErrManagerClosed     = errors.New("session: manager closed")
)

// Manager owns the protocol conversation on one Stream.
type Manager struct {
	stream Stream
	sched  eventloop.Scheduler
	cfg    Config

	nextID  uint64
	latency time.Duration
	outbox  *AckOutbox
	tokens  auth.Validator

	keepAlive eventloop.Timer
	readSub   event.Subscription
	stalled   bool
	closed    bool

	Error                  event.Signal[error]
	AckReceived            event.Signal[uint64]
	HandshakeReceived      event.Signal[struct{}]
	StreamCommandReceived  event.Signal[bool]
	FoveateCommandReceived event.Signal[bool]
	DisconnectReceived     event.Signal[struct{}]
	IconReceived           event.Signal[protocol.Image]
	FrameReceived          event.Signal[protocol.Image]
	FixationReceived       event.Signal[protocol.Fixation]
	TextReceived           event.Signal[[]byte]
	Sent                   event.Signal[protocol.Message]
	Received               event.Signal[protocol.Message]
	Dropped                event.Signal[protocol.Message]
}

// NewManager binds to stream and arms the keep-alive timer.
func NewManager(stream Stream, sched eventloop.Scheduler, cfg Config) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		stream: stream,
		sched:  sched,
		cfg:    cfg,
		outbox: NewAckOutbox(cfg.PendingAckLimit),
		tokens: auth.StaticToken{Token: cfg.HandshakeToken},
	}
	m.readSub = stream.Readable().Connect(func(struct{}) { m.TryToRead() })
	m.keepAlive = sched.Every(cfg.KeepAliveInterval, m.sendKeepAlive)
	return m, nil
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Latency is the most recent acknowledgement round trip.
func (m *Manager) Latency() time.Duration {
	return m.latency
}

// PendingAcks lists sent messages still awaiting an ack.
func (m *Manager) PendingAcks() []PendingMessage {
	return m.outbox.List()
}

// NewMessageID returns the next id in this manager's send direction.
func (m *Manager) NewMessageID() uint64 {
	id := m.nextID
	m.nextID++
	return id
}

// Close stops the keep-alive timer and detaches from the stream.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.keepAlive != nil {
		m.keepAlive.Stop()
	}
	if m.readSub != nil {
		m.readSub.Cancel()
	}
	m.outbox.Reset()
}

// Reset clears per-link state so the manager can serve a re-established
// stream.
func (m *Manager) Reset() {
	m.stalled = false
	m.outbox.Reset()
}

func (m *Manager) SendHandshake() error {
	return m.send(protocol.NewHandshake(m.NewMessageID(), m.sched.Now(), m.cfg.HandshakeToken))
}

func (m *Manager) SendStreamCommand(state bool) error {
	return m.send(protocol.NewStreamCommand(m.NewMessageID(), m.sched.Now(), state))
}

func (m *Manager) SendFoveateCommand(state bool) error {
	return m.send(protocol.NewFoveateCommand(m.NewMessageID(), m.sched.Now(), state))
}

func (m *Manager) SendDisconnectCommand() error {
	return m.send(protocol.NewDisconnectCommand(m.NewMessageID(), m.sched.Now()))
}

// SendIcon sends icon unless the stream already holds DropIconLimit unsent
// bytes, in which case the icon is silently dropped.
func (m *Manager) SendIcon(icon protocol.Image) error {
	if m.stream.Unflushed() >= m.cfg.DropIconLimit {
		m.Dropped.Emit(protocol.Message{Type: protocol.TypeIcon})
		return nil
	}
	return m.send(protocol.NewIcon(m.NewMessageID(), m.sched.Now(), icon))
}

// SendFrame is SendIcon with the frame threshold.
func (m *Manager) SendFrame(frame protocol.Image) error {
	if m.stream.Unflushed() >= m.cfg.DropFrameLimit {
		m.Dropped.Emit(protocol.Message{Type: protocol.TypeFrame})
		return nil
	}
	return m.send(protocol.NewFrame(m.NewMessageID(), m.sched.Now(), frame))
}

func (m *Manager) SendFixation(f protocol.Fixation) error {
	return m.send(protocol.NewFixation(m.NewMessageID(), m.sched.Now(), f))
}

func (m *Manager) SendText(text []byte) error {
	return m.send(protocol.NewText(m.NewMessageID(), m.sched.Now(), text))
}

func (m *Manager) sendKeepAlive() {
	if !m.stream.Connected() {
		return
	}
	if err := m.send(protocol.NewKeepAlive(m.NewMessageID(), m.sched.Now())); err != nil {
		log.Debug().Msgf("session.Manager keepalive err=%v", err)
	}
}

func (m *Manager) sendAck(acked protocol.Message) {
	if err := m.send(protocol.NewAck(m.NewMessageID(), m.sched.Now(), acked)); err != nil {
		log.Debug().Msgf("session.Manager ack id=%d err=%v", acked.ID, err)
	}
}

func (m *Manager) send(msg protocol.Message) error {
	if m.closed {
		return ErrManagerClosed
	}
	buf, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := m.stream.Write(buf); err != nil {
		return err
	}
	if msg.Type != protocol.TypeAck {
		m.outbox.Upsert(PendingMessage{ID: msg.ID, Type: msg.Type, SentAt: msg.Timestamp})
	}
	m.Sent.Emit(msg)
	return nil
}

// TryToRead dispatches every complete message buffered on the stream. It
// is safe to call at any time; an incomplete trailing message is left
// untouched until more bytes arrive.
func (m *Manager) TryToRead() {
	for !m.closed && !m.stalled && m.stream.Buffered() > 0 {
		buf := m.stream.Peek(m.cfg.PeekLimit)
		msg, n, err := protocol.TryParse(buf)
		if errors.Is(err, protocol.ErrNeedMoreData) {
			return
		}
		if err != nil {
			m.stalled = true
			m.Error.Emit(fmt.Errorf("%w: %w", ErrStreamStalled, err))
			return
		}
		m.stream.Discard(n)
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg protocol.Message) {
	m.Received.Emit(msg)
	if msg.Type != protocol.TypeAck {
		m.sendAck(msg)
	}

	switch msg.Type {
	case protocol.TypeKeepAlive:
	case protocol.TypeAck:
		m.handleAck(msg)
	case protocol.TypeHandshake:
		if err := m.tokens.Validate(msg.Payload); err != nil {
			m.Error.Emit(fmt.Errorf("%w: %w got=%q", ErrHandshakeMismatch, err, truncate(msg.Payload, 64)))
			return
		}
		m.HandshakeReceived.Emit(struct{}{})
	case protocol.TypeStreamCommand:
		state, err := protocol.DecodeBool(msg.Payload)
		if err != nil {
			m.malformed(msg, err)
			return
		}
		m.StreamCommandReceived.Emit(state)
	case protocol.TypeFoveateCommand:
		state, err := protocol.DecodeBool(msg.Payload)
		if err != nil {
			m.malformed(msg, err)
			return
		}
		m.FoveateCommandReceived.Emit(state)
	case protocol.TypeDisconnectCommand:
		m.DisconnectReceived.Emit(struct{}{})
	case protocol.TypeIcon:
		img, err := protocol.DecodeImage(msg.Payload)
		if err != nil {
			m.malformed(msg, err)
			return
		}
		m.IconReceived.Emit(img)
	case protocol.TypeFrame:
		img, err := protocol.DecodeImage(msg.Payload)
		if err != nil {
			m.malformed(msg, err)
			return
		}
		m.FrameReceived.Emit(img)
	case protocol.TypeFixation:
		f, err := protocol.DecodeFixation(msg.Payload)
		if err != nil {
			m.malformed(msg, err)
			return
		}
		m.FixationReceived.Emit(f)
	case protocol.TypeText:
		m.TextReceived.Emit(msg.Payload)
	default:
		m.Error.Emit(fmt.Errorf("%w: type=%d id=%d", protocol.ErrUnknownType, uint32(msg.Type), msg.ID))
	}
}

func (m *Manager) handleAck(msg protocol.Message) {
	info, err := protocol.DecodeAck(msg)
	if err != nil {
		m.malformed(msg, err)
		return
	}
	now := m.sched.Now()
	if pending, ok := m.outbox.Take(info.AckedID); ok {
		m.latency = now.Sub(pending.SentAt)
	} else if !info.Timestamp.IsZero() {
		if rtt := now.Sub(info.Timestamp); rtt >= 0 {
			m.latency = rtt
		}
	}
	m.AckReceived.Emit(info.AckedID)
}

func (m *Manager) malformed(msg protocol.Message, err error) {
	m.Error.Emit(fmt.Errorf("%w: type=%s id=%d: %w", ErrMalformedPayload, msg.Type, msg.ID, err))
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
