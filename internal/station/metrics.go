package station

import (
	"errors"
	"math/rand"
	"time"

	"github.com/danmuck/flydragon/internal/connection"
	"github.com/danmuck/flydragon/internal/event"
	"github.com/danmuck/flydragon/internal/observability"
	"github.com/danmuck/flydragon/internal/protocol"
	"github.com/danmuck/flydragon/internal/protocol/session"
	"github.com/danmuck/flydragon/internal/transport"
	"github.com/rs/zerolog/log"
)

// observe feeds one connection's traffic into metrics and debug logs.
func (s *Station) observe(c *connection.Connection, group *event.Group) {
	node := s.cfg.Name
	m := c.Session()
	group.Add(m.Sent.Connect(func(msg protocol.Message) {
		observability.RecordMessage(node, "sent", msg.Type.String(), msg.Size())
	}))
	group.Add(m.Received.Connect(func(msg protocol.Message) {
		observability.RecordMessage(node, "received", msg.Type.String(), msg.Size())
		log.Debug().Msgf("station.Station recv id=%d type=%s msg_id=%d bytes=%d", c.ID(), msg.Type, msg.ID, len(msg.Payload))
	}))
	group.Add(m.Dropped.Connect(func(msg protocol.Message) {
		observability.RecordDropped(node, msg.Type.String())
	}))
	group.Add(m.AckReceived.Connect(func(uint64) {
		observability.RecordAckRTT(node, m.Latency())
	}))
	group.Add(c.ProtocolError.Connect(func(error) {
		observability.RecordProtocolError(node)
	}))
	group.Add(c.Failed.Connect(func(err error) {
		observability.RecordTransportFailure(node, failureClass(err))
	}))
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, transport.ErrRemoteClosed):
		return "remote_closed"
	case errors.Is(err, transport.ErrHostNotFound):
		return "host_not_found"
	case errors.Is(err, transport.ErrConnectionRefused):
		return "refused"
	default:
		return "other"
	}
}

func nextRedialDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	return session.NextBackoffDelay(cfg.Session.Backoff, attempt, rng)
}
