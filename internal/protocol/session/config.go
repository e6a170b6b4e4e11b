package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/flydragon/internal/protocol"
)

var (
	ErrPeekLimitTooSmall = errors.New("session: peek limit smaller than largest message")
	ErrTokenRequired     = errors.New("session: handshake token required")
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines protocol-engine defaults.
type Config struct {
	KeepAliveInterval time.Duration
	// Bulk sends are dropped once the stream holds this many unsent bytes.
	DropIconLimit  int
	DropFrameLimit int
	// PeekLimit bounds how many buffered bytes one parse attempt may see.
	// It must cover a full maximum-size message or such a message could
	// never be confirmed readable.
	PeekLimit       int
	HandshakeToken  string
	PendingAckLimit int
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 5 * time.Second,
		DropIconLimit:     1 * 1024,
		DropFrameLimit:    32 * 1024,
		PeekLimit:         protocol.HeaderSize + protocol.MaxDataSize,
		HandshakeToken:    protocol.HandshakeToken,
		PendingAckLimit:   1024,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.DropIconLimit <= 0 {
		c.DropIconLimit = def.DropIconLimit
	}
	if c.DropFrameLimit <= 0 {
		c.DropFrameLimit = def.DropFrameLimit
	}
	if c.PeekLimit <= 0 {
		c.PeekLimit = def.PeekLimit
	}
	if strings.TrimSpace(c.HandshakeToken) == "" {
		c.HandshakeToken = def.HandshakeToken
	}
	if c.PendingAckLimit <= 0 {
		c.PendingAckLimit = def.PendingAckLimit
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.PeekLimit < protocol.HeaderSize+protocol.MaxDataSize {
		return fmt.Errorf("%w: peek_limit=%d need>=%d", ErrPeekLimitTooSmall, c.PeekLimit, protocol.HeaderSize+protocol.MaxDataSize)
	}
	if strings.TrimSpace(c.HandshakeToken) == "" {
		return ErrTokenRequired
	}
	return nil
}
