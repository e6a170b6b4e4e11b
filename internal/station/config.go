package station

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/flydragon/internal/protocol"
	"github.com/danmuck/flydragon/internal/protocol/session"
	"github.com/danmuck/flydragon/internal/transport"
)

var (
	ErrNameRequired     = errors.New("station: name required")
	ErrInvalidInterval  = errors.New("station: invalid interval")
	ErrInvalidFrameSize = errors.New("station: invalid frame size")
	ErrPeerAddrRequired = errors.New("station: peer addr required")
	ErrInvalidFixation  = errors.New("station: invalid fixation")
)

// PeerConfig is a server this station dials on start.
type PeerConfig struct {
	Name string
	Addr string
}

// Config is the runtime configuration for one station.
type Config struct {
	Name       string
	ListenAddr string
	Session    session.Config
	Listener   transport.ListenerConfig

	IconInterval  time.Duration
	FrameInterval time.Duration
	FrameWidth    int32
	FrameHeight   int32

	Peers []PeerConfig
	// Redial re-dials configured peers with backoff after they drop.
	Redial bool
}

func DefaultConfig() Config {
	return Config{
		Name:          "flydragon",
		ListenAddr:    fmt.Sprintf(":%d", protocol.DefaultPort),
		Session:       session.DefaultConfig(),
		Listener:      transport.DefaultListenerConfig(),
		IconInterval:  time.Second,
		FrameInterval: 100 * time.Millisecond,
		FrameWidth:    320,
		FrameHeight:   240,
		Redial:        true,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. ListenAddr is
// left alone: empty means the station only dials out.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	c.Session = c.Session.WithDefaults()
	c.Listener.Conn = c.Listener.Conn.WithDefaults()
	if c.Listener.AcceptRate == 0 && c.Listener.AcceptBurst == 0 {
		c.Listener.AcceptRate = def.Listener.AcceptRate
		c.Listener.AcceptBurst = def.Listener.AcceptBurst
	}
	if c.IconInterval == 0 {
		c.IconInterval = def.IconInterval
	}
	if c.FrameInterval == 0 {
		c.FrameInterval = def.FrameInterval
	}
	if c.FrameWidth == 0 && c.FrameHeight == 0 {
		c.FrameWidth = def.FrameWidth
		c.FrameHeight = def.FrameHeight
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrNameRequired
	}
	if c.IconInterval < 0 || c.FrameInterval < 0 {
		return fmt.Errorf("%w: icon=%s frame=%s", ErrInvalidInterval, c.IconInterval, c.FrameInterval)
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidFrameSize, c.FrameWidth, c.FrameHeight)
	}
	if int64(c.FrameWidth)*int64(c.FrameHeight)*protocol.BytesPerPixel+8 > protocol.MaxDataSize {
		return fmt.Errorf("%w: %dx%d exceeds max payload", ErrInvalidFrameSize, c.FrameWidth, c.FrameHeight)
	}
	for i, peer := range c.Peers {
		if strings.TrimSpace(peer.Addr) == "" {
			return fmt.Errorf("peer[%d]: %w", i, ErrPeerAddrRequired)
		}
	}
	return c.Session.Validate()
}
