// Package config loads flydragon.toml into station and status settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/flydragon/internal/station"
	"github.com/danmuck/flydragon/internal/status"
	gotoml "github.com/pelletier/go-toml/v2"
)

var (
	ErrInvalidDuration = errors.New("config: invalid duration")
	ErrUnknownKind     = errors.New("config: unknown template kind")
	ErrExists          = errors.New("config: file already exists")
)

// FileConfig is the on-disk layout of flydragon.toml.
type FileConfig struct {
	Name          string             `toml:"name" comment:"station name reported on /health and in metrics"`
	Listen        string             `toml:"listen" comment:"protocol listen address; empty disables inbound peers"`
	StatusAddr    string             `toml:"status_addr" comment:"HTTP status and control address; empty disables it"`
	CorsOrigins   []string           `toml:"cors_origins"`
	IconInterval  string             `toml:"icon_interval"`
	FrameInterval string             `toml:"frame_interval"`
	FrameWidth    int32              `toml:"frame_width"`
	FrameHeight   int32              `toml:"frame_height"`
	Redial        bool               `toml:"redial" comment:"re-dial configured peers with backoff after they drop"`
	Session       SessionFileConfig  `toml:"session"`
	Listener      ListenerFileConfig `toml:"listener"`
	Peers         []PeerFileConfig   `toml:"peers"`
}

type SessionFileConfig struct {
	KeepAliveInterval string  `toml:"keepalive_interval"`
	DropIconLimit     int     `toml:"drop_icon_limit"`
	DropFrameLimit    int     `toml:"drop_frame_limit"`
	HandshakeToken    string  `toml:"handshake_token"`
	PendingAckLimit   int     `toml:"pending_ack_limit"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
}

type ListenerFileConfig struct {
	ConnectTimeout string  `toml:"connect_timeout"`
	AcceptRate     float64 `toml:"accept_rate"`
	AcceptBurst    int     `toml:"accept_burst"`
}

type PeerFileConfig struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

// Runtime is everything cmd/flydragon needs to start.
type Runtime struct {
	Station station.Config
	Status  status.Config
	// StatusEnabled is false when status_addr is set to "".
	StatusEnabled bool
}

func DefaultRuntime() Runtime {
	return Runtime{
		Station:       station.DefaultConfig(),
		Status:        status.DefaultConfig(),
		StatusEnabled: true,
	}
}

// Load overlays the keys defined in path onto DefaultRuntime and validates
// the result.
func Load(path string) (Runtime, error) {
	var raw FileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Runtime{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	rt, err := overlay(DefaultRuntime(), raw, meta)
	if err != nil {
		return Runtime{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	return rt, nil
}

// Check strictly parses path, rejecting keys flydragon does not know, and
// then validates it like Load.
func Check(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("check config (%s): %w", path, err)
	}
	defer f.Close()
	var raw FileConfig
	dec := gotoml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		var strict *gotoml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("check config (%s): %s", path, strings.TrimSpace(strict.String()))
		}
		return fmt.Errorf("check config (%s): %w", path, err)
	}
	_, err = Load(path)
	return err
}

func overlay(rt Runtime, raw FileConfig, meta toml.MetaData) (Runtime, error) {
	st := &rt.Station
	if meta.IsDefined("name") {
		st.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("listen") {
		st.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("status_addr") {
		rt.Status.Addr = strings.TrimSpace(raw.StatusAddr)
		rt.StatusEnabled = rt.Status.Addr != ""
	}
	if meta.IsDefined("cors_origins") {
		rt.Status.CORSOrigins = raw.CorsOrigins
	}
	if err := setDuration(meta, raw.IconInterval, &st.IconInterval, "icon_interval"); err != nil {
		return Runtime{}, err
	}
	if err := setDuration(meta, raw.FrameInterval, &st.FrameInterval, "frame_interval"); err != nil {
		return Runtime{}, err
	}
	if meta.IsDefined("frame_width") {
		st.FrameWidth = raw.FrameWidth
	}
	if meta.IsDefined("frame_height") {
		st.FrameHeight = raw.FrameHeight
	}
	if meta.IsDefined("redial") {
		st.Redial = raw.Redial
	}

	sess := &st.Session
	if err := setDuration(meta, raw.Session.KeepAliveInterval, &sess.KeepAliveInterval, "session", "keepalive_interval"); err != nil {
		return Runtime{}, err
	}
	if meta.IsDefined("session", "drop_icon_limit") {
		sess.DropIconLimit = raw.Session.DropIconLimit
	}
	if meta.IsDefined("session", "drop_frame_limit") {
		sess.DropFrameLimit = raw.Session.DropFrameLimit
	}
	if meta.IsDefined("session", "handshake_token") {
		sess.HandshakeToken = raw.Session.HandshakeToken
	}
	if meta.IsDefined("session", "pending_ack_limit") {
		sess.PendingAckLimit = raw.Session.PendingAckLimit
	}
	if err := setDuration(meta, raw.Session.BackoffInitial, &sess.Backoff.InitialDelay, "session", "backoff_initial"); err != nil {
		return Runtime{}, err
	}
	if err := setDuration(meta, raw.Session.BackoffMax, &sess.Backoff.MaxDelay, "session", "backoff_max"); err != nil {
		return Runtime{}, err
	}
	if meta.IsDefined("session", "backoff_multiplier") {
		sess.Backoff.Multiplier = raw.Session.BackoffMultiplier
	}
	if meta.IsDefined("session", "backoff_jitter") {
		sess.Backoff.Jitter = raw.Session.BackoffJitter
	}

	ln := &st.Listener
	if err := setDuration(meta, raw.Listener.ConnectTimeout, &ln.Conn.ConnectTimeout, "listener", "connect_timeout"); err != nil {
		return Runtime{}, err
	}
	if meta.IsDefined("listener", "accept_rate") {
		ln.AcceptRate = raw.Listener.AcceptRate
	}
	if meta.IsDefined("listener", "accept_burst") {
		ln.AcceptBurst = raw.Listener.AcceptBurst
	}

	if meta.IsDefined("peers") {
		st.Peers = make([]station.PeerConfig, 0, len(raw.Peers))
		for _, p := range raw.Peers {
			st.Peers = append(st.Peers, station.PeerConfig{
				Name: strings.TrimSpace(p.Name),
				Addr: strings.TrimSpace(p.Addr),
			})
		}
	}

	*st = st.WithDefaults()
	if err := st.Validate(); err != nil {
		return Runtime{}, err
	}
	rt.Status = rt.Status.WithDefaults()
	if !rt.StatusEnabled {
		rt.Status.Addr = ""
	}
	return rt, nil
}

func setDuration(meta toml.MetaData, raw string, dst *time.Duration, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d < 0 {
		return fmt.Errorf("%w: %s=%q", ErrInvalidDuration, strings.Join(key, "."), raw)
	}
	*dst = d
	return nil
}
