package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/flydragon/internal/protocol"
	"github.com/danmuck/flydragon/internal/station"
	gotoml "github.com/pelletier/go-toml/v2"
)

// Kinds lists the template kinds Template understands.
var Kinds = []string{"station", "client"}

// Template renders a starter config. "station" listens for peers and
// serves status; "client" only dials out.
func Template(kind string) (string, error) {
	file, err := templateFile(kind)
	if err != nil {
		return "", err
	}
	out, err := gotoml.Marshal(file)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func templateFile(kind string) (FileConfig, error) {
	def := DefaultRuntime()
	file := fromRuntime(def)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "station":
		return file, nil
	case "client":
		file.Name = "flydragon-client"
		file.Listen = ""
		file.StatusAddr = "127.0.0.1:7482"
		file.Peers = []PeerFileConfig{{Name: "station", Addr: fmt.Sprintf("localhost:%d", protocol.DefaultPort)}}
		return file, nil
	default:
		return FileConfig{}, fmt.Errorf("%w: %s (want one of %s)", ErrUnknownKind, kind, strings.Join(Kinds, ", "))
	}
}

func fromRuntime(rt Runtime) FileConfig {
	st := rt.Station
	origins := rt.Status.CORSOrigins
	if origins == nil {
		origins = []string{"http://localhost:3000"}
	}
	return FileConfig{
		Name:          st.Name,
		Listen:        st.ListenAddr,
		StatusAddr:    rt.Status.Addr,
		CorsOrigins:   origins,
		IconInterval:  st.IconInterval.String(),
		FrameInterval: st.FrameInterval.String(),
		FrameWidth:    st.FrameWidth,
		FrameHeight:   st.FrameHeight,
		Redial:        st.Redial,
		Session: SessionFileConfig{
			KeepAliveInterval: st.Session.KeepAliveInterval.String(),
			DropIconLimit:     st.Session.DropIconLimit,
			DropFrameLimit:    st.Session.DropFrameLimit,
			HandshakeToken:    st.Session.HandshakeToken,
			PendingAckLimit:   st.Session.PendingAckLimit,
			BackoffInitial:    st.Session.Backoff.InitialDelay.String(),
			BackoffMax:        st.Session.Backoff.MaxDelay.String(),
			BackoffMultiplier: st.Session.Backoff.Multiplier,
			BackoffJitter:     st.Session.Backoff.Jitter,
		},
		Listener: ListenerFileConfig{
			ConnectTimeout: st.Listener.Conn.ConnectTimeout.String(),
			AcceptRate:     st.Listener.AcceptRate,
			AcceptBurst:    st.Listener.AcceptBurst,
		},
		Peers: peersToFile(st.Peers),
	}
}

func peersToFile(peers []station.PeerConfig) []PeerFileConfig {
	out := make([]PeerFileConfig, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerFileConfig{Name: p.Name, Addr: p.Addr})
	}
	return out
}
