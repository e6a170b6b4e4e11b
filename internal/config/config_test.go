package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/flydragon/internal/station"
	"github.com/danmuck/flydragon/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flydragon.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
name = "bench"
listen = "0.0.0.0:7490"
frame_interval = "40ms"
frame_width = 160
frame_height = 120
redial = false

[session]
keepalive_interval = "2s"
drop_frame_limit = 65536
backoff_initial = "100ms"
backoff_max = "3s"

[listener]
accept_rate = 5.0
accept_burst = 2

[[peers]]
name = "left"
addr = "10.0.0.1:7480"

[[peers]]
addr = " 10.0.0.2:7480 "
`)
	rt, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	st := rt.Station
	if st.Name != "bench" || st.ListenAddr != "0.0.0.0:7490" {
		t.Fatalf("unexpected identity: name=%q listen=%q", st.Name, st.ListenAddr)
	}
	if st.FrameInterval != 40*time.Millisecond {
		t.Fatalf("unexpected frame interval: %s", st.FrameInterval)
	}
	if st.IconInterval != time.Second {
		t.Fatalf("icon interval should keep default, got %s", st.IconInterval)
	}
	if st.FrameWidth != 160 || st.FrameHeight != 120 {
		t.Fatalf("unexpected frame size: %dx%d", st.FrameWidth, st.FrameHeight)
	}
	if st.Redial {
		t.Fatalf("expected redial disabled")
	}
	if st.Session.KeepAliveInterval != 2*time.Second {
		t.Fatalf("unexpected keepalive: %s", st.Session.KeepAliveInterval)
	}
	if st.Session.DropFrameLimit != 65536 || st.Session.DropIconLimit != 1024 {
		t.Fatalf("unexpected drop limits: icon=%d frame=%d", st.Session.DropIconLimit, st.Session.DropFrameLimit)
	}
	if st.Session.Backoff.InitialDelay != 100*time.Millisecond || st.Session.Backoff.MaxDelay != 3*time.Second {
		t.Fatalf("unexpected backoff: %+v", st.Session.Backoff)
	}
	if !st.Session.Backoff.Jitter || st.Session.Backoff.Multiplier != 2 {
		t.Fatalf("backoff defaults lost: %+v", st.Session.Backoff)
	}
	if st.Listener.AcceptRate != 5 || st.Listener.AcceptBurst != 2 {
		t.Fatalf("unexpected listener: %+v", st.Listener)
	}
	want := []station.PeerConfig{{Name: "left", Addr: "10.0.0.1:7480"}, {Addr: "10.0.0.2:7480"}}
	if len(st.Peers) != len(want) {
		t.Fatalf("unexpected peers: %+v", st.Peers)
	}
	for i := range want {
		if st.Peers[i] != want[i] {
			t.Fatalf("peer[%d]=%+v want %+v", i, st.Peers[i], want[i])
		}
	}
	if !rt.StatusEnabled || rt.Status.Addr != "127.0.0.1:7481" {
		t.Fatalf("unexpected status: enabled=%v addr=%q", rt.StatusEnabled, rt.Status.Addr)
	}
}

func TestLoadStatusDisabled(t *testing.T) {
	testlog.Start(t)
	rt, err := Load(writeConfig(t, `status_addr = ""`+"\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if rt.StatusEnabled || rt.Status.Addr != "" {
		t.Fatalf("expected status disabled, got enabled=%v addr=%q", rt.StatusEnabled, rt.Status.Addr)
	}
	if rt.Station.ListenAddr != ":7480" {
		t.Fatalf("unexpected default listen: %q", rt.Station.ListenAddr)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		content string
		want    error
	}{
		{"duration", `frame_interval = "fast"`, ErrInvalidDuration},
		{"negative duration", "[session]\nkeepalive_interval = \"-1s\"", ErrInvalidDuration},
		{"peer addr", "[[peers]]\nname = \"x\"", station.ErrPeerAddrRequired},
		{"frame size", "frame_width = 4096\nframe_height = 4096", station.ErrInvalidFrameSize},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.content+"\n"))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestTemplatesLoadBack(t *testing.T) {
	testlog.Start(t)
	for _, kind := range Kinds {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("%s: write template: %v", kind, err)
		}
		if err := Check(path); err != nil {
			t.Fatalf("%s: check template: %v", kind, err)
		}
		rt, err := Load(path)
		if err != nil {
			t.Fatalf("%s: load template: %v", kind, err)
		}
		switch kind {
		case "station":
			if rt.Station.ListenAddr != ":7480" || len(rt.Station.Peers) != 0 {
				t.Fatalf("station template: listen=%q peers=%d", rt.Station.ListenAddr, len(rt.Station.Peers))
			}
		case "client":
			if rt.Station.ListenAddr != "" || len(rt.Station.Peers) != 1 {
				t.Fatalf("client template: listen=%q peers=%d", rt.Station.ListenAddr, len(rt.Station.Peers))
			}
			if rt.Station.Peers[0].Addr != "localhost:7480" {
				t.Fatalf("client template peer: %+v", rt.Station.Peers[0])
			}
		}
		if rt.Station.Session.KeepAliveInterval != 5*time.Second {
			t.Fatalf("%s: keepalive=%s", kind, rt.Station.Session.KeepAliveInterval)
		}
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "name = \"keep\"\n")
	if err := WriteTemplate(path, "station", false); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if err := WriteTemplate(path, "station", true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	if !strings.Contains(string(data), "FLYING_DRAGON") {
		t.Fatalf("template missing handshake token:\n%s", data)
	}
}

func TestTemplateUnknownKind(t *testing.T) {
	testlog.Start(t)
	if _, err := Template("relay"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestCheckRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "name = \"x\"\nlisten_addr = \":7480\"\n")
	err := Check(path)
	if err == nil || !strings.Contains(err.Error(), "listen_addr") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("lenient load should accept unknown keys: %v", err)
	}
}
