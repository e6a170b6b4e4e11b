package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/flydragon/internal/config"
	"github.com/danmuck/flydragon/internal/station"
	"github.com/danmuck/flydragon/internal/testutil/testlog"
)

func TestRunExitCodes(t *testing.T) {
	testlog.Start(t)
	if code := run([]string{"version", "--short"}); code != 0 {
		t.Fatalf("version exit code=%d", code)
	}
	if code := run([]string{"no-such-command"}); code != -1 {
		t.Fatalf("unknown command exit code=%d", code)
	}
	if code := run([]string{"connect"}); code != -1 {
		t.Fatalf("connect without addr exit code=%d", code)
	}
	missing := filepath.Join(t.TempDir(), "missing.env")
	if code := run([]string{"--env", missing, "version"}); code != -1 {
		t.Fatalf("explicit missing env exit code=%d", code)
	}
}

func TestVersionOutput(t *testing.T) {
	testlog.Start(t)
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "FLYING_DRAGON") || !strings.Contains(out.String(), "7480") {
		t.Fatalf("unexpected version output: %q", out.String())
	}
}

func TestConfiggenWritesAndValidates(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "client.toml")
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"configgen", "--kind", "client", "--output", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("configgen: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("template not written: %v", err)
	}

	cmd = rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"configgen", "--validate", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("configgen validate: %v", err)
	}
	if !strings.Contains(out.String(), "validated") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	cmd = rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"configgen", "--kind", "client", "--output", path})
	if err := cmd.Execute(); !errors.Is(err, config.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestLoadRuntimeFallsBackToDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "flydragon.toml")
	rt, err := loadRuntime(path, false)
	if err != nil {
		t.Fatalf("default load: %v", err)
	}
	if rt.Station.ListenAddr != ":7480" || !rt.StatusEnabled {
		t.Fatalf("unexpected defaults: listen=%q status=%v", rt.Station.ListenAddr, rt.StatusEnabled)
	}
	if _, err := loadRuntime(path, true); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestServeOptionsApply(t *testing.T) {
	testlog.Start(t)
	rt := config.DefaultRuntime()
	opts := &serveOptions{
		name:   "bench",
		listen: "off",
		status: "127.0.0.1:9999",
		peers:  []string{"left=10.0.0.1:7480", "10.0.0.2:7480"},
	}
	if err := opts.apply(&rt); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rt.Station.Name != "bench" || rt.Station.ListenAddr != "" {
		t.Fatalf("unexpected station: name=%q listen=%q", rt.Station.Name, rt.Station.ListenAddr)
	}
	if rt.Status.Addr != "127.0.0.1:9999" || !rt.StatusEnabled {
		t.Fatalf("unexpected status: %q enabled=%v", rt.Status.Addr, rt.StatusEnabled)
	}
	want := []station.PeerConfig{{Name: "left", Addr: "10.0.0.1:7480"}, {Addr: "10.0.0.2:7480"}}
	if len(rt.Station.Peers) != 2 || rt.Station.Peers[0] != want[0] || rt.Station.Peers[1] != want[1] {
		t.Fatalf("unexpected peers: %+v", rt.Station.Peers)
	}

	bad := &serveOptions{peers: []string{"left="}}
	if err := bad.apply(&rt); !errors.Is(err, station.ErrPeerAddrRequired) {
		t.Fatalf("expected ErrPeerAddrRequired, got %v", err)
	}
}
