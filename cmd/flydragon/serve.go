package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/flydragon/internal/config"
	"github.com/danmuck/flydragon/internal/station"
	"github.com/danmuck/flydragon/internal/status"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	name   string
	listen string
	status string
	peers  []string
}

func (o *serveOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.name, "name", "", "station name")
	cmd.Flags().StringVar(&o.listen, "listen", "", "protocol listen address (\"off\" disables inbound peers)")
	cmd.Flags().StringVar(&o.status, "status", "", "status HTTP address (\"off\" disables it)")
	cmd.Flags().StringSliceVar(&o.peers, "peer", nil, "peer address to dial, name=addr or addr (repeatable)")
}

func serveCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a station that accepts peers and dials configured ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(root.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if err := opts.apply(&rt); err != nil {
				return err
			}
			return serve(cmd.Context(), rt)
		},
	}
	opts.bind(cmd)
	return cmd
}

func connectCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "connect <addr>",
		Short: "Dial a single station without listening for peers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(root.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			rt.Station.ListenAddr = ""
			rt.Station.Peers = nil
			if !cmd.Flags().Changed("status") {
				rt.StatusEnabled = false
			}
			opts.peers = append([]string{args[0]}, opts.peers...)
			if err := opts.apply(&rt); err != nil {
				return err
			}
			return serve(cmd.Context(), rt)
		},
	}
	opts.bind(cmd)
	return cmd
}

// loadRuntime reads path, falling back to defaults when the default config
// file is absent.
func loadRuntime(path string, explicit bool) (config.Runtime, error) {
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			log.Debug().Msgf("flydragon config %q not found, using defaults", path)
			return config.DefaultRuntime(), nil
		}
		return config.Runtime{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	return config.Load(path)
}

func (o *serveOptions) apply(rt *config.Runtime) error {
	if o.name != "" {
		rt.Station.Name = o.name
	}
	if o.listen != "" {
		rt.Station.ListenAddr = offOr(o.listen)
	}
	if o.status != "" {
		rt.Status.Addr = offOr(o.status)
		rt.StatusEnabled = rt.Status.Addr != ""
	}
	for _, raw := range o.peers {
		peer, err := parsePeer(raw)
		if err != nil {
			return err
		}
		rt.Station.Peers = append(rt.Station.Peers, peer)
	}
	rt.Station = rt.Station.WithDefaults()
	return rt.Station.Validate()
}

func offOr(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "off") {
		return ""
	}
	return v
}

func parsePeer(raw string) (station.PeerConfig, error) {
	raw = strings.TrimSpace(raw)
	name, addr, ok := strings.Cut(raw, "=")
	if !ok {
		name, addr = "", raw
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return station.PeerConfig{}, fmt.Errorf("peer %q: %w", raw, station.ErrPeerAddrRequired)
	}
	return station.PeerConfig{Name: strings.TrimSpace(name), Addr: addr}, nil
}

// serve runs the station and, when enabled, its status server until an
// interrupt arrives or either one fails.
func serve(parent context.Context, rt config.Runtime) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := station.New(rt.Station)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	running := 1
	go func() { errs <- st.Run(ctx) }()
	if rt.StatusEnabled {
		running++
		srv := status.New(st, rt.Status)
		go func() { errs <- srv.Serve(ctx) }()
	}
	log.Info().Msgf("flydragon serving name=%q listen=%q status=%q peers=%d",
		rt.Station.Name, rt.Station.ListenAddr, rt.Status.Addr, len(rt.Station.Peers))

	var first error
	for ; running > 0; running-- {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
		cancel()
	}
	return first
}
