package station

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/flydragon/internal/connection"
	"github.com/danmuck/flydragon/internal/eventloop"
	"github.com/danmuck/flydragon/internal/protocol"
	"github.com/danmuck/flydragon/internal/source"
	"github.com/danmuck/flydragon/internal/testutil/pipe"
	"github.com/danmuck/flydragon/internal/testutil/testlog"
	"github.com/danmuck/flydragon/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	sched   *eventloop.Manual
	st      *Station
	dialed  []*pipe.Stream
	events  []Event
	unwatch func()
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.ListenAddr = ""
	cfg.FrameWidth = 64
	cfg.FrameHeight = 48
	cfg.Session.Backoff.Jitter = false
	if mutate != nil {
		mutate(&cfg)
	}
	cfg = cfg.WithDefaults()
	require.NoError(t, cfg.Validate())

	f := &fixture{sched: eventloop.NewManual(epoch)}
	src, err := source.NewPattern(cfg.FrameWidth, cfg.FrameHeight)
	require.NoError(t, err)
	f.st = newStation(cfg, f.sched, src, func() connection.Transport {
		s := pipe.New(f.sched, "")
		f.dialed = append(f.dialed, s)
		return s
	})
	f.unwatch, err = f.st.SubscribeEvents(context.Background(), func(ev Event) {
		f.events = append(f.events, ev)
	})
	require.NoError(t, err)
	require.NoError(t, f.sched.Call(context.Background(), f.st.start))
	t.Cleanup(func() {
		f.unwatch()
		f.st.stop()
	})
	return f
}

// accept registers an inbound peer and completes its handshake.
func (f *fixture) accept(t *testing.T) (*connection.Connection, *pipe.Stream) {
	t.Helper()
	s := pipe.NewConnected(f.sched, "10.0.0.9:5000")
	c, err := f.st.Registry().AcceptConnection(s)
	require.NoError(t, err)
	s.FeedMessage(protocol.NewHandshake(0, epoch, protocol.HandshakeToken))
	f.sched.Drain()
	require.Equal(t, connection.StateConnected, c.State())
	return c, s
}

func (f *fixture) kinds() []EventKind {
	out := make([]EventKind, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestStationDialsConfiguredPeers(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, func(c *Config) {
		c.Peers = []PeerConfig{{Name: "left", Addr: "10.0.0.1:7480"}, {Name: "right", Addr: "10.0.0.2:7480"}}
	})

	require.Len(t, f.dialed, 2)
	assert.Equal(t, "10.0.0.1:7480", f.dialed[0].DialedAddr)
	assert.Equal(t, "10.0.0.2:7480", f.dialed[1].DialedAddr)
	conns, err := f.st.Connections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, "left", conns[0].Name)
	assert.Equal(t, connection.StateConnecting, conns[0].State)
}

func TestStationRedialsDroppedPeer(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, func(c *Config) {
		c.Peers = []PeerConfig{{Name: "left", Addr: "10.0.0.1:7480"}}
		c.Session.Backoff.InitialDelay = time.Second
		c.Session.Backoff.Multiplier = 2
		c.Session.Backoff.MaxDelay = 10 * time.Second
	})
	require.Len(t, f.dialed, 1)

	f.dialed[0].Fail(transport.ErrConnectionRefused)
	f.sched.Drain()
	assert.Equal(t, 0, f.st.Registry().Total())

	f.sched.Advance(999 * time.Millisecond)
	require.Len(t, f.dialed, 1)
	f.sched.Advance(time.Millisecond)
	require.Len(t, f.dialed, 2)
	assert.Equal(t, "10.0.0.1:7480", f.dialed[1].DialedAddr)

	// second failure doubles the delay
	f.dialed[1].Fail(transport.ErrConnectionRefused)
	f.sched.Drain()
	f.sched.Advance(1500 * time.Millisecond)
	require.Len(t, f.dialed, 2)
	f.sched.Advance(500 * time.Millisecond)
	require.Len(t, f.dialed, 3)

	// reaching Connected resets the schedule
	f.dialed[2].CompleteDial()
	f.dialed[2].FeedMessage(protocol.NewHandshake(0, epoch, protocol.HandshakeToken))
	f.sched.Drain()
	conns, err := f.st.Connections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, connection.StateConnected, conns[0].State)

	f.dialed[2].Fail(transport.ErrRemoteClosed)
	f.sched.Drain()
	f.sched.Advance(time.Second)
	assert.Len(t, f.dialed, 4)
}

func TestStationDisconnectForgetsPeer(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, func(c *Config) {
		c.Peers = []PeerConfig{{Name: "left", Addr: "10.0.0.1:7480"}}
	})
	conns, err := f.st.Connections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)

	require.NoError(t, f.st.Disconnect(context.Background(), conns[0].ID))
	f.sched.Advance(time.Minute)
	assert.Len(t, f.dialed, 1)
	assert.Equal(t, 0, f.st.Registry().Total())

	err = f.st.Disconnect(context.Background(), conns[0].ID)
	assert.True(t, errors.Is(err, connection.ErrNotFound))
}

func TestStationPumpsMedia(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, func(c *Config) {
		c.Session.KeepAliveInterval = time.Hour
	})
	streaming, streamingPipe := f.accept(t)
	_, idlePipe := f.accept(t)

	streamingPipe.FeedMessage(protocol.NewStreamCommand(1, epoch, true))
	f.sched.Drain()
	require.True(t, streaming.Streaming())

	f.sched.Advance(time.Second)

	frames := streamingPipe.SentOfType(protocol.TypeFrame)
	assert.Len(t, frames, 10)
	assert.Empty(t, idlePipe.SentOfType(protocol.TypeFrame))

	for _, s := range []*pipe.Stream{streamingPipe, idlePipe} {
		icons := s.SentOfType(protocol.TypeIcon)
		require.Len(t, icons, 1)
		img, err := protocol.DecodeImage(icons[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, int32(source.IconWidth), img.Width)
		assert.Equal(t, int32(source.IconHeight), img.Height)
	}

	img, err := protocol.DecodeImage(frames[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, int32(64), img.Width)
	assert.Equal(t, int32(48), img.Height)
}

func TestStationControls(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	c, s := f.accept(t)
	ctx := context.Background()

	require.NoError(t, f.st.RequestStream(ctx, c.ID(), true))
	require.NoError(t, f.st.RequestFoveate(ctx, c.ID(), true))
	require.NoError(t, f.st.SendFixation(ctx, c.ID(), protocol.Fixation{X: 10, Y: 20, Radius: 5}))

	cmds := s.SentOfType(protocol.TypeStreamCommand)
	require.Len(t, cmds, 1)
	on, err := protocol.DecodeBool(cmds[0].Payload)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Len(t, s.SentOfType(protocol.TypeFoveateCommand), 1)
	fixes := s.SentOfType(protocol.TypeFixation)
	require.Len(t, fixes, 1)
	fix, err := protocol.DecodeFixation(fixes[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.Fixation{X: 10, Y: 20, Radius: 5}, fix)

	err = f.st.SendFixation(ctx, c.ID(), protocol.Fixation{Radius: -1})
	assert.True(t, errors.Is(err, ErrInvalidFixation))
	err = f.st.RequestStream(ctx, 999, true)
	assert.True(t, errors.Is(err, connection.ErrNotFound))

	info, err := f.st.Connection(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, connection.OriginServer, info.Origin)
	assert.Equal(t, "10.0.0.9:5000", info.RemoteAddr)
}

func TestStationConnectOneOff(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.st.Connect(ctx, "x", "  ")
	assert.True(t, errors.Is(err, connection.ErrAddressRequired))

	info, err := f.st.Connect(ctx, "", "10.0.0.3:7480")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3:7480", info.Name)
	assert.Equal(t, connection.OriginClient, info.Origin)
	require.Len(t, f.dialed, 1)

	f.dialed[0].Fail(transport.ErrHostNotFound)
	f.sched.Advance(time.Minute)
	assert.Len(t, f.dialed, 1)
}

func TestStationPublishesEvents(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	c, s := f.accept(t)

	s.FeedMessage(protocol.NewFixation(1, epoch, protocol.Fixation{X: 3, Y: 4, Radius: 9}))
	f.sched.Drain()
	require.NoError(t, f.st.Disconnect(context.Background(), c.ID()))

	kinds := f.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventAdded, kinds[0])
	assert.Contains(t, kinds, EventState)
	assert.Contains(t, kinds, EventFixation)
	assert.Equal(t, EventRemoved, kinds[len(kinds)-1])

	for _, ev := range f.events {
		assert.Equal(t, c.ID(), ev.ID)
		assert.False(t, ev.At.IsZero())
		if ev.Kind == EventFixation {
			require.NotNil(t, ev.Fixation)
			assert.Equal(t, int32(9), ev.Fixation.Radius)
		}
	}

	f.unwatch()
	before := len(f.events)
	f.accept(t)
	assert.Equal(t, before, len(f.events))
}

func TestStationStopCancelsRedial(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, func(c *Config) {
		c.Peers = []PeerConfig{{Name: "left", Addr: "10.0.0.1:7480"}}
	})
	f.dialed[0].Fail(transport.ErrConnectionRefused)
	f.sched.Drain()
	f.st.stop()
	f.sched.Advance(time.Minute)
	assert.Len(t, f.dialed, 1)

	_, err := f.st.Connect(context.Background(), "", "10.0.0.3:7480")
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.FrameWidth = 4096
	bad.FrameHeight = 4096
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidFrameSize))

	bad = cfg
	bad.Peers = []PeerConfig{{Name: "x"}}
	assert.True(t, errors.Is(bad.Validate(), ErrPeerAddrRequired))

	bad = cfg
	bad.IconInterval = -time.Second
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidInterval))

	empty := Config{}.WithDefaults()
	assert.Equal(t, "flydragon", empty.Name)
	assert.Equal(t, "", empty.ListenAddr)
	assert.Equal(t, int32(320), empty.FrameWidth)
}

func TestFailureClass(t *testing.T) {
	testlog.Start(t)
	assert.Equal(t, "remote_closed", failureClass(transport.ErrRemoteClosed))
	assert.Equal(t, "refused", failureClass(transport.ErrConnectionRefused))
	assert.Equal(t, "host_not_found", failureClass(transport.ErrHostNotFound))
	assert.Equal(t, "other", failureClass(errors.New("boom")))
}
