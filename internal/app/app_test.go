package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/domme-player/internal/config"
	"github.com/keshon/domme-player/internal/music/backend"
	"github.com/keshon/domme-player/internal/music/queue"
	"github.com/keshon/domme-player/internal/music/voice"
	"github.com/keshon/domme-player/internal/store"
)

const guild = "g1"

type fakeNode struct {
	mu     sync.Mutex
	played []string
}

func (n *fakeNode) Name() string { return "main" }

func (n *fakeNode) Start(ctx context.Context, _ backend.Sink) error {
	<-ctx.Done()
	return nil
}

func (n *fakeNode) Close() error { return nil }

func (n *fakeNode) LoadTracks(context.Context, string) (backend.LoadResult, error) {
	return backend.LoadResult{Kind: backend.LoadEmpty}, nil
}

func (n *fakeNode) UpdatePlayer(_ context.Context, guildID string, u backend.PlayerUpdate) (backend.PlayerInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if u.Encoded != nil {
		n.played = append(n.played, *u.Encoded)
	}
	return backend.PlayerInfo{GuildID: guildID}, nil
}

func (n *fakeNode) DestroyPlayer(context.Context, string) error { return nil }

func (n *fakeNode) plays() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.played...)
}

type fakeGateway struct{}

func (fakeGateway) UserVoiceChannel(string, string) (string, error)  { return "vc", nil }
func (fakeGateway) JoinChannel(context.Context, string, string) error { return nil }
func (fakeGateway) LeaveChannel(context.Context, string) error        { return nil }
func (fakeGateway) CountListeners(string, string) (int, error)        { return 2, nil }

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		StoragePath:         filepath.Join(t.TempDir(), "store.json"),
		StorePrefix:         "test:",
		ShardCount:          1,
		StalenessWindow:     30 * time.Minute,
		TransitionTimeout:   time.Second,
		SkipVoteRatio:       0.5,
		InactivityTimeout:   time.Minute,
		EmptyChannelTimeout: time.Minute,
		MonitorInterval:     time.Minute,
		PollInterval:        time.Minute,
		MaintenanceSchedule: "@every 1h",
	}
}

func newApp(t *testing.T) (*App, *fakeNode) {
	t.Helper()
	cfg := testConfig(t)
	st, err := OpenStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	node := &fakeNode{}
	a, err := New(cfg, st, fakeGateway{}, []backend.Node{node}, zerolog.Nop())
	require.NoError(t, err)
	return a, node
}

func TestApp_EndToEndAdvanceAndPreserve(t *testing.T) {
	a, node := newApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	a.Backend.HandleNodeEvent(backend.NodeEvent{Type: backend.NodeEventReady, Node: "main"})

	_, err := a.Voice.Connect(ctx, voice.ConnectRequest{GuildID: guild, UserID: "alice", TextChannelID: "tc"})
	require.NoError(t, err)

	for _, id := range []string{"A", "B"} {
		_, err := a.Queue.Add(guild, queue.Track{Encoded: id, Title: "Title " + id})
		require.NoError(t, err)
	}
	require.NoError(t, a.Playback.Start(ctx, guild))

	a.Backend.HandlePlayerEvent(backend.PlayerEvent{Type: backend.PlayerTrackEnd, GuildID: guild, Track: queue.Track{Encoded: "A"}, Reason: "finished"})
	require.Eventually(t, func() bool {
		st, _ := a.Queue.Snapshot(guild)
		return st.Current != nil && st.Current.Encoded == "B"
	}, 2*time.Second, 10*time.Millisecond)
	a.Reactive.Wait()
	assert.Equal(t, []string{"A", "B"}, node.plays())

	a.Backend.HandleNodeEvent(backend.NodeEvent{Type: backend.NodeEventClosed, Node: "main", Code: 1006})
	snap, err := a.Store.LoadPreserved(ctx, guild)
	require.NoError(t, err)
	assert.Equal(t, "B", snap.Track.Encoded)

	cancel()
	require.NoError(t, a.Close())
}

func TestApp_DisconnectRunsCleanupHooks(t *testing.T) {
	a, _ := newApp(t)
	ctx := context.Background()
	defer func() { _ = a.Close() }()

	a.Backend.HandleNodeEvent(backend.NodeEvent{Type: backend.NodeEventReady, Node: "main"})
	_, err := a.Voice.Connect(ctx, voice.ConnectRequest{GuildID: guild, UserID: "alice"})
	require.NoError(t, err)

	require.NoError(t, a.Voice.Disconnect(ctx, guild, "test"))

	assert.False(t, a.Queue.Exists(guild))
	assert.False(t, a.Backend.HasPlayer(guild))
	_, err = a.Store.GetDeadline(ctx, guild)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApp_StopTearsDownSession(t *testing.T) {
	a, _ := newApp(t)
	ctx := context.Background()
	defer func() { _ = a.Close() }()

	a.Backend.HandleNodeEvent(backend.NodeEvent{Type: backend.NodeEventReady, Node: "main"})
	_, err := a.Voice.Connect(ctx, voice.ConnectRequest{GuildID: guild, UserID: "alice"})
	require.NoError(t, err)
	_, err = a.Queue.Add(guild, queue.Track{Encoded: "A", Title: "Title A"})
	require.NoError(t, err)
	require.NoError(t, a.Playback.Start(ctx, guild))

	require.NoError(t, a.Playback.Stop(ctx, guild))
	a.Reactive.Wait()

	assert.False(t, a.Queue.Exists(guild))
	assert.False(t, a.Backend.HasPlayer(guild))
}

func TestApp_MaintenanceDropsOrphanedState(t *testing.T) {
	a, _ := newApp(t)
	ctx := context.Background()
	defer func() { _ = a.Close() }()

	now := time.Now()
	for guildID, at := range map[string]time.Time{
		"abandoned": now.Add(-2 * time.Hour),
		"due":       now.Add(-time.Minute),
		"pending":   now.Add(time.Hour),
	} {
		require.NoError(t, a.Store.SetDeadline(ctx, store.Deadline{GuildID: guildID, ExpiresAt: at, Reason: "idle"}))
	}

	ok, err := a.Store.AcquireMonitor(ctx, "gone", a.Owner, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = a.Store.AcquireMonitor(ctx, "other-shard", "someone-else", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	a.maintain()

	monitors, err := a.Store.ListMonitors(ctx)
	require.NoError(t, err)
	require.Len(t, monitors, 1)
	assert.Equal(t, "other-shard", monitors[0].GuildID)

	_, err = a.Store.GetDeadline(ctx, "abandoned")
	assert.ErrorIs(t, err, store.ErrNotFound)
	for _, guildID := range []string{"due", "pending"} {
		_, err = a.Store.GetDeadline(ctx, guildID)
		assert.NoError(t, err, guildID)
	}
}
