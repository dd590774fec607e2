package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/keshon/domme-player/internal/music/events"
	"github.com/keshon/domme-player/internal/music/musicerr"
	"github.com/keshon/domme-player/internal/music/queue"
	"github.com/keshon/domme-player/internal/store"
)

type mockNode struct {
	mock.Mock
	name string
}

func (m *mockNode) Name() string { return m.name }

func (m *mockNode) Start(ctx context.Context, sink Sink) error {
	<-ctx.Done()
	return nil
}

func (m *mockNode) Close() error { return nil }

func (m *mockNode) LoadTracks(ctx context.Context, identifier string) (LoadResult, error) {
	args := m.Called(ctx, identifier)
	return args.Get(0).(LoadResult), args.Error(1)
}

func (m *mockNode) UpdatePlayer(ctx context.Context, guildID string, u PlayerUpdate) (PlayerInfo, error) {
	args := m.Called(ctx, guildID, u)
	return PlayerInfo{GuildID: guildID}, args.Error(0)
}

func (m *mockNode) DestroyPlayer(ctx context.Context, guildID string) error {
	return m.Called(ctx, guildID).Error(0)
}

type fixture struct {
	adapter *Adapter
	store   store.Store
	now     time.Time
	events  []events.Event
}

func newFixture(t *testing.T, opts Options, nodes ...*mockNode) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")

	f := &fixture{store: st, now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	bus := events.NewBus(zerolog.Nop())
	bus.Subscribe(func(ev events.Event) { f.events = append(f.events, ev) })

	f.adapter = New(opts, st, bus, nil, zerolog.Nop())
	f.adapter.now = func() time.Time { return f.now }
	for _, n := range nodes {
		f.adapter.AddNode(n)
	}
	return f
}

func (f *fixture) kinds() []events.Kind {
	out := make([]events.Kind, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (f *fixture) found() []events.PreservedStateFound {
	var out []events.PreservedStateFound
	for _, ev := range f.events {
		if p, ok := ev.(events.PreservedStateFound); ok {
			out = append(out, p)
		}
	}
	return out
}

var trackA = queue.Track{Encoded: "QAAA", Title: "Song A", Duration: 3 * time.Minute}

func playing(t *testing.T, f *fixture, node *mockNode) {
	t.Helper()
	node.On("UpdatePlayer", mock.Anything, "g1", mock.Anything).Return(nil)

	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventReady, Node: node.name})
	require.NoError(t, f.adapter.CreatePlayer(context.Background(), "g1", 80))
	require.NoError(t, f.adapter.Play(context.Background(), "g1", trackA, 0))
	f.adapter.HandlePlayerEvent(PlayerEvent{Type: PlayerStateUpdate, GuildID: "g1", Position: 42000, Time: f.now})
}

func TestAdapter_OutageSnapshotThenStaleDiscard(t *testing.T) {
	node := &mockNode{name: "main"}
	f := newFixture(t, Options{}, node)
	playing(t, f, node)
	ctx := context.Background()

	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventClosed, Node: "main", Code: 1006})
	assert.Zero(t, f.adapter.Healthy())

	st, err := f.store.LoadPreserved(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "QAAA", st.Track.Encoded)
	assert.Equal(t, int64(42000), st.Position)
	assert.False(t, st.Paused)
	assert.Equal(t, 80, st.Volume)

	f.now = f.now.Add(40 * time.Minute)
	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventReady, Node: "main"})

	assert.Empty(t, f.found(), "stale snapshot must not be surfaced")
	_, err = f.store.LoadPreserved(ctx, "g1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdapter_FreshSnapshotSurfacedUntilCleared(t *testing.T) {
	node := &mockNode{name: "main"}
	f := newFixture(t, Options{}, node)
	playing(t, f, node)
	ctx := context.Background()

	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventClosed, Node: "main"})
	f.now = f.now.Add(10 * time.Minute)
	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventReady, Node: "main"})

	found := f.found()
	require.Len(t, found, 1)
	assert.Equal(t, "g1", found[0].Guild())
	assert.Equal(t, int64(42000), found[0].State.Position)

	states, err := f.adapter.PreservedStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)

	require.NoError(t, f.adapter.Resume(ctx, "g1", found[0].State))
	node.AssertCalled(t, "UpdatePlayer", mock.Anything, "g1", mock.MatchedBy(func(u PlayerUpdate) bool {
		return u.Encoded != nil && *u.Encoded == "QAAA" && u.Position != nil && *u.Position == 42000
	}))

	states, err = f.adapter.PreservedStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestAdapter_ClosedNodeMigratesPlayers(t *testing.T) {
	a := &mockNode{name: "a"}
	b := &mockNode{name: "b"}
	f := newFixture(t, Options{}, a, b)
	b.On("UpdatePlayer", mock.Anything, "g1", mock.Anything).Return(nil)

	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventReady, Node: "b"})
	playing(t, f, a)
	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventReady, Node: "b"})

	// g1 went to a: alphabetical tie-break with no players anywhere.
	require.Equal(t, []NodeStatus{{Name: "a", Healthy: true, Players: 1}, {Name: "b", Healthy: true}}, f.adapter.Nodes())

	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventClosed, Node: "a"})
	assert.Equal(t, []NodeStatus{{Name: "a"}, {Name: "b", Healthy: true, Players: 1}}, f.adapter.Nodes())
	b.AssertCalled(t, "UpdatePlayer", mock.Anything, "g1", mock.MatchedBy(func(u PlayerUpdate) bool {
		return u.Encoded != nil && *u.Encoded == "QAAA"
	}))

	_, err := f.store.LoadPreserved(context.Background(), "g1")
	assert.ErrorIs(t, err, store.ErrNotFound, "no snapshot while a node is still healthy")
}

func TestAdapter_ResolveFallsBackToAlternatePlatform(t *testing.T) {
	node := &mockNode{name: "main"}
	f := newFixture(t, Options{}, node)
	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventReady, Node: "main"})

	node.On("LoadTracks", mock.Anything, "ytsearch:lofi beats").Return(LoadResult{Kind: LoadEmpty}, nil).Once()
	node.On("LoadTracks", mock.Anything, "scsearch:lofi beats").
		Return(LoadResult{Kind: LoadSearch, Tracks: []queue.Track{{Encoded: "x", Title: "Lofi"}}}, nil).Once()

	res, err := f.adapter.Resolve(context.Background(), "lofi beats", "u1")
	require.NoError(t, err)
	require.Len(t, res.Tracks, 1)
	assert.Equal(t, "u1", res.Tracks[0].Requester)
	assert.Equal(t, queue.ProvenanceQuery, res.Tracks[0].Provenance)
	node.AssertExpectations(t)
}

func TestAdapter_ResolveErrors(t *testing.T) {
	node := &mockNode{name: "main"}
	f := newFixture(t, Options{}, node)
	ctx := context.Background()

	_, err := f.adapter.Resolve(ctx, "anything", "u1")
	assert.ErrorIs(t, err, musicerr.ErrBackendUnavailable, "no healthy node yet")

	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventReady, Node: "main"})
	node.On("LoadTracks", mock.Anything, "ytsearch:nothing").Return(LoadResult{Kind: LoadEmpty}, nil)
	node.On("LoadTracks", mock.Anything, "scsearch:nothing").Return(LoadResult{Kind: LoadEmpty}, nil)
	_, err = f.adapter.Resolve(ctx, "nothing", "u1")
	assert.ErrorIs(t, err, musicerr.ErrNoResults)

	list := "https://www.youtube.com/playlist?list=PL123"
	node.On("LoadTracks", mock.Anything, list).Return(LoadResult{Kind: LoadError, Message: "private"}, nil)
	_, err = f.adapter.Resolve(ctx, list, "u1")
	assert.ErrorIs(t, err, musicerr.ErrPlaylistError)
}

func TestAdapter_BreakerOpensAndDegrades(t *testing.T) {
	node := &mockNode{name: "main"}
	f := newFixture(t, Options{BreakerFailures: 2, BreakerTimeout: time.Hour}, node)
	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventReady, Node: "main"})
	ctx := context.Background()

	link := "https://example.com/a.mp3"
	node.On("LoadTracks", mock.Anything, link).Return(LoadResult{}, errors.New("connection reset"))

	for i := 0; i < 2; i++ {
		_, err := f.adapter.Resolve(ctx, link, "u1")
		assert.ErrorIs(t, err, musicerr.ErrSearchFailed)
	}
	assert.True(t, f.adapter.Degraded())
	assert.Contains(t, f.kinds(), events.KindBreakerStateChanged)

	_, err := f.adapter.Resolve(ctx, link, "u1")
	assert.ErrorIs(t, err, musicerr.ErrBackendUnavailable)
	node.AssertNumberOfCalls(t, "LoadTracks", 2)
}

func TestAdapter_BreakerTripPreservesPlayback(t *testing.T) {
	node := &mockNode{name: "main"}
	f := newFixture(t, Options{BreakerFailures: 2, BreakerTimeout: 20 * time.Millisecond}, node)
	playing(t, f, node)
	ctx := context.Background()

	link := "https://example.com/a.mp3"
	node.On("LoadTracks", mock.Anything, link).Return(LoadResult{}, errors.New("connection reset")).Twice()
	for range 2 {
		_, _ = f.adapter.Resolve(ctx, link, "u1")
	}
	require.True(t, f.adapter.Degraded())

	var snap queue.PreservedState
	require.Eventually(t, func() bool {
		var err error
		snap, err = f.store.LoadPreserved(ctx, "g1")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, trackA.Encoded, snap.Track.Encoded)
	assert.Equal(t, int64(42000), snap.Position)

	time.Sleep(40 * time.Millisecond)
	node.On("LoadTracks", mock.Anything, link).Return(LoadResult{Kind: LoadTrack, Tracks: []queue.Track{trackA}}, nil).Once()
	_, err := f.adapter.Resolve(ctx, link, "u1")
	require.NoError(t, err)
	assert.False(t, f.adapter.Degraded())

	require.Eventually(t, func() bool {
		_, err := f.store.LoadPreserved(ctx, "g1")
		return errors.Is(err, store.ErrNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestAdapter_PlayerCommands(t *testing.T) {
	node := &mockNode{name: "main"}
	f := newFixture(t, Options{}, node)
	ctx := context.Background()

	assert.ErrorIs(t, f.adapter.Pause(ctx, "g1", true), musicerr.ErrNoPlayer)

	playing(t, f, node)
	assert.True(t, f.adapter.HasPlayer("g1"))
	assert.ErrorIs(t, f.adapter.Play(ctx, "g1", queue.Track{Title: "no payload"}, 0), musicerr.ErrInvalidTrack)

	f.now = f.now.Add(2 * time.Second)
	assert.Equal(t, int64(44000), f.adapter.Position("g1"))

	require.NoError(t, f.adapter.Pause(ctx, "g1", true))
	f.now = f.now.Add(10 * time.Second)
	assert.Equal(t, int64(44000), f.adapter.Position("g1"), "paused position does not advance")

	require.NoError(t, f.adapter.Seek(ctx, "g1", 1000))
	assert.Equal(t, int64(1000), f.adapter.Position("g1"))

	node.On("DestroyPlayer", mock.Anything, "g1").Return(nil)
	require.NoError(t, f.adapter.DestroyPlayer(ctx, "g1"))
	assert.False(t, f.adapter.HasPlayer("g1"))
}

func TestAdapter_DestroyWithoutHandleHitsHealthyNodes(t *testing.T) {
	up := &mockNode{name: "up"}
	down := &mockNode{name: "down"}
	f := newFixture(t, Options{}, up, down)
	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventReady, Node: "up"})
	up.On("DestroyPlayer", mock.Anything, "g1").Return(nil).Once()

	require.NoError(t, f.adapter.DestroyPlayer(context.Background(), "g1"))
	up.AssertExpectations(t)
	down.AssertNotCalled(t, "DestroyPlayer", mock.Anything, "g1")
}

func TestAdapter_VoiceForwardedOnceComplete(t *testing.T) {
	node := &mockNode{name: "main"}
	f := newFixture(t, Options{}, node)
	ctx := context.Background()
	node.On("UpdatePlayer", mock.Anything, "g1", mock.Anything).Return(nil)

	f.adapter.HandleNodeEvent(NodeEvent{Type: NodeEventReady, Node: "main"})
	require.NoError(t, f.adapter.CreatePlayer(ctx, "g1", 100))

	require.NoError(t, f.adapter.UpdateVoice(ctx, "g1", VoiceState{SessionID: "sess"}))
	node.AssertNumberOfCalls(t, "UpdatePlayer", 1)

	require.NoError(t, f.adapter.UpdateVoice(ctx, "g1", VoiceState{Token: "tok", Endpoint: "eu.discord.media"}))
	node.AssertCalled(t, "UpdatePlayer", mock.Anything, "g1", mock.MatchedBy(func(u PlayerUpdate) bool {
		return u.Voice != nil && *u.Voice == VoiceState{Token: "tok", Endpoint: "eu.discord.media", SessionID: "sess"}
	}))
}

func TestAdapter_TrackNotificationsBecomeEvents(t *testing.T) {
	node := &mockNode{name: "main"}
	f := newFixture(t, Options{}, node)
	playing(t, f, node)
	f.events = nil

	f.adapter.HandlePlayerEvent(PlayerEvent{Type: PlayerTrackStart, GuildID: "g1", Track: trackA})
	f.adapter.HandlePlayerEvent(PlayerEvent{Type: PlayerTrackEnd, GuildID: "g1", Track: trackA, Reason: "finished"})
	f.adapter.HandlePlayerEvent(PlayerEvent{Type: PlayerTrackException, GuildID: "g1", Message: "boom"})
	f.adapter.HandlePlayerEvent(PlayerEvent{Type: PlayerTrackStuck, GuildID: "g1", Threshold: time.Second})
	f.adapter.HandlePlayerEvent(PlayerEvent{Type: PlayerVoiceClosed, GuildID: "g1", Code: 4014})

	assert.Equal(t, []events.Kind{
		events.KindTrackStarted,
		events.KindTrackEnded,
		events.KindTrackException,
		events.KindTrackStuck,
		events.KindVoiceClosed,
	}, f.kinds())
	ended := f.events[1].(events.TrackEnded)
	assert.Equal(t, events.EndFinished, ended.Reason)

	n, err := f.adapter.PreserveAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "ended track leaves nothing to preserve")
}
