package reactive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/keshon/domme-player/internal/music/events"
	"github.com/keshon/domme-player/internal/music/musicerr"
	"github.com/keshon/domme-player/internal/music/playback"
	"github.com/keshon/domme-player/internal/music/queue"
	"github.com/keshon/domme-player/pkg/jobmgr"
)

const guild = "g1"

type fakeBackend struct {
	mu       sync.Mutex
	played   []string
	hasTrack bool
}

func (f *fakeBackend) HasPlayer(string) bool { return true }

func (f *fakeBackend) HasTrack(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasTrack
}

func (f *fakeBackend) Play(_ context.Context, _ string, t queue.Track, _ int64) error {
	time.Sleep(5 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, t.Encoded)
	f.hasTrack = true
	return nil
}

func (f *fakeBackend) Pause(context.Context, string, bool) error    { return nil }
func (f *fakeBackend) Stop(context.Context, string) error           { return nil }
func (f *fakeBackend) Seek(context.Context, string, int64) error    { return nil }
func (f *fakeBackend) SetVolume(context.Context, string, int) error { return nil }

func (f *fakeBackend) plays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.played...)
}

type mockVoice struct{ mock.Mock }

func (m *mockVoice) Disconnect(ctx context.Context, guildID, reason string) error {
	return m.Called(guildID, reason).Error(0)
}

func (m *mockVoice) StartIdleTimer(ctx context.Context, guildID string) error {
	return m.Called(guildID).Error(0)
}

func (m *mockVoice) ClearIdleTimer(ctx context.Context, guildID string) error {
	return m.Called(guildID).Error(0)
}

type mockFinder struct{ mock.Mock }

func (m *mockFinder) FindSimilarTrack(ctx context.Context, guildID string, last queue.Track, recent []string) (*queue.Track, error) {
	args := m.Called(guildID, last.Encoded, recent)
	t, _ := args.Get(0).(*queue.Track)
	return t, args.Error(1)
}

type mockResumer struct{ mock.Mock }

func (m *mockResumer) Resume(ctx context.Context, guildID string, st queue.PreservedState) error {
	return m.Called(guildID, st.Track.Encoded).Error(0)
}

func (m *mockResumer) ClearPreserved(ctx context.Context, guildID string) error {
	return m.Called(guildID).Error(0)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) add(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind() == k {
			n++
		}
	}
	return n
}

type fixture struct {
	h        *Handler
	queue    *queue.Service
	playback *playback.Service
	backend  *fakeBackend
	voice    *mockVoice
	finder   *mockFinder
	resumer  *mockResumer
	rec      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		queue:   queue.NewService(queue.Options{}),
		backend: &fakeBackend{},
		voice:   &mockVoice{},
		finder:  &mockFinder{},
		resumer: &mockResumer{},
		rec:     &recorder{},
	}
	f.queue.GetOrCreate(guild, "vc", "tc")

	bus := events.NewBus(zerolog.Nop())
	bus.Subscribe(f.rec.add)
	jobs := jobmgr.NewManager(nil)
	t.Cleanup(jobs.StopAll)

	f.playback = playback.New(playback.Options{}, f.queue, f.backend, bus, jobs, nil, zerolog.Nop())
	f.h = New(f.queue, f.playback, f.voice, f.finder, f.resumer, bus, time.Second, zerolog.Nop())
	t.Cleanup(f.h.Close)
	return f
}

func track(id string) queue.Track {
	return queue.Track{Encoded: id, Title: "Title " + id}
}

func (f *fixture) start(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.queue.Add(guild, track(id))
		require.NoError(t, err)
	}
	require.NoError(t, f.playback.Start(context.Background(), guild))
}

func (f *fixture) current() string {
	st, _ := f.queue.Snapshot(guild)
	if st.Current == nil {
		return ""
	}
	return st.Current.Encoded
}

func ended(id string, reason events.EndReason) events.TrackEnded {
	return events.TrackEnded{Session: events.Session{GuildID: guild}, Track: track(id), Reason: reason}
}

func TestTrackEnded_AdvancesQueue(t *testing.T) {
	f := newFixture(t)
	f.start(t, "A", "B", "C")

	f.h.Handle(ended("A", events.EndFinished))
	f.h.Wait()

	st, _ := f.queue.Snapshot(guild)
	assert.Equal(t, "B", f.current())
	require.Len(t, st.Pending, 1)
	assert.Equal(t, "C", st.Pending[0].Encoded)
	assert.Equal(t, []string{"A", "B"}, f.backend.plays())
}

func TestTrackEnded_IgnoresReplacedAndStale(t *testing.T) {
	f := newFixture(t)
	f.start(t, "A", "B")

	f.h.Handle(ended("A", events.EndReplaced))
	f.h.Handle(ended("Z", events.EndFinished))
	f.h.Wait()

	assert.Equal(t, "A", f.current())
	assert.Equal(t, []string{"A"}, f.backend.plays())
}

func TestConcurrentTriggers_PlayOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t, "A", "B", "C")

	session := events.Session{GuildID: guild}
	f.h.Handle(ended("A", events.EndFinished))
	f.h.Handle(events.TrackException{Session: session, Track: track("A"), Message: "boom"})
	f.h.Handle(events.TrackStuck{Session: session, Track: track("A"), Threshold: time.Second})
	f.h.Wait()

	assert.Equal(t, []string{"A", "B"}, f.backend.plays())
	assert.Equal(t, "B", f.current())
}

func TestTrackException_SwallowedWhileReplacing(t *testing.T) {
	f := newFixture(t)
	f.start(t, "A", "B")
	f.queue.SetReplacing(guild, true)

	f.h.Handle(events.TrackException{Session: events.Session{GuildID: guild}, Track: track("A"), Message: "interrupted"})
	f.h.Wait()

	assert.Equal(t, "A", f.current())
}

func TestQueueFinished_StartsIdleTimer(t *testing.T) {
	f := newFixture(t)
	f.start(t, "A")
	f.voice.On("StartIdleTimer", guild).Return(nil).Once()

	f.h.Handle(ended("A", events.EndFinished))
	f.h.Wait()

	assert.Equal(t, "", f.current())
	assert.Equal(t, 1, f.rec.count(events.KindQueueFinished))
	f.voice.AssertExpectations(t)
}

func TestAutoplay_PlaysFoundTrack(t *testing.T) {
	f := newFixture(t)
	f.start(t, "A")
	_, err := f.queue.ToggleAutoplay(guild)
	require.NoError(t, err)
	found := track("X")
	f.finder.On("FindSimilarTrack", guild, "A", mock.Anything).Return(&found, nil).Once()

	f.h.Handle(ended("A", events.EndFinished))
	f.h.Wait()

	assert.Equal(t, "X", f.current())
	assert.Equal(t, []string{"A", "X"}, f.backend.plays())
	assert.Equal(t, 1, f.rec.count(events.KindAutoplayFound))
	assert.Zero(t, f.rec.count(events.KindQueueFinished))
	f.finder.AssertExpectations(t)
}

func TestAutoplay_FailureGoesIdle(t *testing.T) {
	f := newFixture(t)
	f.start(t, "A")
	_, err := f.queue.ToggleAutoplay(guild)
	require.NoError(t, err)
	f.finder.On("FindSimilarTrack", guild, "A", mock.Anything).Return(nil, musicerr.ErrNoResults).Once()
	f.voice.On("StartIdleTimer", guild).Return(nil).Once()

	f.h.Handle(ended("A", events.EndFinished))
	f.h.Wait()

	st, _ := f.queue.Snapshot(guild)
	assert.Equal(t, queue.StateIdle, st.PlayState)
	assert.Equal(t, 1, f.rec.count(events.KindAutoplayFailed))
	f.voice.AssertExpectations(t)
}

func TestCleanupEvents_Disconnect(t *testing.T) {
	f := newFixture(t)
	f.voice.On("Disconnect", guild, "voice closed").Return(nil).Once()
	f.voice.On("Disconnect", guild, "inactivity: empty").Return(nil).Once()
	f.voice.On("Disconnect", "other", "inactivity: idle").Return(nil).Once()

	session := events.Session{GuildID: guild}
	f.h.Handle(events.VoiceClosed{Session: session, Code: 4014, ByRemote: true})
	f.h.Handle(events.VoiceClosed{Session: events.Session{GuildID: "other"}, Code: 4014})
	f.h.Handle(events.InactivityExpired{Session: session, Reason: events.InactivityEmpty})
	f.h.Handle(events.InactivityExpired{Session: events.Session{GuildID: "other"}, Reason: events.InactivityIdle})
	f.h.Wait()

	f.voice.AssertExpectations(t)
	f.voice.AssertNumberOfCalls(t, "Disconnect", 3)
}

func TestPreservedStateFound_ResumesLocalSessions(t *testing.T) {
	f := newFixture(t)
	f.resumer.On("Resume", guild, "A").Return(nil).Once()

	snap := queue.PreservedState{GuildID: guild, Track: track("A"), Position: 42000, Paused: true}
	f.h.Handle(events.PreservedStateFound{Session: events.Session{GuildID: guild}, State: snap})
	f.h.Handle(events.PreservedStateFound{Session: events.Session{GuildID: "other"}, State: snap})
	f.h.Wait()

	f.resumer.AssertExpectations(t)
	f.resumer.AssertNumberOfCalls(t, "Resume", 1)

	st, _ := f.queue.Snapshot(guild)
	assert.Equal(t, "A", f.current())
	assert.Equal(t, queue.StatePaused, st.PlayState)
	assert.NotZero(t, st.Generation)
}

func TestPreservedStateFound_SessionMovedOn(t *testing.T) {
	f := newFixture(t)
	f.start(t, "B")
	f.resumer.On("ClearPreserved", guild).Return(nil).Once()

	snap := queue.PreservedState{GuildID: guild, Track: track("A"), Position: 42000}
	f.h.Handle(events.PreservedStateFound{Session: events.Session{GuildID: guild}, State: snap})
	f.h.Wait()

	f.resumer.AssertExpectations(t)
	f.resumer.AssertNotCalled(t, "Resume", guild, "A")
	assert.Equal(t, "B", f.current())
}

func TestPreservedStateFound_WaitsForTransition(t *testing.T) {
	f := newFixture(t)
	f.resumer.On("Resume", guild, "A").Return(nil).Once()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.playback.WithTransition(context.Background(), guild, "test", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	snap := queue.PreservedState{GuildID: guild, Track: track("A")}
	f.h.Handle(events.PreservedStateFound{Session: events.Session{GuildID: guild}, State: snap})
	time.Sleep(50 * time.Millisecond)
	f.resumer.AssertNotCalled(t, "Resume", guild, "A")

	close(release)
	f.h.Wait()
	f.resumer.AssertExpectations(t)
}

func TestTrackStarted_ClearsIdleTimerAndVote(t *testing.T) {
	f := newFixture(t)
	f.start(t, "A")
	_, _, err := f.queue.StartVote(guild, 3)
	require.NoError(t, err)
	f.voice.On("ClearIdleTimer", guild).Return(nil).Once()

	f.h.Handle(events.TrackStarted{Session: events.Session{GuildID: guild}, Track: track("A")})
	f.h.Wait()

	st, _ := f.queue.Snapshot(guild)
	assert.Zero(t, st.VoteRequired)
	f.voice.AssertExpectations(t)
}

func TestPlaybackStopped_Disconnects(t *testing.T) {
	f := newFixture(t)
	f.start(t, "A", "B")
	f.voice.On("Disconnect", guild, "stop").Return(nil).Once()

	require.NoError(t, f.playback.Stop(context.Background(), guild))
	f.h.Wait()

	f.voice.AssertExpectations(t)
	f.voice.AssertNotCalled(t, "StartIdleTimer", guild)
}

func TestFailedTrack_LeavesTrackLoop(t *testing.T) {
	f := newFixture(t)
	f.start(t, "A", "B", "C")
	mode, err := f.queue.CycleLoop(guild)
	require.NoError(t, err)
	require.Equal(t, queue.LoopTrack, mode)

	session := events.Session{GuildID: guild}
	for range 3 {
		f.h.Handle(events.TrackException{Session: session, Track: track("A"), Message: "decode failed"})
		f.h.Wait()
	}
	assert.Equal(t, "B", f.current())
	assert.Equal(t, []string{"A", "B"}, f.backend.plays())

	f.h.Handle(events.TrackStuck{Session: session, Track: track("B"), Threshold: time.Second})
	f.h.Wait()
	assert.Equal(t, "C", f.current())

	f.h.Handle(ended("C", events.EndFinished))
	f.h.Wait()
	assert.Equal(t, "C", f.current(), "a finished track still loops")
	assert.Equal(t, []string{"A", "B", "C", "C"}, f.backend.plays())
}
