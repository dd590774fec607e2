// Package autoplay discovers a track to continue with once a queue runs dry.
package autoplay

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/keshon/domme-player/internal/metrics"
	"github.com/keshon/domme-player/internal/music/musicerr"
	"github.com/keshon/domme-player/internal/music/queue"
)

// Searcher runs text searches against the audio backend.
type Searcher interface {
	Search(ctx context.Context, query string) ([]queue.Track, error)
	Degraded() bool
}

type Options struct {
	Interval      time.Duration // minimum time between searches per guild
	MaxStrategies int
	TopN          int
	RecentWindow  int
	FallbackQuery string
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 3 * time.Second
	}
	if o.MaxStrategies <= 0 {
		o.MaxStrategies = 5
	}
	if o.TopN <= 0 {
		o.TopN = 3
	}
	if o.RecentWindow <= 0 {
		o.RecentWindow = 10
	}
	if o.FallbackQuery == "" {
		o.FallbackQuery = "trending music"
	}
	return o
}

type Service struct {
	searcher Searcher
	metrics  *metrics.Metrics
	log      zerolog.Logger
	opts     Options
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rng      *rand.Rand
}

func New(opts Options, s Searcher, m *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		searcher: s,
		metrics:  m,
		log:      log.With().Str("component", "autoplay").Logger(),
		opts:     opts.withDefaults(),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

// Forget drops the guild's limiter.
func (s *Service) Forget(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, guildID)
}

func (s *Service) allow(guildID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[guildID]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.opts.Interval), 1)
		s.limiters[guildID] = l
	}
	return l.AllowN(s.now(), 1)
}

func (s *Service) shuffle(qs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng.Shuffle(len(qs), func(i, j int) { qs[i], qs[j] = qs[j], qs[i] })
}

func (s *Service) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// FindSimilarTrack picks a track related to last that does not repeat any of
// the recently played titles. recent is ordered oldest first.
func (s *Service) FindSimilarTrack(ctx context.Context, guildID string, last queue.Track, recent []string) (*queue.Track, error) {
	log := s.log.With().Str("guild", guildID).Logger()

	if !s.allow(guildID) {
		s.metrics.Autoplay("rate_limited")
		return nil, musicerr.ErrRateLimited
	}
	if s.searcher.Degraded() {
		s.metrics.Autoplay("degraded")
		return nil, musicerr.New(musicerr.BackendUnavailable, "search backend degraded")
	}

	if len(recent) > s.opts.RecentWindow {
		recent = recent[len(recent)-s.opts.RecentWindow:]
	}
	seen := make([]string, 0, len(recent)+1)
	for _, t := range slices.Concat(recent, []string{last.Title}) {
		if n := normalize(t); n != "" {
			seen = append(seen, n)
		}
	}

	queries := s.strategies(last)
	s.shuffle(queries)
	if len(queries) > s.opts.MaxStrategies {
		queries = queries[:s.opts.MaxStrategies]
	}
	queries = append(queries, s.opts.FallbackQuery)

	for _, q := range queries {
		t, err := s.try(ctx, q, last, seen)
		if err != nil {
			if musicerr.CodeOf(err) == musicerr.BackendUnavailable {
				s.metrics.Autoplay("degraded")
				return nil, err
			}
			log.Debug().Err(err).Str("query", q).Msg("autoplay strategy failed")
			continue
		}
		if t != nil {
			log.Info().Str("query", q).Str("track", t.Title).Msg("autoplay found track")
			s.metrics.Autoplay("found")
			return t, nil
		}
	}

	s.metrics.Autoplay("no_results")
	return nil, musicerr.New(musicerr.NoResults, "no similar track found")
}

func (s *Service) try(ctx context.Context, query string, last queue.Track, seen []string) (*queue.Track, error) {
	tracks, err := s.searcher.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	fresh := filter(tracks, last, seen)
	if len(fresh) == 0 {
		return nil, nil
	}
	top := fresh[:min(len(fresh), s.opts.TopN)]
	t := top[s.intn(len(top))]
	t.Provenance = queue.ProvenanceAutoplay
	return &t, nil
}

// strategies builds the candidate discovery queries for last.
func (s *Service) strategies(last queue.Track) []string {
	title := cleanTitle(last.Title)
	artist := cleanAuthor(last.Author)
	if a, song, ok := splitArtist(title); ok {
		if artist == "" {
			artist = a
		}
		title = song
	}
	found := genres(last.Title + " " + last.Author)

	var qs []string
	if artist != "" {
		qs = append(qs, artist+" songs", artist+" similar artists mix")
	}
	if title != "" {
		qs = append(qs, "songs like "+title)
	}
	for _, g := range found {
		qs = append(qs, g+" mix")
	}

	mood := moods[s.intn(len(moods))]
	switch {
	case len(found) > 0:
		qs = append(qs, mood+" "+found[0]+" music")
	default:
		qs = append(qs, mood+" music")
	}

	if y := year(last.Title); y != "" {
		qs = append(qs, "hits of "+y)
	} else {
		qs = append(qs, "top hits "+s.now().Format("2006"))
	}
	return qs
}

// filter drops unplayable candidates and those whose title contains, or is
// contained in, a recently played title.
func filter(tracks []queue.Track, last queue.Track, seen []string) []queue.Track {
	out := make([]queue.Track, 0, len(tracks))
	for _, t := range tracks {
		if !t.Playable() || t.Stream || t.Encoded == last.Encoded {
			continue
		}
		if last.Identifier != "" && t.Identifier == last.Identifier {
			continue
		}
		if repeats(normalize(t.Title), seen) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func repeats(title string, seen []string) bool {
	if title == "" {
		return true
	}
	for _, s := range seen {
		if strings.Contains(title, s) || strings.Contains(s, title) {
			return true
		}
	}
	return false
}
