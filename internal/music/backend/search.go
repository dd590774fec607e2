package backend

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/keshon/domme-player/internal/music/musicerr"
	"github.com/keshon/domme-player/internal/music/queue"
)

// Resolve turns a link or free-text query into playable tracks. Text queries
// go to the primary search platform first and are retried once on the
// alternate platform if they find nothing or fail.
func (a *Adapter) Resolve(ctx context.Context, query, requester string) (LoadResult, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return LoadResult{}, musicerr.New(musicerr.NoResults, "empty query")
	}

	if isLink(q) {
		res, err := a.loadClassified(ctx, q, isPlaylistLink(q))
		if err != nil {
			return res, err
		}
		tag(res.Tracks, requester, queue.ProvenanceLink)
		return res, nil
	}

	res, err := a.loadClassified(ctx, a.opts.PrimaryPlatform+":"+q, false)
	if retryable(err) {
		a.log.Debug().Err(err).Str("query", q).Str("platform", a.opts.AlternatePlatform).Msg("retrying search on alternate platform")
		res, err = a.loadClassified(ctx, a.opts.AlternatePlatform+":"+q, false)
	}
	if err != nil {
		return res, err
	}
	tag(res.Tracks, requester, queue.ProvenanceQuery)
	return res, nil
}

// Search is the autoplay entry point: a text search returning candidates.
func (a *Adapter) Search(ctx context.Context, query string) ([]queue.Track, error) {
	res, err := a.Resolve(ctx, query, "autoplay")
	if err != nil {
		return nil, err
	}
	tag(res.Tracks, "autoplay", queue.ProvenanceAutoplay)
	return res.Tracks, nil
}

func retryable(err error) bool {
	switch musicerr.CodeOf(err) {
	case musicerr.NoResults, musicerr.SearchFailed:
		return true
	}
	return false
}

func (a *Adapter) loadClassified(ctx context.Context, identifier string, playlist bool) (LoadResult, error) {
	res, err := a.load(ctx, identifier)
	if err != nil {
		if musicerr.CodeOf(err) != "" {
			return res, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return res, musicerr.Wrap(musicerr.BackendUnavailable, err, "search temporarily unavailable")
		}
		if playlist {
			return res, musicerr.Wrap(musicerr.PlaylistError, err, "failed to load playlist")
		}
		return res, musicerr.Wrap(musicerr.SearchFailed, err, "search failed")
	}

	switch res.Kind {
	case LoadEmpty:
		return res, musicerr.New(musicerr.NoResults, "nothing found")
	case LoadError:
		if playlist {
			return res, musicerr.New(musicerr.PlaylistError, res.Message)
		}
		return res, musicerr.New(musicerr.SearchFailed, res.Message)
	}
	if len(res.Tracks) == 0 {
		return res, musicerr.New(musicerr.NoResults, "nothing found")
	}
	return res, nil
}

// load runs one track load through the breaker. Only transport failures
// count against it; empty or error results are the node working normally.
func (a *Adapter) load(ctx context.Context, identifier string) (LoadResult, error) {
	node, err := a.pick()
	if err != nil {
		return LoadResult{}, err
	}

	start := a.now()
	out, err := a.breaker.Execute(func() (interface{}, error) {
		return node.LoadTracks(ctx, identifier)
	})
	a.metrics.ObserveSearch(a.now().Sub(start))
	if err != nil {
		return LoadResult{}, err
	}
	return out.(LoadResult), nil
}

func tag(tracks []queue.Track, requester string, p queue.Provenance) {
	for i := range tracks {
		tracks[i].Requester = requester
		tracks[i].Provenance = p
	}
}

func isLink(q string) bool {
	u, err := url.Parse(q)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isPlaylistLink(q string) bool {
	u, err := url.Parse(q)
	if err != nil {
		return false
	}
	return u.Query().Has("list") || strings.Contains(u.Path, "/playlist") || strings.Contains(u.Path, "/sets/")
}
