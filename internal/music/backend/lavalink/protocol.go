package lavalink

import (
	"encoding/json"
	"time"

	"github.com/keshon/domme-player/internal/music/backend"
	"github.com/keshon/domme-player/internal/music/queue"
)

// Wire types for the Lavalink v4 REST and websocket protocol.

type apiTrack struct {
	Encoded string       `json:"encoded"`
	Info    apiTrackInfo `json:"info"`
}

type apiTrackInfo struct {
	Identifier string  `json:"identifier"`
	IsSeekable bool    `json:"isSeekable"`
	Author     string  `json:"author"`
	Length     int64   `json:"length"`
	IsStream   bool    `json:"isStream"`
	Position   int64   `json:"position"`
	Title      string  `json:"title"`
	URI        *string `json:"uri"`
	SourceName string  `json:"sourceName"`
}

func (t apiTrack) toTrack() queue.Track {
	out := queue.Track{
		Encoded:    t.Encoded,
		Identifier: t.Info.Identifier,
		Title:      t.Info.Title,
		Author:     t.Info.Author,
		Duration:   time.Duration(t.Info.Length) * time.Millisecond,
		Source:     t.Info.SourceName,
		Seekable:   t.Info.IsSeekable,
		Stream:     t.Info.IsStream,
	}
	if t.Info.URI != nil {
		out.URI = *t.Info.URI
	}
	return out
}

func toTracks(in []apiTrack) []queue.Track {
	out := make([]queue.Track, 0, len(in))
	for _, t := range in {
		out = append(out, t.toTrack())
	}
	return out
}

type apiException struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

type loadResponse struct {
	LoadType string          `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

type playlistData struct {
	Info struct {
		Name          string `json:"name"`
		SelectedTrack int    `json:"selectedTrack"`
	} `json:"info"`
	Tracks []apiTrack `json:"tracks"`
}

func (r loadResponse) decode() (backend.LoadResult, error) {
	switch r.LoadType {
	case "track":
		var t apiTrack
		if err := json.Unmarshal(r.Data, &t); err != nil {
			return backend.LoadResult{}, err
		}
		return backend.LoadResult{Kind: backend.LoadTrack, Tracks: []queue.Track{t.toTrack()}}, nil
	case "search":
		var ts []apiTrack
		if err := json.Unmarshal(r.Data, &ts); err != nil {
			return backend.LoadResult{}, err
		}
		return backend.LoadResult{Kind: backend.LoadSearch, Tracks: toTracks(ts)}, nil
	case "playlist":
		var p playlistData
		if err := json.Unmarshal(r.Data, &p); err != nil {
			return backend.LoadResult{}, err
		}
		return backend.LoadResult{Kind: backend.LoadPlaylist, Tracks: toTracks(p.Tracks), Playlist: p.Info.Name}, nil
	case "error":
		var e apiException
		if err := json.Unmarshal(r.Data, &e); err != nil {
			return backend.LoadResult{}, err
		}
		return backend.LoadResult{Kind: backend.LoadError, Message: e.Message}, nil
	}
	return backend.LoadResult{Kind: backend.LoadEmpty}, nil
}

// encodedTrack is the PATCH track field; a nil Encoded stops playback.
type encodedTrack struct {
	Encoded *string `json:"encoded"`
}

type voiceBody struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

type updatePlayerBody struct {
	Track    *encodedTrack `json:"track,omitempty"`
	Position *int64        `json:"position,omitempty"`
	Paused   *bool         `json:"paused,omitempty"`
	Volume   *int          `json:"volume,omitempty"`
	Voice    *voiceBody    `json:"voice,omitempty"`
}

func newUpdateBody(u backend.PlayerUpdate) updatePlayerBody {
	b := updatePlayerBody{Position: u.Position, Paused: u.Paused, Volume: u.Volume}
	switch {
	case u.Stop:
		b.Track = &encodedTrack{}
	case u.Encoded != nil:
		b.Track = &encodedTrack{Encoded: u.Encoded}
	}
	if u.Voice != nil {
		b.Voice = &voiceBody{Token: u.Voice.Token, Endpoint: u.Voice.Endpoint, SessionID: u.Voice.SessionID}
	}
	return b
}

type playerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int   `json:"ping"`
}

type playerResponse struct {
	GuildID string      `json:"guildId"`
	Track   *apiTrack   `json:"track"`
	Volume  int         `json:"volume"`
	Paused  bool        `json:"paused"`
	State   playerState `json:"state"`
}

func (p playerResponse) info() backend.PlayerInfo {
	out := backend.PlayerInfo{
		GuildID:   p.GuildID,
		Position:  p.State.Position,
		Paused:    p.Paused,
		Volume:    p.Volume,
		Connected: p.State.Connected,
	}
	if p.Track != nil {
		t := p.Track.toTrack()
		out.Track = &t
	}
	return out
}

type sessionUpdateBody struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}

// message is any websocket frame; fields are populated per op.
type message struct {
	Op string `json:"op"`

	// ready
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`

	// playerUpdate
	GuildID string      `json:"guildId"`
	State   playerState `json:"state"`

	// stats
	Players int `json:"players"`

	// event
	Type        string        `json:"type"`
	Track       apiTrack      `json:"track"`
	Reason      string        `json:"reason"`
	Exception   *apiException `json:"exception"`
	ThresholdMs int64         `json:"thresholdMs"`
	Code        int           `json:"code"`
	ByRemote    bool          `json:"byRemote"`
}

func (m message) playerEvent(node string) (backend.PlayerEvent, bool) {
	ev := backend.PlayerEvent{Node: node, GuildID: m.GuildID, Track: m.Track.toTrack()}
	switch m.Type {
	case "TrackStartEvent":
		ev.Type = backend.PlayerTrackStart
	case "TrackEndEvent":
		ev.Type = backend.PlayerTrackEnd
		ev.Reason = m.Reason
	case "TrackExceptionEvent":
		ev.Type = backend.PlayerTrackException
		if m.Exception != nil {
			ev.Message = m.Exception.Message
			ev.Severity = m.Exception.Severity
		}
	case "TrackStuckEvent":
		ev.Type = backend.PlayerTrackStuck
		ev.Threshold = time.Duration(m.ThresholdMs) * time.Millisecond
	case "WebSocketClosedEvent":
		ev.Type = backend.PlayerVoiceClosed
		ev.Code = m.Code
		ev.Reason = m.Reason
		ev.ByRemote = m.ByRemote
	default:
		return ev, false
	}
	return ev, true
}
