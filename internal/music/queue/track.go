package queue

import "time"

// Provenance records how a track entered the queue.
type Provenance string

const (
	ProvenanceLink     Provenance = "link"
	ProvenanceQuery    Provenance = "query"
	ProvenanceAutoplay Provenance = "autoplay"
)

// Track is a resolved, backend-playable item. Encoded is the opaque backend
// payload and must be passed back unchanged for replay.
type Track struct {
	Encoded    string        `json:"encoded"`
	Identifier string        `json:"identifier"`
	URI        string        `json:"uri"`
	Title      string        `json:"title"`
	Author     string        `json:"author"`
	Duration   time.Duration `json:"duration"`
	Source     string        `json:"source"`
	Requester  string        `json:"requester"`
	Provenance Provenance    `json:"provenance"`
	Seekable   bool          `json:"seekable"`
	Stream     bool          `json:"stream"`
}

// Playable reports whether the track carries a backend payload.
func (t *Track) Playable() bool {
	return t != nil && t.Encoded != ""
}

// LoopMode controls what Next returns once the current track finishes.
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopTrack
	LoopQueue
)

// Cycle returns the mode after off → track → queue → off.
func (m LoopMode) Cycle() LoopMode {
	switch m {
	case LoopOff:
		return LoopTrack
	case LoopTrack:
		return LoopQueue
	default:
		return LoopOff
	}
}

func (m LoopMode) String() string {
	switch m {
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "off"
	}
}

type PlayState int

const (
	StateIdle PlayState = iota
	StatePlaying
	StatePaused
)

func (s PlayState) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}
