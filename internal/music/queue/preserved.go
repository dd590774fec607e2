package queue

import "time"

// PreservedState is the durable snapshot of a session written when the audio
// backend loses its last healthy node.
type PreservedState struct {
	GuildID   string    `json:"guild_id"`
	Timestamp time.Time `json:"timestamp"`
	Track     Track     `json:"track"`
	Position  int64     `json:"position_ms"`
	Paused    bool      `json:"paused"`
	Volume    int       `json:"volume"`
}

// Stale reports whether the snapshot is older than window at now.
func (p PreservedState) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(p.Timestamp) > window
}
