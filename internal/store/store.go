// Package store is the shared key-value store used for cross-shard
// coordination: preserved playback snapshots, inactivity deadlines and
// voice-channel monitor flags. Every entry is ephemeral and cleared by the
// logic that owns it.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/keshon/domme-player/internal/music/queue"
)

var ErrNotFound = errors.New("store: key not found")

// Deadline is an inactivity expiry for one guild.
type Deadline struct {
	GuildID   string    `json:"guild_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
}

// Expired reports whether the deadline has passed at now.
func (d Deadline) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// Monitor is a claimed voice-channel monitor flag.
type Monitor struct {
	GuildID string
	Owner   string
}

type Store interface {
	SavePreserved(ctx context.Context, st queue.PreservedState) error
	LoadPreserved(ctx context.Context, guildID string) (queue.PreservedState, error)
	ListPreserved(ctx context.Context) ([]queue.PreservedState, error)
	DeletePreserved(ctx context.Context, guildID string) error

	SetDeadline(ctx context.Context, d Deadline) error
	GetDeadline(ctx context.Context, guildID string) (Deadline, error)
	ListDeadlines(ctx context.Context) ([]Deadline, error)
	DeleteDeadline(ctx context.Context, guildID string) error
	// ClaimDeadline deletes the guild's deadline only if it has expired at
	// now. Exactly one caller across all shards observes true.
	ClaimDeadline(ctx context.Context, guildID string, now time.Time) (Deadline, bool, error)

	// AcquireMonitor sets the guild's monitor flag if it is unset.
	AcquireMonitor(ctx context.Context, guildID, owner string, ttl time.Duration) (bool, error)
	// RefreshMonitor extends the flag's TTL if owner still holds it.
	RefreshMonitor(ctx context.Context, guildID, owner string, ttl time.Duration) (bool, error)
	// ReleaseMonitor clears the flag if owner holds it.
	ReleaseMonitor(ctx context.Context, guildID, owner string) error
	ListMonitors(ctx context.Context) ([]Monitor, error)
	// ClearMonitor clears the flag regardless of owner.
	ClearMonitor(ctx context.Context, guildID string) error

	Close() error
}

// Keys builds the store's key names under a common prefix.
type Keys struct {
	Prefix string
}

func (k Keys) Preserved(guildID string) string  { return k.Prefix + "preserved:" + guildID }
func (k Keys) Deadline(guildID string) string   { return k.Prefix + "inactivity:" + guildID }
func (k Keys) Monitor(guildID string) string    { return k.Prefix + "vcmonitor:" + guildID }
func (k Keys) PreservedPattern() string         { return k.Prefix + "preserved:*" }
func (k Keys) DeadlinePattern() string          { return k.Prefix + "inactivity:*" }
func (k Keys) MonitorPattern() string           { return k.Prefix + "vcmonitor:*" }
func (k Keys) guildFrom(kind, key string) string { return key[len(k.Prefix+kind+":"):] }
