// Package config loads process settings from the environment, reading a
// .env file first when one is present.
package config

import (
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Node is one Lavalink node.
type Node struct {
	Name     string
	URL      string
	Password string
}

// Nodes parses LAVALINK_NODES: comma-separated name|url|password entries.
type Nodes []Node

func (n *Nodes) UnmarshalText(text []byte) error {
	var out Nodes
	for _, entry := range strings.Split(string(text), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 3 {
			return errors.Errorf("node %q: want name|url|password", entry)
		}
		node := Node{Name: strings.TrimSpace(parts[0]), URL: strings.TrimSpace(parts[1]), Password: parts[2]}
		u, err := url.Parse(node.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return errors.Errorf("node %q: invalid url %q", node.Name, node.URL)
		}
		if node.Name == "" {
			node.Name = u.Host
		}
		out = append(out, node)
	}
	*n = out
	return nil
}

type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN"`
	ShardID      int    `env:"SHARD_ID" envDefault:"0"`
	ShardCount   int    `env:"SHARD_COUNT" envDefault:"1"`

	// RedisURL selects the shared store; empty falls back to a local file.
	RedisURL    string `env:"REDIS_URL"`
	StorePrefix string `env:"STORE_PREFIX" envDefault:"player:"`
	StoragePath string `env:"STORAGE_PATH" envDefault:"datastore.json"`

	LavalinkNodes         Nodes         `env:"LAVALINK_NODES"`
	LavalinkResumeTimeout time.Duration `env:"LAVALINK_RESUME_TIMEOUT" envDefault:"60s"`
	SearchPlatform        string        `env:"SEARCH_PLATFORM" envDefault:"ytsearch"`
	AlternatePlatform     string        `env:"ALTERNATE_PLATFORM" envDefault:"scsearch"`
	StalenessWindow       time.Duration `env:"STALENESS_WINDOW" envDefault:"30m"`
	BreakerFailures       uint32        `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerTimeout        time.Duration `env:"BREAKER_TIMEOUT" envDefault:"30s"`

	MaxQueueSize      int           `env:"MAX_QUEUE_SIZE" envDefault:"0"`
	DefaultVolume     int           `env:"DEFAULT_VOLUME" envDefault:"100"`
	TransitionTimeout time.Duration `env:"TRANSITION_TIMEOUT" envDefault:"3s"`
	ReplaceWindow     time.Duration `env:"REPLACE_WINDOW" envDefault:"1s"`
	SkipVoteRatio     float64       `env:"SKIP_VOTE_RATIO" envDefault:"0.5"`
	SkipVoteThreshold int           `env:"SKIP_VOTE_THRESHOLD" envDefault:"3"`
	SkipVoteTimeout   time.Duration `env:"SKIP_VOTE_TIMEOUT" envDefault:"30s"`

	InactivityTimeout   time.Duration `env:"INACTIVITY_TIMEOUT" envDefault:"5m"`
	EmptyChannelTimeout time.Duration `env:"EMPTY_CHANNEL_TIMEOUT" envDefault:"60s"`
	MonitorInterval     time.Duration `env:"MONITOR_INTERVAL" envDefault:"15s"`
	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	AutoplayInterval    time.Duration `env:"AUTOPLAY_INTERVAL" envDefault:"3s"`

	MetricsAddr         string `env:"METRICS_ADDR"`
	MaintenanceSchedule string `env:"MAINTENANCE_SCHEDULE" envDefault:"@every 10m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ShardCount < 1 || c.ShardID < 0 || c.ShardID >= c.ShardCount {
		return errors.Errorf("invalid shard %d of %d", c.ShardID, c.ShardCount)
	}
	if c.SkipVoteRatio <= 0 || c.SkipVoteRatio > 1 {
		return errors.Errorf("SKIP_VOTE_RATIO must be in (0, 1], got %v", c.SkipVoteRatio)
	}
	if c.MaxQueueSize < 0 {
		return errors.New("MAX_QUEUE_SIZE must not be negative")
	}
	return nil
}

// RequireBot checks the settings only the bot process needs.
func (c *Config) RequireBot() error {
	if c.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is not set")
	}
	if len(c.LavalinkNodes) == 0 {
		return errors.New("LAVALINK_NODES is not set")
	}
	return nil
}
