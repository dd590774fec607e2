package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LAVALINK_NODES", "")
	t.Setenv("DISCORD_TOKEN", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "player:", cfg.StorePrefix)
	assert.Equal(t, 30*time.Minute, cfg.StalenessWindow)
	assert.Equal(t, 3*time.Second, cfg.TransitionTimeout)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 0.5, cfg.SkipVoteRatio)
	assert.Equal(t, uint32(5), cfg.BreakerFailures)
	assert.Error(t, cfg.RequireBot())
}

func TestLoad_Nodes(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "token")
	t.Setenv("LAVALINK_NODES", "main|http://lava1:2333|youshallnotpass, |https://lava2.example:443|pw")
	t.Setenv("INACTIVITY_TIMEOUT", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.LavalinkNodes, 2)
	assert.Equal(t, Node{Name: "main", URL: "http://lava1:2333", Password: "youshallnotpass"}, cfg.LavalinkNodes[0])
	assert.Equal(t, "lava2.example:443", cfg.LavalinkNodes[1].Name)
	assert.Equal(t, 2*time.Minute, cfg.InactivityTimeout)
	assert.NoError(t, cfg.RequireBot())
}

func TestLoad_InvalidNode(t *testing.T) {
	t.Setenv("LAVALINK_NODES", "main|lava1:2333")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("LAVALINK_NODES", "main|ftp://lava1|pw")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_InvalidShard(t *testing.T) {
	t.Setenv("SHARD_ID", "2")
	t.Setenv("SHARD_COUNT", "2")

	_, err := Load()
	assert.Error(t, err)
}
