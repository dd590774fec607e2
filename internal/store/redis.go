package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/keshon/domme-player/internal/music/queue"
)

const scanCount = 100

var (
	// deletes KEYS[1] when its value equals ARGV[1]
	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	// extends KEYS[1] by ARGV[2] ms when its value equals ARGV[1]
	compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisStore is the Store shared by every shard.
type RedisStore struct {
	client *redis.Client
	keys   Keys
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, keys: Keys{Prefix: prefix}}
}

// DialRedis parses a redis:// URL, connects and pings.
func DialRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to ping redis")
	}
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) SavePreserved(ctx context.Context, st queue.PreservedState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "failed to marshal preserved state")
	}
	if err := s.client.Set(ctx, s.keys.Preserved(st.GuildID), data, 0).Err(); err != nil {
		return errors.Wrap(err, "failed to save preserved state")
	}
	return nil
}

func (s *RedisStore) LoadPreserved(ctx context.Context, guildID string) (queue.PreservedState, error) {
	var st queue.PreservedState
	data, err := s.client.Get(ctx, s.keys.Preserved(guildID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return st, ErrNotFound
		}
		return st, errors.Wrap(err, "failed to get preserved state")
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, errors.Wrap(err, "failed to unmarshal preserved state")
	}
	return st, nil
}

func (s *RedisStore) ListPreserved(ctx context.Context) ([]queue.PreservedState, error) {
	keys, err := s.scan(ctx, s.keys.PreservedPattern())
	if err != nil {
		return nil, err
	}
	out := make([]queue.PreservedState, 0, len(keys))
	for _, key := range keys {
		st, err := s.LoadPreserved(ctx, s.keys.guildFrom("preserved", key))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *RedisStore) DeletePreserved(ctx context.Context, guildID string) error {
	if err := s.client.Del(ctx, s.keys.Preserved(guildID)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete preserved state")
	}
	return nil
}

func (s *RedisStore) SetDeadline(ctx context.Context, d Deadline) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "failed to marshal deadline")
	}
	if err := s.client.Set(ctx, s.keys.Deadline(d.GuildID), data, 0).Err(); err != nil {
		return errors.Wrap(err, "failed to save deadline")
	}
	return nil
}

func (s *RedisStore) getDeadlineRaw(ctx context.Context, guildID string) (Deadline, string, error) {
	var d Deadline
	raw, err := s.client.Get(ctx, s.keys.Deadline(guildID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return d, "", ErrNotFound
		}
		return d, "", errors.Wrap(err, "failed to get deadline")
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, "", errors.Wrap(err, "failed to unmarshal deadline")
	}
	return d, raw, nil
}

func (s *RedisStore) GetDeadline(ctx context.Context, guildID string) (Deadline, error) {
	d, _, err := s.getDeadlineRaw(ctx, guildID)
	return d, err
}

func (s *RedisStore) ListDeadlines(ctx context.Context) ([]Deadline, error) {
	keys, err := s.scan(ctx, s.keys.DeadlinePattern())
	if err != nil {
		return nil, err
	}
	out := make([]Deadline, 0, len(keys))
	for _, key := range keys {
		d, err := s.GetDeadline(ctx, s.keys.guildFrom("inactivity", key))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *RedisStore) DeleteDeadline(ctx context.Context, guildID string) error {
	if err := s.client.Del(ctx, s.keys.Deadline(guildID)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete deadline")
	}
	return nil
}

func (s *RedisStore) ClaimDeadline(ctx context.Context, guildID string, now time.Time) (Deadline, bool, error) {
	d, raw, err := s.getDeadlineRaw(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		return d, false, nil
	}
	if err != nil {
		return d, false, err
	}
	if !d.Expired(now) {
		return d, false, nil
	}
	n, err := compareAndDelete.Run(ctx, s.client, []string{s.keys.Deadline(guildID)}, raw).Int()
	if err != nil {
		return d, false, errors.Wrap(err, "failed to claim deadline")
	}
	return d, n == 1, nil
}

func (s *RedisStore) AcquireMonitor(ctx context.Context, guildID, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keys.Monitor(guildID), owner, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire monitor flag")
	}
	return ok, nil
}

func (s *RedisStore) RefreshMonitor(ctx context.Context, guildID, owner string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, s.client, []string{s.keys.Monitor(guildID)}, owner, strconv.FormatInt(ttl.Milliseconds(), 10)).Int()
	if err != nil {
		return false, errors.Wrap(err, "failed to refresh monitor flag")
	}
	return n == 1, nil
}

func (s *RedisStore) ReleaseMonitor(ctx context.Context, guildID, owner string) error {
	if err := compareAndDelete.Run(ctx, s.client, []string{s.keys.Monitor(guildID)}, owner).Err(); err != nil {
		return errors.Wrap(err, "failed to release monitor flag")
	}
	return nil
}

func (s *RedisStore) ListMonitors(ctx context.Context) ([]Monitor, error) {
	keys, err := s.scan(ctx, s.keys.MonitorPattern())
	if err != nil {
		return nil, err
	}
	out := make([]Monitor, 0, len(keys))
	for _, key := range keys {
		owner, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to get monitor flag")
		}
		out = append(out, Monitor{GuildID: s.keys.guildFrom("vcmonitor", key), Owner: owner})
	}
	return out, nil
}

func (s *RedisStore) ClearMonitor(ctx context.Context, guildID string) error {
	if err := s.client.Del(ctx, s.keys.Monitor(guildID)).Err(); err != nil {
		return errors.Wrap(err, "failed to clear monitor flag")
	}
	return nil
}

func (s *RedisStore) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", pattern)
	}
	return keys, nil
}
