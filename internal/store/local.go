package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keshon/domme-player/internal/music/queue"
)

// LocalConfig configures a LocalStore.
type LocalConfig struct {
	FilePath         string
	Prefix           string
	AutoSaveInterval time.Duration
	Logger           zerolog.Logger
}

type localEntry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// LocalStore is a single-process Store persisted to a JSON file. It keeps
// snapshots across restarts of one shard but offers no cross-process
// coordination; deployments with several shards use RedisStore.
type LocalStore struct {
	mu           sync.Mutex
	data         map[string]localEntry
	file         string
	keys         Keys
	log          zerolog.Logger
	lastChecksum string
	now          func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	if cfg.FilePath == "" {
		return nil, errors.New("file path cannot be empty")
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = 10 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LocalStore{
		data:   make(map[string]localEntry),
		file:   cfg.FilePath,
		keys:   Keys{Prefix: cfg.Prefix},
		log:    cfg.Logger.With().Str("component", "localstore").Logger(),
		now:    time.Now,
		cancel: cancel,
	}

	if _, err := os.Stat(cfg.FilePath); err == nil {
		if err := s.loadFromFile(); err != nil {
			cancel()
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		cancel()
		return nil, errors.Wrap(err, "failed to check file existence")
	}

	s.wg.Add(1)
	go s.autoSave(ctx, cfg.AutoSaveInterval)
	return s, nil
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return s.save()
}

func (s *LocalStore) put(key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value")
	}
	e := localEntry{Value: raw}
	if ttl > 0 {
		exp := s.now().Add(ttl)
		e.ExpiresAt = &exp
	}
	s.data[key] = e
	return nil
}

// lookup returns a live entry, evicting it if expired. Callers hold mu.
func (s *LocalStore) lookup(key string) (localEntry, bool) {
	e, ok := s.data[key]
	if !ok {
		return e, false
	}
	if e.ExpiresAt != nil && !s.now().Before(*e.ExpiresAt) {
		delete(s.data, key)
		return e, false
	}
	return e, true
}

func (s *LocalStore) matching(prefix string) []string {
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			if _, ok := s.lookup(k); ok {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *LocalStore) SavePreserved(_ context.Context, st queue.PreservedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(s.keys.Preserved(st.GuildID), st, 0)
}

func (s *LocalStore) LoadPreserved(_ context.Context, guildID string) (queue.PreservedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPreserved(s.keys.Preserved(guildID))
}

func (s *LocalStore) loadPreserved(key string) (queue.PreservedState, error) {
	var st queue.PreservedState
	e, ok := s.lookup(key)
	if !ok {
		return st, ErrNotFound
	}
	if err := json.Unmarshal(e.Value, &st); err != nil {
		return st, errors.Wrap(err, "failed to unmarshal preserved state")
	}
	return st, nil
}

func (s *LocalStore) ListPreserved(_ context.Context) ([]queue.PreservedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.matching(s.keys.Prefix + "preserved:")
	out := make([]queue.PreservedState, 0, len(keys))
	for _, k := range keys {
		st, err := s.loadPreserved(k)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *LocalStore) DeletePreserved(_ context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, s.keys.Preserved(guildID))
	return nil
}

func (s *LocalStore) SetDeadline(_ context.Context, d Deadline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(s.keys.Deadline(d.GuildID), d, 0)
}

func (s *LocalStore) getDeadline(key string) (Deadline, error) {
	var d Deadline
	e, ok := s.lookup(key)
	if !ok {
		return d, ErrNotFound
	}
	if err := json.Unmarshal(e.Value, &d); err != nil {
		return d, errors.Wrap(err, "failed to unmarshal deadline")
	}
	return d, nil
}

func (s *LocalStore) GetDeadline(_ context.Context, guildID string) (Deadline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDeadline(s.keys.Deadline(guildID))
}

func (s *LocalStore) ListDeadlines(_ context.Context) ([]Deadline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.matching(s.keys.Prefix + "inactivity:")
	out := make([]Deadline, 0, len(keys))
	for _, k := range keys {
		d, err := s.getDeadline(k)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *LocalStore) DeleteDeadline(_ context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, s.keys.Deadline(guildID))
	return nil
}

func (s *LocalStore) ClaimDeadline(_ context.Context, guildID string, now time.Time) (Deadline, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keys.Deadline(guildID)
	d, err := s.getDeadline(key)
	if errors.Is(err, ErrNotFound) {
		return d, false, nil
	}
	if err != nil {
		return d, false, err
	}
	if !d.Expired(now) {
		return d, false, nil
	}
	delete(s.data, key)
	return d, true, nil
}

func (s *LocalStore) monitorOwner(key string) (string, bool) {
	e, ok := s.lookup(key)
	if !ok {
		return "", false
	}
	var owner string
	if err := json.Unmarshal(e.Value, &owner); err != nil {
		return "", false
	}
	return owner, true
}

func (s *LocalStore) AcquireMonitor(_ context.Context, guildID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keys.Monitor(guildID)
	if _, held := s.monitorOwner(key); held {
		return false, nil
	}
	return true, s.put(key, owner, ttl)
}

func (s *LocalStore) RefreshMonitor(_ context.Context, guildID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keys.Monitor(guildID)
	if cur, held := s.monitorOwner(key); !held || cur != owner {
		return false, nil
	}
	return true, s.put(key, owner, ttl)
}

func (s *LocalStore) ReleaseMonitor(_ context.Context, guildID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keys.Monitor(guildID)
	if cur, held := s.monitorOwner(key); held && cur == owner {
		delete(s.data, key)
	}
	return nil
}

func (s *LocalStore) ListMonitors(_ context.Context) ([]Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.matching(s.keys.Prefix + "vcmonitor:")
	out := make([]Monitor, 0, len(keys))
	for _, k := range keys {
		owner, _ := s.monitorOwner(k)
		out = append(out, Monitor{GuildID: s.keys.guildFrom("vcmonitor", k), Owner: owner})
	}
	return out, nil
}

func (s *LocalStore) ClearMonitor(_ context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, s.keys.Monitor(guildID))
	return nil
}

func (s *LocalStore) autoSave(ctx context.Context, every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.save(); err != nil {
				s.log.Error().Err(err).Msg("auto-save failed")
			}
		}
	}
}

// save writes the map atomically, skipping the write when nothing changed.
func (s *LocalStore) save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "failed to marshal data")
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	if checksum == s.lastChecksum {
		return nil
	}
	if err := writeFileAtomic(s.file, data); err != nil {
		return err
	}
	s.lastChecksum = checksum
	return nil
}

func (s *LocalStore) loadFromFile() error {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return errors.Wrap(err, "failed to read file")
	}
	if len(data) == 0 {
		return nil
	}
	var m map[string]localEntry
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.Wrap(err, "invalid JSON format")
	}
	s.data = m
	sum := sha256.Sum256(data)
	s.lastChecksum = hex.EncodeToString(sum[:])
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open temp file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "failed to sync temp file")
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to rename temp file")
	}
	return nil
}
