package settings

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultCacheTTL = 5 * time.Minute

// Store serves configuration with an in-memory cache bounded by a TTL.
// Credential rotation becomes visible within one TTL window; no push
// invalidation is needed. The clock is injectable for staleness tests.
type Store struct {
	db     *gorm.DB
	cipher *Cipher
	logger *slog.Logger

	ttl time.Duration
	now func() time.Time

	mu         sync.Mutex
	cache      map[string]string
	fetchedAt  time.Time
	refreshing bool
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option      { return func(s *Store) { s.ttl = ttl } }
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(s *Store) { s.logger = l } }

func NewStore(db *gorm.DB, cipher *Cipher, opts ...Option) *Store {
	s := &Store{
		db:     db,
		cipher: cipher,
		logger: slog.Default(),
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		cache:  map[string]string{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the value for key, refreshing the cache first when it is older
// than the TTL. A stored row is authoritative even when its value is empty
// (cleared by an admin, or degraded after a decrypt failure); the process
// environment and the documented defaults apply only to keys with no row at
// all. A missing key yields "".
func (s *Store) Get(ctx context.Context, key string) string {
	s.refreshIfStale(ctx)

	s.mu.Lock()
	v, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return v
	}
	if env := os.Getenv(key); env != "" {
		return env
	}
	return defaults[key]
}

func (s *Store) GetMany(ctx context.Context, keys ...string) map[string]string {
	s.refreshIfStale(ctx)

	out := make(map[string]string, len(keys))
	var missing []string
	s.mu.Lock()
	for _, k := range keys {
		v, ok := s.cache[k]
		out[k] = v
		if !ok {
			missing = append(missing, k)
		}
	}
	s.mu.Unlock()

	for _, k := range missing {
		if env := os.Getenv(k); env != "" {
			out[k] = env
		} else {
			out[k] = defaults[k]
		}
	}
	return out
}

// Bool reads a toggle; only "true" and "1" count as on.
func (s *Store) Bool(ctx context.Context, key string) bool {
	v := s.Get(ctx, key)
	return v == "true" || v == "1"
}

// Set upserts an allowed key. Unknown keys are ignored so attacker-supplied
// config names can never be persisted. For sensitive keys the value is
// encrypted at rest, and an empty value means "keep existing".
func (s *Store) Set(ctx context.Context, key, value string) error {
	if !IsAllowed(key) {
		s.logger.WarnContext(ctx, "settings: ignoring unknown key", "key", key)
		return nil
	}

	encrypted := IsSensitive(key)
	if encrypted {
		if value == "" {
			return nil
		}
		enc, err := s.cipher.Encrypt(value)
		if err != nil {
			return err
		}
		value = enc
	}

	row := Setting{Key: key, Value: value, Encrypted: encrypted, UpdatedAt: s.now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "encrypted", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return err
	}

	// Bust the cache so the write is visible on the next read.
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
	return nil
}

// HasValue reports whether a non-empty value is stored for key, without
// exposing the value itself. Used by the masked admin read.
func (s *Store) HasValue(ctx context.Context, key string) bool {
	return s.Get(ctx, key) != ""
}

// refreshIfStale reloads all settings from the database when the cache is past
// its TTL. Only the reader that notices staleness pays the reload; concurrent
// readers keep serving the stale-but-valid snapshot.
func (s *Store) refreshIfStale(ctx context.Context) {
	s.mu.Lock()
	if s.refreshing || s.now().Sub(s.fetchedAt) < s.ttl {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.mu.Unlock()

	fresh, err := s.loadAll(ctx)

	s.mu.Lock()
	s.refreshing = false
	if err == nil {
		s.cache = fresh
		s.fetchedAt = s.now()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorContext(ctx, "settings: cache refresh failed", "err", err)
	}
}

func (s *Store) loadAll(ctx context.Context) (map[string]string, error) {
	var rows []Setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		if !row.Encrypted {
			out[row.Key] = row.Value
			continue
		}
		plain, err := s.cipher.Decrypt(row.Value)
		if err != nil {
			// One corrupt row must not block unrelated settings.
			s.logger.Warn("settings: decrypt failed, serving empty", "key", row.Key)
			out[row.Key] = ""
			continue
		}
		out[row.Key] = plain
	}
	return out, nil
}
