// Package kvstore wraps the Redis client behind the typed operations the
// rest of fluxline uses: TTL'd keys, lists, hashes, sets and streams, with
// JSON coercion for non-string values.
//
// Failures here are soft for callers: every operation returns the typed
// zero value plus an error, and callers treat errors as cache misses unless
// the operation semantically requires success.
package kvstore

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/logger"
)

// Options configures the KV store connection.
type Options struct {
	Addr           string
	Password       string
	DB             int
	MaxConns       int
	SocketTimeout  time.Duration
	ConnectTimeout time.Duration
}

// Store is the process-wide KV handle. Lifecycle: New → (operations) → Close.
type Store struct {
	rdb       *redis.Client
	log       zerolog.Logger
	startedAt time.Time
}

// StreamEntry is one entry read back from a stream.
type StreamEntry struct {
	ID     string
	Values map[string]any
}

// Health is a point-in-time health report for the KV store.
type Health struct {
	Connected        bool          `json:"connected"`
	PingLatency      time.Duration `json:"ping_latency"`
	ConnectedClients int           `json:"connected_clients"`
	Version          string        `json:"version"`
	UptimeSeconds    int64         `json:"uptime_seconds"`
}

// New builds a Store. The connection is lazy; Ping establishes it.
func New(opts Options) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.MaxConns,
		ReadTimeout:  opts.SocketTimeout,
		WriteTimeout: opts.SocketTimeout,
		DialTimeout:  opts.ConnectTimeout,
	})
	return &Store{
		rdb:       rdb,
		log:       logger.New("kvstore"),
		startedAt: time.Now(),
	}
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, log: logger.New("kvstore"), startedAt: time.Now()}
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping round-trips the server.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// encode serializes values deterministically: strings pass through, all
// other values are JSON-encoded (encoding/json sorts map keys, so the same
// input always yields the same stored bytes).
func encode(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// decode attempts a JSON decode and falls back to the raw string.
func decode(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// Set stores a value with an optional TTL (0 means no expiry).
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	enc, err := encode(value)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, enc, ttl).Err()
}

// SetNX stores the value only if the key does not exist. Returns whether
// the write happened.
func (s *Store) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	enc, err := encode(value)
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, key, enc, ttl).Result()
}

// Get returns the decoded value, or nil with no error on a missing key.
func (s *Store) Get(ctx context.Context, key string) (any, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(raw), nil
}

// Delete removes keys, returning the number removed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	return s.rdb.Del(ctx, keys...).Result()
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.Expire(ctx, key, ttl).Result()
}

// TTL returns the remaining time to live.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.rdb.TTL(ctx, key).Result()
}

// Incr increments a counter key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

// Decr decrements a counter key.
func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Decr(ctx, key).Result()
}

// LPush pushes values onto the head of a list.
func (s *Store) LPush(ctx context.Context, key string, values ...any) (int64, error) {
	encoded := make([]any, len(values))
	for i, v := range values {
		enc, err := encode(v)
		if err != nil {
			return 0, err
		}
		encoded[i] = enc
	}
	return s.rdb.LPush(ctx, key, encoded...).Result()
}

// RPop pops from the tail of a list. Missing key yields "" and no error.
func (s *Store) RPop(ctx context.Context, key string) (string, error) {
	raw, err := s.rdb.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return raw, err
}

// BRPopLPush atomically moves the tail of source onto the head of
// destination, blocking up to timeout for an element. A timeout with no
// element yields "" and no error.
func (s *Store) BRPopLPush(ctx context.Context, source, destination string, timeout time.Duration) (string, error) {
	raw, err := s.rdb.BRPopLPush(ctx, source, destination, timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	return raw, err
}

// LRem removes count occurrences of value from the list.
func (s *Store) LRem(ctx context.Context, key string, count int64, value any) (int64, error) {
	enc, err := encode(value)
	if err != nil {
		return 0, err
	}
	return s.rdb.LRem(ctx, key, count, enc).Result()
}

// LRange returns list entries in [start, stop].
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

// LTrim trims the list to [start, stop].
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.rdb.LTrim(ctx, key, start, stop).Err()
}

// LLen returns the list length.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

// HSet writes a field mapping onto a hash.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		enc, err := encode(v)
		if err != nil {
			return err
		}
		flat = append(flat, k, enc)
	}
	return s.rdb.HSet(ctx, key, flat...).Err()
}

// HGet reads one hash field. Missing field yields "" and no error.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	raw, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	return raw, err
}

// HGetAll reads the whole hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

// HDel removes hash fields.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return s.rdb.HDel(ctx, key, fields...).Result()
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...any) (int64, error) {
	return s.rdb.SAdd(ctx, key, members...).Result()
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...any) (int64, error) {
	return s.rdb.SRem(ctx, key, members...).Result()
}

// SMembers lists the set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

// SCard returns the set cardinality.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.SCard(ctx, key).Result()
}

// Keys scans for keys matching the pattern.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.rdb.Keys(ctx, pattern).Result()
}

// FlushDB clears the current logical database.
func (s *Store) FlushDB(ctx context.Context) error {
	return s.rdb.FlushDB(ctx).Err()
}

// XAdd appends an entry to a stream, capping its length at maxLen.
func (s *Store) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	encoded := make(map[string]any, len(values))
	for k, v := range values {
		enc, err := encode(v)
		if err != nil {
			return "", err
		}
		encoded[k] = enc
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: encoded,
	}).Result()
}

// XRange scans a stream between two ids ("-" and "+" for the full range).
func (s *Store) XRange(ctx context.Context, stream, start, stop string) ([]StreamEntry, error) {
	msgs, err := s.rdb.XRange(ctx, stream, start, stop).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]StreamEntry, len(msgs))
	for i, m := range msgs {
		values := make(map[string]any, len(m.Values))
		for k, v := range m.Values {
			if raw, ok := v.(string); ok {
				values[k] = decode(raw)
			} else {
				values[k] = v
			}
		}
		entries[i] = StreamEntry{ID: m.ID, Values: values}
	}
	return entries, nil
}

// XLen returns the stream length.
func (s *Store) XLen(ctx context.Context, stream string) (int64, error) {
	return s.rdb.XLen(ctx, stream).Result()
}

// CheckHealth pings the server and, when available, augments the report
// with server info. INFO failures degrade the report instead of failing it.
func (s *Store) CheckHealth(ctx context.Context) Health {
	start := time.Now()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return Health{Connected: false}
	}
	h := Health{Connected: true, PingLatency: time.Since(start)}

	info, err := s.rdb.Info(ctx, "server", "clients").Result()
	if err != nil {
		return h
	}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "redis_version:"):
			h.Version = strings.TrimPrefix(line, "redis_version:")
		case strings.HasPrefix(line, "connected_clients:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "connected_clients:")); err == nil {
				h.ConnectedClients = n
			}
		case strings.HasPrefix(line, "uptime_in_seconds:"):
			if n, err := strconv.ParseInt(strings.TrimPrefix(line, "uptime_in_seconds:"), 10, 64); err == nil {
				h.UptimeSeconds = n
			}
		}
	}
	return h
}

// RunHealthLoop probes health on the given interval until ctx is done,
// logging failures. Probe failures never crash the process.
func (s *Store) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := s.CheckHealth(ctx)
			if !h.Connected {
				s.log.Warn().Msg("kv store health probe failed")
			} else {
				s.log.Debug().Dur("latency", h.PingLatency).Msg("kv store healthy")
			}
		}
	}
}
