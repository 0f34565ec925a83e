package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
	"github.com/redis/go-redis/v9"
)

func init() {
	Register("redis", newRedisBackend)
	Register("valkey", newRedisBackend)
}

// RedisClient is the subset of *redis.Client the backend needs. A genuine
// *redis.Client satisfies it directly; tests can supply a fake.
type RedisClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

func newRedisBackend(ctx context.Context, cfg Config) (Backend, error) {
	client := cfg.RedisClient
	if client == nil {
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("storage: redis backend requires RedisClient or RedisURL")
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("storage: parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

// RedisBackend persists history as JSON-encoded entries in per-(room,
// channel) sorted sets scored by timestamp.
type RedisBackend struct {
	client RedisClient
}

type redisEntry struct {
	Envelope  json.RawMessage `json:"envelope"`
	Room      string          `json:"room"`
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

func historyKey(room, channel string) string {
	return fmt.Sprintf("arqonbus:history:%s:%s", room, channel)
}

func (b *RedisBackend) Append(ctx context.Context, env *envelope.Envelope) (Result, error) {
	envJSON, err := env.MarshalJSON()
	if err != nil {
		return Result{}, fmt.Errorf("storage: marshal envelope: %w", err)
	}
	var seq int64
	if env.Metadata.Sequence != nil {
		seq = *env.Metadata.Sequence
	}
	entry := redisEntry{Envelope: envJSON, Room: env.Room, Channel: env.Channel, Timestamp: env.Timestamp, Sequence: seq}
	blob, err := json.Marshal(entry)
	if err != nil {
		return Result{}, fmt.Errorf("storage: marshal entry: %w", err)
	}

	key := historyKey(env.Room, env.Channel)
	score := float64(env.Timestamp.UnixNano())
	if err := b.client.ZAdd(ctx, key, redis.Z{Score: score, Member: blob}).Err(); err != nil {
		return Result{}, fmt.Errorf("storage: redis zadd: %w", err)
	}
	return Result{Success: true, MessageID: env.ID, Timestamp: env.Timestamp}, nil
}

func (b *RedisBackend) readWindow(ctx context.Context, room, channel string, min, max string) ([]HistoryEntry, error) {
	raws, err := b.client.ZRangeByScore(ctx, historyKey(room, channel), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: redis zrangebyscore: %w", err)
	}
	out := make([]HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var re redisEntry
		if err := json.Unmarshal([]byte(raw), &re); err != nil {
			return nil, fmt.Errorf("storage: unmarshal entry: %w", err)
		}
		var env envelope.Envelope
		if err := env.UnmarshalJSON(re.Envelope); err != nil {
			return nil, fmt.Errorf("storage: unmarshal envelope: %w", err)
		}
		out = append(out, HistoryEntry{Envelope: &env, Room: re.Room, Channel: re.Channel, Timestamp: re.Timestamp, Sequence: re.Sequence})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (b *RedisBackend) GetHistory(ctx context.Context, room, channel string, limit int, since, until *time.Time) ([]HistoryEntry, error) {
	min, max := "-inf", "+inf"
	if since != nil {
		min = strconv.FormatInt(since.UnixNano(), 10)
	}
	if until != nil {
		max = strconv.FormatInt(until.UnixNano(), 10)
	}
	out, err := b.readWindow(ctx, room, channel, min, max)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *RedisBackend) GetHistoryReplay(ctx context.Context, room, channel string, fromTS, toTS time.Time, limit int, strictSequence bool) ([]HistoryEntry, error) {
	out, err := b.readWindow(ctx, room, channel, strconv.FormatInt(fromTS.UnixNano(), 10), strconv.FormatInt(toTS.UnixNano(), 10))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if strictSequence {
		for i := 1; i < len(out); i++ {
			if out[i].Sequence < out[i-1].Sequence {
				return nil, ErrSequenceRegression
			}
		}
	}
	return out, nil
}

func (b *RedisBackend) DeleteMessage(ctx context.Context, id string) error {
	keys, err := b.client.Keys(ctx, "arqonbus:history:*").Result()
	if err != nil {
		return fmt.Errorf("storage: redis keys: %w", err)
	}
	for _, key := range keys {
		raws, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
		if err != nil {
			continue
		}
		for _, raw := range raws {
			var re redisEntry
			if json.Unmarshal([]byte(raw), &re) != nil {
				continue
			}
			var env envelope.Envelope
			if env.UnmarshalJSON(re.Envelope) != nil {
				continue
			}
			if env.ID == id {
				_ = b.client.ZRem(ctx, key, raw).Err()
			}
		}
	}
	return nil
}

func (b *RedisBackend) ClearHistory(ctx context.Context, room, channel string) error {
	return b.client.Del(ctx, historyKey(room, channel)).Err()
}

func (b *RedisBackend) GetStats(ctx context.Context) (Stats, error) {
	keys, err := b.client.Keys(ctx, "arqonbus:history:*").Result()
	if err != nil {
		return Stats{}, fmt.Errorf("storage: redis keys: %w", err)
	}
	return Stats{Backend: "redis", EntryCount: int64(len(keys))}, nil
}

func (b *RedisBackend) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error { return nil }
