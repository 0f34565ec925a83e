package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
)

const defaultRingSize = 10000

func init() {
	Register("memory", newMemoryBackend)
}

func newMemoryBackend(_ context.Context, cfg Config) (Backend, error) {
	size := cfg.RingSize
	if size <= 0 {
		size = defaultRingSize
	}
	return &MemoryBackend{entries: make([]HistoryEntry, 0, size), max: size}, nil
}

// MemoryBackend is an in-process, bounded ring buffer of history entries.
// It never errors on construction, so it never falls back to the no-op
// backend regardless of Mode.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	max     int
}

func (b *MemoryBackend) Append(_ context.Context, env *envelope.Envelope) (Result, error) {
	entry := HistoryEntry{
		Envelope:  env.Clone(),
		Room:      env.Room,
		Channel:   env.Channel,
		Timestamp: env.Timestamp,
	}
	if env.Metadata.Sequence != nil {
		entry.Sequence = *env.Metadata.Sequence
	}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
	b.mu.Unlock()

	return Result{Success: true, MessageID: env.ID, Timestamp: entry.Timestamp}, nil
}

func (b *MemoryBackend) GetHistory(_ context.Context, room, channel string, limit int, since, until *time.Time) ([]HistoryEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []HistoryEntry
	for _, e := range b.entries {
		if !matchesRoomChannel(e, room, channel) {
			continue
		}
		if since != nil && e.Timestamp.Before(*since) {
			continue
		}
		if until != nil && e.Timestamp.After(*until) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *MemoryBackend) GetHistoryReplay(_ context.Context, room, channel string, fromTS, toTS time.Time, limit int, strictSequence bool) ([]HistoryEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []HistoryEntry
	for _, e := range b.entries {
		if !matchesRoomChannel(e, room, channel) {
			continue
		}
		if e.Timestamp.Before(fromTS) || e.Timestamp.After(toTS) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
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

func matchesRoomChannel(e HistoryEntry, room, channel string) bool {
	if room != "" && e.Room != room {
		return false
	}
	if channel != "" && e.Channel != channel {
		return false
	}
	return true
}

func (b *MemoryBackend) DeleteMessage(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.Envelope.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (b *MemoryBackend) ClearHistory(_ context.Context, room, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.entries[:0]
	for _, e := range b.entries {
		if matchesRoomChannel(e, room, channel) {
			continue
		}
		kept = append(kept, e)
	}
	b.entries = kept
	return nil
}

func (b *MemoryBackend) GetStats(_ context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := Stats{Backend: "memory", EntryCount: int64(len(b.entries))}
	if len(b.entries) > 0 {
		stats.OldestEntry = b.entries[0].Timestamp
		stats.NewestEntry = b.entries[len(b.entries)-1].Timestamp
	}
	return stats, nil
}

func (b *MemoryBackend) HealthCheck(_ context.Context) error { return nil }

func (b *MemoryBackend) Close() error { return nil }
