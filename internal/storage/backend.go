// Package storage defines the pluggable persistence contract for envelopes
// and the memory/redis/postgres backends that implement it.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
)

// Result is returned by a successful Append.
type Result struct {
	Success   bool
	MessageID string
	Timestamp time.Time
}

// HistoryEntry is a denormalized, replay-ready persisted row.
type HistoryEntry struct {
	Envelope  *envelope.Envelope
	Room      string
	Channel   string
	Timestamp time.Time
	Sequence  int64
}

// Stats is the backend's self-reported health/volume snapshot.
type Stats struct {
	Backend       string
	EntryCount    int64
	OldestEntry   time.Time
	NewestEntry   time.Time
	Degraded      bool
}

// ErrSequenceRegression is returned by GetHistoryReplay under
// strict_sequence when metadata.sequence decreases within the window.
var ErrSequenceRegression = fmt.Errorf("Sequence regression")

// Backend is the pluggable persistence contract. Implementations are
// registered by name in the package Registry and constructed via Create.
type Backend interface {
	Append(ctx context.Context, env *envelope.Envelope) (Result, error)
	GetHistory(ctx context.Context, room, channel string, limit int, since, until *time.Time) ([]HistoryEntry, error)
	GetHistoryReplay(ctx context.Context, room, channel string, fromTS, toTS time.Time, limit int, strictSequence bool) ([]HistoryEntry, error)
	DeleteMessage(ctx context.Context, id string) error
	ClearHistory(ctx context.Context, room, channel string) error
	GetStats(ctx context.Context) (Stats, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Mode selects strict-vs-degraded behavior when a backend's prerequisites
// are unavailable at creation time.
type Mode string

const (
	ModeStrict   Mode = "strict"
	ModeDegraded Mode = "degraded"
)

// Config configures backend construction. Fields beyond Kind/Mode are
// consulted only by the backend they name.
type Config struct {
	Kind        string
	Mode        Mode
	RingSize    int
	PostgresURL string
	RedisURL    string
	RedisClient RedisClient
	SQLOpener   func(driverName, dataSourceName string) (SQLDB, error)
}

// Factory constructs a Backend from a Config. A registered Factory is
// preferred over a bare constructor when both exist for a kind.
type Factory func(ctx context.Context, cfg Config) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs factory under name, overwriting any prior registration.
// Called from each backend's init() so callers only need to import the
// backend package for its side effect.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Create builds the backend named by cfg.Kind. Strict mode surfaces
// construction errors (missing driver, unreachable prerequisite);
// degraded mode falls back to a no-op backend that accepts writes
// without persisting them.
func Create(ctx context.Context, cfg Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown backend kind %q", cfg.Kind)
	}

	backend, err := factory(ctx, cfg)
	if err != nil {
		if cfg.Mode == ModeDegraded {
			return newNoopBackend(cfg.Kind, err), nil
		}
		return nil, fmt.Errorf("storage: create %q backend: %w", cfg.Kind, err)
	}
	return backend, nil
}

// noopBackend satisfies Backend without persisting anything; it is handed
// out by Create when a degraded-mode backend fails its prerequisites.
type noopBackend struct {
	kind   string
	cause  error
}

func newNoopBackend(kind string, cause error) *noopBackend {
	return &noopBackend{kind: kind, cause: cause}
}

func (b *noopBackend) Append(ctx context.Context, env *envelope.Envelope) (Result, error) {
	return Result{Success: true, MessageID: env.ID, Timestamp: time.Now().UTC()}, nil
}

func (b *noopBackend) GetHistory(ctx context.Context, room, channel string, limit int, since, until *time.Time) ([]HistoryEntry, error) {
	return nil, nil
}

func (b *noopBackend) GetHistoryReplay(ctx context.Context, room, channel string, fromTS, toTS time.Time, limit int, strictSequence bool) ([]HistoryEntry, error) {
	return nil, nil
}

func (b *noopBackend) DeleteMessage(ctx context.Context, id string) error { return nil }

func (b *noopBackend) ClearHistory(ctx context.Context, room, channel string) error { return nil }

func (b *noopBackend) GetStats(ctx context.Context) (Stats, error) {
	return Stats{Backend: b.kind + ":degraded", Degraded: true}, nil
}

func (b *noopBackend) HealthCheck(ctx context.Context) error {
	return fmt.Errorf("storage: %s backend running degraded: %w", b.kind, b.cause)
}

func (b *noopBackend) Close() error { return nil }
