package storage

import (
	"context"
	"testing"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnvelope(room, channel string, ts time.Time, seq int64) *envelope.Envelope {
	e := envelope.New(envelope.TypeMessage)
	e.Room = room
	e.Channel = channel
	e.Timestamp = ts
	e.Metadata.Sequence = &seq
	return e
}

func TestCreatePrefersRegisteredFactory(t *testing.T) {
	ctx := context.Background()
	backend, err := Create(ctx, Config{Kind: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, backend)
}

func TestCreateUnknownKindErrors(t *testing.T) {
	_, err := Create(context.Background(), Config{Kind: "does-not-exist"})
	assert.Error(t, err)
}

func TestCreateDegradedFallsBackToNoop(t *testing.T) {
	ctx := context.Background()
	backend, err := Create(ctx, Config{Kind: "postgres", Mode: ModeDegraded})
	require.NoError(t, err)
	_, isNoop := backend.(*noopBackend)
	assert.True(t, isNoop)
}

func TestCreateStrictSurfacesError(t *testing.T) {
	ctx := context.Background()
	_, err := Create(ctx, Config{Kind: "postgres", Mode: ModeStrict})
	assert.Error(t, err)
}

func TestMemoryBackendHistoryOrdering(t *testing.T) {
	ctx := context.Background()
	backend := &MemoryBackend{max: 100}
	base := time.Now().UTC()

	_, err := backend.Append(ctx, newTestEnvelope("ops", "events", base.Add(1*time.Second), 1))
	require.NoError(t, err)
	_, err = backend.Append(ctx, newTestEnvelope("ops", "events", base.Add(2*time.Second), 2))
	require.NoError(t, err)

	entries, err := backend.GetHistory(ctx, "ops", "events", 0, nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Timestamp.Before(entries[1].Timestamp))
}

func TestMemoryBackendReplaySequenceRegression(t *testing.T) {
	ctx := context.Background()
	backend := &MemoryBackend{max: 100}
	base := time.Now().UTC()

	_, err := backend.Append(ctx, newTestEnvelope("ops", "events", base.Add(1*time.Second), 2))
	require.NoError(t, err)
	_, err = backend.Append(ctx, newTestEnvelope("ops", "events", base.Add(2*time.Second), 1))
	require.NoError(t, err)

	_, err = backend.GetHistoryReplay(ctx, "ops", "events", base, base.Add(10*time.Second), 0, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSequenceRegression)
}

func TestMemoryBackendReplayWindow(t *testing.T) {
	ctx := context.Background()
	backend := &MemoryBackend{max: 100}
	base := time.Now().UTC()

	_, _ = backend.Append(ctx, newTestEnvelope("ops", "events", base.Add(-1*time.Second), 1))
	_, _ = backend.Append(ctx, newTestEnvelope("ops", "events", base.Add(1*time.Second), 2))
	_, _ = backend.Append(ctx, newTestEnvelope("ops", "events", base.Add(2*time.Second), 3))

	entries, err := backend.GetHistoryReplay(ctx, "ops", "events", base, base.Add(10*time.Second), 0, true)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.EqualValues(t, 2, entries[0].Sequence)
	assert.EqualValues(t, 3, entries[1].Sequence)
}

func TestMemoryBackendRingBound(t *testing.T) {
	ctx := context.Background()
	backend := &MemoryBackend{max: 2}
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, _ = backend.Append(ctx, newTestEnvelope("ops", "events", base.Add(time.Duration(i)*time.Second), int64(i)))
	}
	stats, err := backend.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.EntryCount)
}
