package history

import (
	"context"
	"testing"
	"time"

	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
	"github.com/arqonbus/bus/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct{ admin bool }

func (f fakeCaller) HasCapability(capability string) bool {
	if capability == "admin" {
		return f.admin
	}
	return true
}

func newBackend(t *testing.T) storage.Backend {
	b, err := storage.Create(context.Background(), storage.Config{Kind: "memory"})
	require.NoError(t, err)
	return b
}

func TestHistoryGetRequiresRoomForNonAdmin(t *testing.T) {
	backend := newBackend(t)
	cmdRegistry := command.NewRegistry()
	RegisterHandlers(cmdRegistry, backend)

	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.history.get"
	env.Args = map[string]any{}
	resp := cmdRegistry.Dispatch(command.Context{Caller: fakeCaller{admin: false}}, env)
	assert.Equal(t, "VALIDATION_ERROR", resp.ErrorCode)
}

func TestHistoryGetAdminCanOmitRoom(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()
	msg := envelope.New(envelope.TypeMessage)
	msg.Room = "lobby"
	_, err := backend.Append(ctx, msg)
	require.NoError(t, err)

	cmdRegistry := command.NewRegistry()
	RegisterHandlers(cmdRegistry, backend)

	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.history.get"
	env.Args = map[string]any{}
	resp := cmdRegistry.Dispatch(command.Context{Caller: fakeCaller{admin: true}}, env)
	assert.Equal(t, "success", resp.Status)
}

func TestLegacyHistoryGetAlias(t *testing.T) {
	backend := newBackend(t)
	cmdRegistry := command.NewRegistry()
	RegisterHandlers(cmdRegistry, backend)

	env := envelope.New(envelope.TypeCommand)
	env.Command = "history.get"
	env.Args = map[string]any{"room": "lobby"}
	resp := cmdRegistry.Dispatch(command.Context{Caller: fakeCaller{admin: false}}, env)
	assert.Equal(t, "success", resp.Status)
}

func TestHistoryReplayRequiresTimestamps(t *testing.T) {
	backend := newBackend(t)
	cmdRegistry := command.NewRegistry()
	RegisterHandlers(cmdRegistry, backend)

	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.history.replay"
	env.Args = map[string]any{"room": "lobby"}
	resp := cmdRegistry.Dispatch(command.Context{Caller: fakeCaller{admin: false}}, env)
	assert.Equal(t, "VALIDATION_ERROR", resp.ErrorCode)
}

func TestHistoryReplaySurfacesSequenceRegression(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seq1 := int64(2)
	m1 := envelope.New(envelope.TypeMessage)
	m1.Room = "lobby"
	m1.Timestamp = now
	m1.Metadata.Sequence = &seq1
	_, err := backend.Append(ctx, m1)
	require.NoError(t, err)

	seq2 := int64(1)
	m2 := envelope.New(envelope.TypeMessage)
	m2.Room = "lobby"
	m2.Timestamp = now.Add(time.Second)
	m2.Metadata.Sequence = &seq2
	_, err = backend.Append(ctx, m2)
	require.NoError(t, err)

	cmdRegistry := command.NewRegistry()
	RegisterHandlers(cmdRegistry, backend)

	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.history.replay"
	env.Args = map[string]any{
		"room":            "lobby",
		"from_ts":         now.Add(-time.Minute).Format(time.RFC3339),
		"to_ts":           now.Add(time.Minute).Format(time.RFC3339),
		"strict_sequence": true,
	}
	resp := cmdRegistry.Dispatch(command.Context{Caller: fakeCaller{admin: false}}, env)
	assert.Equal(t, "SEQUENCE_REGRESSION", resp.ErrorCode)
}
