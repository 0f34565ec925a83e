package casil

import (
	"testing"

	"github.com/arqonbus/bus/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnv(room string, payload map[string]any) *envelope.Envelope {
	e := envelope.New(envelope.TypeMessage)
	e.Room = room
	e.Payload = payload
	return e
}

func TestProcessDisabledAlwaysAllows(t *testing.T) {
	e := New(DefaultConfig())
	env := newEnv("tenant-a.room", map[string]any{"body": "hello"})
	outcome := e.Process(env)
	assert.Equal(t, Allow, outcome.Decision)
	assert.Equal(t, "disabled", outcome.ReasonCode)
}

func TestProcessOutOfScopeAllows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeEnforce
	cfg.ScopeInclude = []string{"lab.*"}
	e := New(cfg)

	env := newEnv("general.chat", map[string]any{"body": "hello"})
	outcome := e.Process(env)
	assert.Equal(t, Allow, outcome.Decision)
	assert.Equal(t, "out_of_scope", outcome.ReasonCode)
}

func TestProcessMonitorModeNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeMonitor
	cfg.Policies.MaxPayloadBytes = 4
	e := New(cfg)

	env := newEnv("general.chat", map[string]any{"body": "this payload is definitely too big"})
	outcome := e.Process(env)
	assert.Equal(t, Allow, outcome.Decision)
	assert.Equal(t, "oversize_payload", outcome.ReasonCode)
	assert.True(t, outcome.Flags["oversize"])
}

func TestProcessEnforceBlocksOversizeWithoutRedaction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeEnforce
	cfg.Policies.MaxPayloadBytes = 4
	e := New(cfg)

	env := newEnv("general.chat", map[string]any{"body": "this payload is definitely too big"})
	outcome := e.Process(env)
	assert.Equal(t, Block, outcome.Decision)
}

func TestProcessEnforceRedactsOversizeWhenRedactionConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeEnforce
	cfg.Policies.MaxPayloadBytes = 4
	cfg.Policies.Redaction.Paths = []string{"body"}
	cfg.Policies.Redaction.TransportRedaction = true
	e := New(cfg)

	env := newEnv("general.chat", map[string]any{"body": "this payload is definitely too big"})
	outcome := e.Process(env)
	assert.Equal(t, AllowWithRedaction, outcome.Decision)
	assert.Equal(t, RedactToken, env.Payload["body"])
}

func TestProcessBlocksProbableSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeEnforce
	cfg.Policies.BlockOnProbableSecret = true
	e := New(cfg)

	env := newEnv("general.chat", map[string]any{"token": "sk-abcdefghijklmnopqrstuvwxyz123456"})
	outcome := e.Process(env)
	assert.Equal(t, Block, outcome.Decision)
	assert.Equal(t, "probable_secret", outcome.ReasonCode)
}

func TestReloadRejectsInvalidModeAndKeepsPrior(t *testing.T) {
	e := New(DefaultConfig())
	err := e.Reload(Config{Mode: "invalid-mode"})
	require.Error(t, err)
	assert.Equal(t, ModeDisabled, e.Snapshot().Mode)
}

func TestReloadSwapsConfigAtomically(t *testing.T) {
	e := New(DefaultConfig())
	require.NoError(t, e.Reload(Config{Mode: ModeEnforce}))
	assert.Equal(t, ModeEnforce, e.Snapshot().Mode)
}

func TestLogProjectionRedactsNeverLogRooms(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policies.Redaction.NeverLogPayloadFor = []string{"secret.*"}
	e := New(cfg)

	env := newEnv("secret.room", map[string]any{"body": "hello"})
	projection := e.LogProjection(env)
	assert.Equal(t, RedactToken, projection["_redacted"])
}
