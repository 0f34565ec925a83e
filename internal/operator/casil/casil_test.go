package casil

import (
	"testing"

	casilengine "github.com/arqonbus/bus/internal/casil"
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct{}

func (fakeCaller) HasCapability(capability string) bool { return true }

func TestReloadRejectsInvalidModeAndKeepsPrior(t *testing.T) {
	engine := casilengine.New(casilengine.DefaultConfig())
	cmdRegistry := command.NewRegistry()
	RegisterHandlers(cmdRegistry, engine)

	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.casil.reload"
	env.Args = map[string]any{"mode": "invalid-mode"}
	resp := cmdRegistry.Dispatch(command.Context{Caller: fakeCaller{}}, env)

	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "VALIDATION_ERROR", resp.ErrorCode)
	assert.Equal(t, casilengine.ModeDisabled, engine.Snapshot().Mode)
}

func TestReloadSucceedsAndGetReflectsIt(t *testing.T) {
	engine := casilengine.New(casilengine.DefaultConfig())
	cmdRegistry := command.NewRegistry()
	RegisterHandlers(cmdRegistry, engine)

	reload := envelope.New(envelope.TypeCommand)
	reload.Command = "op.casil.reload"
	reload.Args = map[string]any{"mode": "enforce"}
	resp := cmdRegistry.Dispatch(command.Context{Caller: fakeCaller{}}, reload)
	require.Equal(t, "success", resp.Status)

	get := envelope.New(envelope.TypeCommand)
	get.Command = "op.casil.get"
	resp = cmdRegistry.Dispatch(command.Context{Caller: fakeCaller{}}, get)
	assert.Equal(t, "enforce", resp.Payload["mode"])
}
