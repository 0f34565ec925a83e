package command

import (
	"testing"

	"github.com/arqonbus/bus/internal/envelope"
	"github.com/stretchr/testify/assert"
)

type fakeCaller struct {
	capabilities map[string]bool
}

func (f *fakeCaller) HasCapability(capability string) bool {
	return f.capabilities[capability]
}

func TestDispatchUnknownCommand(t *testing.T) {
	r := NewRegistry()
	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.nonexistent.thing"

	resp := r.Dispatch(Context{Caller: &fakeCaller{}}, env)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "UNKNOWN_COMMAND", resp.ErrorCode)
	assert.Equal(t, env.ID, resp.RequestID)
}

func TestDispatchDeniesMissingCapability(t *testing.T) {
	r := NewRegistry()
	r.Register("op.store.set", Handler{
		RequiredCapability: "store.write",
		Run: func(ctx Context, env *envelope.Envelope) (map[string]any, error) {
			return map[string]any{"updated": true}, nil
		},
	})

	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.store.set"
	resp := r.Dispatch(Context{Caller: &fakeCaller{capabilities: map[string]bool{}}}, env)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "PERMISSION_DENIED", resp.ErrorCode)
}

func TestDispatchRunsHandlerOnSuccess(t *testing.T) {
	r := NewRegistry()
	r.Register("op.store.set", Handler{
		RequiredCapability: "store.write",
		Run: func(ctx Context, env *envelope.Envelope) (map[string]any, error) {
			return map[string]any{"updated": true}, nil
		},
	})

	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.store.set"
	caller := &fakeCaller{capabilities: map[string]bool{"store.write": true}}
	resp := r.Dispatch(Context{Caller: caller}, env)

	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, true, resp.Payload["updated"])
	assert.Equal(t, env.ID, resp.RequestID)
}

func TestDispatchPropagatesHandlerErrorCode(t *testing.T) {
	r := NewRegistry()
	r.Register("op.casil.reload", Handler{
		RequiredCapability: "casil.admin",
		Run: func(ctx Context, env *envelope.Envelope) (map[string]any, error) {
			return nil, &HandlerError{Code: "VALIDATION_ERROR", Message: "unrecognized mode"}
		},
	})

	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.casil.reload"
	caller := &fakeCaller{capabilities: map[string]bool{"casil.admin": true}}
	resp := r.Dispatch(Context{Caller: caller}, env)

	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "VALIDATION_ERROR", resp.ErrorCode)
}

func TestDispatchNilCallerDenied(t *testing.T) {
	r := NewRegistry()
	r.Register("op.store.get", Handler{
		RequiredCapability: "store.read",
		Run: func(ctx Context, env *envelope.Envelope) (map[string]any, error) {
			return map[string]any{"found": false}, nil
		},
	})
	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.store.get"
	resp := r.Dispatch(Context{}, env)
	assert.Equal(t, "PERMISSION_DENIED", resp.ErrorCode)
}
