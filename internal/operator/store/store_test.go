package store

import (
	"testing"

	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDeleteRoundTrip(t *testing.T) {
	s := New()
	updated := s.Set("tenant-a", "", "greeting", "hello")
	assert.False(t, updated)

	value, found := s.Get("tenant-a", "", "greeting")
	require.True(t, found)
	assert.Equal(t, "hello", value)

	updated = s.Set("tenant-a", "", "greeting", "world")
	assert.True(t, updated)

	deleted := s.Delete("tenant-a", "", "greeting")
	assert.True(t, deleted)

	_, found = s.Get("tenant-a", "", "greeting")
	assert.False(t, found)
}

func TestDefaultNamespaceIsolatesTenants(t *testing.T) {
	s := New()
	s.Set("tenant-a", "", "key", "a-value")
	s.Set("tenant-b", "", "key", "b-value")

	v, _ := s.Get("tenant-a", "", "key")
	assert.Equal(t, "a-value", v)
	v, _ = s.Get("tenant-b", "", "key")
	assert.Equal(t, "b-value", v)
}

func TestListReturnsSortedKeys(t *testing.T) {
	s := New()
	s.Set("tenant-a", "", "zebra", 1)
	s.Set("tenant-a", "", "alpha", 2)
	assert.Equal(t, []string{"alpha", "zebra"}, s.List("tenant-a", ""))
}

type fakeCaller struct{ allowed bool }

func (f *fakeCaller) HasCapability(capability string) bool { return f.allowed }

func TestRegisterHandlersSetGet(t *testing.T) {
	registry := command.NewRegistry()
	s := New()
	RegisterHandlers(registry, s)

	setEnv := envelope.New(envelope.TypeCommand)
	setEnv.Command = "op.store.set"
	setEnv.Args = map[string]any{"key": "foo", "value": "bar"}
	resp := registry.Dispatch(command.Context{TenantID: "tenant-a", Caller: &fakeCaller{allowed: true}}, setEnv)
	assert.Equal(t, "success", resp.Status)

	getEnv := envelope.New(envelope.TypeCommand)
	getEnv.Command = "op.store.get"
	getEnv.Args = map[string]any{"key": "foo"}
	resp = registry.Dispatch(command.Context{TenantID: "tenant-a", Caller: &fakeCaller{allowed: true}}, getEnv)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, true, resp.Payload["found"])
	assert.Equal(t, "bar", resp.Payload["value"])
}

func TestRegisterHandlersMissingKeyIsValidationError(t *testing.T) {
	registry := command.NewRegistry()
	RegisterHandlers(registry, New())

	env := envelope.New(envelope.TypeCommand)
	env.Command = "op.store.set"
	env.Args = map[string]any{}
	resp := registry.Dispatch(command.Context{TenantID: "tenant-a", Caller: &fakeCaller{allowed: true}}, env)
	assert.Equal(t, "VALIDATION_ERROR", resp.ErrorCode)
}
