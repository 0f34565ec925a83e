// Package command implements the command lane: a static handler registry,
// the authorization contract, and deterministic response envelope
// construction.
package command

import (
	"fmt"

	"github.com/arqonbus/bus/internal/envelope"
)

// Caller is the minimal surface a command handler needs from the issuing
// client; registry.Client satisfies it.
type Caller interface {
	HasCapability(capability string) bool
}

// Context carries everything a handler needs beyond the command envelope
// itself: the calling client's identity and tenant, plus hooks back into
// the bus for side effects a handler cannot perform on its own (fan-out,
// scheduling). Concrete fields are filled in by the socket bus at
// dispatch time.
type Context struct {
	ClientID string
	TenantID string
	Caller   Caller
}

// Handler is a single command's behavior: the capability required to
// invoke it and the function that produces a result payload or an error.
type Handler struct {
	RequiredCapability string
	Run                func(ctx Context, env *envelope.Envelope) (map[string]any, error)
}

// Registry is the static map[string]Handler command table. Command
// handlers are registered once at bootstrap, not discovered dynamically —
// the dispatch-table redesign flag from the spec's source material.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty command registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs handler under name, overwriting any prior handler.
func (r *Registry) Register(name string, handler Handler) {
	r.handlers[name] = handler
}

// Lookup returns the handler registered for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// HandlerError is a deliberate command failure: a handler returns it to
// set a specific error_code on the response envelope, instead of a bare
// error that collapses to a generic code.
type HandlerError struct {
	Code    string
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Dispatch runs the handler registered for env.Command against env,
// applying the authorization contract first, and returns a fully formed
// response envelope. It never returns an error itself — every failure
// mode is expressed as an error response envelope.
func (r *Registry) Dispatch(ctx Context, env *envelope.Envelope) *envelope.Envelope {
	handler, ok := r.Lookup(env.Command)
	if !ok {
		return errorResponse(env, "UNKNOWN_COMMAND", fmt.Sprintf("no handler registered for %q", env.Command))
	}

	if !checkPermission(ctx.Caller, handler.RequiredCapability) {
		return errorResponse(env, "PERMISSION_DENIED", fmt.Sprintf("missing capability %q", handler.RequiredCapability))
	}

	result, err := handler.Run(ctx, env)
	if err != nil {
		if he, ok := err.(*HandlerError); ok {
			return errorResponse(env, he.Code, he.Message)
		}
		return errorResponse(env, "HANDLER_ERROR", err.Error())
	}

	resp := envelope.New(envelope.TypeResponse)
	resp.RequestID = env.ID
	resp.Status = "success"
	resp.Payload = result
	return resp
}

// checkPermission implements check_permission(cap): an absent caller is
// denied outright; everything else defers to Caller.HasCapability, which
// already encodes the admin/explicit-set/legacy-default contract.
func checkPermission(caller Caller, capability string) bool {
	if caller == nil {
		return false
	}
	if capability == "" {
		return true
	}
	return caller.HasCapability(capability)
}

func errorResponse(env *envelope.Envelope, code, message string) *envelope.Envelope {
	resp := envelope.New(envelope.TypeResponse)
	resp.RequestID = env.ID
	resp.Status = "error"
	resp.ErrorCode = code
	resp.Payload = map[string]any{"message": message}
	return resp
}
