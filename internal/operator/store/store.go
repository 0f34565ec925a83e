// Package store implements the standard operator key/value pack:
// op.store.set, op.store.get, op.store.list, op.store.delete.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
)

// entryKey is the full address of a stored value: tenant, namespace, key.
type entryKey struct {
	tenantID  string
	namespace string
	key       string
}

// Store is the tenant-scoped key/value backend for the store operator
// pack. Namespaces default to tenant:<tenant_id>, so a writer can never
// alias into another tenant's namespace by omitting one.
type Store struct {
	mu      sync.RWMutex
	entries map[entryKey]any
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[entryKey]any)}
}

// DefaultNamespace returns the namespace a tenant's writes land in absent
// an explicit override.
func DefaultNamespace(tenantID string) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

func resolveNamespace(tenantID, namespace string) string {
	if namespace == "" {
		return DefaultNamespace(tenantID)
	}
	return namespace
}

// Set installs value under (tenantID, namespace, key) and reports whether
// an existing value was overwritten.
func (s *Store) Set(tenantID, namespace, key string, value any) bool {
	namespace = resolveNamespace(tenantID, namespace)
	k := entryKey{tenantID: tenantID, namespace: namespace, key: key}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, updated := s.entries[k]
	s.entries[k] = value
	return updated
}

// Get returns the value stored under (tenantID, namespace, key).
func (s *Store) Get(tenantID, namespace, key string) (any, bool) {
	namespace = resolveNamespace(tenantID, namespace)
	k := entryKey{tenantID: tenantID, namespace: namespace, key: key}

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[k]
	return v, ok
}

// Delete removes the value stored under (tenantID, namespace, key),
// reporting whether anything was removed.
func (s *Store) Delete(tenantID, namespace, key string) bool {
	namespace = resolveNamespace(tenantID, namespace)
	k := entryKey{tenantID: tenantID, namespace: namespace, key: key}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; !ok {
		return false
	}
	delete(s.entries, k)
	return true
}

// List returns every key currently stored under (tenantID, namespace),
// sorted for deterministic output.
func (s *Store) List(tenantID, namespace string) []string {
	namespace = resolveNamespace(tenantID, namespace)

	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for k := range s.entries {
		if k.tenantID == tenantID && k.namespace == namespace {
			keys = append(keys, k.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// RegisterHandlers installs op.store.set/get/list/delete into registry.
func RegisterHandlers(registry *command.Registry, store *Store) {
	registry.Register("op.store.set", command.Handler{
		RequiredCapability: "store.write",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			key, _ := env.Args["key"].(string)
			namespace, _ := env.Args["namespace"].(string)
			if key == "" {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "key is required"}
			}
			updated := store.Set(ctx.TenantID, namespace, key, env.Args["value"])
			return map[string]any{"updated": updated}, nil
		},
	})

	registry.Register("op.store.get", command.Handler{
		RequiredCapability: "store.read",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			key, _ := env.Args["key"].(string)
			namespace, _ := env.Args["namespace"].(string)
			if key == "" {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "key is required"}
			}
			value, found := store.Get(ctx.TenantID, namespace, key)
			if !found {
				return map[string]any{"found": false}, nil
			}
			return map[string]any{"found": true, "value": value}, nil
		},
	})

	registry.Register("op.store.list", command.Handler{
		RequiredCapability: "store.read",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			namespace, _ := env.Args["namespace"].(string)
			return map[string]any{"keys": store.List(ctx.TenantID, namespace)}, nil
		},
	})

	registry.Register("op.store.delete", command.Handler{
		RequiredCapability: "store.write",
		Run: func(ctx command.Context, env *envelope.Envelope) (map[string]any, error) {
			key, _ := env.Args["key"].(string)
			namespace, _ := env.Args["namespace"].(string)
			if key == "" {
				return nil, &command.HandlerError{Code: "VALIDATION_ERROR", Message: "key is required"}
			}
			deleted := store.Delete(ctx.TenantID, namespace, key)
			return map[string]any{"deleted": deleted}, nil
		},
	})
}
