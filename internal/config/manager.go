package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantOverride carries the subset of Config a tenant is allowed to
// override: CASIL policy and server-side rate limiting.
type TenantOverride struct {
	CASIL CASILConfig `yaml:"casil"`
}

// TenantsConfig is the on-disk shape of the tenant override file.
type TenantsConfig struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// Manager resolves per-tenant configuration, merging tenant overrides on
// top of the global config.
type Manager struct {
	mu       sync.RWMutex
	global   *Config
	tenants  map[string]TenantOverride
}

// NewManager loads the global config and an optional tenant override file.
// A missing tenants file is not an error; it just means no tenant has
// overrides.
func NewManager(global *Config, tenantsPath string) (*Manager, error) {
	m := &Manager{global: global, tenants: make(map[string]TenantOverride)}
	if tenantsPath == "" {
		return m, nil
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	m.tenants = tc.Tenants
	return m, nil
}

// Get returns the effective config for tenantID: the global config with
// any tenant-specific CASIL override layered on top.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global
	if override, ok := m.tenants[tenantID]; ok && override.CASIL.Mode != "" {
		effective.CASIL = override.CASIL
	}
	return &effective
}

// SetOverride installs or replaces a tenant's override at runtime (used by
// admin tooling; not exposed as a bus command in this module).
func (m *Manager) SetOverride(tenantID string, override TenantOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenantID] = override
}
