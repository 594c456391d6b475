package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds the map of per-tenant policy overrides.
type TenantsConfig struct {
	Tenants map[string]PolicyConfig `yaml:"tenants"`
}

// Manager resolves the effective policy for a tenant: file-level overrides
// merged on top of the global config. Database-held tenant settings win over
// both; this layer is the operational fallback when a tenant has none.
type Manager struct {
	global    *Config
	overrides map[string]PolicyConfig
	mu        sync.RWMutex
}

// NewManager wraps an already-loaded global config and reads the optional
// tenant overrides file. A missing overrides file yields an empty map.
func NewManager(global *Config, tenantsPath string) (*Manager, error) {
	m := &Manager{global: global, overrides: make(map[string]PolicyConfig)}
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
		return nil, fmt.Errorf("parse tenant overrides %s: %w", tenantsPath, err)
	}
	if tc.Tenants != nil {
		m.overrides = tc.Tenants
	}

	// Overridden windows obey the same inversion rule as the global one.
	for tenant, p := range m.overrides {
		bh := p.BusinessHours
		if bh.Start == "" || bh.End == "" {
			continue
		}
		start, err := ParseClock(bh.Start)
		if err != nil {
			return nil, fmt.Errorf("tenant %s business_hours.start: %w", tenant, err)
		}
		end, err := ParseClock(bh.End)
		if err != nil {
			return nil, fmt.Errorf("tenant %s business_hours.end: %w", tenant, err)
		}
		if start >= end && !bh.WrapMidnight {
			return nil, fmt.Errorf("tenant %s business_hours window %s-%s is inverted; set wrap_midnight if intended", tenant, bh.Start, bh.End)
		}
	}
	return m, nil
}

// Global returns the service-wide configuration. Callers must treat it as
// read-only.
func (m *Manager) Global() *Config {
	return m.global
}

// PolicyFor returns the effective policy config for a tenant. Zero-valued
// override fields fall through to the global config.
func (m *Manager) PolicyFor(tenantID string) PolicyConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := m.global.Policy
	override, ok := m.overrides[tenantID]
	if !ok {
		return effective
	}

	if override.BusinessHours.Start != "" && override.BusinessHours.End != "" {
		effective.BusinessHours = override.BusinessHours
		if effective.BusinessHours.Timezone == "" {
			effective.BusinessHours.Timezone = m.global.Policy.BusinessHours.Timezone
		}
		if len(effective.BusinessHours.Days) == 0 {
			effective.BusinessHours.Days = m.global.Policy.BusinessHours.Days
		}
	}
	if override.CreditMinimum != 0 {
		effective.CreditMinimum = override.CreditMinimum
	}
	if override.CallCost != 0 {
		effective.CallCost = override.CallCost
	}
	if override.RateLimitPerMinute != 0 {
		effective.RateLimitPerMinute = override.RateLimitPerMinute
	}
	if override.CallFeatureKey != "" {
		effective.CallFeatureKey = override.CallFeatureKey
	}
	return effective
}
