package host

import (
	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/router"
	"mcphost-go/internal/upstream/types"
)

// ServerInfo summarizes one registered server
type ServerInfo struct {
	ID           string           `json:"id"`
	Protocol     string           `json:"protocol"`
	Health       types.HealthInfo `json:"health"`
	Capabilities int              `json:"capabilities"`
	Roots        []string         `json:"roots,omitempty"`
	Grants       []string         `json:"allowed_credential_types,omitempty"`
}

// ListCapabilities returns every routable capability name, sorted
func (m *Manager) ListCapabilities() []string {
	return m.router.ListCapabilities()
}

// ServersFor returns the providers of name in routing order
func (m *Manager) ServersFor(name string) []string {
	return m.router.ServersFor(name)
}

// Providers returns the provider records of name in routing order
func (m *Manager) Providers(name string) []router.Record {
	return m.router.Records(name)
}

// Catalog returns the selected record of every capability, schema included
func (m *Manager) Catalog() []router.Record {
	return m.router.Catalog()
}

// GetServerHealth returns the health of serverID with its last error masked
func (m *Manager) GetServerHealth(serverID string) (types.HealthInfo, error) {
	info, ok := m.pool.Health(serverID)
	if !ok {
		return types.HealthInfo{}, hosterr.New(hosterr.KindNotConnected, "health", hosterr.ErrNotConnected).WithServer(serverID)
	}
	info.LastError = m.vault.Mask(info.LastError)
	return info, nil
}

// Servers returns every registered server ordered by ID, including ones still connecting
func (m *Manager) Servers() []ServerInfo {
	sessions := m.pool.Sessions()
	out := make([]ServerInfo, 0, len(sessions))
	for _, s := range sessions {
		health := s.Health()
		health.LastError = m.vault.Mask(health.LastError)
		out = append(out, ServerInfo{
			ID:           s.ID(),
			Protocol:     s.Descriptor().TransportType(),
			Health:       health,
			Capabilities: len(m.router.ServerRecords(s.ID())),
			Roots:        m.boundaries.List(s.ID()),
			Grants:       m.grants.List(s.ID()),
		})
	}
	return out
}
