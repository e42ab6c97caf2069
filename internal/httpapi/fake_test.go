package httpapi

import (
	"mcphost-go/internal/host"
	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/router"
	"mcphost-go/internal/upstream/types"
)

type fakeController struct{}

func (fakeController) ListCapabilities() []string { return nil }
func (fakeController) Providers(string) []router.Record { return nil }
func (fakeController) Catalog() []router.Record { return nil }
func (fakeController) Servers() []host.ServerInfo { return []host.ServerInfo{} }
func (fakeController) GetServerHealth(id string) (types.HealthInfo, error) {
	return types.HealthInfo{}, hosterr.NotConnected(id)
}
