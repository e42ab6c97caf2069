// Package host composes the vault, access registries, router and session pool into
// the capability manager that callers invoke capabilities through.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mcphost-go/internal/access"
	"mcphost-go/internal/config"
	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/logs"
	"mcphost-go/internal/observability"
	"mcphost-go/internal/reqcontext"
	"mcphost-go/internal/router"
	"mcphost-go/internal/storage"
	"mcphost-go/internal/upstream"
	"mcphost-go/internal/upstream/types"
	"mcphost-go/internal/vault"
)

// Result is the outcome of a successful invocation
type Result = upstream.Result

// Deps are the collaborators of a Manager. Only Config is required.
type Deps struct {
	Config    *config.HostConfig
	Logger    *zap.Logger
	Sanitizer *logs.SecretSanitizer

	// VaultOptions are passed to vault.New, for example vault.WithKey in tests
	VaultOptions []vault.Option
	Dialer       upstream.Dialer

	Observability *observability.Manager
	Audit         *storage.AuditStore
}

// Manager routes invocations to capability servers and owns their lifecycle
type Manager struct {
	cfg    *config.HostConfig
	logger *zap.Logger

	vault      *vault.Vault
	grants     *access.Grants
	boundaries *access.Boundaries
	router     *router.Router
	pool       *upstream.Pool

	obs   *observability.Manager
	audit *storage.AuditStore

	locks        keyedMutex
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a manager and its vault. The vault masks the log sanitizer when one is given.
func New(deps Deps) (*Manager, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	grants := access.NewGrants()
	v, err := vault.New(cfg.Vault, grants, logger, deps.VaultOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}
	if deps.Sanitizer != nil {
		deps.Sanitizer.SetMasker(v)
	}

	obs := deps.Observability
	if obs == nil {
		tracing, _ := observability.NewTracing(nil, "", logger)
		obs = observability.NewManagerWithTracing(tracing, logger)
	}

	poolOpts := []upstream.PoolOption{upstream.WithServerLogs(cfg.Logging, deps.Sanitizer)}
	if deps.Dialer != nil {
		poolOpts = append(poolOpts, upstream.WithDialer(deps.Dialer))
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger.Named("host"),
		vault:      v,
		grants:     grants,
		boundaries: access.NewBoundaries(),
		router:     router.New(),
		pool:       upstream.NewPool(cfg, v, logger, poolOpts...),
		obs:        obs,
		audit:      deps.Audit,
	}
	m.pool.OnClosed(m.handleClosed)
	m.pool.OnStateChange(m.handleStateChange)

	m.registerHealthCheckers()
	return m, nil
}

func (m *Manager) registerHealthCheckers() {
	health := m.obs.Health()
	sessions := observability.NewSessionHealthChecker("sessions", m.sessionStates, 0)
	health.AddHealthChecker(sessions)
	health.AddReadinessChecker(sessions)
	if m.audit != nil {
		db := observability.NewDatabaseHealthChecker("audit", m.audit.DB())
		health.AddHealthChecker(db)
		health.AddReadinessChecker(db)
	}
}

// Vault returns the credential vault
func (m *Manager) Vault() *vault.Vault {
	return m.vault
}

// Observability returns the metrics, tracing and health bundle
func (m *Manager) Observability() *observability.Manager {
	return m.obs
}

// RegisterServer connects to d and makes its capabilities routable. On failure nothing
// of the attempt is retained.
func (m *Manager) RegisterServer(ctx context.Context, d *config.ServerDescriptor) (string, error) {
	if d == nil {
		return "", hosterr.Connection("register", errors.New("nil descriptor"))
	}
	if err := d.Validate(); err != nil {
		return "", m.publicError(hosterr.Connection("register", err), d.ID, "")
	}
	serverID := d.ID

	lock := m.locks.Lock(serverID)
	defer lock.Unlock()

	if cur, exists := m.pool.Session(serverID); exists {
		if cur.Closing() {
			// The previous session still owns its credentials and records until teardown ends
			return "", hosterr.Connection("register", fmt.Errorf("server %q is still closing", serverID)).WithServer(serverID)
		}
		return "", hosterr.Connection("register", fmt.Errorf("server %q is already registered", serverID)).WithServer(serverID)
	}

	ctx, span := m.obs.Tracing().TraceConnect(ctx, serverID)
	start := time.Now()

	// Grants first: the connect-time placeholder pass resolves through them
	m.grants.Register(serverID, d.AllowedCredentialTypes)

	session, err := m.pool.Connect(ctx, d)
	if err != nil {
		m.grants.Remove(serverID)
		herr := m.publicError(err, serverID, "")
		m.obs.Metrics().RecordConnect(serverID, observability.StatusError, time.Since(start))
		observability.EndSpan(span, herr, herr.Error())
		return "", herr
	}

	m.boundaries.Register(serverID, d.Roots)
	records := session.Records()
	m.router.RegisterAll(records)

	// The monitor may have torn the session down before the router saw it
	if cur, ok := m.pool.Session(serverID); !ok || cur != session || session.Closing() {
		m.dropServer(serverID)
		herr := hosterr.Connection("register", errors.New("session closed during registration")).WithServer(serverID)
		m.obs.Metrics().RecordConnect(serverID, observability.StatusError, time.Since(start))
		observability.EndSpan(span, herr, herr.Error())
		return "", herr
	}

	m.obs.Metrics().RecordConnect(serverID, observability.StatusSuccess, time.Since(start))
	m.refreshGauges()
	observability.EndSpan(span, nil, "")

	m.logger.Info("Server registered",
		zap.String("server_id", serverID),
		zap.Int("capabilities", len(records)),
		zap.Int("roots", len(d.Roots)),
		zap.Duration("duration", time.Since(start)))
	m.record(&storage.AuditRecord{
		Type:       storage.AuditTypeServerRegistered,
		ServerID:   serverID,
		Status:     storage.AuditStatusSuccess,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata:   map[string]interface{}{"capabilities": len(records)},
	})
	return serverID, nil
}

// RegisterServers registers descriptors concurrently and returns the failures by server ID
func (m *Manager) RegisterServers(ctx context.Context, descriptors []*config.ServerDescriptor) map[string]error {
	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		wg       sync.WaitGroup
	)
	for i, d := range descriptors {
		key := fmt.Sprintf("#%d", i)
		if d != nil && d.ID != "" {
			key = d.ID
		}
		wg.Add(1)
		go func(key string, d *config.ServerDescriptor) {
			defer wg.Done()
			if _, err := m.RegisterServer(ctx, d); err != nil {
				mu.Lock()
				failures[key] = err
				mu.Unlock()
			}
		}(key, d)
	}
	wg.Wait()

	if len(failures) > 0 {
		m.logger.Warn("Some servers failed to register",
			zap.Int("failed", len(failures)),
			zap.Int("total", len(descriptors)))
	}
	return failures
}

// UnregisterServer disconnects serverID. Its records, boundaries, grants and credentials
// are dropped by the close listener. If ctx expires first the teardown finishes in the
// background and RegisterServer reports the ID as still closing until it does.
func (m *Manager) UnregisterServer(ctx context.Context, serverID string) error {
	lock := m.locks.Lock(serverID)
	defer lock.Unlock()

	if err := m.pool.Disconnect(ctx, serverID); err != nil {
		return m.publicError(err, serverID, "")
	}
	return nil
}

// handleClosed runs after any session teardown, explicit or after unrecoverable failure
func (m *Manager) handleClosed(serverID string, reason error) {
	removed := m.dropServer(serverID)
	m.refreshGauges()

	rec := &storage.AuditRecord{
		Type:     storage.AuditTypeServerUnregistered,
		ServerID: serverID,
		Status:   storage.AuditStatusSuccess,
		Metadata: map[string]interface{}{"capabilities": removed},
	}
	if reason != nil {
		rec.Status = storage.AuditStatusError
		rec.ErrorMessage = m.vault.Mask(reason.Error())
	}
	m.record(rec)

	m.logger.Info("Server unregistered",
		zap.String("server_id", serverID),
		zap.Int("capabilities_removed", removed),
		zap.Bool("unrecoverable", reason != nil))
}

func (m *Manager) dropServer(serverID string) int {
	removed := m.router.UnregisterServer(serverID)
	m.boundaries.Remove(serverID)
	m.grants.Remove(serverID)
	return removed
}

func (m *Manager) handleStateChange(serverID string, oldState, newState types.HealthState) {
	m.obs.Metrics().RecordStateChange(serverID, oldState.String(), newState.String())
	m.refreshGauges()
}

func (m *Manager) refreshGauges() {
	counts := make(map[string]int)
	for _, state := range m.sessionStates() {
		counts[state]++
	}
	metrics := m.obs.Metrics()
	metrics.SetSessionCounts(counts)
	metrics.SetCapabilities(len(m.router.ListCapabilities()))
	stats := m.vault.Stats()
	metrics.SetVaultStats(stats.Credentials, stats.Tokens)
}

func (m *Manager) sessionStates() map[string]string {
	sessions := m.pool.Sessions()
	out := make(map[string]string, len(sessions))
	for _, s := range sessions {
		if s.Closing() {
			continue
		}
		out[s.ID()] = s.State().String()
	}
	return out
}

// IssueCredential seals raw in the vault and returns a token for it in one step.
// owner may be empty for credentials that outlive any single server.
func (m *Manager) IssueCredential(raw, credType, owner string, ttl time.Duration) (vault.AccessToken, error) {
	id, err := m.vault.Store(raw, vault.WithType(credType), vault.WithOwner(owner))
	if err != nil {
		return "", m.publicError(hosterr.Credential("store credential", err), owner, "")
	}
	token, err := m.vault.IssueToken(id, ttl)
	if err != nil {
		m.vault.Purge(id)
		return "", m.publicError(hosterr.Credential("issue token", err), owner, "")
	}
	m.refreshGauges()
	return token, nil
}

// Mask replaces every stored secret in text
func (m *Manager) Mask(text string) string {
	return m.vault.Mask(text)
}

// Shutdown disconnects every server, wipes the vault and closes the audit trail
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.logger.Info("Shutting down host")
		var errs error
		errs = multierr.Append(errs, m.pool.DisconnectAll(ctx))
		m.vault.Shutdown()
		if m.audit != nil {
			errs = multierr.Append(errs, m.audit.Close())
		}
		errs = multierr.Append(errs, m.obs.Close(ctx))
		m.shutdownErr = errs
	})
	return m.shutdownErr
}

// record writes an audit entry when the audit trail is enabled
func (m *Manager) record(rec *storage.AuditRecord) {
	if m.audit == nil {
		return
	}
	err := m.audit.Save(rec)
	m.obs.Metrics().RecordAuditWrite(err)
	if err != nil {
		m.logger.Warn("Failed to write audit record",
			zap.String("type", string(rec.Type)),
			zap.Error(err))
	}
}

func callerFields(caller reqcontext.Caller) []zap.Field {
	return []zap.Field{
		zap.String("caller_id", caller.ID),
		zap.String("request_id", caller.RequestID),
		zap.String("source", string(caller.Source)),
	}
}
