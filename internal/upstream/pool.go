// Package upstream maintains the live sessions to capability servers.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mcphost-go/internal/config"
	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/logs"
	"mcphost-go/internal/secret"
	"mcphost-go/internal/secureenv"
	"mcphost-go/internal/upstream/types"
	"mcphost-go/internal/vault"
)

// CredentialVault is the part of the vault the pool uses
type CredentialVault interface {
	Store(raw string, opts ...vault.StoreOption) (string, error)
	IssueToken(credentialID string, ttl time.Duration) (vault.AccessToken, error)
	Resolve(token vault.AccessToken, requestingServerID string) (string, error)
	PurgeOwner(serverID string) int
}

// ClosedFunc is notified after a session was torn down. reason is nil for explicit disconnects.
type ClosedFunc func(serverID string, reason error)

// StateFunc is notified on every health transition
type StateFunc func(serverID string, oldState, newState types.HealthState)

// Pool owns one session per server ID
type Pool struct {
	cfg       *config.HostConfig
	vault     CredentialVault
	dialer    Dialer
	logger    *zap.Logger
	logConfig *config.LogConfig
	sanitizer *logs.SecretSanitizer

	mu       sync.RWMutex
	sessions map[string]*Session

	listenersMu sync.RWMutex
	onClosed    []ClosedFunc
	onState     []StateFunc

	monitors sync.WaitGroup
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithDialer replaces the network dialer
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) {
		p.dialer = d
	}
}

// WithServerLogs writes each server's JSON-RPC traffic to its own file when file logging
// is enabled in cfg. Server logs share the sanitizer's masker.
func WithServerLogs(cfg *config.LogConfig, sanitizer *logs.SecretSanitizer) PoolOption {
	return func(p *Pool) {
		p.logConfig = cfg
		p.sanitizer = sanitizer
	}
}

// NewPool creates an empty pool
func NewPool(cfg *config.HostConfig, v CredentialVault, logger *zap.Logger, opts ...PoolOption) *Pool {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:      cfg,
		vault:    v,
		dialer:   NetworkDialer{Env: subprocessEnv(cfg)},
		logger:   logger.Named("pool"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// subprocessEnv denies the vault key variable to every stdio server
func subprocessEnv(cfg *config.HostConfig) *secureenv.Builder {
	denied := []string{config.EncryptionKeyEnv}
	if cfg.Vault != nil && cfg.Vault.KeyEnv != "" {
		denied = append(denied, cfg.Vault.KeyEnv)
	}
	return secureenv.NewBuilder(cfg.SubprocessEnv, denied...)
}

// OnClosed registers a teardown listener
func (p *Pool) OnClosed(fn ClosedFunc) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.onClosed = append(p.onClosed, fn)
}

// OnStateChange registers a health transition listener
func (p *Pool) OnStateChange(fn StateFunc) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.onState = append(p.onState, fn)
}

// Connect opens a session for d. On failure the transport is closed, credentials stored
// for the attempt are purged and no session is retained.
func (p *Pool) Connect(ctx context.Context, d *config.ServerDescriptor) (*Session, error) {
	if d == nil || d.ID == "" {
		return nil, hosterr.Connection("connect", errors.New("descriptor without server id"))
	}
	serverID := d.ID

	p.mu.Lock()
	if cur, exists := p.sessions[serverID]; exists {
		p.mu.Unlock()
		if cur.closing.Load() {
			return nil, hosterr.Connection("connect", fmt.Errorf("server %q is still closing", serverID)).WithServer(serverID)
		}
		return nil, hosterr.Connection("connect", fmt.Errorf("server %q is already connected", serverID)).WithServer(serverID)
	}
	s := p.newSession(d.Clone())
	// Reserved while connecting; Invoke rejects sessions that are not usable yet
	p.sessions[serverID] = s
	p.mu.Unlock()

	timeout := p.cfg.EffectiveConnectTimeout(d)
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := p.establish(connectCtx, s)
	if err == nil {
		err = s.state.TransitionTo(types.StateReady)
	}
	if err != nil {
		p.mu.Lock()
		// A concurrent Disconnect owns the slot until its teardown finishes
		if p.sessions[serverID] == s && !s.closing.Load() {
			delete(p.sessions, serverID)
		}
		p.mu.Unlock()

		if closeErr := s.close(); closeErr != nil {
			s.logger.Debug("Transport close after failed connect", zap.Error(closeErr))
		}
		purged := p.vault.PurgeOwner(serverID)
		herr := connectError(connectCtx, serverID, timeout, err)
		s.logger.Warn("Failed to connect",
			zap.Int("purged_credentials", purged),
			zap.Duration("duration", time.Since(start)),
			zap.Error(herr))
		return nil, herr
	}

	p.startMonitor(s)
	s.logger.Info("Connected",
		zap.Int("capabilities", len(s.records)),
		zap.Duration("duration", time.Since(start)))
	return s, nil
}

func (p *Pool) newSession(d *config.ServerDescriptor) *Session {
	logger := p.logger.With(zap.String("server_id", d.ID))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:           d.ID,
		descriptor:   d,
		state:        types.NewStateManager(),
		callTimeout:  p.cfg.EffectiveTimeout(d),
		logger:       logger,
		serverLogger: p.serverLogger(d.ID),
		ctx:          ctx,
		cancel:       cancel,
		torn:         make(chan struct{}),
	}

	s.state.SetStateChangeCallback(func(oldState, newState types.HealthState, info types.HealthInfo) {
		logger.Debug("Session state changed",
			zap.String("from", oldState.String()),
			zap.String("to", newState.String()),
			zap.String("last_error", info.LastError))
		p.listenersMu.RLock()
		listeners := append([]StateFunc(nil), p.onState...)
		p.listenersMu.RUnlock()
		for _, fn := range listeners {
			fn(d.ID, oldState, newState)
		}
	})
	return s
}

func (p *Pool) serverLogger(serverID string) *zap.Logger {
	if p.logConfig != nil && p.logConfig.EnableFile {
		l, err := logs.CreateServerLogger(p.logConfig, p.sanitizer, serverID)
		if err == nil {
			return l
		}
		p.logger.Warn("Failed to create server logger, using main logger",
			zap.String("server_id", serverID),
			zap.Error(err))
	}
	return p.logger.Named("server").With(zap.String("server_id", serverID))
}

// establish runs the placeholder pass, opens the transport and discovers capabilities
func (p *Pool) establish(ctx context.Context, s *Session) error {
	tokens, err := p.storeCredentials(s.descriptor)
	if err != nil {
		return err
	}

	resolver := secret.NewResolver(
		secret.NewCredentialSource(p.vault, s.id, tokens),
		secret.NewTokenSource(p.vault, s.id),
		secret.NewEnvSource(),
	)
	expanded, err := resolver.ExpandDescriptor(ctx, s.descriptor)
	if err != nil {
		return err
	}

	inner, err := p.dialer.Dial(ctx, expanded)
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}
	traced := newTracingTransport(inner, s.serverLogger, s.id)

	s.client = client.NewClient(traced)
	s.client.OnConnectionLost(func(err error) {
		go p.teardown(s, fmt.Errorf("connection lost: %w", err))
	})
	s.client.OnNotification(func(n mcp.JSONRPCNotification) {
		s.logger.Debug("Notification received", zap.String("method", n.Method))
	})

	// The transport lives as long as the session, not as long as the connect attempt
	if err := s.client.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}
	if stderr, ok := traced.Stderr(); ok && stderr != nil {
		go s.monitorStderr(stderr)
	}

	if err := s.initialize(ctx); err != nil {
		return err
	}

	records, err := s.discover(ctx)
	if err != nil {
		return err
	}
	s.records = records
	return nil
}

// storeCredentials seals descriptor credentials in the vault, owned by the server
func (p *Pool) storeCredentials(d *config.ServerDescriptor) (map[string]vault.AccessToken, error) {
	if len(d.Credentials) == 0 {
		return nil, nil
	}
	tokens := make(map[string]vault.AccessToken, len(d.Credentials))
	for _, c := range d.Credentials {
		id, err := p.vault.Store(c.Value, vault.WithType(c.Type), vault.WithOwner(d.ID))
		if err != nil {
			return nil, hosterr.Credential("store credential", fmt.Errorf("credential %s: %w", c.Name, err))
		}
		token, err := p.vault.IssueToken(id, 0)
		if err != nil {
			return nil, hosterr.Credential("issue token", fmt.Errorf("credential %s: %w", c.Name, err))
		}
		tokens[c.Name] = token
	}
	return tokens, nil
}

// connectError maps a connect failure onto the host error kinds
func connectError(connectCtx context.Context, serverID string, timeout time.Duration, err error) *hosterr.Error {
	if kind := hosterr.KindOf(err); kind != hosterr.KindUnknown {
		return hosterr.New(kind, "connect", err).WithServer(serverID)
	}
	if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
		return hosterr.New(hosterr.KindTimeout, "connect",
			fmt.Errorf("%w after %s: %w", hosterr.ErrConnectTimeout, timeout, err)).WithServer(serverID)
	}
	return hosterr.Connection("connect", err).WithServer(serverID)
}

// Invoke dispatches one request over the live session of serverID
func (p *Pool) Invoke(ctx context.Context, serverID string, call Call) (*Result, error) {
	s, ok := p.Session(serverID)
	if !ok || s.closing.Load() || !s.state.IsUsable() {
		return nil, hosterr.NotConnected(serverID).WithCapability(call.Name)
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = s.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		result, err := s.exchange(callCtx, call)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}
	elapsed := time.Since(start)

	if out.err != nil {
		return nil, p.invocationError(ctx, callCtx, s, call, timeout, out.err)
	}

	// A domain failure still proves the transport is healthy
	s.state.RecordSuccess()
	out.result.Duration = elapsed

	if out.result.Tool != nil && out.result.Tool.IsError {
		return nil, &hosterr.Error{
			Kind:       hosterr.KindInvocationError,
			Op:         "invoke",
			ServerID:   serverID,
			Capability: call.Name,
			Payload:    out.result.Tool,
			Err:        fmt.Errorf("server reported an error: %s", toolErrorText(out.result.Tool)),
		}
	}
	return out.result, nil
}

// invocationError classifies a failed exchange and updates session health
func (p *Pool) invocationError(parent, callCtx context.Context, s *Session, call Call, timeout time.Duration, err error) *hosterr.Error {
	withContext := func(e *hosterr.Error) *hosterr.Error {
		return e.WithServer(s.id).WithCapability(call.Name)
	}

	// Caller cancellation says nothing about the server
	if parent.Err() != nil {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return withContext(hosterr.New(hosterr.KindInvocationTimeout, "invoke",
				fmt.Errorf("%w: caller deadline exceeded", hosterr.ErrInvocationTimeout)))
		}
		return withContext(hosterr.New(hosterr.KindUnknown, "invoke",
			fmt.Errorf("invocation cancelled: %w", parent.Err())))
	}

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		timeoutErr := fmt.Errorf("%w after %s", hosterr.ErrInvocationTimeout, timeout)
		_ = s.state.SetDegraded(timeoutErr)
		s.logger.Warn("Invocation timed out, session degraded",
			zap.String("capability", call.Name),
			zap.Duration("timeout", timeout))
		return withContext(hosterr.New(hosterr.KindInvocationTimeout, "invoke", timeoutErr))
	}

	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		_ = s.state.SetDegraded(err)
		return withContext(hosterr.Connection("invoke", err))
	}

	// JSON-RPC error response: the server is reachable and reported a failure
	s.state.RecordSuccess()
	e := withContext(hosterr.New(hosterr.KindInvocationError, "invoke", err))
	e.Payload = err.Error()
	return e
}

func toolErrorText(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if text, ok := mcp.AsTextContent(c); ok && text.Text != "" {
			return text.Text
		}
	}
	return "tool call failed"
}

// Disconnect closes the session of serverID, purges its credentials and notifies
// OnClosed listeners. If ctx expires first the teardown finishes in the background.
func (p *Pool) Disconnect(ctx context.Context, serverID string) error {
	s, ok := p.Session(serverID)
	if !ok {
		return hosterr.New(hosterr.KindNotConnected, "disconnect", hosterr.ErrNotConnected).WithServer(serverID)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.teardown(s, nil)
	}()

	select {
	case err := <-done:
		if err != nil {
			return hosterr.Connection("disconnect", err).WithServer(serverID)
		}
		return nil
	case <-ctx.Done():
		return hosterr.Connection("disconnect", fmt.Errorf("teardown continues in background: %w", ctx.Err())).WithServer(serverID)
	}
}

// DisconnectAll disconnects every session in parallel. Individual failures are
// collected, never propagated early.
func (p *Pool) DisconnectAll(ctx context.Context) error {
	sessions := p.Sessions()

	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(serverID string) {
			defer wg.Done()
			if err := p.Disconnect(ctx, serverID); err != nil && !hosterr.Is(err, hosterr.KindNotConnected) {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(s.id)
	}
	wg.Wait()

	monitorsDone := make(chan struct{})
	go func() {
		p.monitors.Wait()
		close(monitorsDone)
	}()
	select {
	case <-monitorsDone:
	case <-ctx.Done():
	}

	if errs != nil {
		p.logger.Warn("Some sessions failed to disconnect cleanly",
			zap.Int("failed", len(multierr.Errors(errs))),
			zap.Int("total", len(sessions)))
	}
	return errs
}

// teardown closes s, purges its credentials and notifies listeners. It runs at most once
// per session, whichever of Disconnect or the monitor gets there first; a second caller
// waits for the first to finish. The session keeps its slot until listeners have run, so
// a new session for the same ID never overlaps the cleanup of this one.
func (p *Pool) teardown(s *Session, reason error) error {
	p.mu.Lock()
	if cur, ok := p.sessions[s.id]; !ok || cur != s {
		p.mu.Unlock()
		return nil
	}
	if !s.closing.CompareAndSwap(false, true) {
		p.mu.Unlock()
		<-s.torn
		return nil
	}
	p.mu.Unlock()
	defer close(s.torn)

	// Purge only after close so in-flight calls cannot use the credentials again
	err := s.close()
	purged := p.vault.PurgeOwner(s.id)

	if reason != nil {
		s.logger.Warn("Session closed after unrecoverable failure",
			zap.Int("purged_credentials", purged),
			zap.Error(reason))
	} else {
		s.logger.Info("Disconnected", zap.Int("purged_credentials", purged))
	}

	p.listenersMu.RLock()
	listeners := append([]ClosedFunc(nil), p.onClosed...)
	p.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(s.id, reason)
	}

	p.mu.Lock()
	if p.sessions[s.id] == s {
		delete(p.sessions, s.id)
	}
	p.mu.Unlock()
	return err
}

// Session returns the session of serverID, including one that is still connecting
// or is being torn down
func (p *Pool) Session(serverID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[serverID]
	return s, ok
}

// Sessions returns a snapshot of all sessions ordered by server ID
func (p *Pool) Sessions() []*Session {
	p.mu.RLock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Health returns the health of serverID
func (p *Pool) Health(serverID string) (types.HealthInfo, bool) {
	s, ok := p.Session(serverID)
	if !ok {
		return types.HealthInfo{}, false
	}
	return s.Health(), true
}
