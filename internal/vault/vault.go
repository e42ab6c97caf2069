// Package vault keeps credentials encrypted in memory and hands out opaque access tokens
// that stand in for them. Resolve is the only way to get plaintext back.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"mcphost-go/internal/config"
	"mcphost-go/internal/hosterr"
)

// TokenPrefix starts every access token
const TokenPrefix = "vtk_"

// DefaultCredentialType is used when Store is called without WithType
const DefaultCredentialType = "generic"

// ErrUnknownCredential is returned when a credential ID does not exist
var ErrUnknownCredential = errors.New("unknown credential")

// ErrClosed is returned after Shutdown
var ErrClosed = errors.New("vault is shut down")

// AccessToken is an opaque, expiring reference to one credential
type AccessToken string

func (t AccessToken) String() string {
	return string(t)
}

// IsToken reports whether s has the shape of an access token
func IsToken(s string) bool {
	if len(s) != len(TokenPrefix)+64 || !strings.HasPrefix(s, TokenPrefix) {
		return false
	}
	_, err := hex.DecodeString(s[len(TokenPrefix):])
	return err == nil
}

// PermissionChecker decides whether a server may resolve a credential type
type PermissionChecker interface {
	IsAllowed(serverID, credType string) bool
}

type credential struct {
	id      string
	ctype   string
	owner   string
	sealed  []byte
	fp      fingerprint
	fpLen   int
	hasFP   bool
	tokens  map[string]struct{}
	issued  int
	created time.Time
}

type tokenEntry struct {
	credentialID string
	expiresAt    time.Time
}

// Stats is a point-in-time count of vault contents
type Stats struct {
	Credentials int `json:"credentials"`
	Tokens      int `json:"tokens"`
}

// StoreOption configures Store
type StoreOption func(*credential)

// WithType sets the credential type checked against permission grants
func WithType(t string) StoreOption {
	return func(c *credential) {
		if t != "" {
			c.ctype = t
		}
	}
}

// WithOwner ties the credential to a server so PurgeOwner erases it on disconnect
func WithOwner(serverID string) StoreOption {
	return func(c *credential) {
		c.owner = serverID
	}
}

// Vault is the in-memory credential store. It is safe for concurrent use.
type Vault struct {
	mu     sync.RWMutex
	sealer *sealer
	fps    *fingerprints
	creds  map[string]*credential
	tokens map[string]*tokenEntry
	closed bool

	perms     PermissionChecker
	logger    *zap.Logger
	keySource string

	defaultTTL time.Duration
	retention  time.Duration
	now        func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures New
type Option func(*Vault)

// WithKey uses key instead of LoadKey. Intended for tests and embedding.
func WithKey(key []byte) Option {
	return func(v *Vault) {
		v.keySource = "provided"
		s, err := newSealer(key)
		if err == nil {
			v.sealer = s
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// New creates a vault and starts its expiry janitor. perms may be nil, in which case
// every Resolve is denied.
func New(cfg *config.VaultConfig, perms PermissionChecker, logger *zap.Logger, opts ...Option) (*Vault, error) {
	if cfg == nil {
		cfg = config.DefaultVaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &Vault{
		creds:      make(map[string]*credential),
		tokens:     make(map[string]*tokenEntry),
		perms:      perms,
		logger:     logger.Named("vault"),
		defaultTTL: cfg.DefaultTokenTTL.Duration(),
		retention:  cfg.TombstoneRetention.Duration(),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	if v.defaultTTL <= 0 {
		v.defaultTTL = config.DefaultVaultConfig().DefaultTokenTTL.Duration()
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.sealer == nil {
		if v.keySource == "provided" {
			return nil, fmt.Errorf("vault key must be %d bytes", KeySize)
		}
		key, source, err := LoadKey(cfg, v.logger)
		if err != nil {
			return nil, err
		}
		s, err := newSealer(key)
		wipe(key)
		if err != nil {
			return nil, err
		}
		v.sealer = s
		v.keySource = source
	}

	fpKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, fpKey); err != nil {
		return nil, fmt.Errorf("failed to generate fingerprint key: %w", err)
	}
	v.fps = newFingerprints(fpKey)

	if interval := cfg.SweepInterval.Duration(); interval > 0 {
		v.wg.Add(1)
		go v.janitor(interval)
	}

	return v, nil
}

// KeySource reports where the encryption key came from
func (v *Vault) KeySource() string {
	return v.keySource
}

// SetPermissionChecker replaces the checker consulted by Resolve
func (v *Vault) SetPermissionChecker(perms PermissionChecker) {
	v.mu.Lock()
	v.perms = perms
	v.mu.Unlock()
}

// Store encrypts raw and returns the new credential ID
func (v *Vault) Store(raw string, opts ...StoreOption) (string, error) {
	if raw == "" {
		return "", errors.New("credential value is empty")
	}

	c := &credential{
		id:     ulid.Make().String(),
		ctype:  DefaultCredentialType,
		tokens: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	sealed, err := v.sealer.seal([]byte(raw), c.id)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt credential: %w", err)
	}
	c.sealed = sealed

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return "", ErrClosed
	}
	c.created = v.now()
	c.fp, c.fpLen, c.hasFP = v.fps.add([]byte(maskableSegment(raw)))
	v.creds[c.id] = c
	v.mu.Unlock()

	// Never log while holding mu: the log sanitizer calls back into Mask
	v.logger.Debug("Credential stored",
		zap.String("credential_id", c.id),
		zap.String("type", c.ctype),
		zap.String("owner", c.owner))

	return c.id, nil
}

// IssueToken creates a new access token for credentialID. ttl <= 0 uses the default.
func (v *Vault) IssueToken(credentialID string, ttl time.Duration) (AccessToken, error) {
	if ttl <= 0 {
		ttl = v.defaultTTL
	}

	var b [32]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := TokenPrefix + hex.EncodeToString(b[:])

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return "", ErrClosed
	}
	c, ok := v.creds[credentialID]
	if !ok {
		return "", hosterr.Credential("issue token", fmt.Errorf("%w %s", ErrUnknownCredential, credentialID))
	}
	v.tokens[token] = &tokenEntry{credentialID: credentialID, expiresAt: v.now().Add(ttl)}
	c.tokens[token] = struct{}{}
	c.issued++

	return AccessToken(token), nil
}

// Resolve returns the plaintext behind token for requestingServerID. Failures are
// CredentialResolution errors wrapping ErrTokenUnknown, ErrTokenExpired or
// ErrPermissionDenied.
func (v *Vault) Resolve(token AccessToken, requestingServerID string) (string, error) {
	v.mu.RLock()
	entry, ok := v.tokens[string(token)]
	if !ok || v.closed {
		v.mu.RUnlock()
		return "", resolveErr(requestingServerID, hosterr.ErrTokenUnknown)
	}
	if !v.now().Before(entry.expiresAt) {
		v.mu.RUnlock()
		return "", resolveErr(requestingServerID, hosterr.ErrTokenExpired)
	}
	c, ok := v.creds[entry.credentialID]
	if !ok {
		v.mu.RUnlock()
		return "", resolveErr(requestingServerID, hosterr.ErrTokenUnknown)
	}
	perms := v.perms
	ctype, id, sealed := c.ctype, c.id, c.sealed
	v.mu.RUnlock()

	if perms == nil || !perms.IsAllowed(requestingServerID, ctype) {
		v.logger.Warn("Credential resolution denied",
			zap.String("server_id", requestingServerID),
			zap.String("credential_type", ctype))
		return "", resolveErr(requestingServerID, fmt.Errorf("%w: server may not resolve %q credentials", hosterr.ErrPermissionDenied, ctype))
	}

	plaintext, err := v.sealer.open(sealed, id)
	if err != nil {
		return "", hosterr.Credential("resolve", fmt.Errorf("credential %s is unreadable: %w", id, err)).WithServer(requestingServerID)
	}
	defer wipe(plaintext)
	return string(plaintext), nil
}

func resolveErr(serverID string, err error) *hosterr.Error {
	return hosterr.Credential("resolve", err).WithServer(serverID)
}

// Purge erases a credential and every token issued for it
func (v *Vault) Purge(credentialID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, ok := v.creds[credentialID]
	if !ok {
		return false
	}
	v.destroyLocked(c)
	return true
}

// PurgeOwner erases every credential owned by serverID and returns how many were removed
func (v *Vault) PurgeOwner(serverID string) int {
	if serverID == "" {
		return 0
	}

	v.mu.Lock()
	n := 0
	for _, c := range v.creds {
		if c.owner == serverID {
			v.destroyLocked(c)
			n++
		}
	}
	v.mu.Unlock()

	if n > 0 {
		v.logger.Debug("Purged server credentials", zap.String("server_id", serverID), zap.Int("count", n))
	}
	return n
}

// destroyLocked removes c, its tokens and its fingerprint; callers hold mu
func (v *Vault) destroyLocked(c *credential) {
	for token := range c.tokens {
		delete(v.tokens, token)
	}
	if c.hasFP {
		v.fps.remove(c.fp, c.fpLen)
	}
	wipe(c.sealed)
	delete(v.creds, c.id)
}

// Stats returns the number of live credentials and tokens
func (v *Vault) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Stats{Credentials: len(v.creds), Tokens: len(v.tokens)}
}

// Sweep drops tokens whose tombstone retention has passed and destroys credentials whose
// every issued token has expired. The janitor calls it periodically.
func (v *Vault) Sweep() (tokensDropped, credentialsDestroyed int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for token, entry := range v.tokens {
		if now.Before(entry.expiresAt.Add(v.retention)) {
			continue
		}
		delete(v.tokens, token)
		if c, ok := v.creds[entry.credentialID]; ok {
			delete(c.tokens, token)
		}
		tokensDropped++
	}

	for _, c := range v.creds {
		if c.issued == 0 {
			continue
		}
		live := false
		for token := range c.tokens {
			if now.Before(v.tokens[token].expiresAt) {
				live = true
				break
			}
		}
		if live {
			continue
		}
		// Expired tokens stay as tombstones so they still report TokenExpired
		for token := range c.tokens {
			v.tokens[token].credentialID = ""
		}
		c.tokens = map[string]struct{}{}
		v.destroyLocked(c)
		credentialsDestroyed++
	}

	return tokensDropped, credentialsDestroyed
}

func (v *Vault) janitor(interval time.Duration) {
	defer v.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			tokens, creds := v.Sweep()
			if tokens > 0 || creds > 0 {
				v.logger.Debug("Vault sweep",
					zap.Int("tokens_dropped", tokens),
					zap.Int("credentials_destroyed", creds))
			}
		}
	}
}

// Shutdown stops the janitor and wipes every credential and token
func (v *Vault) Shutdown() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	close(v.stopCh)
	for _, c := range v.creds {
		wipe(c.sealed)
	}
	v.creds = make(map[string]*credential)
	v.tokens = make(map[string]*tokenEntry)
	v.fps.reset()
	v.mu.Unlock()

	v.wg.Wait()
	v.logger.Info("Vault shut down")
}
