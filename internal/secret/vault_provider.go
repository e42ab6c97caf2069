package secret

import (
	"context"

	"mcphost-go/internal/vault"
)

// TokenResolver is the part of the vault the placeholder pass needs
type TokenResolver interface {
	Resolve(token vault.AccessToken, requestingServerID string) (string, error)
}

// CredentialSource resolves descriptor-declared credential names through vault tokens, so
// the permission grant of the server is enforced on every lookup.
type CredentialSource struct {
	vault    TokenResolver
	serverID string
	tokens   map[string]vault.AccessToken
}

// NewCredentialSource maps credential names to tokens issued for serverID
func NewCredentialSource(v TokenResolver, serverID string, tokens map[string]vault.AccessToken) *CredentialSource {
	return &CredentialSource{vault: v, serverID: serverID, tokens: tokens}
}

// Name implements Source
func (s *CredentialSource) Name() string {
	return "credentials"
}

// Lookup implements Source
func (s *CredentialSource) Lookup(_ context.Context, name string) (string, bool, error) {
	token, ok := s.tokens[name]
	if !ok {
		return "", false, nil
	}
	value, err := s.vault.Resolve(token, s.serverID)
	if err != nil {
		return "", true, err
	}
	return value, true, nil
}

// TokenSource resolves literal {vtk_...} placeholders
type TokenSource struct {
	vault    TokenResolver
	serverID string
}

// NewTokenSource creates a source for literal access tokens presented by serverID
func NewTokenSource(v TokenResolver, serverID string) *TokenSource {
	return &TokenSource{vault: v, serverID: serverID}
}

// Name implements Source
func (s *TokenSource) Name() string {
	return "token"
}

// Lookup implements Source
func (s *TokenSource) Lookup(_ context.Context, name string) (string, bool, error) {
	if !vault.IsToken(name) {
		return "", false, nil
	}
	value, err := s.vault.Resolve(vault.AccessToken(name), s.serverID)
	if err != nil {
		return "", true, err
	}
	return value, true, nil
}
