package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"mcphost-go/internal/config"
)

const (
	keyringService = "mcphost"
	keyringUser    = "vault-encryption-key"
)

// Key sources reported by LoadKey
const (
	KeySourceEnv       = "env"
	KeySourceKeyring   = "keyring"
	KeySourceEphemeral = "ephemeral"
)

var (
	hkdfSalt = []byte("mcphost.vault.salt.v1")
	hkdfInfo = []byte("mcphost.vault.key.v1")
)

// LoadKey resolves the process-wide encryption key. Order: the configured environment
// variable, the OS keyring when enabled, then a random key that lives only as long as
// the process.
func LoadKey(cfg *config.VaultConfig, logger *zap.Logger) ([]byte, string, error) {
	if cfg == nil {
		cfg = config.DefaultVaultConfig()
	}
	envName := cfg.KeyEnv
	if envName == "" {
		envName = config.EncryptionKeyEnv
	}

	if raw := os.Getenv(envName); raw != "" {
		key, err := keyFromString(raw)
		if err != nil {
			return nil, "", fmt.Errorf("invalid %s: %w", envName, err)
		}
		logger.Info("Vault key loaded from environment", zap.String("env", envName))
		return key, KeySourceEnv, nil
	}

	if cfg.Keyring {
		key, err := keyFromKeyring(logger)
		if err == nil {
			return key, KeySourceKeyring, nil
		}
		logger.Warn("OS keyring unavailable for vault key", zap.Error(err))
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, "", fmt.Errorf("failed to generate vault key: %w", err)
	}
	logger.Warn("No vault encryption key configured, using an ephemeral key. Credentials will not survive a restart and tokens issued by other processes cannot be resolved",
		zap.String("env", envName))
	return key, KeySourceEphemeral, nil
}

// keyFromString accepts base64 of exactly KeySize bytes; anything else is treated as a
// passphrase and stretched with HKDF-SHA256.
func keyFromString(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty key")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(raw); err == nil && len(decoded) == KeySize {
			return decoded, nil
		}
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(raw), hkdfSalt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// keyFromKeyring reads the key from the OS keyring, storing a fresh one on first use
func keyFromKeyring(logger *zap.Logger) ([]byte, error) {
	stored, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(stored)
		if err != nil || len(key) != KeySize {
			return nil, fmt.Errorf("keyring entry %s/%s is not a %d byte key", keyringService, keyringUser, KeySize)
		}
		logger.Info("Vault key loaded from OS keyring")
		return key, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate vault key: %w", err)
	}
	if err := keyring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("failed to store key in keyring: %w", err)
	}
	logger.Info("Generated vault key and stored it in OS keyring")
	return key, nil
}
