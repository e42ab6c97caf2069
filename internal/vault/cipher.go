package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size in bytes of the vault encryption key
const KeySize = chacha20poly1305.KeySize

// sealedVersion prefixes every ciphertext and is authenticated as AAD
const sealedVersion byte = 0x01

// sealedOverhead is version + XChaCha20-Poly1305 nonce + tag
const sealedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// sealer encrypts credential values under the process key. The credential ID is bound
// as additional data so ciphertexts cannot be swapped between entries.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault key is %d bytes, want %d", len(key), KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plaintext []byte, credentialID string) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+s.aead.Overhead())
	out[0] = sealedVersion
	copy(out[1:], nonce[:])
	return s.aead.Seal(out, nonce[:], plaintext, aad(credentialID)), nil
}

func (s *sealer) open(sealed []byte, credentialID string) ([]byte, error) {
	if len(sealed) < sealedOverhead {
		return nil, fmt.Errorf("sealed credential is %d bytes, minimum is %d", len(sealed), sealedOverhead)
	}
	if sealed[0] != sealedVersion {
		return nil, fmt.Errorf("sealed credential version %d is not supported", sealed[0])
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := s.aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], aad(credentialID))
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed: %w", err)
	}
	return plaintext, nil
}

func aad(credentialID string) []byte {
	out := make([]byte, 0, 1+len(credentialID))
	out = append(out, sealedVersion)
	return append(out, credentialID...)
}

// wipe zeroes b in place
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
