package hash

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// CapabilityHash computes a BLAKE3 digest for capability change detection.
// Fields are NUL-separated so ("ab","c") and ("a","bc") never collide.
func CapabilityHash(serverID, kind, name string, schema interface{}) (string, error) {
	var schemaBytes []byte
	switch s := schema.(type) {
	case nil:
	case json.RawMessage:
		schemaBytes = s
	case []byte:
		schemaBytes = s
	default:
		var err error
		schemaBytes, err = json.Marshal(schema)
		if err != nil {
			return "", fmt.Errorf("failed to marshal capability schema: %w", err)
		}
	}

	h := blake3.New()
	for _, part := range []string{serverID, kind, name} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(schemaBytes)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeCapabilityHash is CapabilityHash with a name-only fallback when the schema
// cannot be marshalled.
func ComputeCapabilityHash(serverID, kind, name string, schema interface{}) string {
	h, err := CapabilityHash(serverID, kind, name, schema)
	if err != nil {
		return StringHash(fmt.Sprintf("%s:%s:%s", serverID, kind, name))
	}
	return h
}

// StringHash computes the BLAKE3 hash of a string
func StringHash(input string) string {
	sum := blake3.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
