package secret

import (
	"context"
	"os"
)

// EnvSource resolves placeholders from the process environment
type EnvSource struct {
	lookup func(string) (string, bool)
}

// NewEnvSource creates a source backed by os.LookupEnv
func NewEnvSource() *EnvSource {
	return &EnvSource{lookup: os.LookupEnv}
}

// Name implements Source
func (s *EnvSource) Name() string {
	return "env"
}

// Lookup treats empty variables as unset
func (s *EnvSource) Lookup(_ context.Context, name string) (string, bool, error) {
	value, ok := s.lookup(name)
	if !ok || value == "" {
		return "", false, nil
	}
	return value, true, nil
}
