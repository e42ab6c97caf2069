package secret

import (
	"context"
)

// Placeholder is one {NAME} occurrence in a descriptor field
type Placeholder struct {
	Name     string // identifier between the braces
	Original string // "{NAME}"
}

// Source looks up placeholder values. Sources are consulted in order and the first one
// that knows a name wins; a source error stops expansion.
type Source interface {
	// Name identifies the source in logs
	Name() string

	// Lookup returns ok=false when the source does not know name
	Lookup(ctx context.Context, name string) (value string, ok bool, err error)
}

// Resolver expands placeholders from an ordered list of sources
type Resolver struct {
	sources []Source
}
