package secret

import (
	"context"
	"fmt"
	"sort"

	"mcphost-go/internal/config"
	"mcphost-go/internal/hosterr"
)

// NewResolver creates a resolver consulting sources in the given order
func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// Lookup resolves a single placeholder name
func (r *Resolver) Lookup(ctx context.Context, name string) (string, error) {
	for _, src := range r.sources {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		value, ok, err := src.Lookup(ctx, name)
		if err != nil {
			return "", fmt.Errorf("placeholder {%s} from %s: %w", name, src.Name(), err)
		}
		if ok {
			return value, nil
		}
	}
	return "", hosterr.Credential("expand placeholders", fmt.Errorf("%w {%s}", hosterr.ErrUnresolved, name))
}

// Expand replaces every placeholder in input. Substituted values are not expanded again.
func (r *Resolver) Expand(ctx context.Context, input string) (string, error) {
	if !HasPlaceholders(input) {
		return input, nil
	}

	var firstErr error
	out := placeholderRegex.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		value, err := r.Lookup(ctx, match[1:len(match)-1])
		if err != nil {
			firstErr = err
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ExpandDescriptor returns a copy of d with placeholders in command, args, env values, URL
// and header values replaced. d itself is not modified.
func (r *Resolver) ExpandDescriptor(ctx context.Context, d *config.ServerDescriptor) (*config.ServerDescriptor, error) {
	out := d.Clone()

	expand := func(field string, s *string) error {
		v, err := r.Expand(ctx, *s)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*s = v
		return nil
	}

	if err := expand("command", &out.Command); err != nil {
		return nil, err
	}
	for i := range out.Args {
		if err := expand(fmt.Sprintf("args[%d]", i), &out.Args[i]); err != nil {
			return nil, err
		}
	}
	if err := expand("url", &out.URL); err != nil {
		return nil, err
	}
	if err := expandMap("env", out.Env, expand); err != nil {
		return nil, err
	}
	if err := expandMap("headers", out.Headers, expand); err != nil {
		return nil, err
	}

	return out, nil
}

// expandMap walks keys in sorted order so the reported failure is deterministic
func expandMap(field string, m map[string]string, expand func(string, *string) error) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if err := expand(field+"."+k, &v); err != nil {
			return err
		}
		m[k] = v
	}
	return nil
}
