package host

import (
	"time"
)

// InvokeOption tunes one invocation
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	timeout     time.Duration
	resourceURI string
	exclude     []string
}

// WithTimeout overrides the server's call timeout
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) {
		o.timeout = d
	}
}

// WithResourceURI reads this concrete URI instead of the capability name. Required for
// resource templates; the boundary check applies to the concrete URI.
func WithResourceURI(uri string) InvokeOption {
	return func(o *invokeOptions) {
		o.resourceURI = uri
	}
}

// WithExcludedServers skips the listed providers, typically the one that just failed
func WithExcludedServers(serverIDs ...string) InvokeOption {
	return func(o *invokeOptions) {
		o.exclude = append(o.exclude, serverIDs...)
	}
}
