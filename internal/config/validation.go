package config

import (
	"fmt"
	"math"
	"regexp"
)

// placeholderName matches the identifiers usable inside {NAME} placeholders
var placeholderName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidationError describes one invalid descriptor field
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateServers checks every descriptor and that server IDs are unique
func ValidateServers(servers []*ServerDescriptor) error {
	seen := make(map[string]bool, len(servers))
	for i, d := range servers {
		if d == nil {
			return ValidationError{Field: fmt.Sprintf("mcpServers[%d]", i), Message: "descriptor is null"}
		}
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.ID] {
			return ValidationError{Field: fmt.Sprintf("mcpServers[%d].id", i), Message: fmt.Sprintf("duplicate server id %q", d.ID)}
		}
		seen[d.ID] = true
	}
	return nil
}

// Validate checks a single descriptor
func (d *ServerDescriptor) Validate() error {
	field := func(name string) string {
		return fmt.Sprintf("server %q: %s", d.ID, name)
	}

	if d.ID == "" {
		return ValidationError{Field: "id", Message: "server id is required"}
	}

	switch d.Protocol {
	case "", ProtocolAuto, ProtocolStdio, ProtocolHTTP, ProtocolStreamableHTTP:
	default:
		return ValidationError{Field: field("protocol"), Message: fmt.Sprintf("unsupported protocol %q", d.Protocol)}
	}

	switch d.TransportType() {
	case ProtocolStdio:
		if d.Command == "" {
			return ValidationError{Field: field("command"), Message: "stdio servers require a command"}
		}
	case ProtocolStreamableHTTP:
		if d.URL == "" {
			return ValidationError{Field: field("url"), Message: "http servers require a url"}
		}
	}

	for _, c := range d.Capabilities {
		switch c {
		case CapabilityTools, CapabilityPrompts, CapabilityResources:
		default:
			return ValidationError{Field: field("capabilities"), Message: fmt.Sprintf("unknown capability kind %q", c)}
		}
	}

	if d.RoutingWeight != nil && invalidWeight(*d.RoutingWeight) {
		return ValidationError{Field: field("routing_weight"), Message: "must be a non-negative number"}
	}
	for name, w := range d.CapabilityWeights {
		if invalidWeight(w) {
			return ValidationError{Field: field("capability_weights." + name), Message: "must be a non-negative number"}
		}
	}
	if d.Timeout < 0 || d.ConnectTimeout < 0 {
		return ValidationError{Field: field("timeout"), Message: "must not be negative"}
	}

	for _, root := range d.Roots {
		if root == "" {
			return ValidationError{Field: field("roots"), Message: "empty root prefix"}
		}
	}

	names := make(map[string]bool, len(d.Credentials))
	for _, c := range d.Credentials {
		if !placeholderName.MatchString(c.Name) {
			return ValidationError{Field: field("credentials"), Message: fmt.Sprintf("invalid credential name %q", c.Name)}
		}
		if names[c.Name] {
			return ValidationError{Field: field("credentials"), Message: fmt.Sprintf("duplicate credential %q", c.Name)}
		}
		names[c.Name] = true
		// Never echo the value
		if c.Value == "" {
			return ValidationError{Field: field("credentials." + c.Name), Message: "value is required"}
		}
	}

	return nil
}

// invalidWeight rejects NaN, which has no order, and negative weights
func invalidWeight(w float64) bool {
	return math.IsNaN(w) || w < 0
}
