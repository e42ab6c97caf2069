// Package output formats CLI results as tables, JSON or YAML.
package output

import (
	"fmt"
	"os"
	"strings"
)

// OutputEnv selects the default format when no flag is given
const OutputEnv = "MCPHOST_OUTPUT"

// OutputFormatter formats structured data for CLI output.
// Implementations are stateless and safe for concurrent use.
type OutputFormatter interface {
	// Format converts data to formatted output
	Format(data interface{}) (string, error)

	// FormatError converts a structured error to formatted output
	FormatError(err StructuredError) (string, error)

	// FormatTable formats rows under headers
	FormatTable(headers []string, rows [][]string) (string, error)
}

// NewFormatter creates a formatter for table, json or yaml (case-insensitive)
func NewFormatter(format string) (OutputFormatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{Indent: true}, nil
	case "yaml":
		return &YAMLFormatter{}, nil
	case "table", "":
		return &TableFormatter{NoColor: os.Getenv("NO_COLOR") == "1"}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s (valid: table, json, yaml)", format)
	}
}

// ResolveFormat picks the output format.
// Priority: --json > --output > MCPHOST_OUTPUT > table
func ResolveFormat(outputFlag string, jsonFlag bool) string {
	if jsonFlag {
		return "json"
	}
	if outputFlag != "" {
		return outputFlag
	}
	if envFormat := os.Getenv(OutputEnv); envFormat != "" {
		return envFormat
	}
	return "table"
}
