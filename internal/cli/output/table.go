package output

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

// TableFormatter formats output as an aligned table
type TableFormatter struct {
	NoColor bool
}

// Format falls back to JSON for data that has no tabular shape
func (f *TableFormatter) Format(data interface{}) (string, error) {
	return (&JSONFormatter{Indent: true}).Format(data)
}

// FormatError renders an error in human-readable form
func (f *TableFormatter) FormatError(err StructuredError) (string, error) {
	var buf bytes.Buffer
	if f.colored() {
		fmt.Fprintf(&buf, "\x1b[31mError [%s]\x1b[0m %s\n", err.Code, err.Message)
	} else {
		fmt.Fprintf(&buf, "Error [%s]: %s\n", err.Code, err.Message)
	}
	if err.Guidance != "" {
		fmt.Fprintf(&buf, "  Guidance: %s\n", err.Guidance)
	}
	if err.RecoveryCommand != "" {
		fmt.Fprintf(&buf, "  Try: %s\n", err.RecoveryCommand)
	}
	if err.RequestID != "" {
		fmt.Fprintf(&buf, "  Request ID: %s\n", err.RequestID)
	}
	return buf.String(), nil
}

// FormatTable renders rows under headers with column alignment
func (f *TableFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "No results found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, strings.Join(headers, "\t"))
	if f.isTTY() {
		separators := make([]string, len(headers))
		for i := range separators {
			separators[i] = strings.Repeat("-", len(headers[i]))
		}
		fmt.Fprintln(w, strings.Join(separators, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *TableFormatter) colored() bool {
	return !f.NoColor && f.isTTY()
}

// isTTY checks if stdout is a terminal
func (f *TableFormatter) isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
