package output

import (
	"encoding/json"
)

// JSONFormatter formats output as JSON
type JSONFormatter struct {
	Indent bool
}

// Format marshals data to JSON
func (f *JSONFormatter) Format(data interface{}) (string, error) {
	var out []byte
	var err error
	if f.Indent {
		out, err = json.MarshalIndent(data, "", "  ")
	} else {
		out, err = json.Marshal(data)
	}
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// FormatError marshals a structured error to JSON
func (f *JSONFormatter) FormatError(err StructuredError) (string, error) {
	return f.Format(err)
}

// FormatTable converts tabular data to a JSON array of objects
func (f *JSONFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	return f.Format(tableObjects(headers, rows))
}

// tableObjects turns rows into header-keyed maps
func tableObjects(headers []string, rows [][]string) []map[string]string {
	result := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				obj[header] = row[i]
			} else {
				obj[header] = ""
			}
		}
		result = append(result, obj)
	}
	return result
}
