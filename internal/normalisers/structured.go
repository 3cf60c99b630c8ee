package normalisers

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"slices"
	"strings"
)

// CSVNormaliser turns delimited rows into lines of text. Cells are joined
// with ", " and empty cells are dropped. Content that fails to parse is
// treated as plain text.
type CSVNormaliser struct{}

func (n *CSVNormaliser) Normalise(content string, mimeType string) string {
	r := csv.NewReader(strings.NewReader(normaliseLineEndings(content)))
	if baseType(mimeType) == "text/tab-separated-values" {
		r.Comma = '\t'
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var lines []string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return (&PlaintextNormaliser{}).Normalise(content, mimeType)
		}
		cells := make([]string, 0, len(record))
		for _, cell := range record {
			if cell = strings.Join(strings.Fields(cell), " "); cell != "" {
				cells = append(cells, cell)
			}
		}
		if len(cells) > 0 {
			lines = append(lines, strings.Join(cells, ", "))
		}
	}
	return strings.Join(lines, "\n")
}

func (n *CSVNormaliser) SupportedTypes() []string {
	return []string{"text/csv", "text/tab-separated-values"}
}

func (n *CSVNormaliser) Priority() int {
	return 50
}

// JSONNormaliser flattens a JSON document to its string leaves, one per
// line, each prefixed by the nearest object key. Object keys are visited in
// sorted order. Invalid JSON is treated as plain text.
type JSONNormaliser struct{}

func (n *JSONNormaliser) Normalise(content string, mimeType string) string {
	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return (&PlaintextNormaliser{}).Normalise(content, mimeType)
	}
	var lines []string
	flattenJSON(doc, "", &lines)
	return strings.Join(lines, "\n")
}

func flattenJSON(v any, key string, lines *[]string) {
	switch v := v.(type) {
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(v)) {
			flattenJSON(v[k], k, lines)
		}
	case []any:
		for _, item := range v {
			flattenJSON(item, key, lines)
		}
	case string:
		s := strings.Join(strings.Fields(v), " ")
		if s == "" {
			return
		}
		if key != "" {
			s = key + ": " + s
		}
		*lines = append(*lines, s)
	}
}

func (n *JSONNormaliser) SupportedTypes() []string {
	return []string{"application/json", "text/json"}
}

func (n *JSONNormaliser) Priority() int {
	return 50
}
