// Package tabular turns raw delimited text into a header/row table and
// computes per-column summary statistics.
package tabular

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedInput reports text that cannot be read as a table.
var ErrMalformedInput = errors.New("malformed input")

const DefaultMaxRows = 10000

// ParseOptions controls how much of the source is kept.
type ParseOptions struct {
	// MaxRows caps the number of data rows kept; 0 means unlimited.
	MaxRows int
}

// Table is a parsed delimited file. Every row has exactly len(Headers) fields.
type Table struct {
	Headers      []string
	Rows         [][]string
	TotalRows    int
	TotalColumns int
	// SourceRows is the number of data rows present before MaxRows was applied.
	SourceRows int
	Notes      []string
}

// Parse splits text into lines, drops blank lines, treats the first remaining
// line as the header row and splits every line on commas. Quoted fields with
// embedded commas or newlines are not supported.
func Parse(text string, opts ParseOptions) (*Table, error) {
	lines := nonBlankLines(text)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no non-blank lines", ErrMalformedInput)
	}

	headers := splitFields(lines[0])
	body := lines[1:]
	sourceRows := len(body)

	var notes []string
	if opts.MaxRows > 0 && len(body) > opts.MaxRows {
		body = body[:opts.MaxRows]
		notes = append(notes, fmt.Sprintf("Only first %d rows were processed for performance", opts.MaxRows))
	}

	rows := make([][]string, len(body))
	for i, line := range body {
		rows[i] = alignRow(splitFields(line), len(headers))
	}

	return &Table{
		Headers:      headers,
		Rows:         rows,
		TotalRows:    len(rows),
		TotalColumns: len(headers),
		SourceRows:   sourceRows,
		Notes:        notes,
	}, nil
}

// ProcessingNote joins the notes produced while parsing and profiling, or
// returns "" when nothing was capped.
func ProcessingNote(notes ...[]string) string {
	var all []string
	for _, group := range notes {
		all = append(all, group...)
	}
	return strings.Join(all, "; ")
}

func nonBlankLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func splitFields(line string) []string {
	parts := strings.Split(line, ",")
	for i, part := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(part), `"`)
	}
	return parts
}

func alignRow(fields []string, width int) []string {
	if len(fields) == width {
		return fields
	}
	row := make([]string, width)
	copy(row, fields)
	return row
}
