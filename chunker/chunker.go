// Package chunker partitions table rows into fixed-size batches and renders
// each batch as a self-describing text block for embedding.
package chunker

import (
	"fmt"
	"iter"
	"strings"
)

const DefaultBatchSize = 50

// Options controls batching. TotalRows and TotalColumns are the dataset-wide
// totals restated in every chunk; zero means derive them from the input.
type Options struct {
	BatchSize    int
	TotalRows    int
	TotalColumns int
	// Label prefixes the first line of every chunk, e.g. "Financial data".
	Label string
}

// Chunk is one rendered batch. StartRow and EndRow are 1-based and inclusive.
type Chunk struct {
	Index    int
	StartRow int
	EndRow   int
	RowCount int
	Headers  []string
	Text     string
	// Populated lists the headers with at least one non-empty value in the batch.
	Populated []string
}

// Count returns the number of chunks Split yields for rows rows.
func Count(rows, batchSize int) int {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if rows <= 0 {
		return 0
	}
	return (rows + batchSize - 1) / batchSize
}

// Split yields chunks in ascending row order. It is a pure function of its
// input: the same rows and options always render the same text.
func Split(headers []string, rows [][]string, opts Options) iter.Seq[Chunk] {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	totalRows := opts.TotalRows
	if totalRows <= 0 {
		totalRows = len(rows)
	}
	totalColumns := opts.TotalColumns
	if totalColumns <= 0 {
		totalColumns = len(headers)
	}
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "Data"
	}

	return func(yield func(Chunk) bool) {
		for index, start := 0, 0; start < len(rows); index, start = index+1, start+batch {
			end := min(start+batch, len(rows))
			c := Chunk{
				Index:    index,
				StartRow: start + 1,
				EndRow:   end,
				RowCount: end - start,
				Headers:  headers,
			}
			c.Text, c.Populated = render(label, headers, rows[start:end], c.StartRow, c.EndRow, totalRows, totalColumns)
			if !yield(c) {
				return
			}
		}
	}
}

func render(label string, headers []string, rows [][]string, startRow, endRow, totalRows, totalColumns int) (string, []string) {
	populated := make([]bool, len(headers))

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s batch (rows %d-%d):\n", label, startRow, endRow)
	sb.WriteString("Headers: ")
	sb.WriteString(strings.Join(headers, ", "))
	sb.WriteString("\n\nData summary:\n")

	fields := make([]string, 0, len(headers))
	for i, row := range rows {
		fields = fields[:0]
		for j, header := range headers {
			if j >= len(row) {
				break
			}
			value := strings.TrimSpace(row[j])
			if value == "" {
				continue
			}
			populated[j] = true
			fields = append(fields, header+": "+value)
		}
		fmt.Fprintf(&sb, "Row %d: %s\n", startRow+i, strings.Join(fields, ", "))
	}

	sb.WriteString("\nStatistical context from dataset:\n")
	fmt.Fprintf(&sb, "- Total rows: %d\n", totalRows)
	fmt.Fprintf(&sb, "- Total columns: %d\n", totalColumns)
	fmt.Fprintf(&sb, "- Columns: %s", strings.Join(headers, ", "))

	names := make([]string, 0, len(headers))
	for j, ok := range populated {
		if ok {
			names = append(names, headers[j])
		}
	}
	return sb.String(), names
}
