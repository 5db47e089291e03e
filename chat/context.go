package chat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fabfab/csv-analyst/retrieval"
	"github.com/fabfab/csv-analyst/store"
	"github.com/fabfab/csv-analyst/tabular"
)

const DefaultMaxContextChars = 12000

type ContextInput struct {
	Dataset   *store.Dataset
	Retrieved retrieval.Result
	// Insights is keyed by chunk id and may be nil.
	Insights map[string]ChunkInsight
	// MaxChars bounds the dataset summary plus chunk evidence; 0 means
	// unlimited.
	MaxChars int
}

// BuildContext renders the prompt context and returns the chunks that fit,
// in retrieval order. Chunks that would exceed MaxChars are dropped from the
// tail.
func BuildContext(in ContextInput) (string, []retrieval.ScoredChunk) {
	summary := datasetSummary(in.Dataset)

	included := make([]retrieval.ScoredChunk, 0, len(in.Retrieved.Chunks))
	blocks := make([]string, 0, len(in.Retrieved.Chunks))
	size := len(summary)
	for i, sc := range in.Retrieved.Chunks {
		block := chunkBlock(i+1, sc)
		if in.MaxChars > 0 && size+len(block) > in.MaxChars {
			break
		}
		size += len(block)
		included = append(included, sc)
		blocks = append(blocks, block)
	}

	var sb strings.Builder
	sb.WriteString(summary)
	sb.WriteString(statusLine(in.Retrieved, len(included)))
	sb.WriteString(coverageSection(included, in.Insights))
	if len(blocks) > 0 {
		sb.WriteString("\nRelevant data from your dataset:\n")
		for _, block := range blocks {
			sb.WriteString(block)
		}
	}
	return sb.String(), included
}

// BuildPrompts returns the system and user prompts for one question.
func BuildPrompts(contextText, question string) (string, string) {
	var sb strings.Builder
	sb.WriteString("You are a data analyst assistant. You help users analyze their uploaded datasets by providing insights, identifying patterns, and answering questions about their data.\n\n")
	sb.WriteString("Current dataset context:\n")
	sb.WriteString(contextText)
	sb.WriteString("\nGuidelines:\n")
	sb.WriteString("- Ground every answer in the statistics and data chunks shown above\n")
	sb.WriteString("- When you use a data chunk, cite its row range (for example \"rows 1-50\")\n")
	sb.WriteString("- If the requested data is not present in the context, say so explicitly instead of guessing\n")
	sb.WriteString("- Point out patterns or anomalies visible in the actual data and suggest visualizations when useful\n")
	sb.WriteString("- Be concise and focus on actionable insights\n")
	return sb.String(), strings.TrimSpace(question)
}

func datasetSummary(ds *store.Dataset) string {
	if ds == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dataset: %s\n", ds.OriginalFilename)
	fmt.Fprintf(&sb, "Rows: %d\n", ds.TotalRows)
	fmt.Fprintf(&sb, "Columns: %d\n", ds.TotalColumns)
	fmt.Fprintf(&sb, "Column Names: %s\n", strings.Join(ds.ColumnNames, ", "))

	if len(ds.Stats) > 0 {
		sb.WriteString("\nStatistics Summary:\n")
		for _, name := range ds.ColumnNames {
			stat, ok := ds.Stats[name]
			if !ok {
				continue
			}
			sb.WriteString(statLine(name, stat))
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

func statLine(name string, stat tabular.ColumnStat) string {
	switch {
	case stat.Type == tabular.ColumnNumeric && stat.Numeric != nil:
		n := stat.Numeric
		return fmt.Sprintf("%s: Type: Numeric, Min: %s, Max: %s, Average: %.2f\n", name, formatNumber(n.Min), formatNumber(n.Max), n.Avg)
	case stat.Text != nil:
		return fmt.Sprintf("%s: Type: Text, Unique Values: %d\n", name, stat.Text.UniqueValues)
	default:
		return fmt.Sprintf("%s: Type: %s\n", name, stat.Type)
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func statusLine(res retrieval.Result, used int) string {
	if res.Method == retrieval.MethodNone || res.Method == "" {
		return "Vectorization status: no data chunks are available for this dataset; answer from the statistics above.\n"
	}
	available := "unknown"
	if res.Available >= 0 {
		available = strconv.Itoa(res.Available)
	}
	return fmt.Sprintf("Vectorization status: %s chunks available, %d used (search method: %s)\n", available, used, res.Method)
}

func coverageSection(included []retrieval.ScoredChunk, insights map[string]ChunkInsight) string {
	if len(insights) == 0 {
		return ""
	}
	var lines []string
	for _, sc := range included {
		insight, ok := insights[sc.Chunk.ID.String()]
		if !ok || len(insight.Columns) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("- rows %d-%d: %s\n", sc.Chunk.Metadata.BatchStart, sc.Chunk.Metadata.BatchEnd, strings.Join(insight.Columns, ", ")))
	}
	if len(lines) == 0 {
		return ""
	}
	return "\nColumns populated in the retrieved chunks:\n" + strings.Join(lines, "")
}

func chunkBlock(n int, sc retrieval.ScoredChunk) string {
	meta := sc.Chunk.Metadata
	label := fmt.Sprintf("rows %d-%d", meta.BatchStart, meta.BatchEnd)
	if sc.Scored {
		label += fmt.Sprintf(", similarity %.3f", sc.Similarity)
	}
	return fmt.Sprintf("\nChunk %d (%s):\n%s\n", n, label, strings.TrimRight(sc.Chunk.Text, "\n"))
}

// provenanceFor records the included chunks only.
func provenanceFor(res retrieval.Result, included []retrieval.ScoredChunk) store.Provenance {
	p := store.Provenance{
		SearchMethod:    string(res.Method),
		ChunksUsed:      len(included),
		ChunksAvailable: res.Available,
		ChunkRanges:     make([]store.RowRange, 0, len(included)),
	}
	for _, sc := range included {
		p.ChunkRanges = append(p.ChunkRanges, store.RowRange{Start: sc.Chunk.Metadata.BatchStart, End: sc.Chunk.Metadata.BatchEnd})
		if sc.Scored {
			p.SimilarityScores = append(p.SimilarityScores, sc.Similarity)
		}
	}
	return p
}
