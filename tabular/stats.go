package tabular

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultStatsRows      = 1000
	DefaultStatsColumns   = 5
	DefaultDistinctSample = 100
)

type ColumnType string

const (
	ColumnNumeric ColumnType = "numeric"
	ColumnText    ColumnType = "text"
)

// ColumnStat is a tagged union: exactly one of Numeric or Text is set,
// matching Type.
type ColumnStat struct {
	Type    ColumnType   `json:"type"`
	Numeric *NumericStat `json:"numeric,omitempty"`
	Text    *TextStat    `json:"text,omitempty"`
}

type NumericStat struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Sum    float64 `json:"sum"`
	Median float64 `json:"median"`
}

type TextStat struct {
	Count           int    `json:"count"`
	UniqueValues    int    `json:"uniqueValues"`
	MostCommon      string `json:"mostCommon,omitempty"`
	MostCommonCount int    `json:"mostCommonCount,omitempty"`
}

// Stats maps column name to its statistics.
type Stats map[string]ColumnStat

// StatsOptions caps the profiling work. Zero values mean unlimited.
type StatsOptions struct {
	SampleRows     int
	MaxColumns     int
	DistinctSample int
}

func DefaultStatsOptions() StatsOptions {
	return StatsOptions{
		SampleRows:     DefaultStatsRows,
		MaxColumns:     DefaultStatsColumns,
		DistinctSample: DefaultDistinctSample,
	}
}

// ComputeStats profiles each column independently. The returned notes
// describe any sampling that was applied.
func ComputeStats(t *Table, opts StatsOptions) (Stats, []string) {
	stats := make(Stats)
	if t == nil {
		return stats, nil
	}

	var notes []string
	rows := t.Rows
	if opts.SampleRows > 0 && len(rows) > opts.SampleRows {
		rows = rows[:opts.SampleRows]
		notes = append(notes, fmt.Sprintf("Statistics sampled from the first %d of %d rows", opts.SampleRows, len(t.Rows)))
	}

	columns := len(t.Headers)
	if opts.MaxColumns > 0 && columns > opts.MaxColumns {
		columns = opts.MaxColumns
		notes = append(notes, fmt.Sprintf("Statistics computed for the first %d of %d columns", opts.MaxColumns, len(t.Headers)))
	}

	raw := make([]string, 0, len(rows))
	for col := 0; col < columns; col++ {
		raw = raw[:0]
		for _, row := range rows {
			raw = append(raw, row[col])
		}
		stats[t.Headers[col]] = columnStat(resolveColumn(raw), opts.DistinctSample)
	}

	return stats, notes
}

// ParseNumber is the permissive numeric coercion used for type inference.
// Surrounding whitespace is ignored; NaN and infinities are rejected. Digit
// separators and hexadecimal floats are not numbers; unsigned 0x, 0o and 0b
// integers are.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsRune(s, '_') {
		return 0, false
	}
	if base := integerBase(s); base != 0 {
		n, err := strconv.ParseUint(s[2:], base, 64)
		if err != nil {
			return 0, false
		}
		return float64(n), true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func integerBase(s string) int {
	if len(s) < 3 || s[0] != '0' {
		return 0
	}
	switch s[1] {
	case 'x', 'X':
		return 16
	case 'o', 'O':
		return 8
	case 'b', 'B':
		return 2
	}
	return 0
}

func columnStat(values []Value, distinctSample int) ColumnStat {
	numeric := false
	for _, v := range values {
		if v.Kind == KindNumeric {
			numeric = true
			break
		}
	}
	if numeric {
		return ColumnStat{Type: ColumnNumeric, Numeric: numericStat(values)}
	}
	return ColumnStat{Type: ColumnText, Text: textStat(values, distinctSample)}
}

func numericStat(values []Value) *NumericStat {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if v.Kind == KindNumeric {
			nums = append(nums, v.Num)
		}
	}

	st := &NumericStat{Count: len(nums), Min: nums[0], Max: nums[0]}
	for _, n := range nums {
		st.Sum += n
		if n < st.Min {
			st.Min = n
		}
		if n > st.Max {
			st.Max = n
		}
	}
	st.Avg = st.Sum / float64(len(nums))

	sort.Float64s(nums)
	mid := len(nums) / 2
	if len(nums)%2 == 0 {
		st.Median = (nums[mid-1] + nums[mid]) / 2
	} else {
		st.Median = nums[mid]
	}
	return st
}

func textStat(values []Value, distinctSample int) *TextStat {
	present := make([]string, 0, len(values))
	for _, v := range values {
		if v.Kind != KindAbsent {
			present = append(present, v.Str)
		}
	}

	st := &TextStat{Count: len(present)}

	sample := present
	if distinctSample > 0 && len(sample) > distinctSample {
		sample = sample[:distinctSample]
	}
	distinct := make(map[string]struct{}, len(sample))
	for _, s := range sample {
		distinct[s] = struct{}{}
	}
	st.UniqueValues = len(distinct)

	// Ties go to the value whose first occurrence comes earliest.
	counts := make(map[string]int, len(present))
	order := make([]string, 0, len(present))
	for _, s := range present {
		if counts[s] == 0 {
			order = append(order, s)
		}
		counts[s]++
	}
	for _, s := range order {
		if counts[s] > st.MostCommonCount {
			st.MostCommon = s
			st.MostCommonCount = counts[s]
		}
	}
	return st
}
