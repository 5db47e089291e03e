package tabular

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackfillsShortRows(t *testing.T) {
	table, err := Parse("a,b,c\n1,2,3\n4\n\n  \n5,6,7,8\n", ParseOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, table.Headers)
	assert.Equal(t, 3, table.TotalColumns)
	assert.Equal(t, 3, table.TotalRows)
	for _, row := range table.Rows {
		assert.Len(t, row, len(table.Headers))
	}
	assert.Equal(t, []string{"4", "", ""}, table.Rows[1])
	assert.Equal(t, []string{"5", "6", "7"}, table.Rows[2])
	assert.Empty(t, table.Notes)
}

func TestParseStripsQuotesAndWhitespace(t *testing.T) {
	table, err := Parse("\"name\", \"city\" \r\n\"Ann\" ,Paris\r\n", ParseOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "city"}, table.Headers)
	assert.Equal(t, []string{"Ann", "Paris"}, table.Rows[0])
}

func TestParseRejectsBlankInput(t *testing.T) {
	for _, input := range []string{"", "\n\n", "   \n\t\n"} {
		_, err := Parse(input, ParseOptions{})
		require.ErrorIs(t, err, ErrMalformedInput)
	}
}

func TestParseHeaderOnly(t *testing.T) {
	table, err := Parse("a,b\n", ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, table.TotalRows)
	assert.Equal(t, 2, table.TotalColumns)
}

func TestParseCapsRows(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("n\n")
	for i := 0; i < 25; i++ {
		sb.WriteString("1\n")
	}

	table, err := Parse(sb.String(), ParseOptions{MaxRows: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, table.TotalRows)
	assert.Equal(t, 25, table.SourceRows)
	require.Len(t, table.Notes, 1)
	assert.Contains(t, ProcessingNote(table.Notes), "first 10 rows")
}

func TestProcessingNoteEmpty(t *testing.T) {
	assert.Equal(t, "", ProcessingNote(nil, []string{}))
	assert.Equal(t, "a; b", ProcessingNote([]string{"a"}, []string{"b"}))
}
