package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/fabfab/csv-analyst/tabular"
)

// TableParser decodes an upload payload into a table.
type TableParser interface {
	Parse(ctx context.Context, data []byte, opts tabular.ParseOptions) (*tabular.Table, error)
}

type csvParser struct{}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (csvParser) Parse(_ context.Context, data []byte, opts tabular.ParseOptions) (*tabular.Table, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: file is not valid UTF-8 text", tabular.ErrMalformedInput)
	}
	text := string(bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n")))
	return tabular.Parse(text, opts)
}

func parserFor(format DocumentFormat) (TableParser, error) {
	switch format {
	case FormatCSV:
		return csvParser{}, nil
	default:
		return nil, ErrUnsupportedFormat
	}
}
