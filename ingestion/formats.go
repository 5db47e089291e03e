// Package ingestion accepts uploaded tables, profiles and stores them, and
// later vectorizes them chunk by chunk.
package ingestion

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat rejects uploads whose extension is not a table format
// we can parse.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// DocumentFormat enumerates upload payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatCSV represents comma separated values documents.
	FormatCSV DocumentFormat = "csv"
)

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	default:
		return FormatUnknown
	}
}
