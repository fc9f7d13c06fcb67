// Package parser extracts price records from hospital transparency files.
// It accepts a byte stream plus a declared or detected format and produces
// a lazy, finite, single-pass sequence of records: each parse consumes the
// stream once and is not restartable.
package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Format identifies a supported file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatXML     Format = "xml"
	FormatExcel   Format = "excel"
	FormatZIP     Format = "zip"
	FormatUnknown Format = ""
)

// RawRecord is one extracted price line before normalization. A record is
// accepted only when both Code and Description are non-empty; every other
// field is optional.
type RawRecord struct {
	Code        string
	CodeType    string
	Description string

	GrossCharge    float64
	DiscountedCash float64
	MinNegotiated  float64
	MaxNegotiated  float64

	PayerRates map[string]float64
}

// Valid reports whether the record meets the acceptance bar.
func (r *RawRecord) Valid() bool {
	return strings.TrimSpace(r.Code) != "" && strings.TrimSpace(r.Description) != ""
}

// Stream is a lazy sequence of accepted records. Next returns io.EOF after
// the last record. Skipped counts rows rejected as malformed or below the
// acceptance bar; skipping is never fatal to the surrounding parse.
type Stream interface {
	Next() (*RawRecord, error)
	Skipped() int
}

// Options configures a parse.
type Options struct {
	// Filename drives extension-based format detection.
	Filename string
	// Format, when set, overrides detection.
	Format Format
	// ReaderAt + Size enable true streaming of ZIP archives; without them
	// the archive is buffered in memory.
	ReaderAt io.ReaderAt
	Size     int64
}

// Open builds a Stream for the input. Detection falls back to CSV for
// unknown types, matching the long tail of extensionless hospital files.
func Open(r io.Reader, opts Options) (Stream, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	format := opts.Format
	if format == FormatUnknown {
		head, _ := br.Peek(512)
		format = DetectFormat(opts.Filename, head)
	}

	switch format {
	case FormatCSV:
		return newCSVStream(br), nil
	case FormatJSON:
		data, err := io.ReadAll(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read json input: %w", err)
		}
		return newJSONStream(data)
	case FormatXML:
		data, err := io.ReadAll(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read xml input: %w", err)
		}
		return newXMLStream(data)
	case FormatExcel:
		return newExcelStream(br)
	case FormatZIP:
		if opts.ReaderAt != nil && opts.Size > 0 {
			return newZIPStream(opts.ReaderAt, opts.Size)
		}
		data, err := io.ReadAll(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read zip input: %w", err)
		}
		return newZIPStream(bytes.NewReader(data), int64(len(data)))
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// DetectFormat resolves a format from the filename extension, then from the
// leading bytes, then falls back to CSV.
func DetectFormat(filename string, head []byte) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".tsv":
		return FormatCSV
	case ".json":
		return FormatJSON
	case ".xml":
		return FormatXML
	case ".xlsx", ".xls":
		return FormatExcel
	case ".zip":
		return FormatZIP
	}

	trimmed := bytes.TrimLeft(head, " \t\r\n\xef\xbb\xbf")
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		// xlsx is also a zip container; without the extension we treat it
		// as an archive and let the member scan find the data file.
		return FormatZIP
	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
		return FormatJSON
	case len(trimmed) > 0 && trimmed[0] == '<':
		return FormatXML
	default:
		return FormatCSV
	}
}
