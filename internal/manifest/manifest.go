// Package manifest reads input manifests and renders output manifests.
package manifest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/imgbatch/imgbatch/internal/pipeline"
)

// Input and output manifest column names.
const (
	ColSerial  = "S. No."
	ColProduct = "Product Name"
	ColInput   = "Input Image Urls"
	ColOutput  = "Output Image Urls"
)

// urlSeparator joins URL lists in manifest cells.
const urlSeparator = ", "

// Parse reads an input manifest and returns its rows in declaration order.
// Field values are carried through raw so the row validator, not the
// parser, decides what is acceptable.
func Parse(r io.Reader) ([]pipeline.Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("manifest is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	var rows []pipeline.Row
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		line++
		rows = append(rows, rowFromRecord(record, line))
	}
	return rows, nil
}

func checkHeader(header []string) error {
	expected := []string{ColSerial, ColProduct, ColInput}
	if len(header) < len(expected) {
		return fmt.Errorf("manifest header has %d columns, want at least %d", len(header), len(expected))
	}
	for i, want := range expected {
		if !strings.EqualFold(strings.TrimSpace(header[i]), want) {
			return fmt.Errorf("manifest header column %d is %q, want %q", i+1, header[i], want)
		}
	}
	return nil
}

func rowFromRecord(record []string, line int) pipeline.Row {
	row := pipeline.Row{Line: line}
	if len(record) > 0 {
		row.Serial = record[0]
	}
	if len(record) > 1 {
		row.ProductName = strings.TrimSpace(record[1])
	}
	if len(record) > 2 {
		row.URLs = SplitURLs(record[2])
	}
	return row
}

// SplitURLs splits a comma-separated URL cell, trimming whitespace and
// dropping empty entries. The input format carries no embedded commas.
func SplitURLs(field string) []string {
	parts := strings.Split(field, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if u := strings.TrimSpace(p); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Render produces the output manifest for a set of image records, one row
// per record ordered by serial number ascending. Only successful output
// locations appear in the output column; failed and skipped slots are
// omitted from the joined string while the underlying record keeps its
// index alignment for diagnostics.
func Render(records []pipeline.ImageRecord) ([]byte, error) {
	sorted := make([]pipeline.ImageRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SerialNumber < sorted[j].SerialNumber
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{ColSerial, ColProduct, ColInput, ColOutput}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, rec := range sorted {
		row := []string{
			strconv.Itoa(rec.SerialNumber),
			rec.ProductName,
			strings.Join(rec.InputURLs, urlSeparator),
			strings.Join(rec.OutputLocations(), urlSeparator),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", rec.SerialNumber, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush output manifest: %w", err)
	}
	return buf.Bytes(), nil
}
