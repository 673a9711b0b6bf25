package format

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Row is one non-empty data row keyed by header label.
type Row struct {
	// Line is the 1-based physical line (or sheet row) the row starts on.
	Line   int
	Values map[string]string
}

// RowReader streams rows in file order. Next returns io.EOF after the last row.
type RowReader interface {
	Header() []string
	Next() (Row, error)
	Close() error
}

// delimitedReader reads decoded delimited text. Blank rows are skipped.
type delimitedReader struct {
	header    []string
	hasHeader bool
	next      func() ([]string, int, error)
	closer    io.Closer
}

// NewDelimitedReader streams rows from r, which must start at byte 0 of the
// file. The stream is decoded from f.Encoding; a leading BOM is dropped and
// invalid sequences are replaced. closer may be nil.
func NewDelimitedReader(r io.Reader, f DetectedFormat, closer io.Closer) (RowReader, error) {
	decoded := NewDecodingReader(r, f.Encoding)
	delim, quote := f.Delimiter, f.Quote
	if delim == 0 {
		delim = ','
	}
	if quote == 0 {
		quote = '"'
	}

	dr := &delimitedReader{hasHeader: f.HasHeader, closer: closer}
	if quote == '"' {
		cr := csv.NewReader(decoded)
		cr.Comma = delim
		cr.LazyQuotes = true
		cr.FieldsPerRecord = -1
		dr.next = func() ([]string, int, error) {
			rec, err := cr.Read()
			if err != nil {
				return nil, 0, err
			}
			line, _ := cr.FieldPos(0)
			for i := range rec {
				rec[i] = strings.TrimSpace(rec[i])
			}
			return rec, line, nil
		}
	} else {
		dr.next = newRecordScanner(decoded, delim, quote).Next
	}

	if f.HasHeader {
		rec, _, err := dr.nextNonBlank()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read header: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		dr.header = headersFor(rec, true)
	} else {
		dr.header = headersFor(make([]string, f.ColumnCount), false)
	}
	return dr, nil
}

func (d *delimitedReader) Header() []string { return d.header }

func (d *delimitedReader) Next() (Row, error) {
	rec, line, err := d.nextNonBlank()
	if err != nil {
		return Row{}, err
	}
	return Row{Line: line, Values: d.keyed(rec)}, nil
}

func (d *delimitedReader) nextNonBlank() ([]string, int, error) {
	for {
		rec, line, err := d.next()
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, pe.StartLine, fmt.Errorf("line %d: %w", pe.StartLine, err)
			}
			return nil, line, err
		}
		if !blank(rec) {
			return rec, line, nil
		}
	}
}

// keyed maps a record onto the header. Extra columns in headerless files
// get placeholder labels; extra columns under a real header are dropped.
func (d *delimitedReader) keyed(rec []string) map[string]string {
	values := make(map[string]string, len(rec))
	for i, v := range rec {
		switch {
		case i < len(d.header):
			values[d.header[i]] = v
		case !d.hasHeader:
			values[fmt.Sprintf("Column_%d", i+1)] = v
		}
	}
	return values
}

func (d *delimitedReader) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
