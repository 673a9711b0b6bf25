package format

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

// xlsxReader streams the first sheet of a workbook.
type xlsxReader struct {
	file      *excelize.File
	rows      *excelize.Rows
	header    []string
	hasHeader bool
	line      int
	pending   [][]string
	pendLines []int
}

// NewXLSXReader reads the first sheet of f. When hasHeader is nil the header
// heuristic decides from the first two non-empty rows. The reader closes f.
func NewXLSXReader(f *excelize.File, hasHeader *bool) (RowReader, DetectedFormat, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, DetectedFormat{}, &core.DetectionError{Reason: "workbook has no sheets"}
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		_ = f.Close()
		return nil, DetectedFormat{}, &core.DetectionError{Reason: "unreadable sheet " + sheets[0], Err: err}
	}
	x := &xlsxReader{file: f, rows: rows}

	first, firstLine, err := x.read()
	if err != nil {
		_ = x.Close()
		if errors.Is(err, io.EOF) {
			return nil, DetectedFormat{}, &core.DetectionError{Reason: "empty sheet " + sheets[0]}
		}
		return nil, DetectedFormat{}, &core.DetectionError{Reason: "unreadable sheet " + sheets[0], Err: err}
	}

	if hasHeader != nil {
		x.hasHeader = *hasHeader
	} else {
		sample := [][]string{first}
		second, secondLine, err := x.read()
		switch {
		case err == nil:
			sample = append(sample, second)
			x.pending = append(x.pending, second)
			x.pendLines = append(x.pendLines, secondLine)
		case !errors.Is(err, io.EOF):
			_ = x.Close()
			return nil, DetectedFormat{}, fmt.Errorf("read sheet: %w", err)
		}
		x.hasHeader = detectHeader(sample)
	}

	if x.hasHeader {
		x.header = headersFor(first, true)
	} else {
		x.header = headersFor(first, false)
		x.pending = append([][]string{first}, x.pending...)
		x.pendLines = append([]int{firstLine}, x.pendLines...)
	}

	return x, DetectedFormat{
		Encoding:      "UTF-8",
		HasHeader:     x.hasHeader,
		ColumnCount:   len(first),
		SampleHeaders: x.header,
	}, nil
}

// read returns the next non-empty row and its 1-based sheet row number.
func (x *xlsxReader) read() ([]string, int, error) {
	for x.rows.Next() {
		x.line++
		cols, err := x.rows.Columns()
		if err != nil {
			return nil, x.line, err
		}
		if !blank(cols) {
			return cols, x.line, nil
		}
	}
	if err := x.rows.Error(); err != nil {
		return nil, x.line, err
	}
	return nil, x.line, io.EOF
}

func (x *xlsxReader) Header() []string { return x.header }

func (x *xlsxReader) Next() (Row, error) {
	var (
		cols []string
		line int
	)
	if len(x.pending) > 0 {
		cols, line = x.pending[0], x.pendLines[0]
		x.pending, x.pendLines = x.pending[1:], x.pendLines[1:]
	} else {
		var err error
		if cols, line, err = x.read(); err != nil {
			return Row{}, err
		}
	}

	values := make(map[string]string, len(cols))
	for i, v := range cols {
		switch {
		case i < len(x.header):
			values[x.header[i]] = strings.TrimSpace(v)
		case !x.hasHeader:
			values[fmt.Sprintf("Column_%d", i+1)] = strings.TrimSpace(v)
		}
	}
	return Row{Line: line, Values: values}, nil
}

func (x *xlsxReader) Close() error {
	return errors.Join(x.rows.Close(), x.file.Close())
}

// estimateSheetRows returns the data row count of the first sheet from its
// recorded dimension.
func estimateSheetRows(f *excelize.File, hasHeader bool) (int64, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return 0, nil
	}
	dim, err := f.GetSheetDimension(sheets[0])
	if err != nil {
		return 0, err
	}
	last := dim
	if i := strings.IndexByte(dim, ':'); i >= 0 {
		last = dim[i+1:]
	}
	_, rows, err := excelize.CellNameToCoordinates(last)
	if err != nil {
		return 0, fmt.Errorf("sheet dimension %q: %w", dim, err)
	}
	n := int64(rows)
	if hasHeader && n > 0 {
		n--
	}
	return n, nil
}
