package export

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/pricefeed/internal/entity"
)

// SheetName is the single worksheet of an XLSX export.
const SheetName = "Products"

const (
	numberFormat = "#,##0.00"
	dateFormat   = "yyyy-mm-dd hh:mm:ss"

	minColWidth = 8
	maxColWidth = 60
)

type xlsxFormat struct{}

func (xlsxFormat) Supports(name string) bool { return strings.EqualFold(name, "xlsx") }
func (xlsxFormat) Extension() string         { return ".xlsx" }
func (xlsxFormat) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Write streams the dataset into a workbook with a bold filled header,
// numeric and date cell formats and column widths fitted to content.
func (xlsxFormat) Write(w io.Writer, ds Dataset) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Alignment: &excelize.Alignment{Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	numFmt, dtFmt := numberFormat, dateFormat
	numberStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: &numFmt})
	if err != nil {
		return fmt.Errorf("number style: %w", err)
	}
	dateStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: &dtFmt})
	if err != nil {
		return fmt.Errorf("date style: %w", err)
	}

	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return err
	}

	// Widths must be set before the first row is streamed.
	for i, width := range columnWidths(ds) {
		if err := sw.SetColWidth(i+1, i+1, width); err != nil {
			return err
		}
	}

	cols := ds.Written()
	header := make([]any, len(cols))
	for i, c := range cols {
		header[i] = excelize.Cell{StyleID: headerStyle, Value: c.Label()}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	for ri, r := range ds.Rows {
		cells := make([]any, len(cols))
		for i, c := range cols {
			cells[i] = cellFor(c, r, numberStyle, dateStyle)
		}
		cell, err := excelize.CoordinatesToCellName(1, ri+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, cells); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	_, err = f.WriteTo(w)
	return err
}

func cellFor(c Column, r Row, numberStyle, dateStyle int) any {
	switch c.Field.Kind {
	case entity.KindNumeric:
		if v, ok := c.Float(r); ok {
			return excelize.Cell{StyleID: numberStyle, Value: v}
		}
	case entity.KindInt:
		if v, ok := c.Float(r); ok {
			return excelize.Cell{Value: int64(v)}
		}
	case entity.KindTimestamp:
		if v, ok := c.Time(r); ok {
			return excelize.Cell{StyleID: dateStyle, Value: v}
		}
	default:
		return excelize.Cell{Value: c.Text(r)}
	}
	return nil
}

// columnWidths sizes each column to its longest rendered value.
func columnWidths(ds Dataset) []float64 {
	cols := ds.Written()
	widths := make([]float64, len(cols))
	for i, c := range cols {
		n := utf8.RuneCountInString(c.Label())
		for _, r := range ds.Rows {
			l := utf8.RuneCountInString(c.Text(r))
			if c.Field.Kind == entity.KindTimestamp && l > 0 {
				l = len(dateFormat)
			}
			if l > n {
				n = l
			}
		}
		widths[i] = min(max(float64(n)+2, minColWidth), maxColWidth)
	}
	return widths
}
