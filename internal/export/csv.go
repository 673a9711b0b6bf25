package export

import (
	"bufio"
	"encoding/csv"
	"io"
	"strings"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

type csvFormat struct {
	delim rune
	quote rune
}

func (csvFormat) Supports(name string) bool { return strings.EqualFold(name, "csv") }

// withParams applies the delimiter and quote parameters of one export.
func (f csvFormat) withParams(p core.Params) Format {
	f.delim = firstRune(p.Get(core.ParamDelimiter, ""), f.delim)
	f.quote = firstRune(p.Get(core.ParamQuote, ""), f.quote)
	return f
}

func (csvFormat) Extension() string         { return ".csv" }
func (csvFormat) ContentType() string       { return "text/csv; charset=utf-8" }

// Write emits one header row of labels and one line per dataset row.
// The standard writer is used for the default quote; any other quote
// character is handled by writeQuoted.
func (f csvFormat) Write(w io.Writer, ds Dataset) error {
	cols := ds.Written()
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.Label()
	}

	record := make([]string, len(cols))
	fill := func(r Row) []string {
		for i, c := range cols {
			record[i] = c.Text(r)
		}
		return record
	}

	if f.quote == '"' {
		cw := csv.NewWriter(w)
		cw.Comma = f.delim
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, r := range ds.Rows {
			if err := cw.Write(fill(r)); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}

	bw := bufio.NewWriter(w)
	if err := f.writeQuoted(bw, header); err != nil {
		return err
	}
	for _, r := range ds.Rows {
		if err := f.writeQuoted(bw, fill(r)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (f csvFormat) writeQuoted(w *bufio.Writer, fields []string) error {
	q := string(f.quote)
	for i, field := range fields {
		if i > 0 {
			if _, err := w.WriteRune(f.delim); err != nil {
				return err
			}
		}
		if strings.ContainsRune(field, f.delim) || strings.Contains(field, q) || strings.ContainsAny(field, "\r\n") {
			field = q + strings.ReplaceAll(field, q, q+q) + q
		}
		if _, err := w.WriteString(field); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\n")
	return err
}
