package format

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// splitRecord splits one logical record on delim, honouring quote. A quote
// opens a quoted field only at the start of the field and closes it only
// when followed by delim, a line break or the end of input. Any other quote
// is literal, and a doubled quote inside a quoted field is one literal
// quote. Fields are trimmed.
func splitRecord(line string, delim, quote rune) []string {
	fields, _ := tokenize(line, delim, quote)
	return fields
}

// balanced reports whether every quoted field opened in s is closed.
func balanced(s string, delim, quote rune) bool {
	_, open := tokenize(s, delim, quote)
	return !open
}

// tokenize splits s into fields and reports whether s ends inside a quoted
// field.
func tokenize(s string, delim, quote rune) (fields []string, open bool) {
	var (
		field    strings.Builder
		inQuotes bool
		started  bool
	)
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inQuotes {
			if r != quote {
				field.WriteRune(r)
				continue
			}
			if i+1 < len(runes) && runes[i+1] == quote {
				field.WriteRune(quote)
				i++
				continue
			}
			if closesField(runes[i+1:], delim) {
				inQuotes = false
				continue
			}
			field.WriteRune(quote)
			continue
		}
		switch {
		case r == quote && !started:
			inQuotes, started = true, true
			field.Reset()
		case r == delim:
			fields = append(fields, strings.TrimSpace(field.String()))
			field.Reset()
			started = false
		default:
			field.WriteRune(r)
			if r != ' ' && r != '\t' {
				started = true
			}
		}
	}
	return append(fields, strings.TrimSpace(field.String())), inQuotes
}

// closesField reports whether a quote followed by rest ends a quoted field.
// Blanks between the quote and the delimiter are allowed.
func closesField(rest []rune, delim rune) bool {
	for _, r := range rest {
		switch {
		case r == ' ' || r == '\t':
			continue
		case r == '\r' || r == '\n':
			return true
		case r == delim:
			return true
		default:
			return false
		}
	}
	return true
}

// recordScanner yields logical records from line-oriented text, joining
// physical lines while a quoted field is open. It serves quote characters
// encoding/csv cannot handle.
type recordScanner struct {
	r     *bufio.Reader
	delim rune
	quote rune
	line  int
}

func newRecordScanner(r io.Reader, delim, quote rune) *recordScanner {
	return &recordScanner{r: bufio.NewReader(r), delim: delim, quote: quote}
}

// Next returns the fields of the next record and the line it started on.
func (s *recordScanner) Next() ([]string, int, error) {
	var buf strings.Builder
	start := s.line + 1
	for {
		text, err := s.r.ReadString('\n')
		if text != "" {
			s.line++
			buf.WriteString(text)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, start, err
		}
		eof := errors.Is(err, io.EOF)
		if buf.Len() == 0 && eof {
			return nil, start, io.EOF
		}
		if eof || balanced(buf.String(), s.delim, s.quote) {
			record := strings.TrimRight(buf.String(), "\r\n")
			return splitRecord(record, s.delim, s.quote), start, nil
		}
	}
}
