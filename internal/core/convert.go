package core

// convert.go converts raw cell strings to the pgtype values entities carry,
// and formats them back for export.
//
// These functions handle the messy reality of supplier price lists:
//   - Multiple date and timestamp formats (EU, US, ISO)
//   - Currency symbols, spaces and either ',' or '.' as decimal separator
//   - Various boolean representations (yes/no, true/false, 1/0, да/нет)
//   - Excel formula prefixes (="value")
//
// All ToPg* functions return pgtype values with Valid=false for empty input;
// the Parse* variants report invalid input as an error.

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TimestampLayout is the canonical layout for exported and transformed timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// DateLayout is the layout of date filter parameters.
const DateLayout = "2006-01-02"

var timestampLayouts = []string{
	TimestampLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"01/02/2006 15:04:05",
	DateLayout,
	"02.01.2006",
	"2.1.2006",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"Jan 2, 2006",
	"2 Jan 2006",
	"20060102",
}

var errInvalidNumber = errors.New("invalid number")

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// NormalizeDecimal strips currency symbols, spaces and thousands separators
// and returns a '.'-decimal string. When both ',' and '.' are present the
// later one is the decimal separator; a lone ',' is a decimal separator,
// repeated ',' are thousands separators.
func NormalizeDecimal(s string) string {
	s = strings.TrimSpace(s)

	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.NewReplacer(
		"$", "", "\u20ac", "", "\u00a3", "", "\u20bd", "", "руб.", "", "руб", "",
		" ", "", "\u00a0", "", "\u202f", "", "'", "",
	).Replace(s)

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ",") == 1:
		s = strings.Replace(s, ",", ".", 1)
	case lastComma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	}

	if isNegative && s != "" {
		s = "-" + s
	}
	return s
}

// ParseNumeric converts a string to pgtype.Numeric, reporting malformed input.
func ParseNumeric(s string) (pgtype.Numeric, error) {
	if strings.TrimSpace(s) == "" {
		return pgtype.Numeric{}, nil
	}
	clean := NormalizeDecimal(s)
	if !numericRegex.MatchString(clean) {
		return pgtype.Numeric{}, fmt.Errorf("%w: %q", errInvalidNumber, s)
	}
	var n pgtype.Numeric
	if err := n.Scan(clean); err != nil {
		return pgtype.Numeric{}, fmt.Errorf("%w: %q", errInvalidNumber, s)
	}
	return n, nil
}

// ToPgNumeric converts a string to pgtype.Numeric, invalid on bad input.
func ToPgNumeric(s string) pgtype.Numeric {
	n, err := ParseNumeric(s)
	if err != nil {
		return pgtype.Numeric{Valid: false}
	}
	return n
}

// ParseInt4 converts a string to pgtype.Int4. Decimal input with a zero
// fraction ("5.0", "5,00") is accepted since spreadsheets emit it.
func ParseInt4(s string) (pgtype.Int4, error) {
	if strings.TrimSpace(s) == "" {
		return pgtype.Int4{}, nil
	}
	clean := NormalizeDecimal(s)
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return pgtype.Int4{}, fmt.Errorf("invalid integer: %q", s)
	}
	return pgtype.Int4{Int32: int32(f), Valid: true}, nil
}

// ParseTimestamp converts a string to pgtype.Timestamp trying the known layouts.
func ParseTimestamp(s string) (pgtype.Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Timestamp{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Timestamp{Time: t, Valid: true}, nil
		}
	}
	return pgtype.Timestamp{}, fmt.Errorf("invalid date: %q", s)
}

// ToPgBool converts a string to pgtype.Bool.
// Accepts various representations: true/false, yes/no, t/f, y/n, 1/0, да/нет.
func ToPgBool(s string) pgtype.Bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return pgtype.Bool{Valid: false}
	}

	switch s {
	case "true", "t", "yes", "y", "1", "да", "+":
		return pgtype.Bool{Bool: true, Valid: true}
	case "false", "f", "no", "n", "0", "нет", "-":
		return pgtype.Bool{Bool: false, Valid: true}
	default:
		return pgtype.Bool{Valid: false}
	}
}

// NumericString formats a numeric without exponent, or "" when invalid.
func NumericString(n pgtype.Numeric) string {
	if !n.Valid || n.NaN {
		return ""
	}
	f, err := n.Float64Value()
	if err != nil || !f.Valid {
		return ""
	}
	return strconv.FormatFloat(f.Float64, 'f', -1, 64)
}

// NumericFloat returns the numeric as float64 and whether it was set.
func NumericFloat(n pgtype.Numeric) (float64, bool) {
	if !n.Valid || n.NaN {
		return 0, false
	}
	f, err := n.Float64Value()
	if err != nil || !f.Valid {
		return 0, false
	}
	return f.Float64, true
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.TrimSpace(strings.Trim(s, `"'`))
}
