package core

import (
	"testing"
	"time"
)

// ----------------------------------------------------------------------------
// NormalizeDecimal / ParseNumeric Tests
// ----------------------------------------------------------------------------

func TestNormalizeDecimal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain integer", "123", "123"},
		{"dot decimal", "9.99", "9.99"},
		{"comma decimal", "9,99", "9.99"},
		{"us thousands", "1,234,567.89", "1234567.89"},
		{"eu thousands", "1.234.567,89", "1234567.89"},
		{"space thousands", "1 234,50", "1234.50"},
		{"nbsp thousands", "1\u00a0234,50", "1234.50"},
		{"currency", "$1,234.56", "1234.56"},
		{"ruble suffix", "990 руб.", "990"},
		{"accounting negative", "(123.45)", "-123.45"},
		{"repeated commas", "1,000,000", "1000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeDecimal(tt.input); got != tt.want {
				t.Errorf("NormalizeDecimal(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   bool
		wantValid bool
		wantValue string
	}{
		{name: "empty is null", input: "", wantValid: false},
		{name: "whitespace is null", input: "   ", wantValid: false},
		{name: "decimal", input: "11.99", wantValid: true, wantValue: "11.99"},
		{name: "comma decimal", input: "11,99", wantValid: true, wantValue: "11.99"},
		{name: "scientific notation rejected by pgtype", input: "1.5e3", wantErr: true},
		{name: "letters", input: "abc", wantErr: true},
		{name: "double dot", input: "12.34.56", wantErr: true},
		{name: "trailing minus", input: "123-", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNumeric(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNumeric(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Valid != tt.wantValid {
				t.Fatalf("ParseNumeric(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
			if tt.wantValid {
				if s := NumericString(got); s != tt.wantValue {
					t.Errorf("NumericString = %q, want %q", s, tt.wantValue)
				}
			}
		})
	}
}

func TestToPgNumeric_InvalidIsNull(t *testing.T) {
	if n := ToPgNumeric("n/a"); n.Valid {
		t.Errorf("ToPgNumeric(n/a).Valid = true, want false")
	}
}

// ----------------------------------------------------------------------------
// ParseInt4 Tests
// ----------------------------------------------------------------------------

func TestParseInt4(t *testing.T) {
	tests := []struct {
		input   string
		want    int32
		wantErr bool
	}{
		{"10", 10, false},
		{"5.0", 5, false},
		{"5,00", 5, false},
		{"-3", -3, false},
		{"2.5", 0, true},
		{"many", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseInt4(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInt4(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.Int32 != tt.want {
			t.Errorf("ParseInt4(%q) = %d, want %d", tt.input, got.Int32, tt.want)
		}
	}
}

// ----------------------------------------------------------------------------
// ParseTimestamp Tests
// ----------------------------------------------------------------------------

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
	}{
		{"2024-01-15 10:30:00", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"2024-01-15T10:30:00", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"15.01.2024 10:30", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"2024-01-15", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"15.01.2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"Jan 15, 2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got, err := ParseTimestamp(tt.input)
		if err != nil {
			t.Errorf("ParseTimestamp(%q) error = %v", tt.input, err)
			continue
		}
		if !got.Valid || !got.Time.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.input, got.Time, tt.want)
		}
	}

	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Error("ParseTimestamp(yesterday) expected error")
	}
}

// ----------------------------------------------------------------------------
// ToPgBool / CleanCell Tests
// ----------------------------------------------------------------------------

func TestToPgBool(t *testing.T) {
	tests := []struct {
		input     string
		wantValid bool
		wantBool  bool
	}{
		{"true", true, true},
		{"Yes", true, true},
		{"да", true, true},
		{"0", true, false},
		{"нет", true, false},
		{"", false, false},
		{"maybe", false, false},
	}

	for _, tt := range tests {
		got := ToPgBool(tt.input)
		if got.Valid != tt.wantValid || got.Bool != tt.wantBool {
			t.Errorf("ToPgBool(%q) = %+v, want valid=%v bool=%v", tt.input, got, tt.wantValid, tt.wantBool)
		}
	}
}

func TestCleanCell(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`  A1  `, "A1"},
		{`="00123"`, "00123"},
		{`=SUM`, "SUM"},
		{`"quoted"`, "quoted"},
	}

	for _, tt := range tests {
		if got := CleanCell(tt.input); got != tt.want {
			t.Errorf("CleanCell(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
