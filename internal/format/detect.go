// Package format detects the layout of uploaded files and streams their rows.
//
// Delimited text goes through [Detector] first: it peeks a bounded prefix,
// infers encoding, delimiter, quote character and header presence, and hands
// back a reader that still starts at byte 0. Spreadsheets are read from their
// first sheet. Both are exposed as a [RowReader] through the import
// [Strategy] registry.
package format

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/transform"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

const (
	// DefaultPeekBytes bounds the prefix inspected by detection.
	DefaultPeekBytes = 1 << 20
	// DefaultSampleLines is the number of lines used by the heuristics.
	DefaultSampleLines = 10

	// minConfidence is the chardet confidence (0-100) below which UTF-8 is assumed.
	minConfidence = 50
)

var (
	candidateDelimiters = []rune{',', ';', '\t', '|'}
	candidateQuotes     = []rune{'"', '\''}
)

// DetectedFormat describes how a delimited file is laid out.
type DetectedFormat struct {
	Encoding      string
	Delimiter     rune
	Quote         rune
	HasHeader     bool
	ColumnCount   int
	SampleHeaders []string
}

// MarshalJSON renders runes as strings.
func (f DetectedFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Encoding      string   `json:"encoding"`
		Delimiter     string   `json:"delimiter"`
		Quote         string   `json:"quoteChar"`
		HasHeader     bool     `json:"hasHeader"`
		ColumnCount   int      `json:"columnCount"`
		SampleHeaders []string `json:"sampleHeaders"`
	}{f.Encoding, runeString(f.Delimiter), runeString(f.Quote), f.HasHeader, f.ColumnCount, f.SampleHeaders})
}

func runeString(r rune) string {
	if r == 0 {
		return ""
	}
	return string(r)
}

// Detector infers a DetectedFormat from a bounded prefix of a stream.
type Detector struct {
	PeekBytes   int
	SampleLines int
}

// NewDetector returns a detector; non-positive arguments take the defaults.
func NewDetector(peekBytes, sampleLines int) *Detector {
	if peekBytes <= 0 {
		peekBytes = DefaultPeekBytes
	}
	if sampleLines <= 0 {
		sampleLines = DefaultSampleLines
	}
	return &Detector{PeekBytes: peekBytes, SampleLines: sampleLines}
}

// Detect inspects at most PeekBytes of r. The returned reader replays the
// stream from its first byte and must be used for the actual read.
func (d *Detector) Detect(r io.Reader) (DetectedFormat, io.Reader, error) {
	return d.DetectWith(r, Options{})
}

// DetectWith is Detect with explicit overrides. Overridden settings are not
// guessed, and the remaining heuristics run against them.
func (d *Detector) DetectWith(r io.Reader, opts Options) (DetectedFormat, io.Reader, error) {
	br := bufio.NewReaderSize(r, d.PeekBytes)
	prefix, err := br.Peek(d.PeekBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return DetectedFormat{}, nil, &core.DetectionError{Reason: "unreadable input", Err: err}
	}
	if len(prefix) == 0 {
		return DetectedFormat{}, nil, &core.DetectionError{Reason: "empty input"}
	}
	truncated := len(prefix) == d.PeekBytes

	encName := opts.Encoding
	if encName == "" {
		encName = DetectEncoding(prefix)
	} else if _, ok := lookupEncoding(encName); !ok {
		return DetectedFormat{}, nil, &core.DetectionError{Reason: "unknown encoding " + encName}
	}
	decoded, _, derr := transform.Bytes(Decoder(encName), prefix)
	if derr != nil {
		return DetectedFormat{}, nil, &core.DetectionError{Reason: "undecodable input", Err: derr}
	}

	lines := sampleLines(string(decoded), d.SampleLines, truncated)
	if len(lines) == 0 {
		return DetectedFormat{}, nil, &core.DetectionError{Reason: "no text lines in input"}
	}

	f := DetectedFormat{Encoding: encName}
	f.Delimiter = opts.Delimiter
	if f.Delimiter == 0 {
		f.Delimiter = detectDelimiter(lines)
	}
	f.Quote = opts.Quote
	if f.Quote == 0 {
		f.Quote = detectQuote(lines, f.Delimiter)
	}

	rows := make([][]string, len(lines))
	for i, line := range lines {
		rows[i] = splitRecord(line, f.Delimiter, f.Quote)
	}
	if opts.HasHeader != nil {
		f.HasHeader = *opts.HasHeader
	} else {
		f.HasHeader = detectHeader(rows)
	}
	f.ColumnCount = len(rows[0])
	f.SampleHeaders = headersFor(rows[0], f.HasHeader)

	return f, br, nil
}

// DetectEncoding returns the charset of a byte prefix. A BOM wins; valid
// UTF-8 is reported as such; otherwise chardet decides, defaulting to UTF-8
// below the confidence threshold.
func DetectEncoding(prefix []byte) string {
	switch {
	case len(prefix) >= 3 && prefix[0] == 0xEF && prefix[1] == 0xBB && prefix[2] == 0xBF:
		return "UTF-8"
	case len(prefix) >= 2 && prefix[0] == 0xFF && prefix[1] == 0xFE:
		return "UTF-16LE"
	case len(prefix) >= 2 && prefix[0] == 0xFE && prefix[1] == 0xFF:
		return "UTF-16BE"
	}

	if utf8.Valid(trimPartialRune(prefix)) {
		return "UTF-8"
	}

	res, err := chardet.NewTextDetector().DetectBest(prefix)
	if err != nil || res == nil || res.Confidence < minConfidence || res.Charset == "" {
		return "UTF-8"
	}
	if _, ok := lookupEncoding(res.Charset); !ok {
		return "UTF-8"
	}
	return res.Charset
}

// trimPartialRune drops a multi-byte sequence cut off at the end of a peek window.
func trimPartialRune(b []byte) []byte {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return b
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i]
			}
			return b
		}
	}
	return b
}

func sampleLines(text string, n int, truncated bool) []string {
	raw := strings.Split(text, "\n")
	if truncated && len(raw) > 1 {
		raw = raw[:len(raw)-1]
	}
	out := make([]string, 0, n)
	for _, line := range raw {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimPrefix(line, "\ufeff")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return out
}

// detectDelimiter scores each candidate by its occurrences per line, plus a
// bonus of 10 whenever a line repeats the previous line's non-zero count.
func detectDelimiter(lines []string) rune {
	best, bestScore := ',', 0
	for _, d := range candidateDelimiters {
		score, prev := 0, -1
		for _, line := range lines {
			n := strings.Count(line, string(d))
			score += n
			if n > 0 && n == prev {
				score += 10
			}
			prev = n
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

// detectQuote scores each candidate by paired (even, non-zero) counts per
// line, plus 5 when a quote-delimiter-quote sequence appears.
func detectQuote(lines []string, delim rune) rune {
	best, bestScore := '"', 0
	for _, q := range candidateQuotes {
		qs := string(q)
		pattern := qs + string(delim) + qs
		score := 0
		for _, line := range lines {
			n := strings.Count(line, qs)
			if n > 0 && n%2 == 0 {
				score += n
			}
			if strings.Contains(line, pattern) {
				score += 5
			}
		}
		if score > bestScore {
			best, bestScore = q, score
		}
	}
	return best
}

// detectHeader compares the first two rows token by token. Fewer than two
// rows is never a header.
func detectHeader(rows [][]string) bool {
	if len(rows) < 2 {
		return false
	}
	first, second := rows[0], rows[1]
	score := 0
	for i, tok := range first {
		if i < len(second) {
			if !isNumeric(tok) && isNumeric(second[i]) {
				score += 2
			}
			if len(tok) < len(second[i]) {
				score++
			}
		}
		if looksLikeLabel(tok) {
			score++
		}
	}
	return score >= len(first)/2
}

func isNumeric(s string) bool {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func looksLikeLabel(s string) bool {
	if strings.ContainsAny(s, "_ ") {
		return true
	}
	runes := []rune(s)
	for i := 1; i < len(runes); i++ {
		if unicode.IsLower(runes[i-1]) && unicode.IsUpper(runes[i]) {
			return true
		}
	}
	return false
}

// headersFor returns cleaned header labels, or Column_N placeholders.
func headersFor(first []string, hasHeader bool) []string {
	out := make([]string, len(first))
	seen := make(map[string]int, len(first))
	for i := range first {
		label := ""
		if hasHeader {
			label = core.CleanCell(first[i])
		}
		if label == "" {
			label = fmt.Sprintf("Column_%d", i+1)
		}
		key := strings.ToLower(label)
		if n := seen[key]; n > 0 {
			label = fmt.Sprintf("%s_%d", label, n+1)
		}
		seen[key]++
		out[i] = label
	}
	return out
}
