package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

// Options override detected settings. Zero values mean "detect".
type Options struct {
	Encoding  string
	Delimiter rune
	Quote     rune
	HasHeader *bool
}

// OptionsFromParams reads the encoding, delimiter, quote and hasHeader job parameters.
// "\t" and "tab" are accepted for a tab delimiter.
func OptionsFromParams(p core.Params) Options {
	var o Options
	o.Encoding = p.Get(core.ParamEncoding, "")
	o.Delimiter = paramRune(p[core.ParamDelimiter])
	o.Quote = paramRune(p[core.ParamQuote])
	if v, ok := p.Bool(core.ParamHasHeader); ok {
		o.HasHeader = &v
	}
	return o
}

func paramRune(s string) rune {
	switch strings.ToLower(s) {
	case "":
		return 0
	case `\t`, "tab":
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return 0
	}
	return r
}

// Strategy opens one family of input files.
type Strategy interface {
	// ID is the identifier accepted in the strategyId parameter.
	ID() string
	// Priority orders compatible strategies; higher wins.
	Priority() int
	// Compatible reports whether the strategy can read fileName.
	Compatible(fileName string) bool
	// Open detects the layout of the file at path and returns a reader over its rows.
	Open(path string, opts Options) (RowReader, DetectedFormat, error)
	// Estimate returns the approximate number of data rows, for progress only.
	Estimate(path string, f DetectedFormat) (int64, error)
}

// Registry holds the import strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies []Strategy
}

// NewRegistry returns a registry holding the csv, xlsx and delimited strategies.
func NewRegistry(d *Detector) *Registry {
	if d == nil {
		d = NewDetector(0, 0)
	}
	r := &Registry{}
	r.Register(&delimitedStrategy{id: "csv", priority: 10, exts: []string{".csv", ".txt", ".tsv"}, detector: d})
	r.Register(xlsxStrategy{})
	r.Register(&delimitedStrategy{id: "delimited", priority: 0, detector: d})
	return r
}

// Register adds a strategy. Strategies with equal priority keep registration order.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.strategies[i].Priority() > r.strategies[j].Priority()
	})
}

// IDs returns the registered strategy ids in priority order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.ID()
	}
	return out
}

// Select returns the strategy named id, or the highest-priority strategy
// compatible with fileName when id is empty.
func (r *Registry) Select(id, fileName string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != "" {
		for _, s := range r.strategies {
			if strings.EqualFold(s.ID(), id) {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedStrategy, id)
	}
	for _, s := range r.strategies {
		if s.Compatible(fileName) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: no strategy accepts %s", core.ErrUnsupportedStrategy, filepath.Base(fileName))
}

// =============================================================================
// Delimited text
// =============================================================================

type delimitedStrategy struct {
	id       string
	priority int
	exts     []string // empty accepts any file
	detector *Detector
}

func (s *delimitedStrategy) ID() string    { return s.id }
func (s *delimitedStrategy) Priority() int { return s.priority }

func (s *delimitedStrategy) Compatible(fileName string) bool {
	if len(s.exts) == 0 {
		return true
	}
	return slices.Contains(s.exts, strings.ToLower(filepath.Ext(fileName)))
}

func (s *delimitedStrategy) Open(path string, opts Options) (RowReader, DetectedFormat, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, DetectedFormat{}, &core.DetectionError{Reason: "cannot open file", Err: err}
	}
	if opts.Delimiter == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Delimiter = '\t'
	}

	f, replay, err := s.detector.DetectWith(file, opts)
	if err != nil {
		file.Close()
		return nil, DetectedFormat{}, err
	}
	rr, err := NewDelimitedReader(replay, f, file)
	if err != nil {
		file.Close()
		return nil, DetectedFormat{}, &core.DetectionError{Reason: "unreadable header", Err: err}
	}
	f.SampleHeaders = rr.Header()
	return rr, f, nil
}

// Estimate counts line breaks, minus the header line.
func (s *delimitedStrategy) Estimate(path string, f DetectedFormat) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	n, err := countLines(file)
	if err != nil {
		return 0, err
	}
	if f.HasHeader && n > 0 {
		n--
	}
	return n, nil
}

// countLines counts newline-terminated lines plus a trailing unterminated one.
func countLines(r io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	var (
		n    int64
		last byte
		seen bool
	)
	for {
		c, err := r.Read(buf)
		if c > 0 {
			n += int64(bytes.Count(buf[:c], []byte{'\n'}))
			last, seen = buf[c-1], true
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if seen && last != '\n' {
		n++
	}
	return n, nil
}

// =============================================================================
// Spreadsheets
// =============================================================================

type xlsxStrategy struct{}

func (xlsxStrategy) ID() string    { return "xlsx" }
func (xlsxStrategy) Priority() int { return 10 }

func (xlsxStrategy) Compatible(fileName string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		return true
	}
	return false
}

func (xlsxStrategy) Open(path string, opts Options) (RowReader, DetectedFormat, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, DetectedFormat{}, &core.DetectionError{Reason: "not a readable workbook", Err: err}
	}
	return NewXLSXReader(f, opts.HasHeader)
}

func (xlsxStrategy) Estimate(path string, df DetectedFormat) (int64, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return estimateSheetRows(f, df.HasHeader)
}
