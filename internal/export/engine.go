package export

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/JonMunkholm/pricefeed/internal/config"
	"github.com/JonMunkholm/pricefeed/internal/core"
)

// Format serializes a dataset.
type Format interface {
	// Supports reports whether the format handles name (case-insensitive).
	Supports(name string) bool
	Extension() string
	ContentType() string
	Write(w io.Writer, ds Dataset) error
}

// Artifact is a rendered export.
type Artifact struct {
	Data        []byte
	FileName    string
	ContentType string
	Rows        int
}

// Engine selects a format and a processing strategy per export.
type Engine struct {
	mu         sync.RWMutex
	formats    []Format
	processors map[string]Processor
}

// NewEngine registers the csv and xlsx formats and the identity and filter
// processors. CSV delimiter and quote come from cfg.
func NewEngine(cfg config.ExportConfig) *Engine {
	e := &Engine{processors: make(map[string]Processor)}
	e.RegisterFormat(csvFormat{delim: firstRune(cfg.Delimiter, ','), quote: firstRune(cfg.Quote, '"')})
	e.RegisterFormat(xlsxFormat{})
	e.RegisterProcessor(identity{})
	e.RegisterProcessor(filter{})
	return e
}

func firstRune(s string, def rune) rune {
	if s == `\t` || strings.EqualFold(s, "tab") {
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return def
	}
	return r
}

// RegisterFormat appends a format. The first supporting format wins.
func (e *Engine) RegisterFormat(f Format) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.formats = append(e.formats, f)
}

func (e *Engine) RegisterProcessor(p Processor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processors[p.ID()] = p
}

func (e *Engine) format(name string) (Format, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	name = strings.TrimSpace(name)
	for _, f := range e.formats {
		if f.Supports(name) {
			return f, nil
		}
	}
	return nil, &core.ExportError{Format: name}
}

// Supports reports whether any registered format handles name.
func (e *Engine) Supports(name string) bool {
	_, err := e.format(name)
	return err == nil
}

// FileName returns base with the extension of the named format.
func (e *Engine) FileName(name, base string) (string, error) {
	f, err := e.format(name)
	if err != nil {
		return "", err
	}
	return base + f.Extension(), nil
}

func (e *Engine) ContentType(name string) (string, error) {
	f, err := e.format(name)
	if err != nil {
		return "", err
	}
	return f.ContentType(), nil
}

// Processor returns the processing strategy named id, identity when id is
// empty or unknown.
func (e *Engine) Processor(id string) Processor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.processors[strings.ToLower(strings.TrimSpace(id))]; ok {
		return p
	}
	return identity{}
}

// paramFormat is a format whose writing options can be set per export.
type paramFormat interface {
	withParams(p core.Params) Format
}

// Export processes ds with the processingStrategy parameter and renders it
// in the named format. base names the artifact without extension.
func (e *Engine) Export(ds Dataset, name, base string, params core.Params) (Artifact, error) {
	f, err := e.format(name)
	if err != nil {
		return Artifact{}, err
	}
	if pf, ok := f.(paramFormat); ok {
		f = pf.withParams(params)
	}
	ds = e.Processor(params.Get(core.ParamProcessingStrategy, "")).Process(ds, params)

	var buf bytes.Buffer
	if err := f.Write(&buf, ds); err != nil {
		return Artifact{}, &core.ExportError{Format: name, Err: err}
	}
	return Artifact{
		Data:        buf.Bytes(),
		FileName:    base + f.Extension(),
		ContentType: f.ContentType(),
		Rows:        len(ds.Rows),
	}, nil
}
