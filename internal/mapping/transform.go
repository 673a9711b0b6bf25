package mapping

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

// Transform rewrites one non-blank cell value.
type Transform func(string) (string, error)

// TransformFactory builds a transform from the argument after the first ':'.
type TransformFactory func(arg string) (Transform, error)

var (
	transformMu sync.RWMutex
	transforms  = map[string]TransformFactory{
		"trim":      fixed(strings.TrimSpace),
		"uppercase": fixed(strings.ToUpper),
		"lowercase": fixed(strings.ToLower),
		"number":    func(string) (Transform, error) { return toNumber, nil },
		"bool":      func(string) (Transform, error) { return toBool, nil },
		"date":      dateTransform,
		"replace":   replaceTransform,
	}
)

// RegisterTransform adds a named transform. Panics on duplicates.
func RegisterTransform(name string, f TransformFactory) {
	transformMu.Lock()
	defer transformMu.Unlock()
	if _, exists := transforms[name]; exists {
		panic("mapping: duplicate transform " + name)
	}
	transforms[name] = f
}

// CompileTransform parses a "|"-chained spec such as "trim|replace:,:.|number".
// An empty spec yields nil.
func CompileTransform(spec string) (Transform, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}

	transformMu.RLock()
	defer transformMu.RUnlock()

	var chain []Transform
	for _, part := range strings.Split(spec, "|") {
		name, arg, _ := strings.Cut(strings.TrimSpace(part), ":")
		factory, ok := transforms[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown transform %q", name)
		}
		t, err := factory(arg)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", name, err)
		}
		chain = append(chain, t)
	}

	return func(v string) (string, error) {
		var err error
		for _, t := range chain {
			if v, err = t(v); err != nil {
				return "", err
			}
		}
		return v, nil
	}, nil
}

func fixed(fn func(string) string) TransformFactory {
	return func(string) (Transform, error) {
		return func(v string) (string, error) { return fn(v), nil }, nil
	}
}

func toNumber(v string) (string, error) {
	n := core.NormalizeDecimal(v)
	if _, err := strconv.ParseFloat(n, 64); err != nil {
		return "", fmt.Errorf("not a number: %q", v)
	}
	return n, nil
}

func toBool(v string) (string, error) {
	b := core.ToPgBool(v)
	if !b.Valid {
		return "", fmt.Errorf("not a boolean: %q", v)
	}
	return strconv.FormatBool(b.Bool), nil
}

// dateTransform parses with a Go layout and reformats to the timestamp layout.
func dateTransform(layout string) (Transform, error) {
	if layout == "" {
		return nil, fmt.Errorf("layout required, e.g. date:02.01.2006")
	}
	return func(v string) (string, error) {
		t, err := time.Parse(layout, strings.TrimSpace(v))
		if err != nil {
			return "", fmt.Errorf("date %q does not match %s", v, layout)
		}
		return t.Format(core.TimestampLayout), nil
	}, nil
}

// replaceTransform takes "old:new".
func replaceTransform(arg string) (Transform, error) {
	oldS, newS, ok := strings.Cut(arg, ":")
	if !ok || oldS == "" {
		return nil, fmt.Errorf("want replace:<old>:<new>")
	}
	return func(v string) (string, error) {
		return strings.ReplaceAll(v, oldS, newS), nil
	}, nil
}
