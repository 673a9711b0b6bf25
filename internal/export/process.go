package export

import (
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

// Processor transforms a dataset before it is serialized.
type Processor interface {
	ID() string
	Process(ds Dataset, params core.Params) Dataset
}

type identity struct{}

func (identity) ID() string                                { return "identity" }
func (identity) Process(ds Dataset, _ core.Params) Dataset { return ds }

// filter keeps rows matching every configured predicate. A predicate whose
// parameters are missing or invalid is skipped.
type filter struct{}

func (filter) ID() string { return "filter" }

type predicate func(Row) bool

func (filter) Process(ds Dataset, params core.Params) Dataset {
	var preds []predicate
	if p := textPredicate(ds, params); p != nil {
		preds = append(preds, p)
	}
	if p := numericPredicate(ds, params); p != nil {
		preds = append(preds, p)
	}
	if p := datePredicate(ds, params); p != nil {
		preds = append(preds, p)
	}
	if len(preds) == 0 {
		return ds
	}

	out := ds
	out.Rows = nil
	for _, r := range ds.Rows {
		keep := true
		for _, p := range preds {
			if !p(r) {
				keep = false
				break
			}
		}
		if keep {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

func textPredicate(ds Dataset, params core.Params) predicate {
	col, ok := ds.Column(params.Get(core.ParamTextField, ""))
	value := strings.ToLower(params.Get(core.ParamTextValue, ""))
	if !ok || value == "" {
		return nil
	}
	return func(r Row) bool {
		return strings.Contains(strings.ToLower(col.Text(r)), value)
	}
}

func numericPredicate(ds Dataset, params core.Params) predicate {
	col, ok := ds.Column(params.Get(core.ParamNumericField, ""))
	if !ok {
		return nil
	}
	lo, hasLo := parseFloat(params.Get(core.ParamMinValue, ""))
	hi, hasHi := parseFloat(params.Get(core.ParamMaxValue, ""))
	if !hasLo && !hasHi {
		return nil
	}
	return func(r Row) bool {
		v, ok := col.Float(r)
		if !ok {
			return false
		}
		return (!hasLo || v >= lo) && (!hasHi || v <= hi)
	}
}

func datePredicate(ds Dataset, params core.Params) predicate {
	col, ok := ds.Column(params.Get(core.ParamDateField, ""))
	if !ok {
		return nil
	}
	from, hasFrom := parseDate(params.Get(core.ParamFromDate, ""))
	to, hasTo := parseDate(params.Get(core.ParamToDate, ""))
	if !hasFrom && !hasTo {
		return nil
	}
	// toDate is inclusive of the whole day.
	to = to.AddDate(0, 0, 1)
	return func(r Row) bool {
		v, ok := col.Time(r)
		if !ok {
			return false
		}
		return (!hasFrom || !v.Before(from)) && (!hasTo || v.Before(to))
	}
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(core.NormalizeDecimal(s), 64)
	return v, err == nil
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(core.DateLayout, s)
	return t, err == nil
}

func equalFold(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), b)
}
