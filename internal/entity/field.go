package entity

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

// Kind is the value kind of a field. It decides parsing, store encoding
// and export formatting.
type Kind int

const (
	KindText Kind = iota
	KindNumeric
	KindInt
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindInt:
		return "int"
	case KindTimestamp:
		return "timestamp"
	default:
		return "text"
	}
}

// Field describes one mutable attribute of an entity variant.
// Accessors are bound at construction; a Field is immutable afterwards.
type Field struct {
	ID       string
	Label    string
	Column   string
	Kind     Kind
	Required bool

	set     func(Entity, string) error
	value   func(Entity) any
	addr    func(Entity) any
	present func(Entity) bool
	format  func(Entity) string
	copy    func(dst, src Entity)
	floatOf func(Entity) (float64, bool)
	timeOf  func(Entity) (time.Time, bool)
}

// Require returns a copy of f marked as required.
func (f Field) Require() Field {
	f.Required = true
	return f
}

// Set parses raw and stores it on e. Blank input clears the field.
func (f Field) Set(e Entity, raw string) error { return f.set(e, raw) }

// Value returns the store value (a pgtype value) of the field on e.
func (f Field) Value(e Entity) any { return f.value(e) }

// Addr returns a pointer to the field's pgtype value on e, for scanning.
func (f Field) Addr(e Entity) any { return f.addr(e) }

// Present reports whether the field holds a non-null value on e.
func (f Field) Present(e Entity) bool { return f.present(e) }

// Format renders the field for text output. Null renders as "".
func (f Field) Format(e Entity) string { return f.format(e) }

// Float returns numeric and int fields as float64.
func (f Field) Float(e Entity) (float64, bool) {
	if f.floatOf == nil {
		return 0, false
	}
	return f.floatOf(e)
}

// Time returns timestamp fields as time.Time.
func (f Field) Time(e Entity) (time.Time, bool) {
	if f.timeOf == nil {
		return time.Time{}, false
	}
	return f.timeOf(e)
}

// Text declares a text field.
func Text[E Entity](id, label, column string, ptr func(E) *pgtype.Text) Field {
	return bind(id, label, column, KindText, ptr,
		func(s string) (pgtype.Text, error) { return core.ToPgText(s), nil },
		func(v pgtype.Text) bool { return v.Valid },
		func(v pgtype.Text) string { return v.String },
	)
}

// Numeric declares a decimal field.
func Numeric[E Entity](id, label, column string, ptr func(E) *pgtype.Numeric) Field {
	f := bind(id, label, column, KindNumeric, ptr,
		core.ParseNumeric,
		func(v pgtype.Numeric) bool { return v.Valid },
		core.NumericString,
	)
	f.floatOf = func(e Entity) (float64, bool) { return core.NumericFloat(*ptr(e.(E))) }
	return f
}

// Int declares an integer field.
func Int[E Entity](id, label, column string, ptr func(E) *pgtype.Int4) Field {
	f := bind(id, label, column, KindInt, ptr,
		core.ParseInt4,
		func(v pgtype.Int4) bool { return v.Valid },
		func(v pgtype.Int4) string { return fmt.Sprint(v.Int32) },
	)
	f.floatOf = func(e Entity) (float64, bool) {
		v := *ptr(e.(E))
		return float64(v.Int32), v.Valid
	}
	return f
}

// Timestamp declares a timestamp field.
func Timestamp[E Entity](id, label, column string, ptr func(E) *pgtype.Timestamp) Field {
	f := bind(id, label, column, KindTimestamp, ptr,
		core.ParseTimestamp,
		func(v pgtype.Timestamp) bool { return v.Valid },
		func(v pgtype.Timestamp) string { return v.Time.Format(core.TimestampLayout) },
	)
	f.timeOf = func(e Entity) (time.Time, bool) {
		v := *ptr(e.(E))
		return v.Time, v.Valid
	}
	return f
}

func bind[E Entity, V any](
	id, label, column string,
	kind Kind,
	ptr func(E) *V,
	parse func(string) (V, error),
	valid func(V) bool,
	format func(V) string,
) Field {
	return Field{
		ID:     id,
		Label:  label,
		Column: column,
		Kind:   kind,
		set: func(e Entity, raw string) error {
			v, err := parse(raw)
			if err != nil {
				return err
			}
			*ptr(e.(E)) = v
			return nil
		},
		value:   func(e Entity) any { return *ptr(e.(E)) },
		addr:    func(e Entity) any { return ptr(e.(E)) },
		present: func(e Entity) bool { return valid(*ptr(e.(E))) },
		format: func(e Entity) string {
			v := *ptr(e.(E))
			if !valid(v) {
				return ""
			}
			return format(v)
		},
		copy: func(dst, src Entity) { *ptr(dst.(E)) = *ptr(src.(E)) },
	}
}
