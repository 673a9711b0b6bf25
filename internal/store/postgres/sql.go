package postgres

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/pricefeed/internal/entity"
)

// statements holds the SQL generated for one entity type.
type statements struct {
	fields []entity.Field
	keys   []entity.Field

	upsert      string // ON CONFLICT DO UPDATE ... RETURNING id
	insert      string // ON CONFLICT DO NOTHING RETURNING id
	lookup      string // SELECT id by owner and natural key
	find        string
	indexName   string
	createIndex string
}

func ident(s string) string { return pgx.Identifier{s}.Sanitize() }

// keyExpr compares text keys case-insensitively.
func keyExpr(f entity.Field) string {
	if f.Kind == entity.KindText {
		return "lower(" + ident(f.Column) + ")"
	}
	return ident(f.Column)
}

func ownerColumn(t *entity.Type) string {
	if t.Secondary() {
		return t.ParentColumn
	}
	return t.ScopeColumn
}

func buildStatements(t *entity.Type) *statements {
	st := &statements{fields: t.Fields, keys: t.KeyFields()}
	table := ident(t.Table)
	owner := ident(ownerColumn(t))

	cols := []string{owner}
	params := []string{"$1"}
	for i, f := range t.Fields {
		cols = append(cols, ident(f.Column))
		params = append(params, fmt.Sprintf("$%d", i+2))
	}

	// Index expressions and their ON CONFLICT inference form.
	indexCols := []string{owner}
	conflict := []string{owner}
	keyCols := make([]string, 0, len(st.keys))
	for _, k := range st.keys {
		expr := keyExpr(k)
		indexCols = append(indexCols, expr)
		keyCols = append(keyCols, k.Column)
		if k.Kind == entity.KindText {
			expr = "(" + expr + ")"
		}
		conflict = append(conflict, expr)
	}

	var sets []string
	for _, f := range t.MutableFields() {
		c := ident(f.Column)
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	sets = append(sets, "updated_at = NOW()")

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		table, strings.Join(cols, ", "), strings.Join(params, ", "), strings.Join(conflict, ", "))
	st.upsert = insert + " DO UPDATE SET " + strings.Join(sets, ", ") + " RETURNING id"
	st.insert = insert + " DO NOTHING RETURNING id"

	where := []string{owner + " = $1"}
	for i, k := range st.keys {
		p := fmt.Sprintf("$%d", i+2)
		if k.Kind == entity.KindText {
			p = "lower(" + p + ")"
		}
		where = append(where, keyExpr(k)+" = "+p)
	}
	st.lookup = fmt.Sprintf("SELECT id FROM %s WHERE %s", table, strings.Join(where, " AND "))

	filter := owner + " = $1"
	if t.Secondary() {
		filter = owner + " = ANY($1)"
	}
	st.find = fmt.Sprintf("SELECT id, %s FROM %s WHERE %s ORDER BY id", strings.Join(cols, ", "), table, filter)

	h := fnv.New32a()
	h.Write([]byte(strings.Join(keyCols, ",")))
	st.indexName = fmt.Sprintf("%s_natural_key_%08x", t.Table, h.Sum32())
	st.createIndex = fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		ident(st.indexName), table, strings.Join(indexCols, ", "))
	return st
}

// args returns owner then every field value, matching the insert column order.
func (st *statements) args(owner int64, e entity.Entity) []any {
	out := make([]any, 0, len(st.fields)+1)
	out = append(out, owner)
	for _, f := range st.fields {
		out = append(out, f.Value(e))
	}
	return out
}

// keyArgs returns owner then the natural key values.
func (st *statements) keyArgs(owner int64, e entity.Entity) []any {
	out := make([]any, 0, len(st.keys)+1)
	out = append(out, owner)
	for _, k := range st.keys {
		out = append(out, k.Value(e))
	}
	return out
}
