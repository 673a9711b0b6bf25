package mapping

import (
	"strings"

	"github.com/JonMunkholm/pricefeed/internal/entity"
)

// candidate is one declared field that auto-matching may bind.
type candidate struct {
	typ    *entity.Type
	field  entity.Field
	target string
}

// candidates lists the primary fields, then each secondary type's fields in
// registration order.
func candidates(r Resolver) []candidate {
	pt := r.Primary()
	var out []candidate
	for _, f := range pt.Fields {
		out = append(out, candidate{typ: pt, field: f, target: f.ID})
	}
	for _, ct := range entity.Children(pt.Name) {
		for _, f := range ct.Fields {
			out = append(out, candidate{typ: ct, field: f, target: ct.Namespace + "." + f.ID})
		}
	}
	return out
}

// Auto matches headers to declared fields. An exact pass (label, field id or
// qualified id, case-insensitive) runs over every field first; a substring
// pass in either direction then runs over the headers still unclaimed. The
// first match wins. Unmatched fields and headers are ignored.
func Auto(headers []string, r Resolver) *Mapper {
	cands := candidates(r)
	claimed := make([]bool, len(headers))
	bound := make([]int, len(cands))
	for i := range bound {
		bound[i] = -1
	}

	for ci, c := range cands {
		keys := []string{normalize(c.field.Label), normalize(c.field.ID), normalize(c.target)}
		for hi, h := range headers {
			if claimed[hi] {
				continue
			}
			nh := normalize(h)
			if nh != "" && (nh == keys[0] || nh == keys[1] || nh == keys[2]) {
				claimed[hi], bound[ci] = true, hi
				break
			}
		}
	}

	for ci, c := range cands {
		if bound[ci] >= 0 {
			continue
		}
		label := normalize(c.field.Label)
		if label == "" {
			continue
		}
		for hi, h := range headers {
			nh := normalize(h)
			if claimed[hi] || nh == "" {
				continue
			}
			if strings.Contains(nh, label) || strings.Contains(label, nh) {
				claimed[hi], bound[ci] = true, hi
				break
			}
		}
	}

	m := &Mapper{origin: "auto", primary: r.Primary()}
	for ci, c := range cands {
		if bound[ci] < 0 {
			continue
		}
		m.bindings = append(m.bindings, binding{
			source: headers[bound[ci]],
			target: c.target,
			typ:    c.typ,
			field:  c.field,
		})
	}
	return m
}

// Generate builds a template from the auto mapping of headers. Required
// primary fields become required rules.
func Generate(headers []string, r Resolver) *Template {
	m := Auto(headers, r)
	tpl := &Template{
		Name:        "auto-generated",
		Description: "auto-generated from detected headers",
		EntityType:  r.Primary().Name,
		Active:      true,
	}
	for i, b := range m.bindings {
		rule := Rule{
			SourceColumn: b.source,
			TargetField:  b.field.ID,
			Required:     b.typ == m.primary && b.field.Required,
			Order:        i,
			Active:       true,
		}
		if b.typ != m.primary {
			rule.TargetSubEntity = b.typ.Namespace
		}
		tpl.Rules = append(tpl.Rules, rule)
	}
	return tpl
}
