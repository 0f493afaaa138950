package templates

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
	sqlutil "github.com/ekaya-inc/ekaya-omop/pkg/sql"
)

// schemaHelpers maps qualifying helpers to the catalog and schema variables
// they read from the context.
var schemaHelpers = map[string][2]string{
	"work": {VarWorkCatalog, VarWorkSchema},
	"omop": {VarOmopCatalog, VarOmopSchema},
	"raw":  {VarRawCatalog, VarRawSchema},
}

var paramHelpers = []string{"param", "dateParam"}

type missingVarError struct {
	name string
}

func (e *missingVarError) Error() string { return fmt.Sprintf("context variable %q is not set", e.name) }

// renderState accumulates bind arguments for one render.
type renderState struct {
	rules    dialect.Rules
	ctx      Context
	args     []any
	argNames []string
	subquery *string
}

func (s *renderState) qualifyIn(helper, table string) (string, error) {
	if err := sqlutil.ValidateIdentifier(table); err != nil {
		return "", err
	}
	keys := schemaHelpers[helper]
	var parts [2]string
	for i, k := range keys {
		v, ok := s.ctx.Vars[k]
		if !ok {
			return "", &missingVarError{name: k}
		}
		str, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%s must be a string, got %T", k, v)
		}
		parts[i] = str
	}
	return s.rules.QualifiedName(parts[0], parts[1], table), nil
}

func (s *renderState) bind(name string) (string, error) {
	v, ok := s.ctx.Params[name]
	if !ok {
		return "", &missingVarError{name: name}
	}
	s.args = append(s.args, v)
	s.argNames = append(s.argNames, name)
	return s.rules.Placeholder(len(s.args)), nil
}

func (s *renderState) funcs() template.FuncMap {
	r := s.rules
	return template.FuncMap{
		"ident": func(name string) (string, error) {
			if err := sqlutil.ValidateIdentifier(name); err != nil {
				return "", err
			}
			return r.QuoteIdentifier(name), nil
		},
		"qualify": func(catalog, schema, table string) (string, error) {
			for _, p := range []string{catalog, schema} {
				if p == "" {
					continue
				}
				if err := sqlutil.ValidateIdentifier(p); err != nil {
					return "", err
				}
			}
			if err := sqlutil.ValidateIdentifier(table); err != nil {
				return "", err
			}
			return r.QualifiedName(catalog, schema, table), nil
		},
		"work":  func(table string) (string, error) { return s.qualifyIn("work", table) },
		"omop":  func(table string) (string, error) { return s.qualifyIn("omop", table) },
		"raw":   func(table string) (string, error) { return s.qualifyIn("raw", table) },
		"param": s.bind,
		"dateParam": func(name string) (string, error) {
			ph, err := s.bind(name)
			if err != nil {
				return "", err
			}
			return r.CastDate(ph), nil
		},
		"top":          func(n int) string { return r.Top(n) },
		"limit":        func(n int) string { return r.Limit(n) },
		"castText":     r.CastText,
		"castDate":     r.CastDate,
		"beginReplace": r.BeginReplaceTable,
		"endReplace":   r.EndReplaceTable,
		"replaceDDL":   r.ReplaceTableDDL,
		"createTable":  r.CreateTableIfNotExists,
		"deleteFrom":   r.DeleteFrom,
		"dropIfExists": r.DropTableIfExists,
		"truncate":     r.Truncate,
		"lit":          r.StringLiteral,
		"type": func(kind string) (string, error) {
			switch t := dialect.ColumnType(kind); t {
			case dialect.TypeCode, dialect.TypeText, dialect.TypeBigInt, dialect.TypeDate:
				return r.ColumnType(t), nil
			}
			return "", fmt.Errorf("unknown column type %q", kind)
		},
		"subquery": func() (string, error) {
			if s.subquery == nil {
				return "", errors.New("subquery is only available to wrapping templates")
			}
			return *s.subquery, nil
		},
		"columnList": func(alias string, cols []string) (string, error) {
			out := make([]string, 0, len(cols))
			for _, c := range cols {
				if err := sqlutil.ValidateIdentifier(c); err != nil {
					return "", err
				}
				q := r.QuoteIdentifier(c)
				if alias != "" {
					q = alias + "." + q
				}
				out = append(out, q)
			}
			return strings.Join(out, ", "), nil
		},
		"contains": func(list []string, item string) bool { return slices.Contains(list, item) },
		"seq": func(n int) []int {
			out := make([]int, n)
			for i := range out {
				out[i] = i
			}
			return out
		},
		"dialect": func() string { return string(r.Dialect()) },
	}
}

// stubFuncs declares the helper names at parse time; real implementations are
// bound per render.
func stubFuncs() template.FuncMap {
	s := &renderState{rules: dialect.Postgres.Rules(), ctx: NewContext()}
	return s.funcs()
}
