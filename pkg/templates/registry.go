// Package templates renders named SQL templates into dialect specific
// statements.
package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"text/template"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// FileSuffix marks template files inside a registry directory.
const FileSuffix = ".sql.tmpl"

const partialsDir = "_partials"

//go:embed all:sql
var embedded embed.FS

// Template is one parsed registry entry. Generic templates have an empty Dialect.
type Template struct {
	Name    string
	Dialect dialect.Dialect
	Source  string
	parsed  *template.Template
}

// Registry holds every template loaded at startup. It is never mutated after
// construction and is safe to share.
type Registry struct {
	templates map[string]map[dialect.Dialect]*Template
}

// DefaultSources returns the embedded templates shipped with the engine.
func DefaultSources() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(fmt.Sprintf("templates: embedded sql directory: %v", err))
	}
	return sub
}

// NewRegistry loads templates from each source in order. A template in a
// later source replaces one with the same name and dialect from an earlier one.
//
// File layout: "<phase>/<name>.sql.tmpl" for generic templates and
// "<phase>/<name>.<dialect>.sql.tmpl" for dialect variants. Files under
// "_partials" hold {{define}} blocks available to every template.
func NewRegistry(sources ...fs.FS) (*Registry, error) {
	files := make(map[string]string)
	partials := make(map[string]string)

	for _, src := range sources {
		err := fs.WalkDir(src, ".", func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(p, FileSuffix) {
				return nil
			}
			body, err := fs.ReadFile(src, p)
			if err != nil {
				return fmt.Errorf("read template %s: %w", p, err)
			}
			if strings.HasPrefix(p, partialsDir+"/") {
				partials[p] = string(body)
			} else {
				files[p] = string(body)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load template registry: %w", err)
		}
	}

	return newRegistry(files, partials)
}

// NewRegistryFromMap builds a registry from path -> body pairs using the same
// layout rules as NewRegistry. Useful for fakes in tests.
func NewRegistryFromMap(entries map[string]string) (*Registry, error) {
	files := make(map[string]string)
	partials := make(map[string]string)
	for p, body := range entries {
		if !strings.HasSuffix(p, FileSuffix) {
			p += FileSuffix
		}
		if strings.HasPrefix(p, partialsDir+"/") {
			partials[p] = body
		} else {
			files[p] = body
		}
	}
	return newRegistry(files, partials)
}

func newRegistry(files, partials map[string]string) (*Registry, error) {
	partialPaths := make([]string, 0, len(partials))
	for p := range partials {
		partialPaths = append(partialPaths, p)
	}
	sort.Strings(partialPaths)

	r := &Registry{templates: make(map[string]map[dialect.Dialect]*Template)}
	for p, body := range files {
		name, d, err := parseTemplatePath(p)
		if err != nil {
			return nil, &apperrors.TemplateError{Kind: apperrors.TemplateSyntax, Template: p, Err: err}
		}

		parsed, err := template.New(name).Option("missingkey=error").Funcs(stubFuncs()).Parse(body)
		if err != nil {
			return nil, &apperrors.TemplateError{Kind: apperrors.TemplateSyntax, Template: name, Err: err}
		}
		for _, pp := range partialPaths {
			if _, err := parsed.New(pp).Parse(partials[pp]); err != nil {
				return nil, &apperrors.TemplateError{Kind: apperrors.TemplateSyntax, Template: pp, Err: err}
			}
		}

		if r.templates[name] == nil {
			r.templates[name] = make(map[dialect.Dialect]*Template)
		}
		r.templates[name][d] = &Template{Name: name, Dialect: d, Source: body, parsed: parsed}
	}
	return r, nil
}

// parseTemplatePath maps "stage/usagi_create.mssql.sql.tmpl" to
// ("stage/usagi_create", mssql).
func parseTemplatePath(p string) (string, dialect.Dialect, error) {
	trimmed := strings.TrimSuffix(path.Clean(p), FileSuffix)
	dir, base := path.Split(trimmed)
	if dir == "" {
		return "", "", fmt.Errorf("template %s must live under a phase directory", p)
	}

	if i := strings.LastIndex(base, "."); i >= 0 {
		d, err := dialect.Parse(base[i+1:])
		if err != nil {
			return "", "", fmt.Errorf("template %s: %w", p, err)
		}
		return dir + base[:i], d, nil
	}
	return trimmed, "", nil
}

// Lookup returns the variant of name for d, falling back to the generic template.
func (r *Registry) Lookup(name string, d dialect.Dialect) (*Template, error) {
	variants, ok := r.templates[name]
	if ok {
		if t, ok := variants[d]; ok {
			return t, nil
		}
		if t, ok := variants[""]; ok {
			return t, nil
		}
	}
	return nil, &apperrors.TemplateError{
		Kind:     apperrors.TemplateNotFound,
		Template: name,
		Err:      fmt.Errorf("no generic or %s variant registered", d),
	}
}

// Has reports whether any variant of name exists.
func (r *Registry) Has(name string) bool {
	_, ok := r.templates[name]
	return ok
}

// Names lists template names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NamesWithPrefix lists template names under prefix, sorted.
func (r *Registry) NamesWithPrefix(prefix string) []string {
	var out []string
	for _, n := range r.Names() {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out
}

// SourceQueryName is the registry name of a user source query for a CDM table.
func SourceQueryName(omopTable, query string) string {
	return "source/" + omopTable + "/" + query
}
