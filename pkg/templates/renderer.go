package templates

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
	sqlutil "github.com/ekaya-inc/ekaya-omop/pkg/sql"
)

var missingKeyPattern = regexp.MustCompile(`map has no entry for key "([^"]+)"`)

// Renderer turns registry templates into RenderedStatements. It holds no
// per-render state and is safe for concurrent use.
type Renderer struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRenderer creates a renderer over registry.
func NewRenderer(registry *Registry, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{registry: registry, logger: logger.Named("templates")}
}

// Registry exposes the underlying template registry.
func (r *Renderer) Registry() *Registry { return r.registry }

// Render resolves name for d and executes it against ctx. Rendering is pure:
// the same inputs always yield the same statement.
func (r *Renderer) Render(name string, d dialect.Dialect, ctx Context) (*RenderedStatement, error) {
	return r.render(name, d, ctx, nil)
}

// RenderWrapped renders inner first and splices its SQL into outer through
// the {{subquery}} helper. The inner template may not bind parameters.
func (r *Renderer) RenderWrapped(outer, inner string, d dialect.Dialect, ctx Context) (*RenderedStatement, error) {
	in, err := r.render(inner, d, ctx, nil)
	if err != nil {
		return nil, err
	}
	if in.IsParameterized() {
		return nil, &apperrors.TemplateError{
			Kind:     apperrors.TemplateSyntax,
			Template: inner,
			Err:      errors.New("a wrapped subquery cannot bind parameters"),
		}
	}
	if sqlutil.CountStatements(in.SQL) > 1 {
		return nil, &apperrors.TemplateError{
			Kind:     apperrors.TemplateSyntax,
			Template: inner,
			Err:      sqlutil.ErrMultipleStatements,
		}
	}
	sub := in.SQL
	return r.render(outer, d, ctx, &sub)
}

func (r *Renderer) render(name string, d dialect.Dialect, ctx Context, subquery *string) (*RenderedStatement, error) {
	tmpl, err := r.registry.Lookup(name, d)
	if err != nil {
		return nil, err
	}
	if ctx.Vars == nil || ctx.Params == nil {
		ctx = NewContext().Merge(ctx)
	}
	if err := validateContext(name, ctx); err != nil {
		return nil, err
	}
	if err := analyze(tmpl.parsed, ctx); err != nil {
		return nil, missingVariable(name, err)
	}

	clone, err := tmpl.parsed.Clone()
	if err != nil {
		return nil, &apperrors.TemplateError{Kind: apperrors.TemplateSyntax, Template: name, Err: err}
	}
	state := &renderState{rules: d.Rules(), ctx: ctx, subquery: subquery}
	clone.Funcs(state.funcs())

	var b strings.Builder
	if err := clone.Execute(&b, ctx.Vars); err != nil {
		return nil, classifyExecError(name, err)
	}

	text := sqlutil.Normalize(b.String())
	if text == "" {
		return nil, &apperrors.TemplateError{Kind: apperrors.TemplateSyntax, Template: name, Err: errors.New("rendered to empty SQL")}
	}
	if len(state.args) > 0 {
		if err := sqlutil.ValidateSingleStatement(text); err != nil {
			return nil, &apperrors.TemplateError{Kind: apperrors.TemplateSyntax, Template: name, Err: err}
		}
	}

	stmt := &RenderedStatement{
		SQL:      text,
		Dialect:  d,
		Template: name,
		Phase:    phaseOf(name),
		Table:    ctx.String(VarOmopTable),
		Target:   targetOf(ctx),
		Args:     state.args,
		ArgNames: state.argNames,
		Context:  ctx.Clone(),
		Identity: statementIdentity(d, text, state.args),
	}
	r.logger.Debug("Rendered template",
		zap.String("template", name),
		zap.String("dialect", string(d)),
		zap.String("identity", stmt.Identity),
		zap.Int("args", len(stmt.Args)))
	return stmt, nil
}

func missingVariable(name string, err error) error {
	var req *requirementError
	if errors.As(err, &req) {
		return &apperrors.TemplateError{
			Kind:     apperrors.TemplateMissingVariable,
			Template: name,
			Variable: req.name,
			Err:      err,
		}
	}
	return &apperrors.TemplateError{Kind: apperrors.TemplateMissingVariable, Template: name, Err: err}
}

func classifyExecError(name string, err error) error {
	var missing *missingVarError
	if errors.As(err, &missing) {
		return &apperrors.TemplateError{
			Kind:     apperrors.TemplateMissingVariable,
			Template: name,
			Variable: missing.name,
			Err:      err,
		}
	}
	if m := missingKeyPattern.FindStringSubmatch(err.Error()); m != nil {
		return &apperrors.TemplateError{
			Kind:     apperrors.TemplateMissingVariable,
			Template: name,
			Variable: m[1],
			Err:      err,
		}
	}
	if strings.Contains(err.Error(), "wrong type for value") {
		return &apperrors.TemplateError{Kind: apperrors.TemplateMissingVariable, Template: name, Err: err}
	}
	return &apperrors.TemplateError{Kind: apperrors.TemplateSyntax, Template: name, Err: fmt.Errorf("execute: %w", err)}
}
