package templates

import (
	"fmt"
	"maps"
	"slices"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	sqlutil "github.com/ekaya-inc/ekaya-omop/pkg/sql"
)

// Well known context variables.
const (
	VarWorkCatalog  = "work_database_catalog"
	VarWorkSchema   = "work_database_schema"
	VarOmopCatalog  = "omop_database_catalog"
	VarOmopSchema   = "omop_database_schema"
	VarRawCatalog   = "raw_database_catalog"
	VarRawSchema    = "raw_database_schema"
	VarOmopTable    = "omop_table"
	VarWorkTable    = "work_table"
	VarMappedTable  = "mapped_table"
	VarUsagiTable   = "usagi_table"
	VarTargetTable  = "target_table"
	VarConceptIDCol = "concept_id_column"
	VarColumns      = "columns"
	VarUsagiColumns = "usagi_columns"
	VarPrimaryKey   = "primary_key"
	VarSampleLimit  = "sample_limit"
	VarRowCount     = "row_count"
	VarProcessSemi  = "process_semi_approved_mappings"

	VarConceptTable       = "concept_table"
	VarMinCustomConceptID = "min_custom_concept_id"
	VarByConceptTable     = "by_concept_table"
	VarPKAutoNumbering    = "pk_auto_numbering"
	VarPKSwapTable        = "pk_swap_table"
	VarForeignKeyColumns  = "foreign_key_columns"
	VarForeignKeySwaps    = "foreign_key_swaps"

	ParamETLStart = "etl_start"
)

// Context is the set of values a template may reference. Vars are spliced
// into SQL text as identifiers or drive control flow; Params are only ever
// emitted as bind placeholders.
//
// Allowed Var types: string (empty, or a valid identifier), bool, int,
// []string of identifiers.
type Context struct {
	Vars   map[string]any
	Params map[string]any
}

// NewContext returns an empty context.
func NewContext() Context {
	return Context{Vars: map[string]any{}, Params: map[string]any{}}
}

// With returns a copy of c with the variable set.
func (c Context) With(name string, value any) Context {
	out := c.Clone()
	out.Vars[name] = value
	return out
}

// WithParam returns a copy of c with the bound parameter set.
func (c Context) WithParam(name string, value any) Context {
	out := c.Clone()
	out.Params[name] = value
	return out
}

// Merge returns a copy of c overlaid with other.
func (c Context) Merge(other Context) Context {
	out := c.Clone()
	maps.Copy(out.Vars, other.Vars)
	maps.Copy(out.Params, other.Params)
	return out
}

// Clone deep copies the context maps and string slices.
func (c Context) Clone() Context {
	out := Context{Vars: make(map[string]any, len(c.Vars)), Params: make(map[string]any, len(c.Params))}
	for k, v := range c.Vars {
		if list, ok := v.([]string); ok {
			v = slices.Clone(list)
		}
		out.Vars[k] = v
	}
	maps.Copy(out.Params, c.Params)
	return out
}

// String returns the value of a string var, or "".
func (c Context) String(name string) string {
	s, _ := c.Vars[name].(string)
	return s
}

func validateContext(templateName string, c Context) error {
	for name, v := range c.Vars {
		if err := validateVar(v); err != nil {
			return &apperrors.TemplateError{
				Kind:     apperrors.TemplateMissingVariable,
				Template: templateName,
				Variable: name,
				Err:      err,
			}
		}
	}
	return nil
}

func validateVar(v any) error {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return sqlutil.ValidateIdentifier(val)
	case bool, int:
		return nil
	case []string:
		for _, s := range val {
			if err := sqlutil.ValidateIdentifier(s); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return fmt.Errorf("nil value")
	}
	return fmt.Errorf("unsupported type %T", v)
}
