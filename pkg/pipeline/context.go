// Package pipeline drives CDM tables through stage, map, validate and load,
// in dependency levels, on one backend.
package pipeline

import (
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
)

// BaseContext carries the schema names and policy flags every template of a
// run can see.
func BaseContext(schemas config.SchemasConfig, policy config.PipelineConfig) templates.Context {
	return templates.NewContext().
		With(templates.VarWorkCatalog, schemas.WorkCatalog).
		With(templates.VarWorkSchema, schemas.WorkSchema).
		With(templates.VarOmopCatalog, schemas.OmopCatalog).
		With(templates.VarOmopSchema, schemas.OmopSchema).
		With(templates.VarRawCatalog, schemas.RawCatalog).
		With(templates.VarRawSchema, schemas.RawSchema).
		With(templates.VarProcessSemi, policy.ProcessSemiApprovedMappings)
}
