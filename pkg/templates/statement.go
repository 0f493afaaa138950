package templates

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
)

// RenderedStatement is the immutable result of a render: SQL text ready for
// one dialect plus the metadata used to attribute its execution.
type RenderedStatement struct {
	SQL      string
	Dialect  dialect.Dialect
	Template string
	Phase    models.Phase
	// Table is the CDM table the statement belongs to, if any.
	Table string
	// Target is the object the statement writes or reads.
	Target   string
	Args     []any
	ArgNames []string
	Context  Context
	Identity string
}

// IsParameterized reports whether the statement carries bind values.
func (s *RenderedStatement) IsParameterized() bool { return len(s.Args) > 0 }

// Describe is a short label used in logs.
func (s *RenderedStatement) Describe() string {
	if s.Target != "" {
		return fmt.Sprintf("%s[%s]", s.Template, s.Target)
	}
	return s.Template
}

func phaseOf(templateName string) models.Phase {
	head, _, _ := strings.Cut(templateName, "/")
	return models.Phase(head)
}

func statementIdentity(d dialect.Dialect, sqlText string, args []any) string {
	h := xxh3.New()
	_, _ = h.WriteString(string(d))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(sqlText)
	for _, a := range args {
		_, _ = fmt.Fprintf(h, "\x00%T:%v", a, a)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func targetOf(c Context) string {
	for _, k := range []string{VarTargetTable, VarMappedTable, VarWorkTable, VarUsagiTable} {
		if v := c.String(k); v != "" {
			return v
		}
	}
	return c.String(VarOmopTable)
}
