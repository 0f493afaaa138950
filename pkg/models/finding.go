package models

// RuleDuplicateMapping is the rule id of the duplicate source to concept check.
const RuleDuplicateMapping = "duplicate_source_to_concept_mapping"

// ValidationFinding is one violation surfaced by the mapping validator.
type ValidationFinding struct {
	RuleID          string `json:"rule_id"`
	Table           string `json:"table"`
	ConceptIDColumn string `json:"concept_id_column"`
	OffendingKey    string `json:"offending_key"`
	OccurrenceCount int64  `json:"occurrence_count"`
	SampleDetail    string `json:"sample_detail"`
}

// DuplicateReport is the capped finding sample plus the full violation count.
type DuplicateReport struct {
	Findings   []ValidationFinding `json:"findings"`
	TotalCount int                 `json:"total_count"`
	Truncated  bool                `json:"truncated"`
}
