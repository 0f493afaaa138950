package models

import (
	"strings"
	"time"
)

// MappingStatus is the Usagi approval state of a mapping row.
type MappingStatus string

const (
	MappingStatusApproved     MappingStatus = "APPROVED"
	MappingStatusSemiApproved MappingStatus = "SEMI-APPROVED"
	MappingStatusUnchecked    MappingStatus = "UNCHECKED"
	MappingStatusFlagged      MappingStatus = "FLAGGED"
	MappingStatusInexact      MappingStatus = "INEXACT"
	MappingStatusIgnored      MappingStatus = "IGNORED"
)

// ValidMappingStatuses contains all statuses Usagi can export.
var ValidMappingStatuses = []MappingStatus{
	MappingStatusApproved,
	MappingStatusSemiApproved,
	MappingStatusUnchecked,
	MappingStatusFlagged,
	MappingStatusInexact,
	MappingStatusIgnored,
}

// ParseMappingStatus normalizes a raw status. Unknown values are returned
// upper-cased with ok=false.
func ParseMappingStatus(raw string) (MappingStatus, bool) {
	s := MappingStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, v := range ValidMappingStatuses {
		if v == s {
			return s, true
		}
	}
	return s, false
}

// ActiveMappingStatuses returns the statuses that make a mapping active.
func ActiveMappingStatuses(includeSemiApproved bool) []MappingStatus {
	if includeSemiApproved {
		return []MappingStatus{MappingStatusApproved, MappingStatusSemiApproved}
	}
	return []MappingStatus{MappingStatusApproved}
}

// IsActive reports whether the status counts under the given policy.
func (s MappingStatus) IsActive(includeSemiApproved bool) bool {
	for _, v := range ActiveMappingStatuses(includeSemiApproved) {
		if v == s {
			return true
		}
	}
	return false
}

// MappingRecord is one source code to standard concept mapping.
type MappingRecord struct {
	SourceCode         string        `json:"source_code"`
	SourceName         string        `json:"source_name"`
	SourceVocabularyID string        `json:"source_vocabulary_id"`
	TargetConceptID    int64         `json:"target_concept_id"`
	TargetConceptName  string        `json:"target_concept_name"`
	TargetDomainID     string        `json:"target_domain_id"`
	ValidStartDate     *time.Time    `json:"valid_start_date,omitempty"`
	ValidEndDate       *time.Time    `json:"valid_end_date,omitempty"`
	MappingStatus      MappingStatus `json:"mapping_status"`
}

// UsagiTableName is the work table holding mappings for one concept column.
func UsagiTableName(omopTable, conceptIDColumn string) string {
	return omopTable + "__" + conceptIDColumn + "_usagi"
}

// WorkTableName is the work table a source query is materialized into.
func WorkTableName(omopTable, query string) string {
	return omopTable + "_" + query
}

// MappedTableName is the work table with concept columns swapped for concept ids.
func MappedTableName(omopTable, query string) string {
	return WorkTableName(omopTable, query) + "_mapped"
}

// ConceptTableName is the work table holding custom concepts for one concept column.
func ConceptTableName(omopTable, conceptIDColumn string) string {
	return omopTable + "__" + conceptIDColumn + "_concept"
}

// ConceptIDSwapTable assigns ids to custom concepts across all tables.
const ConceptIDSwapTable = "concept_id_swap"

// MinCustomConceptID is the first id handed to a custom concept.
const MinCustomConceptID = 2_000_000_000

// PKSwapTableName is the work table mapping source keys of omopTable to
// generated primary keys.
func PKSwapTableName(omopTable string) string {
	return omopTable + "__pk_swap"
}

// CustomConcept is one row of a custom concept file, shaped like CONCEPT.
// ConceptID is local to the file until a run assigns the final id.
type CustomConcept struct {
	ConceptID       int64     `json:"concept_id"`
	ConceptName     string    `json:"concept_name"`
	DomainID        string    `json:"domain_id"`
	VocabularyID    string    `json:"vocabulary_id"`
	ConceptClassID  string    `json:"concept_class_id"`
	StandardConcept string    `json:"standard_concept,omitempty"`
	ConceptCode     string    `json:"concept_code"`
	ValidStartDate  time.Time `json:"valid_start_date"`
	ValidEndDate    time.Time `json:"valid_end_date"`
	InvalidReason   string    `json:"invalid_reason,omitempty"`
}
