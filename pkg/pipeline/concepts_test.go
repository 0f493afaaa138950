package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-omop/pkg/models"
)

func TestWithCustomConcepts(t *testing.T) {
	records := []models.MappingRecord{
		{SourceCode: "M", TargetConceptID: 8507, MappingStatus: models.MappingStatusApproved},
		{SourceCode: "X", TargetConceptID: 1, MappingStatus: models.MappingStatusUnchecked},
	}
	assigned := []assignedConcept{
		{localID: 1, conceptID: 2_000_000_001, conceptCode: "X", conceptName: "Unknown", domainID: "Gender"},
		{localID: 2, conceptID: 2_000_000_000, conceptCode: "U", conceptName: "Undisclosed", domainID: "Gender"},
	}

	out := withCustomConcepts(records, assigned, "HIS_GENDER")
	require.Len(t, out, 3)
	assert.Equal(t, int64(8507), out[0].TargetConceptID)

	assert.Equal(t, int64(2_000_000_001), out[1].TargetConceptID)
	assert.Equal(t, "Unknown", out[1].TargetConceptName)
	assert.Equal(t, models.MappingStatusApproved, out[1].MappingStatus)

	assert.Equal(t, models.MappingRecord{
		SourceCode:         "U",
		SourceName:         "Undisclosed",
		SourceVocabularyID: "HIS_GENDER",
		TargetConceptID:    2_000_000_000,
		TargetConceptName:  "Undisclosed",
		TargetDomainID:     "Gender",
		MappingStatus:      models.MappingStatusApproved,
	}, out[2])
}

func TestWithCustomConcepts_NoConceptsKeepsRecords(t *testing.T) {
	records := []models.MappingRecord{{SourceCode: "M", TargetConceptID: 1}}
	assert.Equal(t, records, withCustomConcepts(records, nil, "V"))
}
