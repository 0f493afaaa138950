package usagi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-omop/pkg/sql"
)

// Custom concept file columns. They follow the CONCEPT table.
const (
	ColConceptIDCustom   = "concept_id"
	ColConceptNameCustom = "concept_name"
	ColDomainIDCustom    = "domain_id"
	ColVocabularyID      = "vocabulary_id"
	ColConceptClassID    = "concept_class_id"
	ColStandardConcept   = "standard_concept"
	ColConceptCode       = "concept_code"
	ColValidStartCustom  = "valid_start_date"
	ColValidEndCustom    = "valid_end_date"
	ColInvalidReason     = "invalid_reason"
)

var requiredConceptColumns = []string{
	ColConceptIDCustom, ColConceptNameCustom, ColDomainIDCustom,
	ColVocabularyID, ColConceptClassID, ColConceptCode,
}

// ConceptFileResult holds the custom concepts and warnings of one file.
type ConceptFileResult struct {
	File     string
	Concepts []models.CustomConcept
	Warnings []Warning
}

// ReadConceptFiles parses custom concept files concurrently. Results keep the
// order of paths.
func ReadConceptFiles(ctx context.Context, paths []string, opts ReadOptions) ([]ConceptFileResult, error) {
	return readAll(ctx, paths, opts.Concurrency, func(path string) (ConceptFileResult, error) {
		f, err := os.Open(path)
		if err != nil {
			return ConceptFileResult{}, fmt.Errorf("open concept file: %w", err)
		}
		defer f.Close()
		return ReadConcepts(f, path, opts)
	})
}

// ReadConcepts parses a custom concept file from r. name labels warnings and
// errors.
func ReadConcepts(r io.Reader, name string, opts ReadOptions) (ConceptFileResult, error) {
	res := ConceptFileResult{File: name}

	cr, idx, err := openCSV(r, name, opts.Encoding, "concept", requiredConceptColumns)
	if err != nil {
		return res, err
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("%s: %w", name, err)
		}
		line, _ := cr.FieldPos(0)
		if isBlank(rec) {
			continue
		}

		c, warning, err := parseConcept(rec, idx)
		if err != nil {
			return res, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		if warning != "" {
			res.Warnings = append(res.Warnings, Warning{File: name, Line: line, Message: warning})
		}
		if c != nil {
			res.Concepts = append(res.Concepts, *c)
		}
	}
	return res, nil
}

func parseConcept(rec []string, idx map[string]int) (*models.CustomConcept, string, error) {
	code := field(rec, idx, ColConceptCode)
	if code == "" {
		return nil, "empty concept_code, row skipped", nil
	}

	raw := field(rec, idx, ColConceptIDCustom)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("concept_id %q: %w", raw, err)
	}

	c := &models.CustomConcept{
		ConceptID:       id,
		ConceptName:     field(rec, idx, ColConceptNameCustom),
		DomainID:        field(rec, idx, ColDomainIDCustom),
		VocabularyID:    field(rec, idx, ColVocabularyID),
		ConceptClassID:  field(rec, idx, ColConceptClassID),
		StandardConcept: field(rec, idx, ColStandardConcept),
		ConceptCode:     code,
		ValidStartDate:  DefaultValidStartDate.In(time.UTC),
		ValidEndDate:    DefaultValidEndDate.In(time.UTC),
		InvalidReason:   field(rec, idx, ColInvalidReason),
	}
	for _, col := range []string{ColConceptNameCustom, ColDomainIDCustom, ColVocabularyID, ColConceptClassID} {
		if field(rec, idx, col) == "" {
			return nil, "", fmt.Errorf("%s is empty for concept %s", col, code)
		}
	}

	for _, d := range []struct {
		col string
		dst *time.Time
	}{
		{ColValidStartCustom, &c.ValidStartDate},
		{ColValidEndCustom, &c.ValidEndDate},
	} {
		raw := field(rec, idx, d.col)
		if raw == "" {
			continue
		}
		t, err := parseDate(raw)
		if err != nil {
			return nil, "", fmt.Errorf("%s %q: %w", d.col, raw, err)
		}
		*d.dst = t
	}

	if hits := sqlutil.CheckAllValues(map[string]string{
		ColConceptCode:       c.ConceptCode,
		ColConceptNameCustom: c.ConceptName,
	}); len(hits) > 0 {
		return c, fmt.Sprintf("%s of %s looks like SQL (fingerprint %s)", hits[0].Field, code, hits[0].Fingerprint), nil
	}
	return c, "", nil
}

// DedupeConcepts keeps the first concept of every vocabulary and code pair.
// Each dropped row yields a warning.
func DedupeConcepts(results []ConceptFileResult) ([]models.CustomConcept, []Warning) {
	type key struct{ vocabulary, code string }
	seen := make(map[key]string)
	var out []models.CustomConcept
	var warnings []Warning
	for _, r := range results {
		warnings = append(warnings, r.Warnings...)
		for _, c := range r.Concepts {
			k := key{c.VocabularyID, c.ConceptCode}
			if first, ok := seen[k]; ok {
				warnings = append(warnings, Warning{File: r.File, Message: fmt.Sprintf(
					"concept %s/%s already defined in %s, row skipped", c.VocabularyID, c.ConceptCode, first)})
				continue
			}
			seen[k] = r.File
			out = append(out, c)
		}
	}
	return out, warnings
}
