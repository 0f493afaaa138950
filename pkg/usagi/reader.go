// Package usagi reads Usagi mapping exports and stages them into work tables.
package usagi

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-omop/pkg/sql"
)

// Usagi export column names.
const (
	ColSourceCode         = "sourceCode"
	ColSourceName         = "sourceName"
	ColMappingStatus      = "mappingStatus"
	ColConceptID          = "conceptId"
	ColConceptName        = "conceptName"
	ColDomainID           = "domainId"
	ColSourceVocabularyID = "sourceVocabularyId"
	ColValidStartDate     = "validStartDate"
	ColValidEndDate       = "validEndDate"
)

var requiredColumns = []string{ColSourceCode, ColSourceName, ColMappingStatus, ColConceptID, ColConceptName, ColDomainID}

// ReadOptions control CSV decoding.
type ReadOptions struct {
	// Encoding is a WHATWG encoding label such as "utf-8" or "windows-1252".
	// A byte order mark in the file always wins.
	Encoding string
	// SourceVocabularyID fills rows whose export has no sourceVocabularyId.
	SourceVocabularyID string
	// Concurrency bounds the number of files parsed at once.
	Concurrency int
}

// Warning is a row-level problem that did not stop the read.
type Warning struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.Line == 0 {
		return w.File + ": " + w.Message
	}
	return fmt.Sprintf("%s:%d: %s", w.File, w.Line, w.Message)
}

// FileResult holds the records and warnings of one file.
type FileResult struct {
	File     string
	Records  []models.MappingRecord
	Warnings []Warning
}

// ReadFiles parses paths concurrently. Results keep the order of paths.
func ReadFiles(ctx context.Context, paths []string, opts ReadOptions) ([]FileResult, error) {
	return readAll(ctx, paths, opts.Concurrency, func(path string) (FileResult, error) {
		return ReadFile(path, opts)
	})
}

func readAll[T any](ctx context.Context, paths []string, concurrency int, read func(string) (T, error)) ([]T, error) {
	results := make([]T, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	if concurrency < 1 {
		concurrency = 4
	}
	g.SetLimit(concurrency)

	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := read(path)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ReadFile parses one Usagi export.
func ReadFile(path string, opts ReadOptions) (FileResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileResult{}, fmt.Errorf("open usagi file: %w", err)
	}
	defer f.Close()

	res, err := Read(f, path, opts)
	if err != nil {
		return FileResult{}, err
	}
	return res, nil
}

// Read parses a Usagi export from r. name labels warnings and errors.
func Read(r io.Reader, name string, opts ReadOptions) (FileResult, error) {
	res := FileResult{File: name}

	cr, idx, err := openCSV(r, name, opts.Encoding, "usagi", requiredColumns)
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

		m, warnings, err := parseRecord(rec, idx, opts.SourceVocabularyID)
		for _, w := range warnings {
			res.Warnings = append(res.Warnings, Warning{File: name, Line: line, Message: w})
		}
		if err != nil {
			return res, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		if m == nil {
			continue
		}
		res.Records = append(res.Records, *m)
	}
	return res, nil
}

func decoder(label string) (encoding.Encoding, error) {
	if label == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported csv encoding %q: %w", label, err)
	}
	return enc, nil
}

// openCSV decodes r and reads its header. kind names the file type in errors.
func openCSV(r io.Reader, name, encodingLabel, kind string, required []string) (*csv.Reader, map[string]int, error) {
	dec, err := decoder(encodingLabel)
	if err != nil {
		return nil, nil, err
	}
	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(dec.NewDecoder())))
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%s: empty file", name)
		}
		return nil, nil, fmt.Errorf("%s: read header: %w", name, err)
	}
	idx, err := indexColumns(header, kind, required)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	return cr, idx, nil
}

func indexColumns(header []string, kind string, required []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	var missing []string
	for _, c := range required {
		if _, ok := idx[strings.ToLower(c)]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing %s column(s): %s", kind, strings.Join(missing, ", "))
	}
	return idx, nil
}

func field(rec []string, idx map[string]int, col string) string {
	i, ok := idx[strings.ToLower(col)]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// parseRecord converts one row. A nil record with no error means the row is
// skipped; the reason is among the warnings.
func parseRecord(rec []string, idx map[string]int, defaultVocabulary string) (*models.MappingRecord, []string, error) {
	var warnings []string

	code := field(rec, idx, ColSourceCode)
	if code == "" {
		return nil, []string{"empty sourceCode, row skipped"}, nil
	}

	status, ok := models.ParseMappingStatus(field(rec, idx, ColMappingStatus))
	if !ok {
		return nil, []string{fmt.Sprintf("unknown mappingStatus %q for %s, row skipped", status, code)}, nil
	}

	var conceptID int64
	if raw := field(rec, idx, ColConceptID); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("conceptId %q: %w", raw, err)
		}
		conceptID = n
	}

	m := &models.MappingRecord{
		SourceCode:         code,
		SourceName:         field(rec, idx, ColSourceName),
		SourceVocabularyID: field(rec, idx, ColSourceVocabularyID),
		TargetConceptID:    conceptID,
		TargetConceptName:  field(rec, idx, ColConceptName),
		TargetDomainID:     field(rec, idx, ColDomainID),
		MappingStatus:      status,
	}
	if m.SourceVocabularyID == "" {
		m.SourceVocabularyID = defaultVocabulary
	}

	for _, d := range []struct {
		col string
		dst **time.Time
	}{
		{ColValidStartDate, &m.ValidStartDate},
		{ColValidEndDate, &m.ValidEndDate},
	} {
		raw := field(rec, idx, d.col)
		if raw == "" {
			continue
		}
		t, err := parseDate(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%s %q: %w", d.col, raw, err)
		}
		*d.dst = &t
	}

	for _, hit := range sqlutil.CheckAllValues(map[string]string{
		ColSourceCode: m.SourceCode,
		ColSourceName: m.SourceName,
	}) {
		warnings = append(warnings, fmt.Sprintf("%s of %s looks like SQL (fingerprint %s)", hit.Field, code, hit.Fingerprint))
	}
	return m, warnings, nil
}

var dateLayouts = []string{time.DateOnly, "2006/01/02", "20060102", time.RFC3339}

func parseDate(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
