package results

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
)

// maxLineSize bounds one JSON line; summaries with many steps get large.
const maxLineSize = 64 << 20

// FileStore appends one JSON document per run to a file. The last line for
// a run id wins.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the parent directory of path if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("results path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create results directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Save(_ context.Context, summary *models.RunSummary) error {
	line, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", summary.RunID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open results file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write results file: %w", err)
	}
	return f.Close()
}

func (s *FileStore) Get(_ context.Context, id uuid.UUID) (*models.RunSummary, error) {
	runs, err := s.readAll()
	if err != nil {
		return nil, err
	}
	summary, ok := runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, apperrors.ErrNotFound)
	}
	return summary, nil
}

func (s *FileStore) List(_ context.Context, limit int) ([]RunInfo, error) {
	runs, err := s.readAll()
	if err != nil {
		return nil, err
	}
	infos := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		infos = append(infos, infoOf(r))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) readAll() (map[uuid.UUID]*models.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make(map[uuid.UUID]*models.RunSummary)
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return runs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var summary models.RunSummary
		if err := json.Unmarshal(scanner.Bytes(), &summary); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", s.path, line, err)
		}
		runs[summary.RunID] = &summary
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read results file: %w", err)
	}
	return runs, nil
}
