package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxParallelTables bounds how many tables of one level run at once.
const DefaultMaxParallelTables = 9

// WorkerPoolConfig configures the table worker pool.
type WorkerPoolConfig struct {
	MaxConcurrent int
}

// WorkerPool runs independent tables with bounded parallelism.
// A semaphore limits outstanding work; a finished item frees its slot for
// the next one immediately.
type WorkerPool struct {
	config WorkerPoolConfig
	logger *zap.Logger
}

// NewWorkerPool creates a pool. MaxConcurrent below 1 means DefaultMaxParallelTables.
func NewWorkerPool(config WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = DefaultMaxParallelTables
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		config: config,
		logger: logger.Named("worker-pool"),
	}
}

// WorkItem is one unit of work.
type WorkItem[T any] struct {
	ID      string
	Execute func(ctx context.Context) (T, error)
}

// WorkResult is the outcome of a work item.
type WorkResult[T any] struct {
	ID     string
	Result T
	Err    error
}

// Process executes items with bounded parallelism and returns their results
// in submission order. Every item gets a result: items that never acquired a
// slot before ctx was done report ctx.Err(). A failing item does not stop
// the others.
func Process[T any](
	ctx context.Context,
	pool *WorkerPool,
	items []WorkItem[T],
	onProgress func(completed, total int),
) []WorkResult[T] {
	if len(items) == 0 {
		return nil
	}

	type indexed struct {
		index  int
		result WorkResult[T]
	}

	results := make([]WorkResult[T], len(items))
	resultsChan := make(chan indexed, len(items))
	sem := make(chan struct{}, pool.config.MaxConcurrent)

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				resultsChan <- indexed{i, WorkResult[T]{ID: item.ID, Err: ctx.Err()}}
				return
			}

			result, err := item.Execute(ctx)
			resultsChan <- indexed{i, WorkResult[T]{ID: item.ID, Result: result, Err: err}}
		}()
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	completed := 0
	for r := range resultsChan {
		results[r.index] = r.result
		completed++
		pool.logger.Debug("Work item finished",
			zap.String("id", r.result.ID),
			zap.Int("completed", completed),
			zap.Int("total", len(items)))
		if onProgress != nil {
			onProgress(completed, len(items))
		}
	}
	return results
}
