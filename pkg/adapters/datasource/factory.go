package datasource

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// AdapterFactory creates adapters from the registry.
type AdapterFactory interface {
	// NewQueryExecutor opens the raw executor for a dialect.
	NewQueryExecutor(ctx context.Context, d dialect.Dialect) (QueryExecutor, error)

	// NewAdapter wraps the executor with retry, logging and step attribution.
	NewAdapter(ctx context.Context, d dialect.Dialect) (*Adapter, error)

	// ListTypes returns info for all registered adapters.
	ListTypes() []AdapterInfo
}

type registryFactory struct {
	cfg     *config.Config
	connMgr *ConnectionManager
	logger  *zap.Logger
}

// NewAdapterFactory returns a factory that uses the global registry.
func NewAdapterFactory(cfg *config.Config, connMgr *ConnectionManager, logger *zap.Logger) AdapterFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &registryFactory{
		cfg:     cfg,
		connMgr: connMgr,
		logger:  logger,
	}
}

func (f *registryFactory) NewQueryExecutor(ctx context.Context, d dialect.Dialect) (QueryExecutor, error) {
	factory := GetFactory(d)
	if factory == nil {
		return nil, fmt.Errorf("unsupported dialect: %s (no adapter registered)", d)
	}
	return factory(ctx, f.cfg, f.connMgr, f.logger)
}

func (f *registryFactory) NewAdapter(ctx context.Context, d dialect.Dialect) (*Adapter, error) {
	exec, err := f.NewQueryExecutor(ctx, d)
	if err != nil {
		return nil, err
	}
	return NewAdapter(exec, f.cfg.RetryPolicy(), f.logger), nil
}

func (f *registryFactory) ListTypes() []AdapterInfo {
	return RegisteredAdapters()
}

// Ensure registryFactory implements AdapterFactory at compile time.
var _ AdapterFactory = (*registryFactory)(nil)
