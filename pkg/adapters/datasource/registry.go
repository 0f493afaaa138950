package datasource

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// AdapterInfo describes a registered dialect adapter.
type AdapterInfo struct {
	Dialect     dialect.Dialect `json:"dialect"`
	DisplayName string          `json:"display_name"`
	Description string          `json:"description"`
}

// ExecutorFactory opens a QueryExecutor for the configured target.
type ExecutorFactory func(ctx context.Context, cfg *config.Config, connMgr *ConnectionManager, logger *zap.Logger) (QueryExecutor, error)

// AdapterRegistration contains info + factory for creating executors.
type AdapterRegistration struct {
	Info    AdapterInfo
	Factory ExecutorFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[dialect.Dialect]AdapterRegistration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg AdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Dialect] = reg
}

// RegisteredAdapters returns info for all registered adapters, sorted by dialect.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Dialect < result[j].Dialect })
	return result
}

// GetFactory returns the factory for a dialect, or nil if it is not registered.
func GetFactory(d dialect.Dialect) ExecutorFactory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[d]; ok {
		return reg.Factory
	}
	return nil
}

// IsRegistered checks if an adapter for d is available.
func IsRegistered(d dialect.Dialect) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[d]
	return ok
}
