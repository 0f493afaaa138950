package bigquery

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Dialect:     dialect.BigQuery,
			DisplayName: "Google BigQuery",
			Description: "BigQuery standard SQL; statements run as query jobs",
		},
		Factory: func(ctx context.Context, cfg *config.Config, connMgr *datasource.ConnectionManager, logger *zap.Logger) (datasource.QueryExecutor, error) {
			return NewQueryExecutor(ctx, cfg.BigQuery, connMgr, logger)
		},
	})
}
