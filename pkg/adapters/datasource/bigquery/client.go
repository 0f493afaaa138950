package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// ClientWrapper wraps *bigquery.Client to implement datasource.PoolConnector.
// The client multiplexes HTTP connections itself, so one wrapper is shared.
type ClientWrapper struct {
	client *bigquery.Client
}

// NewClient creates a BigQuery client for cfg. CredentialsFile falls back to
// application default credentials when empty.
func NewClient(ctx context.Context, cfg config.BigQueryConfig) (*bigquery.Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("bigquery project_id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	client.Location = cfg.Location
	return client, nil
}

func (w *ClientWrapper) Ping(ctx context.Context) error {
	q := w.client.Query("SELECT 1")
	it, err := q.Read(ctx)
	if err != nil {
		return classify(err)
	}
	var row []bigquery.Value
	return classify(ignoreDone(it.Next(&row)))
}

func (w *ClientWrapper) Close() error {
	return w.client.Close()
}

func (w *ClientWrapper) GetType() string {
	return string(dialect.BigQuery)
}

// Client returns the underlying *bigquery.Client.
func (w *ClientWrapper) Client() *bigquery.Client {
	return w.client
}
