package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource/bigquery"
	_ "github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource/postgres"
	_ "github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource/sqlite"
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/database"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
	"github.com/ekaya-inc/ekaya-omop/pkg/dqd"
	"github.com/ekaya-inc/ekaya-omop/pkg/logging"
	"github.com/ekaya-inc/ekaya-omop/pkg/pipeline"
	"github.com/ekaya-inc/ekaya-omop/pkg/results"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
)

// Version is set at build time via ldflags
var Version = "dev"

const usage = `usage: ekaya-omop [-config config.yaml] [-manifest manifest.yaml] <command>

commands:
  run                  stage, map, validate and load every manifest table
  cleanup [table|all]  drop work tables and empty loaded tables
  render <name> [k=v]  print a rendered template for the configured dialect;
                       integers and true/false keep their type,
                       comma separated values become lists
  runs                 list stored run summaries
  migrate              apply results database migrations
`

func main() {
	configPath := flag.String("config", config.DefaultPath, "configuration file")
	manifestPath := flag.String("manifest", "", "pipeline manifest (overrides config)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *manifestPath != "" {
		cfg.ManifestPath = *manifestPath
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("dialect", cfg.Dialect),
		zap.String("manifest", cfg.ManifestPath))

	code, err := dispatch(ctx, cfg, logger, flag.Args())
	if err != nil {
		logger.Error("Command failed", zap.String("command", flag.Arg(0)), zap.String("error", logging.SanitizeError(err)))
		if code == 0 {
			code = 1
		}
	}
	_ = logger.Sync()
	os.Exit(code)
}

func dispatch(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) (int, error) {
	switch args[0] {
	case "migrate":
		return 0, database.MigrateResults(cfg.Database.ConnectionString(), cfg.Results.MigrationsPath, logger)
	case "runs":
		return 0, listRuns(ctx, cfg, logger)
	case "render":
		if len(args) < 2 {
			return 2, errors.New("render needs a template name")
		}
		return 0, render(cfg, logger, args[1], args[2:])
	case "run", "cleanup":
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2, fmt.Errorf("unknown command %q", args[0])
	}

	env, err := newEnvironment(ctx, cfg, logger)
	if err != nil {
		return 1, err
	}
	defer env.close()

	if args[0] == "cleanup" {
		target := pipeline.CleanupAll
		if len(args) > 1 {
			target = args[1]
		}
		steps, err := env.driver.Cleanup(ctx, env.manifest, target)
		logger.Info("Cleanup finished", zap.String("target", target), zap.Int("steps", len(steps)))
		return 0, err
	}
	return run(ctx, cfg, env, logger)
}

// environment is what run and cleanup share.
type environment struct {
	manifest *pipeline.Manifest
	adapter  *datasource.Adapter
	connMgr  *datasource.ConnectionManager
	driver   *pipeline.Driver
}

func newEnvironment(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*environment, error) {
	manifest, err := pipeline.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	renderer, err := newRenderer(cfg, logger)
	if err != nil {
		return nil, err
	}
	d, err := dialect.Parse(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	connMgr := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{
		TTLMinutes:   cfg.Datasource.ConnectionTTLMinutes,
		PoolMaxConns: cfg.Datasource.PoolMaxConns,
		PoolMinConns: cfg.Datasource.PoolMinConns,
	}, logger)
	adapter, err := datasource.NewAdapterFactory(cfg, connMgr, logger).NewAdapter(ctx, d)
	if err != nil {
		_ = connMgr.Close()
		return nil, err
	}

	return &environment{
		manifest: manifest,
		adapter:  adapter,
		connMgr:  connMgr,
		driver: pipeline.NewDriver(pipeline.Options{
			Renderer: renderer,
			Adapter:  adapter,
			Policy:   cfg.Pipeline,
			Schemas:  cfg.Schemas,
			Logger:   logger,
		}),
	}, nil
}

func (e *environment) close() {
	_ = e.adapter.Close()
	_ = e.connMgr.Close()
}

func newRenderer(cfg *config.Config, logger *zap.Logger) (*templates.Renderer, error) {
	sources := []fs.FS{templates.DefaultSources()}
	if cfg.TemplateDir != "" {
		if info, err := os.Stat(cfg.TemplateDir); err == nil && info.IsDir() {
			sources = append(sources, os.DirFS(cfg.TemplateDir))
		}
	}
	reg, err := templates.NewRegistry(sources...)
	if err != nil {
		return nil, err
	}
	return templates.NewRenderer(reg, logger), nil
}

func run(ctx context.Context, cfg *config.Config, env *environment, logger *zap.Logger) (int, error) {
	store, err := results.Open(ctx, cfg, logger)
	if err != nil {
		return 1, err
	}
	defer store.Close()

	summary, runErr := env.driver.Run(ctx, env.manifest)
	if summary == nil {
		return 1, runErr
	}

	for _, t := range summary.Tables {
		fmt.Println(pipeline.FormatTable(t))
	}
	fmt.Println(pipeline.FormatSummary(summary))

	// The summary is saved even when the run was interrupted.
	if err := store.Save(context.WithoutCancel(ctx), summary); err != nil {
		logger.Error("Failed to save run summary", zap.Error(err))
	}
	if runErr != nil {
		return 1, runErr
	}

	runner := dqd.NewRunner(cfg.DQD, logger)
	if runner.Enabled() && summary.Succeeded() {
		outcome, err := runner.Run(ctx, summary.RunID)
		if err != nil {
			return 1, err
		}
		fmt.Printf("data quality dashboard: exit %d, report %s\n", outcome.ExitCode, outcome.ReportPath)
		if !outcome.Succeeded() {
			return 1, nil
		}
	}

	if !summary.Succeeded() {
		return 1, nil
	}
	return 0, nil
}

func render(cfg *config.Config, logger *zap.Logger, name string, vars []string) error {
	renderer, err := newRenderer(cfg, logger)
	if err != nil {
		return err
	}
	d, err := dialect.Parse(cfg.Dialect)
	if err != nil {
		return err
	}
	ctx := pipeline.BaseContext(cfg.Schemas, cfg.Pipeline).
		WithParam(templates.ParamETLStart, civil.DateOf(time.Now()))
	for _, kv := range vars {
		k, v, err := parseRenderVar(kv)
		if err != nil {
			return err
		}
		ctx = ctx.With(k, v)
	}

	stmt, err := renderer.Render(name, d, ctx)
	if err != nil {
		return err
	}
	fmt.Println(stmt.SQL)
	for i, arg := range stmt.Args {
		fmt.Printf("-- arg %d (%s): %v\n", i+1, stmt.ArgNames[i], arg)
	}
	return nil
}

// parseRenderVar turns k=v into a context variable. Integers and true/false
// keep their type; comma separated values become lists.
func parseRenderVar(kv string) (string, any, error) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", nil, fmt.Errorf("render variable %q is not key=value", kv)
	}
	if strings.Contains(v, ",") {
		return k, strings.Split(v, ","), nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return k, n, nil
	}
	switch v {
	case "true":
		return k, true, nil
	case "false":
		return k, false, nil
	}
	return k, v, nil
}

func listRuns(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := results.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List(ctx, 20)
	if err != nil {
		return err
	}
	for _, info := range infos {
		status := "ok"
		if !info.Succeeded {
			status = "incomplete"
		}
		fmt.Printf("%s  %-8s  %s  %-10s  %s\n", info.RunID, info.Dialect,
			info.StartedAt.Format("2006-01-02 15:04:05"), status, info.FinishedAt.Sub(info.StartedAt))
	}
	return nil
}
