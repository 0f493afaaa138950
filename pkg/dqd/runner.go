// Package dqd runs the DataQualityDashboard after a load. The dashboard is
// an external program; only its exit status and report file are observed.
package dqd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/logging"
)

// Placeholders substituted in configured arguments.
const (
	PlaceholderOutput = "{output}"
	PlaceholderRunID  = "{run_id}"
)

// OutputFileEnv is set for the child process to the expected report path.
const OutputFileEnv = "DQD_OUTPUT_FILE"

const (
	outputTailBytes = 8 << 10
	waitDelay       = 10 * time.Second
)

// ErrTimeout is returned when the dashboard does not finish in time.
var ErrTimeout = errors.New("data quality dashboard timed out")

// Outcome is what a dashboard run left behind.
type Outcome struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	// ReportPath is empty when the dashboard produced no report.
	ReportPath string `json:"report_path,omitempty"`
	// Output is the tail of combined stdout and stderr.
	Output string `json:"output,omitempty"`
}

// Succeeded reports a zero exit status with a report on disk.
func (o *Outcome) Succeeded() bool {
	return o.ExitCode == 0 && o.ReportPath != ""
}

// Runner starts the configured dashboard command.
type Runner struct {
	cfg     config.DQDConfig
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunner creates a runner. A zero timeout means two hours.
func NewRunner(cfg config.DQDConfig, logger *zap.Logger) *Runner {
	timeout := time.Duration(cfg.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	return &Runner{cfg: cfg, timeout: timeout, logger: logger.Named("dqd")}
}

// Enabled reports whether a command is configured.
func (r *Runner) Enabled() bool { return r.cfg.Command != "" }

// Run executes the dashboard for runID. A non-zero exit is reported in the
// outcome, not as an error; errors mean the command could not be started
// or timed out.
func (r *Runner) Run(ctx context.Context, runID uuid.UUID) (*Outcome, error) {
	if !r.Enabled() {
		return nil, fmt.Errorf("data quality dashboard is not configured")
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dqd output directory: %w", err)
	}
	report := filepath.Join(r.cfg.OutputDir, runID.String()+".json")

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := make([]string, len(r.cfg.Args))
	for i, a := range r.cfg.Args {
		a = strings.ReplaceAll(a, PlaceholderOutput, report)
		args[i] = strings.ReplaceAll(a, PlaceholderRunID, runID.String())
	}
	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Env = append(os.Environ(), OutputFileEnv+"="+report)
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	outcome := &Outcome{Command: r.cfg.Command}
	r.logger.Info("Starting data quality dashboard",
		zap.String("command", r.cfg.Command),
		zap.String("report", report),
		zap.Duration("timeout", r.timeout))

	start := time.Now()
	err := cmd.Run()
	outcome.Duration = time.Since(start)
	outcome.Output = tail(out.String(), outputTailBytes)

	if ctx.Err() == context.DeadlineExceeded {
		outcome.ExitCode = -1
		return outcome, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		outcome.ExitCode = exitErr.ExitCode()
	case err != nil:
		return nil, fmt.Errorf("start %s: %w", r.cfg.Command, err)
	}

	if _, statErr := os.Stat(report); statErr == nil {
		outcome.ReportPath = report
	}

	fields := []zap.Field{
		zap.Int("exit_code", outcome.ExitCode),
		zap.Duration("duration", outcome.Duration),
		zap.String("report", outcome.ReportPath),
	}
	if outcome.Succeeded() {
		r.logger.Info("Data quality dashboard finished", fields...)
	} else {
		r.logger.Warn("Data quality dashboard did not succeed",
			append(fields, zap.String("output", logging.TruncateString(outcome.Output, 500)))...)
	}
	return outcome, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
