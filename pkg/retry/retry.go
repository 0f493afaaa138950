package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config is an explicit retry policy with exponential backoff.
// MaxAttempts counts the first try, so MaxAttempts=1 disables retries.
type Config struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterFactor     float64 // 0.0-1.0; delay varies by +/- delay*JitterFactor
	MaxSameErrorType int     // after N consecutive errors of one kind, stop retrying (0 disables)

	// Sleep and Rand default to real time and math/rand; tests inject both.
	Sleep Sleeper
	Rand  func() float64
}

// DefaultConfig returns the policy used for database statements:
// 5 attempts, 500ms base delay doubling up to 30s, 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:      5,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 5,
	}
}

// ConnectionConfig is the shorter policy used for pool health checks.
func ConnectionConfig() *Config {
	return &Config{
		MaxAttempts:  4,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Config) attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

func (c *Config) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// Delay returns the backoff before retry number n (1-based), jitter applied.
func (c *Config) Delay(n int) time.Duration {
	delay := c.BaseDelay
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 1; i < n; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if c.MaxDelay > 0 && delay > c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	rnd := c.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return applyJitter(delay, c.JitterFactor, rnd)
}

// applyJitter spreads delay by +/- delay*jitterFactor.
func applyJitter(delay time.Duration, jitterFactor float64, rnd func() float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rnd()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Do retries fn on any error until the attempt ceiling is reached.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that produce a value, such as pool constructors.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var result T
	var lastErr error
	for attempt := 1; attempt <= cfg.attempts(); attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err

		if attempt < cfg.attempts() {
			if err := cfg.sleep(ctx, cfg.Delay(attempt)); err != nil {
				return result, err
			}
		}
	}
	return result, lastErr
}

// RetryableError lets an error declare its own retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryable reports whether err is transient. Errors implementing
// RetryableError decide for themselves; anything else is matched against
// known transient messages.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"temporary failure",
	"too many connections",
	"deadlock",
	"i/o timeout",
	"network is unreachable",
	"rate limit",
	"ratelimitexceeded",
	"too many requests",
	"service unavailable",
	"database is locked",
}

// classifyErrorType extracts a category used to detect repeated failures.
func classifyErrorType(err error) string {
	if err == nil {
		return "nil"
	}

	var k interface{ ErrorKind() string }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "connection reset"):
		return "connection"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "timed out"):
		return "timeout"
	case strings.Contains(errStr, "deadlock"):
		return "deadlock"
	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "too many requests"):
		return "rate_limit"
	}
	return "unknown"
}

// DoIfRetryable runs fn, retrying only transient errors. Permanent errors
// return immediately. It returns the number of attempts made.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func(attempt int) error) (int, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	sameErrorCount := 0
	var lastErrorType string

	for attempt := 1; attempt <= cfg.attempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}

		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return attempt, err
		}

		currentErrorType := classifyErrorType(err)
		if currentErrorType == lastErrorType {
			sameErrorCount++
			if cfg.MaxSameErrorType > 0 && sameErrorCount >= cfg.MaxSameErrorType {
				return attempt, fmt.Errorf("repeated error (%d times, type=%s): %w", sameErrorCount, currentErrorType, err)
			}
		} else {
			sameErrorCount = 1
			lastErrorType = currentErrorType
		}

		if attempt < cfg.attempts() {
			if sleepErr := cfg.sleep(ctx, cfg.Delay(attempt)); sleepErr != nil {
				return attempt, lastErr
			}
		}
	}

	return cfg.attempts(), lastErr
}
