// Package readiness polls a unit's health endpoint until it answers.
//
// A unit is ready when GET on its health URL returns a 2xx status. Failed
// attempts are expected while a unit boots and are only logged at debug
// level; the prober sleeps a fixed interval between attempts and never
// spins.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
)

// Default probing parameters.
const (
	DefaultInterval = 400 * time.Millisecond

	// DefaultAttemptTimeout caps one HTTP attempt.
	DefaultAttemptTimeout = 1500 * time.Millisecond

	// maxDrain bounds how much of a health body is read before closing.
	maxDrain = 4 << 10
)

// ErrNotReady is returned by Probe for non-2xx answers.
var ErrNotReady = errors.New("readiness: unit not ready")

// Logger defines the logging interface used by the Prober.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// Prober checks unit health URLs.
//
// Thread Safety:
//   - A Prober is safe for concurrent use; List probes many units at once.
type Prober struct {
	client         *http.Client
	interval       time.Duration
	attemptTimeout time.Duration
	logger         Logger
}

// New creates a Prober from the readiness configuration.
// Zero values fall back to the defaults.
func New(cfg config.ReadinessConfig) *Prober {
	p := &Prober{
		client:         &http.Client{},
		interval:       cfg.Interval,
		attemptTimeout: DefaultAttemptTimeout,
		logger:         noopLogger{},
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	return p
}

// SetLogger sets the logger for failed attempts.
func (p *Prober) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetHTTPClient replaces the HTTP client, for example to reach units
// through a custom transport.
func (p *Prober) SetHTTPClient(c *http.Client) {
	if c != nil {
		p.client = c
	}
}

// Probe performs a single GET on url bounded by ctx.
func (p *Prober) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain)) //nolint:errcheck // drain for keep-alive

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrNotReady, resp.StatusCode)
	}
	return nil
}

// WaitReady polls url until it is healthy or timeout elapses.
//
// Each attempt is capped at 1.5s or the remaining budget, whichever is
// smaller. A timeout shorter than one attempt gives a single best-effort
// probe, which is how listings check freshness cheaply.
//
// Returns false on timeout or when ctx is cancelled; never an error.
func (p *Prober) WaitReady(ctx context.Context, url string, timeout time.Duration) bool {
	if url == "" || timeout <= 0 {
		return false
	}
	deadline := time.Now().Add(timeout)

	for attempt := 1; ; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		attemptCtx, cancel := context.WithTimeout(ctx, min(p.attemptTimeout, remaining))
		err := p.Probe(attemptCtx, url)
		cancel()
		if err == nil {
			return true
		}
		p.logger.Debug("health probe failed", "url", url, "attempt", attempt, "error", err)

		remaining = time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		wait := time.NewTimer(min(p.interval, remaining))
		select {
		case <-ctx.Done():
			wait.Stop()
			return false
		case <-wait.C:
		}
	}
}
