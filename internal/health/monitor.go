// Package health probes the reconstruction service's readiness endpoint
// with a bounded retry and reduces the answer to a tri-state status.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/splatview/splatview-agent/internal/remote"
)

const (
	DefaultAttempts       = 3
	DefaultAttemptTimeout = 5 * time.Second
	DefaultBackoff        = time.Second

	// installedCheck is the top-level dependency flag folded into Checks.
	installedCheck = "instantsplat_installed"
)

type State string

const (
	StateChecking    State = "checking"
	StateReady       State = "ready"
	StateUnavailable State = "unavailable"
)

// Status is the outcome of one Check.
type Status struct {
	State     State           `json:"state" yaml:"state"`
	Checks    map[string]bool `json:"checks,omitempty" yaml:"checks,omitempty"`
	Detail    string          `json:"detail,omitempty" yaml:"detail,omitempty"`
	Device    string          `json:"device,omitempty" yaml:"device,omitempty"`
	CUDA      *bool           `json:"cuda_available,omitempty" yaml:"cuda_available,omitempty"`
	Attempts  int             `json:"attempts" yaml:"attempts"`
	CheckedAt time.Time       `json:"checked_at,omitzero" yaml:"checked_at,omitempty"`
}

// Err returns a *CheckError when the service is not ready, nil otherwise.
func (s Status) Err() error {
	if s.State == StateReady {
		return nil
	}
	return &CheckError{Status: s}
}

// CheckError reports an unhappy health status. It is advisory: nothing in
// the session workflow refuses to run because of it.
type CheckError struct {
	Status Status
}

func (e *CheckError) Error() string {
	if e.Status.Detail != "" {
		return fmt.Sprintf("reconstruction service %s: %s", e.Status.State, e.Status.Detail)
	}
	return fmt.Sprintf("reconstruction service %s", e.Status.State)
}

// Prober is the subset of remote.Client the monitor needs.
type Prober interface {
	Health(ctx context.Context) (*remote.HealthResponse, error)
}

type Options struct {
	Attempts       int
	AttemptTimeout time.Duration
	Backoff        time.Duration
}

// Monitor runs readiness probes. Each Check starts over with a fresh attempt
// counter; the last result is kept only so Peek can render a banner.
type Monitor struct {
	prober         Prober
	attempts       int
	attemptTimeout time.Duration
	backoff        time.Duration
	logger         *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu     sync.RWMutex
	latest Status
}

func NewMonitor(prober Prober, opts Options, logger *slog.Logger) *Monitor {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Monitor{
		prober:         prober,
		attempts:       opts.Attempts,
		attemptTimeout: opts.AttemptTimeout,
		backoff:        opts.Backoff,
		logger:         logger,
		sleep:          sleepContext,
		now:            time.Now,
		latest:         Status{State: StateChecking},
	}
}

// Peek returns the most recent status without probing. Before the first
// Check completes it reports StateChecking.
func (m *Monitor) Peek() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Check probes the service up to the configured number of attempts,
// waiting the backoff between failed attempts.
func (m *Monitor) Check(ctx context.Context) Status {
	m.store(Status{State: StateChecking})

	var (
		lastErr error
		made    int
	)
	for attempt := 1; attempt <= m.attempts; attempt++ {
		made = attempt
		resp, err := m.probe(ctx)
		if err == nil {
			status := evaluate(resp)
			status.Attempts = attempt
			status.CheckedAt = m.now()
			m.logger.Info("health check completed", "state", status.State, "attempts", attempt, "device", status.Device)
			m.store(status)
			return status
		}

		lastErr = err
		m.logger.Warn("health check attempt failed", "attempt", attempt, "max_attempts", m.attempts, "error", err)

		if attempt < m.attempts {
			if err := m.sleep(ctx, m.backoff); err != nil {
				lastErr = err
				break
			}
		}
	}

	status := Status{
		State:     StateUnavailable,
		Detail:    fmt.Sprintf("cannot connect to reconstruction service after %d attempts: %v", made, lastErr),
		Attempts:  made,
		CheckedAt: m.now(),
	}
	m.store(status)
	return status
}

func (m *Monitor) probe(ctx context.Context) (*remote.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
	defer cancel()
	return m.prober.Health(ctx)
}

func (m *Monitor) store(s Status) {
	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()
}

// evaluate maps a successful health payload to ready/unavailable.
func evaluate(resp *remote.HealthResponse) Status {
	checks := make(map[string]bool, len(resp.Checks)+1)
	maps.Copy(checks, resp.Checks)
	if resp.InstantSplatInstalled != nil {
		checks[installedCheck] = *resp.InstantSplatInstalled
	}

	status := Status{
		State:  StateReady,
		Device: resp.Device,
		CUDA:   resp.CUDAAvailable,
	}
	if len(checks) > 0 {
		status.Checks = checks
	}

	if !statusOK(resp.Status) {
		status.State = StateUnavailable
		status.Detail = fmt.Sprintf("service reported status %q", resp.Status)
		return status
	}

	var missing []string
	for name, ok := range checks {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		status.State = StateUnavailable
		status.Detail = "missing dependencies: " + strings.Join(missing, ", ")
	}
	return status
}

func statusOK(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ok", "healthy":
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
