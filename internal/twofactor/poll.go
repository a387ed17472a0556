package twofactor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CodeFinder locates a verification code for one search attempt.
type CodeFinder interface {
	FindCode(ctx context.Context, spec SearchSpec) (string, error)
}

// TimeoutError reports that no code arrived within the wait budget.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no verification code received within %v", e.Waited)
}

// Poller wraps a CodeFinder in a bounded retry-with-delay loop to absorb
// email delivery latency.
type Poller struct {
	finder   CodeFinder
	filter   FilterConfig
	maxWait  time.Duration
	interval time.Duration
	log      *slog.Logger

	// Injectable time source so tests can simulate elapsed time.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewPoller creates a Poller that retries finder every interval until a code
// appears or maxWait of wall-clock time has elapsed.
func NewPoller(finder CodeFinder, filter FilterConfig, maxWait, interval time.Duration, log *slog.Logger) *Poller {
	return &Poller{
		finder:   finder,
		filter:   filter,
		maxWait:  maxWait,
		interval: interval,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// WaitForCode polls until a code is found or the time budget is exhausted.
// The SearchSpec is rebuilt each attempt so the lookback window slides
// forward. A failed attempt (e.g. a transient connection error) is logged
// and retried; only the deadline or context cancellation stops the loop.
func (p *Poller) WaitForCode(ctx context.Context) (string, error) {
	deadline := p.now().Add(p.maxWait)
	p.log.Info("waiting for verification code", "max_wait", p.maxWait, "interval", p.interval)

	for attempt := 1; ; attempt++ {
		spec := p.filter.SpecAt(p.now())
		code, err := p.finder.FindCode(ctx, spec)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			p.log.Warn("code search attempt failed", "attempt", attempt, "error", err)
		case code != "":
			p.log.Info("verification code received", "attempt", attempt, "code", MaskCode(code))
			return code, nil
		default:
			p.log.Debug("no verification code yet", "attempt", attempt)
		}

		if err := p.sleep(ctx, p.interval); err != nil {
			return "", err
		}
		if !p.now().Before(deadline) {
			return "", &TimeoutError{Waited: p.maxWait}
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
