package twofactor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Driver is the UI-side collaborator for the verification challenge. The
// cycle only needs to know whether the challenge screen is showing, how to
// hand it a code, and how to ask for a fresh one.
type Driver interface {
	// ChallengePresent reports whether the challenge screen is showing.
	ChallengePresent(ctx context.Context) (bool, error)
	// SubmitCode types the code into the challenge form and submits it.
	SubmitCode(ctx context.Context, code string) error
	// ChallengeCleared waits up to wait for the challenge screen to go away.
	ChallengeCleared(ctx context.Context, wait time.Duration) (bool, error)
	// ErrorHint returns the UI's error message, best effort ("" if none).
	ErrorHint(ctx context.Context) string
	// RequestResend asks the portal to send a new code.
	RequestResend(ctx context.Context) error
}

// CodeWaiter produces a verification code, blocking until one arrives.
type CodeWaiter interface {
	WaitForCode(ctx context.Context) (string, error)
}

// ChallengeError is returned when the challenge was not cleared within the
// attempt budget. Hint carries the portal's last error message, if any.
type ChallengeError struct {
	Attempts int
	Hint     string
}

func (e *ChallengeError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("challenge not cleared after %d attempt(s): %s", e.Attempts, e.Hint)
	}
	return fmt.Sprintf("challenge not cleared after %d attempt(s)", e.Attempts)
}

// Cycle drives the challenge to completion: poll for a code, submit it,
// verify the screen cleared, and on failure resend and re-poll for a fresh
// code, up to a bounded number of attempts.
type Cycle struct {
	driver      Driver
	codes       CodeWaiter
	maxAttempts int
	verifyWait  time.Duration
	log         *slog.Logger
}

// NewCycle creates a Cycle with the given collaborators.
func NewCycle(driver Driver, codes CodeWaiter, maxAttempts int, verifyWait time.Duration, log *slog.Logger) *Cycle {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Cycle{
		driver:      driver,
		codes:       codes,
		maxAttempts: maxAttempts,
		verifyWait:  verifyWait,
		log:         log,
	}
}

// Complete runs the challenge to a terminal state. A code-wait timeout is
// terminal immediately; a rejected submission triggers a resend and another
// attempt with a freshly polled code. Each attempt re-polls rather than
// resubmitting the rejected code verbatim.
func (c *Cycle) Complete(ctx context.Context) error {
	var lastHint string

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		code, err := c.codes.WaitForCode(ctx)
		if err != nil {
			return fmt.Errorf("awaiting verification code: %w", err)
		}

		present, err := c.driver.ChallengePresent(ctx)
		if err != nil {
			return fmt.Errorf("checking challenge screen: %w", err)
		}
		if !present {
			// Cleared on its own, e.g. a race with a prior attempt.
			c.log.Info("challenge screen no longer present, skipping submission")
			return nil
		}

		c.log.Info("submitting verification code", "attempt", attempt, "code", MaskCode(code))
		if err := c.driver.SubmitCode(ctx, code); err != nil {
			c.log.Warn("code submission failed", "attempt", attempt, "error", err)
		} else {
			cleared, err := c.driver.ChallengeCleared(ctx, c.verifyWait)
			if err != nil {
				c.log.Warn("challenge verification failed", "attempt", attempt, "error", err)
			} else if cleared {
				c.log.Info("challenge cleared", "attempts", attempt)
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if hint := c.driver.ErrorHint(ctx); hint != "" {
			lastHint = hint
			c.log.Warn("portal rejected code", "attempt", attempt, "hint", hint)
		}
		if attempt < c.maxAttempts {
			if err := c.driver.RequestResend(ctx); err != nil {
				c.log.Warn("resend request failed", "error", err)
			}
		}
	}

	return &ChallengeError{Attempts: c.maxAttempts, Hint: lastHint}
}
