package portal

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	codeFieldID     = "secure-verification-code"
	codeSubmitID    = "verify-code-btn"
	resendLinkSel   = `a[data-action="resend-code"]`
	challengeErrSel = `.form-error, .usa-alert--error`

	clearedPollStep = 500 * time.Millisecond
	submitDelay     = 5 * time.Second
)

// ChallengePresent reports whether the verification-code screen is showing.
func (c *Client) ChallengePresent(ctx context.Context) (bool, error) {
	var present bool
	err := c.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(`document.getElementById(%q) !== null`, codeFieldID), &present))
	if err != nil {
		return false, fmt.Errorf("probing challenge screen: %w", err)
	}
	return present, nil
}

// SubmitCode types the code into the challenge form and submits it. The
// input is cleared first so a retry does not append to the rejected code.
func (c *Client) SubmitCode(ctx context.Context, code string) error {
	err := c.run(ctx,
		chromedp.WaitEnabled(codeFieldID, chromedp.ByID),
		chromedp.Evaluate(fmt.Sprintf(`document.getElementById(%q).value = ''`, codeFieldID), nil),
		// SendKeys, not a JS value assignment - the portal clears
		// script-set values on submit.
		chromedp.SendKeys("#"+codeFieldID, code, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var exists bool
			script := fmt.Sprintf(`document.getElementById(%q) !== null`, codeSubmitID)
			if err := chromedp.Evaluate(script, &exists).Do(ctx); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("submit button not found in DOM")
			}
			// chromedp.Click is unreliable on this button; click via JS.
			return chromedp.Evaluate(fmt.Sprintf(`document.getElementById(%q).click()`, codeSubmitID), nil).Do(ctx)
		}),
		chromedp.Sleep(submitDelay),
	)
	if err != nil {
		return fmt.Errorf("code submission failed: %w", err)
	}
	return nil
}

// ChallengeCleared polls until the challenge screen goes away or wait
// elapses.
func (c *Client) ChallengeCleared(ctx context.Context, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		present, err := c.ChallengePresent(ctx)
		if err != nil {
			return false, err
		}
		if !present {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(clearedPollStep):
		}
	}
}

// ErrorHint scrapes the portal's error banner, best effort.
func (c *Client) ErrorHint(ctx context.Context) string {
	var hint string
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return el ? el.textContent.trim() : ''; })()`,
		challengeErrSel)
	if err := c.run(ctx, chromedp.Evaluate(script, &hint)); err != nil {
		c.log.Debug("error hint unavailable", "error", err)
		return ""
	}
	return hint
}

// RequestResend clicks the resend link if the portal offers one.
func (c *Client) RequestResend(ctx context.Context) error {
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return false; el.click(); return true; })()`,
		resendLinkSel)
	var clicked bool
	if err := c.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return fmt.Errorf("resend click failed: %w", err)
	}
	if !clicked {
		return fmt.Errorf("resend link not found")
	}
	c.log.Info("requested verification code resend")
	return nil
}
