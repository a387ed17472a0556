// Package job wires the portal, the verification core and the mailer into
// the end-to-end report run.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/khoanguyen-dev/report-runner/internal/config"
	"github.com/khoanguyen-dev/report-runner/internal/mailer"
	"github.com/khoanguyen-dev/report-runner/internal/portal"
	"github.com/khoanguyen-dev/report-runner/internal/twofactor"
)

// Runner executes one login-and-export job per Run call. It holds no state
// between runs.
type Runner struct {
	cfg    *config.Config
	mailer mailer.Mailer
	log    *slog.Logger
}

// New creates a Runner.
func New(cfg *config.Config, m mailer.Mailer, log *slog.Logger) *Runner {
	return &Runner{cfg: cfg, mailer: m, log: log}
}

// Run drives the whole job and returns a structured result. All failures are
// folded into the Result; the error is never raw-propagated so callers can
// report it uniformly.
func (r *Runner) Run(ctx context.Context) Result {
	start := time.Now()
	res, err := r.run(ctx)
	res.StartedAt = start
	res.FinishedAt = time.Now()
	if err == nil {
		res.Status = StatusSucceeded
		return res
	}

	if errors.Is(err, context.Canceled) {
		res.Status = StatusCancelled
		res.Error = "job cancelled"
		return res
	}

	res.Status = StatusFailed
	res.Error = err.Error()
	var challengeErr *twofactor.ChallengeError
	var timeoutErr *twofactor.TimeoutError
	switch {
	case errors.As(err, &challengeErr):
		res.Hint = challengeErr.Hint
	case errors.As(err, &timeoutErr):
		res.Hint = "verification email never arrived"
	}

	r.sendFailureAlert(res)
	return res
}

func (r *Runner) run(ctx context.Context) (Result, error) {
	var res Result

	client, err := portal.New(ctx, portal.Config{
		BaseURL:     r.cfg.Portal.BaseURL,
		Username:    r.cfg.Portal.Username,
		Password:    r.cfg.Portal.Password,
		Headless:    r.cfg.Portal.Headless,
		DownloadDir: r.cfg.Portal.DownloadDir,
	}, r.log)
	if err != nil {
		return res, err
	}
	defer client.Close()

	challenged, err := client.Login(ctx)
	if err != nil {
		return res, err
	}

	if challenged {
		r.log.Info("portal requested a verification code")
		if err := r.completeChallenge(ctx, client); err != nil {
			client.Screenshot(ctx, r.cfg.Portal.DownloadDir)
			return res, err
		}
	} else {
		r.log.Info("no verification challenge, continuing")
	}

	if err := client.OpenReports(ctx); err != nil {
		return res, err
	}
	if err := client.AddMerchants(ctx, r.cfg.Report.MerchantIDs); err != nil {
		return res, err
	}

	from, to, err := r.cfg.Report.DateRange(time.Now())
	if err != nil {
		return res, err
	}
	if err := client.SetDateRange(ctx, from, to); err != nil {
		return res, err
	}

	path, err := client.GenerateAndExport(ctx)
	if err != nil {
		client.Screenshot(ctx, r.cfg.Portal.DownloadDir)
		return res, err
	}
	res.ReportFile = path

	if err := r.emailReport(ctx, path); err != nil {
		return res, err
	}
	return res, nil
}

// completeChallenge assembles the verification stack and runs it: IMAP
// finder under a poll loop, feeding the browser-side submission cycle.
func (r *Runner) completeChallenge(ctx context.Context, driver twofactor.Driver) error {
	extractor, err := twofactor.NewExtractor(r.cfg.Code.Pattern, r.cfg.Code.Length)
	if err != nil {
		return err
	}

	finder := twofactor.NewFinder(twofactor.ConnConfig{
		Host:     r.cfg.IMAP.Host,
		Port:     r.cfg.IMAP.Port,
		TLS:      r.cfg.IMAP.TLS,
		MinTLS:   r.cfg.IMAP.MinTLS(),
		Username: r.cfg.IMAP.Username,
		Password: r.cfg.IMAP.Password,
	}, r.cfg.IMAP.Mailboxes, extractor, r.log)

	poller := twofactor.NewPoller(finder, twofactor.FilterConfig{
		Sender:     r.cfg.Search.Sender,
		Subject:    r.cfg.Search.Subject,
		Lookback:   r.cfg.Search.Lookback,
		Skew:       r.cfg.Search.Skew,
		UnseenOnly: r.cfg.Search.UnseenOnly,
	}, r.cfg.Poll.MaxWait, r.cfg.Poll.Interval, r.log)

	cycle := twofactor.NewCycle(driver, poller,
		r.cfg.Challenge.MaxAttempts, r.cfg.Challenge.VerifyWait, r.log)
	return cycle.Complete(ctx)
}

// emailReport sends the exported spreadsheet to the configured recipient.
func (r *Runner) emailReport(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading exported report: %w", err)
	}

	msg := mailer.Message{
		Subject: r.cfg.Delivery.Subject,
		Text: fmt.Sprintf("Report for %d merchant(s), exported %s.",
			len(r.cfg.Report.MerchantIDs), time.Now().Format("2006-01-02 15:04")),
		Attachment: &mailer.Attachment{
			Filename: filepath.Base(path),
			Content:  content,
		},
	}
	if err := r.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("emailing report: %w", err)
	}
	return nil
}

// sendFailureAlert emails the failure outcome, best effort, on a fresh
// context because the job's own context may already be cancelled.
func (r *Runner) sendFailureAlert(res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text := fmt.Sprintf("Report job failed: %s", res.Error)
	if res.Hint != "" {
		text += fmt.Sprintf("\nPortal hint: %s", res.Hint)
	}
	err := r.mailer.Send(ctx, mailer.Message{
		Subject: r.cfg.Delivery.Subject + " - FAILED",
		Text:    text,
	})
	if err != nil {
		r.log.Warn("failure alert email not sent", "error", err)
	}
}
