package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/khoanguyen-dev/report-runner/internal/config"
	"github.com/khoanguyen-dev/report-runner/internal/job"
	"github.com/khoanguyen-dev/report-runner/internal/mailer"
	"github.com/khoanguyen-dev/report-runner/internal/trigger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	serve := flag.Bool("serve", false, "run the HTTP trigger server instead of a one-shot job")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("report runner starting",
		"portal", cfg.Portal.BaseURL,
		"merchants", len(cfg.Report.MerchantIDs),
		"mailboxes", cfg.IMAP.Mailboxes,
		"delivery", cfg.Delivery.Provider,
	)

	runner := job.New(cfg, newMailer(cfg, logger), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *serve {
		runServer(ctx, cfg, runner, logger)
		return
	}

	res := runner.Run(ctx)
	switch res.Status {
	case job.StatusSucceeded:
		logger.Info("job succeeded", "report_file", res.ReportFile)
	default:
		logger.Error("job failed", "status", string(res.Status), "error", res.Error, "hint", res.Hint)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg *config.Config, runner *job.Runner, logger *slog.Logger) {
	state := job.NewState()
	server := trigger.New(runner, state, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(cfg.Trigger.Listen)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("trigger server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		state.Cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}
}

func newMailer(cfg *config.Config, logger *slog.Logger) mailer.Mailer {
	if cfg.Delivery.Provider == "resend" {
		return mailer.NewResend(cfg.Delivery.ResendAPIKey, cfg.Delivery.From, cfg.Delivery.To, logger)
	}
	return mailer.NewSMTP(mailer.SMTPConfig{
		Host:     cfg.Delivery.SMTPHost,
		Port:     cfg.Delivery.SMTPPort,
		Username: cfg.Delivery.SMTPUsername,
		Password: cfg.Delivery.SMTPPassword,
		TLS:      cfg.Delivery.SMTPTLS,
		From:     cfg.Delivery.From,
		To:       cfg.Delivery.To,
	}, logger)
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
