// Package portal drives the merchant-reporting web portal through a headless
// browser. It owns navigation, the report filter UI and the spreadsheet
// export; the verification-challenge logic itself lives in twofactor and only
// calls back in through the Driver methods implemented here.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	signInPath  = "/sign-in"
	reportsPath = "/reports/settlement"

	emailFieldSel    = `#email-address`
	passwordFieldSel = `#password`
	signInButtonID   = "sign-in-btn"

	settleDelay = 3 * time.Second
	loginDelay  = 10 * time.Second
)

// Config holds the browser and portal settings.
type Config struct {
	BaseURL     string
	Username    string
	Password    string
	Headless    bool
	DownloadDir string
}

// Client keeps one browser session alive for the whole job. Call Close when
// done to release the browser.
type Client struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	cfg         Config
	log         *slog.Logger
}

// New launches the browser. parent bounds the session's lifetime: cancelling
// it tears the browser down mid-action.
func New(parent context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true), // required in containers
		chromedp.Flag("disable-dev-shm-usage", true),
		// Keep the automated session from tripping bot detection.
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(`Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36`),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	client := &Client{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		cfg:         cfg,
		log:         log,
	}

	// Start the browser process up front so a broken Chrome install fails
	// here instead of in the middle of the login flow.
	if err := chromedp.Run(browserCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return client, nil
}

// run executes browser actions, refusing to start once ctx is cancelled.
func (c *Client) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return chromedp.Run(c.ctx, actions...)
}

// Login signs in with the configured credentials and reports whether the
// portal answered with a verification challenge.
func (c *Client) Login(ctx context.Context) (challenged bool, err error) {
	c.log.Info("starting portal login", "url", c.cfg.BaseURL)

	var currentURL string
	err = c.run(ctx,
		chromedp.Navigate(c.cfg.BaseURL+signInPath),
		chromedp.WaitVisible(emailFieldSel, chromedp.ByQuery),
		chromedp.SendKeys(emailFieldSel, c.cfg.Username, chromedp.ByQuery),
		chromedp.SendKeys(passwordFieldSel, c.cfg.Password, chromedp.ByQuery),
		chromedp.WaitEnabled(signInButtonID, chromedp.ByID),
		chromedp.Click(signInButtonID, chromedp.ByID),
		chromedp.Sleep(loginDelay), // wait for JS challenges and redirects
		chromedp.Location(&currentURL),
	)
	if err != nil {
		return false, fmt.Errorf("login automation failed: %w", err)
	}
	c.log.Info("login submitted", "current_url", currentURL)

	present, err := c.ChallengePresent(ctx)
	if err != nil {
		return false, err
	}
	return present, nil
}

// Screenshot captures the full page for post-mortem diagnostics. Best
// effort: failures are logged, not returned.
func (c *Client) Screenshot(ctx context.Context, dir string) {
	var buf []byte
	if err := c.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		c.log.Warn("screenshot capture failed", "error", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("portal_%s.png", time.Now().Format("2006-01-02T15-04-05")))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		c.log.Warn("screenshot save failed", "path", path, "error", err)
		return
	}
	c.log.Info("screenshot saved", "path", path)
}

// Close releases the browser resources.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	return nil
}
