package portal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

const (
	merchantInputSel = `#merchant-filter input.chip-input`
	merchantChipSel  = `#merchant-filter .chip`
	dateFromSel      = `#report-date-from`
	dateToSel        = `#report-date-to`
	generateBtnID    = "generate-report-btn"
	exportBtnID      = "export-xlsx-btn"
	reportReadySel   = `#report-table tbody tr`

	dateFieldFormat = "2006-01-02"
	generateWait    = 2 * time.Minute
	downloadWait    = 2 * time.Minute
)

// OpenReports navigates to the report builder page.
func (c *Client) OpenReports(ctx context.Context) error {
	err := c.run(ctx,
		chromedp.Navigate(c.cfg.BaseURL+reportsPath),
		chromedp.WaitVisible(merchantInputSel, chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
	)
	if err != nil {
		return fmt.Errorf("opening reports page: %w", err)
	}
	return nil
}

// AddMerchants types each merchant identifier into the filter input and
// confirms it with Enter, turning it into a chip. The chip count is checked
// afterwards so a silently dropped identifier fails the job instead of
// producing a report for the wrong merchants.
func (c *Client) AddMerchants(ctx context.Context, ids []string) error {
	for _, id := range ids {
		err := c.run(ctx,
			chromedp.Click(merchantInputSel, chromedp.ByQuery),
			chromedp.SendKeys(merchantInputSel, id+"\n", chromedp.ByQuery),
			chromedp.Sleep(time.Second),
		)
		if err != nil {
			return fmt.Errorf("adding merchant %s: %w", id, err)
		}
		c.log.Debug("merchant filter value entered", "merchant_id", id)
	}

	var chips int
	script := fmt.Sprintf(`document.querySelectorAll(%q).length`, merchantChipSel)
	if err := c.run(ctx, chromedp.Evaluate(script, &chips)); err != nil {
		return fmt.Errorf("counting merchant chips: %w", err)
	}
	if chips != len(ids) {
		return fmt.Errorf("merchant filter holds %d of %d identifiers", chips, len(ids))
	}
	c.log.Info("merchant filter populated", "count", chips)
	return nil
}

// SetDateRange fills the report date inputs. Values are set through the
// page's own input events so the portal's form state picks them up.
func (c *Client) SetDateRange(ctx context.Context, from, to time.Time) error {
	setDate := func(sel string, v time.Time) chromedp.Action {
		script := fmt.Sprintf(
			`(() => {
				const el = document.querySelector(%q);
				el.value = %q;
				el.dispatchEvent(new Event('input', {bubbles: true}));
				el.dispatchEvent(new Event('change', {bubbles: true}));
			})()`, sel, v.Format(dateFieldFormat))
		return chromedp.Evaluate(script, nil)
	}

	err := c.run(ctx,
		setDate(dateFromSel, from),
		setDate(dateToSel, to),
		chromedp.Sleep(time.Second),
	)
	if err != nil {
		return fmt.Errorf("setting date range: %w", err)
	}
	c.log.Info("date range selected",
		"from", from.Format(dateFieldFormat),
		"to", to.Format(dateFieldFormat),
	)
	return nil
}

// GenerateAndExport triggers report generation, waits for the result table,
// then exports it as a spreadsheet and returns the downloaded file path.
func (c *Client) GenerateAndExport(ctx context.Context) (string, error) {
	if err := os.MkdirAll(c.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating download dir: %w", err)
	}

	err := c.run(ctx,
		// Route downloads into our directory instead of the browser default.
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(c.cfg.DownloadDir),
		chromedp.Click(generateBtnID, chromedp.ByID),
	)
	if err != nil {
		return "", fmt.Errorf("triggering report generation: %w", err)
	}

	c.log.Info("report generation triggered, waiting for result")
	genCtx, cancel := context.WithTimeout(c.ctx, generateWait)
	defer cancel()
	if err := chromedp.Run(genCtx, chromedp.WaitVisible(reportReadySel, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("report did not finish generating: %w", err)
	}

	before, err := listFiles(c.cfg.DownloadDir)
	if err != nil {
		return "", err
	}
	if err := c.run(ctx, chromedp.Click(exportBtnID, chromedp.ByID)); err != nil {
		return "", fmt.Errorf("triggering export: %w", err)
	}

	path, err := c.waitForDownload(ctx, before)
	if err != nil {
		return "", err
	}
	c.log.Info("spreadsheet exported", "path", path)
	return path, nil
}

// waitForDownload polls the download directory until a new, fully written
// spreadsheet file appears.
func (c *Client) waitForDownload(ctx context.Context, before map[string]struct{}) (string, error) {
	deadline := time.Now().Add(downloadWait)
	var lastSize int64 = -1

	for {
		entries, err := os.ReadDir(c.cfg.DownloadDir)
		if err != nil {
			return "", fmt.Errorf("reading download dir: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if _, existed := before[name]; existed || entry.IsDir() {
				continue
			}
			// Chrome writes in-progress downloads with this suffix.
			if strings.HasSuffix(name, ".crdownload") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			// Require a stable size across two polls before declaring done.
			if info.Size() > 0 && info.Size() == lastSize {
				return filepath.Join(c.cfg.DownloadDir, name), nil
			}
			lastSize = info.Size()
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("export download did not complete within %v", downloadWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func listFiles(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading download dir: %w", err)
	}
	files := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		files[entry.Name()] = struct{}{}
	}
	return files, nil
}
