// Package escl implements the eSCL/AirScan scan protocol: job
// creation, busy handling and page retrieval over plain HTTP(S).
package escl

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/docflow/scanner-bridge/internal/clock"
	"github.com/docflow/scanner-bridge/internal/logging"
	"github.com/docflow/scanner-bridge/internal/metrics"
)

// ErrBusy marks a scan that failed because the scanner stayed busy
// through every retry. The message is shown to operators as-is.
var ErrBusy = errors.New("Scanner dauerhaft busy")

// StatusError is a scanner response outside the expected status range.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.Code)
}

// Page is one scanned page as delivered by the scanner.
type Page struct {
	PageNumber int
	Format     string
	SizeBytes  int
	Data       []byte
}

// Result is a finished scan.
type Result struct {
	JobID string
	Pages []Page
}

// BusyPolicy governs the HTTP 409 retry cascade during job creation.
type BusyPolicy struct {
	MaxAttempts int
	RetryPause  time.Duration
	// PurgeFrom is the failed attempt index from which stale jobs are
	// purged before the next try.
	PurgeFrom  int
	PurgePause time.Duration
}

// DefaultBusyPolicy matches the behaviour scanners tolerate in the
// field: four attempts, purging queued jobs from the second failure on.
var DefaultBusyPolicy = BusyPolicy{
	MaxAttempts: 4,
	RetryPause:  3 * time.Second,
	PurgeFrom:   2,
	PurgePause:  2 * time.Second,
}

// DefaultBudget bounds a whole scan including all page transfers.
const DefaultBudget = 120 * time.Second

// pageRetryPause is the wait before re-requesting a page the scanner
// has not finished producing.
const pageRetryPause = 500 * time.Millisecond

// purgeJobRange is how many numeric job slots the purge tries to clear.
const purgeJobRange = 20

// Client talks to eSCL scanners. Certificate validation is disabled;
// scanners present self-signed certificates bound to mDNS names.
type Client struct {
	Busy   BusyPolicy
	Budget time.Duration

	log   *logging.Logger
	clk   clock.Clock
	httpc *http.Client
}

// New creates a Client with the default busy policy and time budget.
func New(log *logging.Logger, clk clock.Clock) *Client {
	return &Client{
		Busy:   DefaultBusyPolicy,
		Budget: DefaultBudget,
		log:    log,
		clk:    clk,
		httpc:  &http.Client{Transport: insecureTransport()},
	}
}

// Scan runs a complete scan job against the target: opportunistic
// stale-job cleanup, job creation with busy retries, then the page
// loop until the scanner reports 404.
func (c *Client) Scan(ctx context.Context, target Target, settings Settings) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Budget)
	defer cancel()

	start := c.clk.Now()
	base := BaseURL(target)
	origin := originURL(target)

	c.precheck(ctx, base, origin)

	jobURL, err := c.createJob(ctx, base, settings)
	if err != nil {
		return nil, err
	}
	c.log.Info("scan job created", "job_url", jobURL)

	pages, err := c.fetchPages(ctx, jobURL, MIMEFormat(settings.Format))
	if err != nil {
		return nil, err
	}

	metrics.ScanDuration.Observe(c.clk.Since(start).Seconds())
	c.log.Info("scan finished", "pages", len(pages), "elapsed", c.clk.Since(start))
	return &Result{JobID: uuid.NewString(), Pages: pages}, nil
}

// precheck evicts stale jobs the scanner still holds. Everything here
// is best-effort; a failure just means JobCreate may hit a 409.
func (c *Client) precheck(ctx context.Context, base, origin string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/ScannerStatus", nil)
	if err != nil {
		return
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(body), "\n") {
		if !strings.Contains(line, "JobUri") && !strings.Contains(line, "jobUri") {
			continue
		}
		start := strings.Index(line, "/eSCL/")
		if start < 0 {
			continue
		}
		rest := line[start:]
		end := strings.Index(rest, "<")
		if end < 0 {
			continue
		}
		path := rest[:end]
		c.log.Debug("evicting stale scan job", "path", path)
		c.delete(ctx, origin+path)
	}
}

// createJob posts the settings document and returns the job URL from
// the Location header, retrying per the busy policy on HTTP 409.
func (c *Client) createJob(ctx context.Context, base string, settings Settings) (string, error) {
	body := SettingsXML(settings)

	for attempt := 1; attempt <= c.Busy.MaxAttempts; attempt++ {
		status, location, err := c.postJob(ctx, base, body)
		if err != nil {
			return "", fmt.Errorf("create scan job: %w", err)
		}

		switch {
		case status >= 200 && status < 300:
			if location == "" {
				return "", errors.New("Keine Job-URL erhalten")
			}
			return location, nil

		case status == http.StatusConflict:
			metrics.BusyRetries.Inc()
			if attempt == c.Busy.MaxAttempts {
				return "", fmt.Errorf("%w nach %d Versuchen", ErrBusy, attempt)
			}
			c.log.Info("scanner busy, retrying", "attempt", attempt)
			if err := clock.Sleep(ctx, c.clk, c.Busy.RetryPause); err != nil {
				return "", err
			}
			if attempt >= c.Busy.PurgeFrom {
				c.purgeJobs(ctx, base)
				if err := clock.Sleep(ctx, c.clk, c.Busy.PurgePause); err != nil {
					return "", err
				}
			}

		default:
			return "", &StatusError{Op: "Scan-Job erstellen fehlgeschlagen", Code: status}
		}
	}
	return "", ErrBusy
}

func (c *Client) postJob(ctx context.Context, base, body string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/ScanJobs", strings.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, resp.Header.Get("Location"), nil
}

// purgeJobs clears numeric job slots 1..20. Errors are ignored; slots
// that do not exist simply 404.
func (c *Client) purgeJobs(ctx context.Context, base string) {
	c.log.Debug("purging stale scan jobs", "slots", purgeJobRange)
	for n := 1; n <= purgeJobRange; n++ {
		c.delete(ctx, fmt.Sprintf("%s/ScanJobs/%d", base, n))
	}
}

func (c *Client) delete(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// fetchPages pulls NextDocument until the scanner answers 404. A non-2xx,
// non-404 status means the page is not ready yet; back off briefly and
// ask again. The scan context deadline bounds the whole loop.
func (c *Client) fetchPages(ctx context.Context, jobURL, format string) ([]Page, error) {
	var pages []Page
	pageNumber := 1

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL+"/NextDocument", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", pageNumber, err)
		}

		if resp.StatusCode == http.StatusNotFound {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			break
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if err := clock.Sleep(ctx, c.clk, pageRetryPause); err != nil {
				return nil, err
			}
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", pageNumber, err)
		}

		pages = append(pages, Page{
			PageNumber: pageNumber,
			Format:     format,
			SizeBytes:  len(data),
			Data:       data,
		})
		pageNumber++
	}
	return pages, nil
}

// insecureTransport returns a clean transport that accepts the
// self-signed certificates scanners ship with.
func insecureTransport() *http.Transport {
	t := cleanhttp.DefaultTransport()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return t
}
