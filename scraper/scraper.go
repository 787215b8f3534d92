// Package scraper handles fetching and parsing the league transactions page.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const maxPageBytes = 10 << 20

// UpstreamError indicates the source page could not be retrieved: a non-2xx
// status, a timeout, or a network failure. Nothing is mutated when it occurs.
type UpstreamError struct {
	Err        error
	URL        string
	StatusCode int // Zero for transport failures
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstreamError checks if an error is an upstream fetch failure.
func IsUpstreamError(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream)
}

// Scraper fetches the transactions page.
type Scraper struct {
	client    *http.Client
	logger    *slog.Logger
	pageURL   string
	userAgent string
	timeout   time.Duration
	attempts  uint
}

// Config holds scraper configuration.
type Config struct {
	Client    *http.Client
	Logger    *slog.Logger
	PageURL   string
	UserAgent string
	Timeout   time.Duration // Per attempt
	Attempts  uint          // Transport-level attempts; non-2xx responses are never retried
}

// New creates a new scraper.
func New(cfg *Config) *Scraper {
	s := &Scraper{
		client:    cfg.Client,
		logger:    cfg.Logger,
		pageURL:   cfg.PageURL,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		attempts:  cfg.Attempts,
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Second}
	}
	if s.timeout <= 0 {
		s.timeout = 20 * time.Second
	}
	if s.attempts == 0 {
		s.attempts = 3
	}
	if s.userAgent == "" {
		s.userAgent = "roster-alerts-bot/1.0"
	}
	return s
}

// Fetch retrieves and parses the transactions page.
func (s *Scraper) Fetch(ctx context.Context) (*Page, error) {
	var page *Page

	err := retry.Do(
		func() error {
			p, err := s.fetchOnce(ctx)
			if err != nil {
				return err
			}
			page = p
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying page fetch after error", "attempt", n, "url", s.pageURL, "error", err)
		}),
	)
	if err != nil {
		var structural *StructuralError
		if errors.As(err, &structural) {
			return nil, structural
		}
		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			return nil, upstream
		}
		return nil, &UpstreamError{URL: s.pageURL, Err: err}
	}

	return page, nil
}

func (s *Scraper) fetchOnce(ctx context.Context) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Info("HTTP request starting",
		"method", "GET",
		"url", s.pageURL,
		"purpose", "fetch_transactions_page")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pageURL, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(&UpstreamError{URL: s.pageURL, Err: fmt.Errorf("create request: %w", err)})
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Warn("HTTP request failed",
			"url", s.pageURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, &UpstreamError{URL: s.pageURL, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	s.logger.Info("HTTP request completed",
		"url", s.pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", resp.ContentLength)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retry.Unrecoverable(&UpstreamError{
			URL:        s.pageURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP %d", resp.StatusCode),
		})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, &UpstreamError{URL: s.pageURL, Err: fmt.Errorf("read body: %w", err)}
	}

	page, err := ParsePage(body, s.pageURL)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	return page, nil
}
