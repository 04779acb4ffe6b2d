package kleinanzeigen

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"

	"apartment-watcher/config"
	"apartment-watcher/models"
	"apartment-watcher/utils"
)

const (
	baseURL = "https://www.kleinanzeigen.de"
	source  = "kleinanzeigen"
)

// FetchError signals total failure to reach or parse the listing site for a
// cycle. Per-card parse problems are reported as ParseFailures instead.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Scraper drives a headless-browser session over the configured district
// search pages and parses the results into candidate listings. The browser
// lifecycle is scoped entirely to one FetchCandidates call.
type Scraper struct {
	cfg    *config.Config
	logger *utils.Logger
	pool   *utils.WorkerPool
	retry  *utils.RetryConfig
}

// New creates a ready-to-use Scraper.
func New(cfg *config.Config, logger *utils.Logger) *Scraper {
	return &Scraper{
		cfg:    cfg,
		logger: logger,
		pool:   utils.NewWorkerPool(cfg.MaxConcurrency, cfg.RateLimitMs),
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   2 * time.Second,
			Logger:      logger,
		},
	}
}

// FetchCandidates opens a fresh browser session, walks every district
// search page, and returns the parsed candidates. It fails with *FetchError
// only when the session cannot be opened or every search page fails; a
// partial pass over the districts still yields a result.
func (s *Scraper) FetchCandidates(ctx context.Context) (*models.FetchResult, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if bin := findChromeBinary(s.cfg.ChromeBin); bin != "" {
		opts = append(opts, chromedp.ExecPath(bin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	// Suppress chromedp log noise
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelBrowser()

	if err := s.openSession(browserCtx); err != nil {
		return nil, &FetchError{URL: baseURL, Err: err}
	}

	searchURLs := s.cfg.SearchURLs()
	result := &models.FetchResult{}
	seen := utils.NewIDSet()
	failedPages := 0

	for _, searchURL := range searchURLs {
		html, err := s.loadSearchPage(browserCtx, searchURL)
		if err != nil {
			failedPages++
			s.logger.Error("[scraper] search page failed: %s: %v", searchURL, err)
			continue
		}

		candidates, failures := ParseSearchResults(html)
		result.ParseFailures = append(result.ParseFailures, failures...)

		added := 0
		for _, c := range candidates {
			if !seen.Add(c.ExternalID) {
				s.logger.Debug("[scraper] duplicate ad %s across districts", c.ExternalID)
				continue
			}
			result.Candidates = append(result.Candidates, c)
			added++
		}
		s.logger.Info("[scraper] %s: %d candidates, %d malformed cards", searchURL, added, len(failures))
	}

	if len(searchURLs) > 0 && failedPages == len(searchURLs) {
		return nil, &FetchError{
			URL: baseURL,
			Err: fmt.Errorf("all %d search pages failed", failedPages),
		}
	}

	s.enrichDescriptions(browserCtx, result.Candidates)

	s.logger.Info("[scraper] fetch complete: %d candidates, %d parse failures",
		len(result.Candidates), len(result.ParseFailures))
	return result, nil
}

// openSession loads the homepage and accepts the GDPR consent banner so the
// session cookie covers all subsequent tabs.
func (s *Scraper) openSession(browserCtx context.Context) error {
	navCtx, cancel := context.WithTimeout(browserCtx, s.cfg.PageTimeout)
	defer cancel()

	if err := chromedp.Run(navCtx,
		chromedp.Navigate(baseURL),
		chromedp.WaitReady("body"),
	); err != nil {
		return fmt.Errorf("open %s: %w", baseURL, err)
	}

	// The banner only shows on fresh sessions; its absence is not an error.
	clickCtx, cancelClick := context.WithTimeout(browserCtx, 5*time.Second)
	defer cancelClick()
	if err := chromedp.Run(clickCtx, chromedp.Click("#gdpr-banner-accept", chromedp.ByID)); err != nil {
		s.logger.Debug("[scraper] no consent banner found: %v", err)
	}
	return nil
}

// loadSearchPage renders one district search page and returns its HTML.
func (s *Scraper) loadSearchPage(browserCtx context.Context, pageURL string) (string, error) {
	var html string

	err := s.retry.Do(browserCtx, "search-page", func() error {
		tabCtx, cancel := chromedp.NewContext(browserCtx)
		defer cancel()

		tabCtx, cancelTimeout := context.WithTimeout(tabCtx, s.cfg.PageTimeout)
		defer cancelTimeout()

		return chromedp.Run(tabCtx,
			chromedp.Navigate(pageURL),
			chromedp.WaitReady("body"),
			chromedp.Sleep(2*time.Second),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		)
	})

	return html, err
}

// enrichDescriptions visits the detail page of every candidate to fetch the
// full description text. Visits run through the rate-limited worker pool; a
// failed visit keeps the card's preview description.
func (s *Scraper) enrichDescriptions(browserCtx context.Context, candidates []*models.RawListing) {
	for _, c := range candidates {
		c := c
		s.pool.Submit(func() {
			desc, err := s.fetchDescription(browserCtx, c.URL)
			if err != nil {
				s.logger.Warn("[scraper] description fetch failed for %s: %v", c.ExternalID, err)
				return
			}
			if desc != "" {
				c.Description = desc
			}
		})
	}
	s.pool.Wait()
}

func (s *Scraper) fetchDescription(browserCtx context.Context, pageURL string) (string, error) {
	var desc string

	err := s.retry.Do(browserCtx, "detail-page", func() error {
		tabCtx, cancel := chromedp.NewContext(browserCtx)
		defer cancel()

		tabCtx, cancelTimeout := context.WithTimeout(tabCtx, s.cfg.PageTimeout)
		defer cancelTimeout()

		return chromedp.Run(tabCtx,
			chromedp.Navigate(pageURL),
			chromedp.WaitReady("#viewad-description-text", chromedp.ByID),
			chromedp.Text("#viewad-description-text", &desc, chromedp.ByID),
		)
	})

	return cleanText(desc), err
}

// findChromeBinary locates the Chrome/Chromium binary, preferring an
// explicitly configured path.
func findChromeBinary(configured string) string {
	if configured != "" {
		return configured
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
