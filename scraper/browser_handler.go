package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"scrape_runs/config"
	"scrape_runs/httputil"
	"scrape_runs/models"
)

const (
	selectorWait = 20 * time.Second
	settleDelay  = 2 * time.Second
)

// Markers of an anti-bot interstitial instead of results.
var blockMarkers = []string{
	"Request unsuccessful. Incapsula",
	"Incapsula incident ID",
	"Access Denied",
	"This request was blocked",
}

var consentSelectors = []string{
	"#didomi-notice-agree-button",
	"button:has-text('Aceptar')",
	"button:has-text('Acepto')",
	"button[id*='accept']",
	"button[class*='accept']",
	"button:has-text('Accept')",
}

// BrowserExtractor renders result pages in headless Chromium. One browser is
// shared; every Extract call gets its own page, so calls may overlap.
type BrowserExtractor struct {
	src        *config.SourceConfig
	navTimeout time.Duration
	logger     *logrus.Logger

	mu          sync.Mutex
	pw          *playwright.Playwright
	browser     playwright.Browser
	context     playwright.BrowserContext
	initialized bool
}

func NewBrowserExtractor(src *config.SourceConfig, navTimeout time.Duration, logger *logrus.Logger) *BrowserExtractor {
	return &BrowserExtractor{src: src, navTimeout: navTimeout, logger: logger}
}

func (h *BrowserExtractor) ID() string {
	return h.src.ID
}

func (h *BrowserExtractor) Extract(ctx context.Context, target string) (*models.PageSnapshot, error) {
	if err := CheckHost(h.src, target); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := h.ensureBrowser(); err != nil {
		return nil, err
	}

	page, err := h.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	defer page.Close()

	timeout := h.timeoutFor(ctx)
	page.SetDefaultNavigationTimeout(float64(timeout.Milliseconds()))

	log := h.logger.WithField("url", target)
	log.Debug("Navigating")
	if _, err := page.Goto(target, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}

	h.handleConsent(page)

	if sel := h.src.WaitSelector; sel != "" {
		if err := page.Locator(sel).First().WaitFor(playwright.LocatorWaitForOptions{
			Timeout: playwright.Float(float64(selectorWait.Milliseconds())),
		}); err != nil {
			// The parser reports a missing container itself.
			log.WithField("selector", sel).Debug("Wait selector did not appear")
		}
	}
	h.humanDelay(settleDelay, settleDelay+time.Second)

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if marker := detectBlock(content); marker != "" {
		return nil, fmt.Errorf("blocked by source: %s", marker)
	}

	snap, err := ParseClassifiedsPage(strings.NewReader(content), page.URL())
	if err != nil {
		return nil, err
	}
	log.WithField("ads", len(snap.Ads)).Debug("Page extracted")
	return snap, nil
}

// timeoutFor is the navigation timeout, shortened to the context deadline.
func (h *BrowserExtractor) timeoutFor(ctx context.Context) time.Duration {
	timeout := h.navTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	return timeout
}

func (h *BrowserExtractor) ensureBrowser() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.initialized {
		return nil
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	ua := h.src.UserAgent
	if ua == "" {
		ua = httputil.DefaultUserAgent
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(ua),
		Viewport:  &playwright.Size{Width: 1366, Height: 768},
		Locale:    playwright.String("es-CL"),
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	h.pw, h.browser, h.context = pw, browser, bctx
	h.initialized = true
	h.logger.WithField("source", h.src.ID).Info("Browser started")
	return nil
}

func (h *BrowserExtractor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return nil
	}
	var errs []error
	if h.context != nil {
		errs = append(errs, h.context.Close())
	}
	if h.browser != nil {
		errs = append(errs, h.browser.Close())
	}
	if h.pw != nil {
		errs = append(errs, h.pw.Stop())
	}
	h.initialized = false
	return errors.Join(errs...)
}

func (h *BrowserExtractor) handleConsent(page playwright.Page) {
	for _, selector := range consentSelectors {
		btn := page.Locator(selector).First()
		if visible, _ := btn.IsVisible(); visible {
			h.logger.WithField("selector", selector).Debug("Clicking consent button")
			btn.Click()
			page.WaitForTimeout(1000)
			return
		}
	}
}

func (h *BrowserExtractor) humanDelay(lo, hi time.Duration) {
	time.Sleep(lo + time.Duration(rand.Int63n(int64(hi-lo))))
}

// detectBlock returns the matched interstitial marker, or "" when the page
// carries results.
func detectBlock(content string) string {
	if strings.Contains(content, "currentlistings") {
		return ""
	}
	for _, m := range blockMarkers {
		if strings.Contains(content, m) {
			return m
		}
	}
	return ""
}
