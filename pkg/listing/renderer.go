package listing

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/otherjamesbrown/nls/pkg/logging"
)

// Renderer returns the fully rendered markup of a page.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
}

// ChromeConfig configures the headless browser used for the listing.
type ChromeConfig struct {
	Headless     bool
	UserAgent    string
	Timeout      time.Duration
	ScrollPause  time.Duration
	MaxScrolls   int
	StableRounds int
}

// DefaultChromeConfig returns settings that load the whole infinite-scroll listing.
func DefaultChromeConfig() ChromeConfig {
	return ChromeConfig{
		Headless:     true,
		UserAgent:    "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Timeout:      5 * time.Minute,
		ScrollPause:  1500 * time.Millisecond,
		MaxScrolls:   500,
		StableRounds: 3,
	}
}

// ChromeRenderer renders a page in headless Chrome, scrolling until the number of
// listed cities stops growing.
type ChromeRenderer struct {
	cfg    ChromeConfig
	logger logging.Logger
}

// NewChromeRenderer creates a renderer.
func NewChromeRenderer(cfg ChromeConfig, logger logging.Logger) *ChromeRenderer {
	def := DefaultChromeConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ScrollPause <= 0 {
		cfg.ScrollPause = def.ScrollPause
	}
	if cfg.MaxScrolls <= 0 {
		cfg.MaxScrolls = def.MaxScrolls
	}
	if cfg.StableRounds <= 0 {
		cfg.StableRounds = def.StableRounds
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ChromeRenderer{cfg: cfg, logger: logger.With(logging.F("component", "listing.chrome"))}
}

const countCitiesScript = `document.querySelectorAll('li[data-type="city"]').length`

// Render loads pageURL and returns the document's outer HTML.
func (r *ChromeRenderer) Render(ctx context.Context, pageURL string) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(r.cfg.UserAgent),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	tabCtx, cancelTab := context.WithTimeout(browserCtx, r.cfg.Timeout)
	defer cancelTab()

	r.logger.Info("Rendering listing", logging.F("url", pageURL))
	if err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", pageURL, err)
	}

	last, stable := -1, 0
	for i := 0; i < r.cfg.MaxScrolls && stable < r.cfg.StableRounds; i++ {
		var count int
		if err := chromedp.Run(tabCtx,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight);`, nil),
			chromedp.Sleep(r.cfg.ScrollPause),
			chromedp.Evaluate(countCitiesScript, &count),
		); err != nil {
			return nil, fmt.Errorf("scroll listing: %w", err)
		}
		if count == last {
			stable++
		} else {
			stable = 0
			last = count
		}
		r.logger.Debug("Listing scrolled", logging.F("round", i+1), logging.F("cities", count))
	}

	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("read listing html: %w", err)
	}
	r.logger.Info("Listing rendered", logging.F("cities", last), logging.F("bytes", len(html)))
	return []byte(html), nil
}
