package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/models"
)

// FetcherConfig holds browser fetch configuration
type FetcherConfig struct {
	MaxInstances       int           `json:"max_instances"`
	UserAgent          string        `json:"user_agent"`
	Headless           bool          `json:"headless"`
	NoSandbox          bool          `json:"no_sandbox"`
	JavaScriptWaitTime time.Duration `json:"javascript_wait_time"`
	RequestTimeout     time.Duration `json:"request_timeout"`
}

// FetchedPage is the raw outcome of one browser fetch
type FetchedPage struct {
	URL         string
	FinalURL    string
	HTML        string
	StatusCode  int
	ContentType string
	RenderTime  time.Duration
}

// consentSelectors are tried in order after render; each click is best
// effort with a short timeout
var consentSelectors = []string{
	`button[id*="accept"]`,
	`button[class*="accept"]`,
	`button[aria-label*="accept" i]`,
	`#onetrust-accept-btn-handler`,
	`.cc-allow`,
	`.cookie-consent-accept`,
}

// stealthJS masks headless automation markers before site scripts run
const stealthJS = `
	Object.defineProperty(navigator, 'webdriver', {
		get: () => undefined,
		configurable: true
	});
	Object.defineProperty(navigator, 'plugins', {
		get: () => {
			const plugins = [
				{ name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer' },
				{ name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai' },
				{ name: 'Native Client', filename: 'internal-nacl-plugin' }
			];
			plugins.length = 3;
			return plugins;
		},
		configurable: true
	});
	Object.defineProperty(navigator, 'languages', {
		get: () => ['en-US', 'en'],
		configurable: true
	});
	if (!window.chrome) window.chrome = {};
	window.chrome.runtime = { id: undefined };
`

// BrowserPool manages a fixed set of Chrome contexts with round-robin
// allocation. Instances that fail their startup probe are skipped; the pool
// initializes as long as at least one browser comes up.
type BrowserPool struct {
	mu               sync.Mutex
	browsers         []context.Context
	browserCancels   []context.CancelFunc
	allocatorCancels []context.CancelFunc
	currentIndex     int
	initialized      bool
	config           FetcherConfig
	logger           arbor.ILogger
}

// NewBrowserPool creates an uninitialized pool.
func NewBrowserPool(config FetcherConfig, logger arbor.ILogger) *BrowserPool {
	if config.MaxInstances <= 0 {
		config.MaxInstances = 2
	}
	return &BrowserPool{config: config, logger: logger}
}

// Init launches the browser instances.
func (p *BrowserPool) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return fmt.Errorf("browser pool already initialized")
	}

	p.logger.Info().
		Int("pool_size", p.config.MaxInstances).
		Bool("headless", p.config.Headless).
		Msg("Initializing browser pool")

	var lastErr error
	for i := 0; i < p.config.MaxInstances; i++ {
		if err := p.createInstanceLocked(i); err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Int("browser_index", i).Msg("Failed to create browser instance")
		}
	}
	if len(p.browsers) == 0 {
		return fmt.Errorf("failed to create any browser instances: %w", lastErr)
	}

	p.initialized = true
	p.logger.Info().Int("browsers_created", len(p.browsers)).Msg("Browser pool initialized")
	return nil
}

// createInstanceLocked launches and probes one browser. Caller holds the
// mutex.
func (p *BrowserPool) createInstanceLocked(index int) error {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.config.Headless),
		chromedp.Flag("no-sandbox", p.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("excludeSwitches", "enable-automation"),
		chromedp.Flag("useAutomationExtension", false),
		chromedp.Flag("disable-background-timer-throttling", false),
		chromedp.Flag("disable-backgrounding-occluded-windows", false),
		chromedp.Flag("disable-renderer-backgrounding", false),
		chromedp.UserAgent(p.config.UserAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	probeCtx, probeCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer probeCancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("browser instance failed startup probe: %w", err)
	}

	p.browsers = append(p.browsers, browserCtx)
	p.browserCancels = append(p.browserCancels, browserCancel)
	p.allocatorCancels = append(p.allocatorCancels, allocatorCancel)

	p.logger.Debug().Int("browser_index", index).Msg("Browser instance ready")
	return nil
}

// acquire returns a browser context via round-robin.
func (p *BrowserPool) acquire() (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized || len(p.browsers) == 0 {
		return nil, fmt.Errorf("browser pool not initialized")
	}
	ctx := p.browsers[p.currentIndex%len(p.browsers)]
	p.currentIndex = (p.currentIndex + 1) % len(p.browsers)
	return ctx, nil
}

// Close tears down every browser.
func (p *BrowserPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cancel := range p.browserCancels {
		cancel()
	}
	for _, cancel := range p.allocatorCancels {
		cancel()
	}
	p.browsers = nil
	p.browserCancels = nil
	p.allocatorCancels = nil
	p.initialized = false
	p.logger.Info().Msg("Browser pool closed")
}

// Fetcher renders pages through the browser pool and classifies outcomes
type Fetcher struct {
	pool   *BrowserPool
	config FetcherConfig
	logger arbor.ILogger
}

// NewFetcher creates a fetcher over an initialized pool.
func NewFetcher(pool *BrowserPool, config FetcherConfig, logger arbor.ILogger) *Fetcher {
	return &Fetcher{pool: pool, config: config, logger: logger}
}

// Fetch navigates to a URL, waits for JavaScript rendering, dismisses
// consent overlays and returns the rendered HTML together with the status
// and content type of the main document response.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchedPage, models.PageOutcome) {
	browserCtx, err := f.pool.acquire()
	if err != nil {
		return nil, models.PageOutcome{Kind: models.OutcomeNoResponse, Err: err}
	}

	// A fresh tab per fetch keeps page state from leaking between URLs
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	timeout := f.config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, runCancel := context.WithTimeout(tabCtx, timeout)
	defer runCancel()

	var (
		respMu      sync.Mutex
		statusCode  int
		contentType string
	)
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		respMu.Lock()
		if statusCode == 0 {
			statusCode = int(resp.Response.Status)
			contentType = resp.Response.MimeType
		}
		respMu.Unlock()
	})

	start := time.Now()
	var html, finalURL string

	err = chromedp.Run(runCtx,
		network.Enable(),
		// Registered before navigation so the script runs in the fetched
		// document ahead of any site scripts
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := cdppage.AddScriptToEvaluateOnNewDocument(stealthJS).Do(ctx)
			return err
		}),
		chromedp.Navigate(rawURL),
		chromedp.Sleep(f.config.JavaScriptWaitTime),
		chromedp.ActionFunc(f.dismissConsent),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html),
	)
	renderTime := time.Since(start)

	respMu.Lock()
	status, mime := statusCode, contentType
	respMu.Unlock()

	// Cached or intercepted documents may emit no response event; a rendered
	// DOM is still usable
	if status == 0 && err == nil && html != "" {
		status, mime = 200, "text/html"
	}

	if err != nil {
		f.logger.Debug().Err(err).Str("url", rawURL).Msg("Page fetch failed")
		return nil, models.PageOutcome{Kind: models.OutcomeNoResponse, Err: err}
	}

	page := &FetchedPage{
		URL:         rawURL,
		FinalURL:    finalURL,
		HTML:        html,
		StatusCode:  status,
		ContentType: mime,
		RenderTime:  renderTime,
	}

	isHTML := strings.Contains(strings.ToLower(mime), "html")
	outcome := models.PageOutcome{
		Kind:        models.ClassifyStatus(status, mime, isHTML),
		StatusCode:  status,
		ContentType: mime,
	}
	if outcome.Kind == models.OutcomeOK {
		outcome.HTML = html
	}

	f.logger.Debug().
		Str("url", rawURL).
		Int("status", status).
		Str("content_type", mime).
		Dur("render_time", renderTime).
		Str("outcome", string(outcome.Kind)).
		Msg("Page fetched")
	return page, outcome
}

// dismissConsent clicks through known consent overlays, best effort.
func (f *Fetcher) dismissConsent(ctx context.Context) error {
	for _, sel := range consentSelectors {
		clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := chromedp.Run(clickCtx, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
		cancel()
		if err == nil {
			f.logger.Debug().Str("selector", sel).Msg("Dismissed consent overlay")
			return nil
		}
	}
	return nil
}
