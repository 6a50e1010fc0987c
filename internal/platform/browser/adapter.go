// Package browser is a platform adapter that renders product pages in
// headless Chrome and extracts fields with CSS selectors.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Options configures an Adapter.
type Options struct {
	Platform domain.PlatformID
	BaseURL  string
	// SearchPath is appended to BaseURL with the query substituted for {q}.
	SearchPath string
	UserAgent  string
	// Settle is waited after navigation so client-side rendering finishes.
	Settle    time.Duration
	Selectors Selectors
	// ExecPath overrides Chrome discovery.
	ExecPath string
}

// Adapter implements domain.PlatformAdapter with chromedp.
type Adapter struct {
	opts Options

	once        sync.Once
	startErr    error
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	browserCtx  context.Context
	cancelTab   context.CancelFunc
}

var _ domain.PlatformAdapter = (*Adapter)(nil)

// New creates an Adapter. Chrome is started lazily on first use.
func New(opts Options) (*Adapter, error) {
	if opts.Platform == "" {
		return nil, errors.New("browser: platform id is required")
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("browser: %s: base url is required", opts.Platform)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Settle <= 0 {
		opts.Settle = 2 * time.Second
	}
	if opts.SearchPath == "" {
		opts.SearchPath = "/s?k={q}"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.Selectors = opts.Selectors.withDefaults(PresetFor(opts.Platform))
	return &Adapter{opts: opts}, nil
}

// Platform returns the adapter's platform id.
func (a *Adapter) Platform() domain.PlatformID { return a.opts.Platform }

func (a *Adapter) start() error {
	a.once.Do(func() {
		execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.UserAgent(a.opts.UserAgent),
		)
		if bin := a.opts.ExecPath; bin != "" {
			execOpts = append(execOpts, chromedp.ExecPath(bin))
		} else if bin := findChrome(); bin != "" {
			execOpts = append(execOpts, chromedp.ExecPath(bin))
		}
		a.allocCtx, a.cancelAlloc = chromedp.NewExecAllocator(context.Background(), execOpts...)
		// Suppress chromedp log noise.
		a.browserCtx, a.cancelTab = chromedp.NewContext(a.allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
		// Run with no actions launches the browser so later tabs share it.
		if err := chromedp.Run(a.browserCtx); err != nil {
			a.startErr = fmt.Errorf("browser: %s: start chrome: %w", a.opts.Platform, err)
		}
	})
	return a.startErr
}

// Close stops the browser.
func (a *Adapter) Close() {
	if a.cancelTab != nil {
		a.cancelTab()
	}
	if a.cancelAlloc != nil {
		a.cancelAlloc()
	}
}

// tab opens a new tab whose lifetime is bound to ctx.
func (a *Adapter) tab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := a.start(); err != nil {
		return nil, nil, err
	}
	tabCtx, cancel := chromedp.NewContext(a.browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		tabCtx, cancelDL = context.WithDeadline(tabCtx, dl)
		return tabCtx, func() { cancelDL(); stop(); cancel() }, nil
	}
	return tabCtx, func() { stop(); cancel() }, nil
}

// pageResult is what the extraction script returns.
type pageResult struct {
	Fields   map[string]string `json:"fields"`
	Offers   []string          `json:"offers"`
	Title    string            `json:"title"`
	Blocked  bool              `json:"blocked"`
	NotFound bool              `json:"not_found"`
}

// FetchDetail renders ref (an absolute URL or a path under BaseURL) and
// extracts raw fields.
func (a *Adapter) FetchDetail(ctx context.Context, ref string) (domain.RawFields, error) {
	target, err := a.resolve(ref)
	if err != nil {
		return nil, domain.NewAdapterError(domain.AdapterNotFound, a.opts.Platform, ref, err)
	}

	tabCtx, cancel, err := a.tab(ctx)
	if err != nil {
		return nil, domain.NewAdapterError(domain.AdapterNetworkError, a.opts.Platform, ref, err)
	}
	defer cancel()

	var res pageResult
	err = chromedp.Run(tabCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(a.opts.Settle),
		chromedp.Evaluate(extractScript(a.opts.Selectors), &res),
	)
	if err != nil {
		return nil, a.classify(ctx, ref, err)
	}

	switch {
	case res.Blocked:
		return nil, domain.NewAdapterError(domain.AdapterBlocked, a.opts.Platform, ref, fmt.Errorf("bot check page %q", res.Title))
	case res.NotFound && res.Fields["name"] == "":
		return nil, domain.NewAdapterError(domain.AdapterNotFound, a.opts.Platform, ref, fmt.Errorf("page %q", res.Title))
	}

	raw := domain.RawFields{
		"platform_url": target,
		"scraped_at":   time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range res.Fields {
		if v = strings.TrimSpace(v); v != "" {
			raw[k] = v
		}
	}
	if len(res.Offers) > 0 {
		offers := make([]any, 0, len(res.Offers))
		for _, o := range res.Offers {
			offers = append(offers, o)
		}
		raw["offers"] = offers
	}
	if id := a.opts.Selectors.ProductID(target); id != "" {
		raw["platform_product_id"] = id
	}
	return raw, nil
}

// Search renders the platform's search page and collects product links.
func (a *Adapter) Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	target := a.opts.BaseURL + strings.ReplaceAll(a.opts.SearchPath, "{q}", url.QueryEscape(strings.TrimSpace(query)))

	tabCtx, cancel, err := a.tab(ctx)
	if err != nil {
		return nil, domain.NewAdapterError(domain.AdapterNetworkError, a.opts.Platform, query, err)
	}
	defer cancel()

	var links []domain.SearchResult
	err = chromedp.Run(tabCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(a.opts.Settle),
		chromedp.Evaluate(searchScript(a.opts.Selectors.SearchLink, maxResults), &links),
	)
	if err != nil {
		return nil, a.classify(ctx, query, err)
	}
	return links, nil
}

func (a *Adapter) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", domain.ErrMissingReference
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref, nil
	case strings.HasPrefix(ref, "/"):
		return a.opts.BaseURL + ref, nil
	default:
		return a.opts.BaseURL + strings.ReplaceAll(a.opts.Selectors.DetailPath, "{id}", url.PathEscape(ref)), nil
	}
}

func (a *Adapter) classify(ctx context.Context, ref string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewAdapterError(domain.AdapterTimeout, a.opts.Platform, ref, err)
	}
	return domain.NewAdapterError(domain.AdapterNetworkError, a.opts.Platform, ref, err)
}

func extractScript(sel Selectors) string {
	fields, _ := json.Marshal(sel.Fields)
	offers, _ := json.Marshal(sel.Offers)
	attrs, _ := json.Marshal(sel.Attributes)
	blocked, _ := json.Marshal(sel.BlockedMarkers)
	missing, _ := json.Marshal(sel.NotFoundMarkers)
	return fmt.Sprintf(`(function() {
	var fields = %s, offerSel = %s, attrs = %s, blocked = %s, missing = %s;
	function pick(list, attr) {
		for (var i = 0; i < list.length; i++) {
			var el = document.querySelector(list[i]);
			if (!el) continue;
			var v = attr ? (el.getAttribute(attr) || '') : (el.textContent || '');
			v = v.replace(/\s+/g, ' ').trim();
			if (v) return v;
		}
		return '';
	}
	var out = {fields: {}, offers: [], title: document.title || ''};
	for (var k in fields) out.fields[k] = pick(fields[k], attrs[k]);
	for (var j = 0; j < offerSel.length; j++) {
		document.querySelectorAll(offerSel[j]).forEach(function(el) {
			var t = (el.textContent || '').replace(/\s+/g, ' ').trim();
			if (t && out.offers.indexOf(t) < 0) out.offers.push(t);
		});
	}
	var text = (out.title + ' ' + (document.body ? document.body.innerText.slice(0, 4000) : '')).toLowerCase();
	out.blocked = blocked.some(function(m) { return text.indexOf(m) >= 0; });
	out.not_found = missing.some(function(m) { return text.indexOf(m) >= 0; });
	return out;
})()`, fields, offers, attrs, blocked, missing)
}

func searchScript(linkSelector string, max int) string {
	sel, _ := json.Marshal(linkSelector)
	return fmt.Sprintf(`(function() {
	var seen = {}, out = [];
	document.querySelectorAll(%s).forEach(function(a) {
		if (out.length >= %d || !a.href || seen[a.href]) return;
		seen[a.href] = true;
		out.push({ref: a.href.split('?')[0], title: (a.textContent || '').replace(/\s+/g, ' ').trim()});
	});
	return out;
})()`, sel, max)
}

// findChrome returns a Chrome/Chromium binary from CHROME_BIN or PATH.
func findChrome() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}
