package fetch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/model"
)

// HeadlessFetcher renders a page in a headless browser and returns the
// settled DOM. The browser launches lazily on first use and is shared
// across fetches; each fetch gets its own page.
type HeadlessFetcher struct {
	timeout time.Duration

	mu      sync.Mutex
	browser *rod.Browser
	cleanup func()
}

// NewHeadlessFetcher creates a HeadlessFetcher with the given per-page
// navigation timeout.
func NewHeadlessFetcher(timeout time.Duration) *HeadlessFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HeadlessFetcher{timeout: timeout}
}

func (h *HeadlessFetcher) Name() string { return "headless" }

func (h *HeadlessFetcher) Supports(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}

// Fetch renders a URL and captures the post-JavaScript DOM.
func (h *HeadlessFetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	browser, err := h.ensureBrowser()
	if err != nil {
		return nil, err
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, eris.Wrap(err, "headless: create page")
	}
	defer func() { _ = page.Close() }()

	page = page.Timeout(h.timeout)
	if err := page.Navigate(rawURL); err != nil {
		return nil, eris.Wrap(err, "headless: navigate")
	}
	if err := page.WaitLoad(); err != nil {
		return nil, eris.Wrap(err, "headless: wait load")
	}
	// Give late hydration a beat; WaitLoad fires before most SPAs settle.
	_ = page.WaitIdle(2 * time.Second)

	html, err := page.HTML()
	if err != nil {
		return nil, eris.Wrap(err, "headless: read dom")
	}
	body := []byte(html)

	if blocked, kind := DetectBlock(0, nil, body); blocked {
		return nil, &BlockError{Type: kind}
	}
	if len(body) < 100 {
		return nil, eris.New("headless: empty page")
	}

	info, err := page.Info()
	title := ""
	finalURL := ""
	if err == nil && info != nil {
		title = info.Title
		if info.URL != rawURL {
			finalURL = info.URL
		}
	}

	// Viewport screenshot, best effort; a render that cannot be
	// captured is still a usable fetch.
	shot, err := page.Screenshot(false, nil)
	if err != nil {
		shot = nil
	}

	return &Result{
		URL:        rawURL,
		FinalURL:   finalURL,
		StatusCode: 200,
		Body:       body,
		MIME:       "text/html",
		Title:      title,
		Method:     model.MethodHeadless,
		Screenshot: shot,
	}, nil
}

func (h *HeadlessFetcher) ensureBrowser() (*rod.Browser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.browser != nil {
		return h.browser, nil
	}

	l := launcher.New().Headless(true)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "headless: launch browser")
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, eris.Wrap(err, "headless: connect browser")
	}
	h.browser = browser
	h.cleanup = l.Cleanup
	return browser, nil
}

// Close shuts the shared browser down.
func (h *HeadlessFetcher) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.browser == nil {
		return nil
	}
	err := h.browser.Close()
	if h.cleanup != nil {
		h.cleanup()
	}
	h.browser = nil
	h.cleanup = nil
	return err
}
