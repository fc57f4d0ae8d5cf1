package fetch

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/resilience"
)

const (
	defaultUserAgent = "Mozilla/5.0 (compatible; SpecHarvester/1.0)"
	maxBodyBytes     = 2 * 1024 * 1024
)

// StaticFetcher retrieves pages with plain HTTP. It honors robots.txt
// per host and runs block detection on every response. Free, no API
// calls; the chain escalates to headless or reader when it fails.
type StaticFetcher struct {
	client     *http.Client
	agent      string
	retry      resilience.RetryConfig
	skipRobots bool

	mu     sync.Mutex
	robots map[string]*robotstxt.Group // keyed by scheme://host
}

// NewStaticFetcher creates a StaticFetcher with production timeouts.
func NewStaticFetcher() *StaticFetcher {
	s := &StaticFetcher{
		client: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
		agent:  defaultUserAgent,
		robots: make(map[string]*robotstxt.Group),
	}
	return s.WithRetry(resilience.FromRetryConfig(2, 300*time.Millisecond, 2*time.Second))
}

// WithRetry replaces the transport retry policy. Only transient network
// failures retry; HTTP failures and blocks surface immediately so the
// chain and the frontier can act on them.
func (s *StaticFetcher) WithRetry(cfg resilience.RetryConfig) *StaticFetcher {
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("static", "fetch")
	}
	s.retry = cfg
	return s
}

// WithUserAgent replaces the request user agent. Empty keeps the
// default.
func (s *StaticFetcher) WithUserAgent(agent string) *StaticFetcher {
	if agent != "" {
		s.agent = agent
	}
	return s
}

// WithRobots toggles robots.txt enforcement. Off is for runs against
// hosts the operator controls; public crawling keeps it on.
func (s *StaticFetcher) WithRobots(respect bool) *StaticFetcher {
	s.skipRobots = !respect
	return s
}

func (s *StaticFetcher) Name() string { return "static" }

func (s *StaticFetcher) Supports(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}

// Fetch retrieves one URL. Block detection runs before status checks so
// a 403 with a challenge signature classifies as a block, not a plain
// HTTP failure.
func (s *StaticFetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "static: parse url")
	}
	allowed, err := s.robotsAllow(ctx, u)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &RobotsError{URL: rawURL}
	}

	return resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*Result, error) {
		return s.get(ctx, rawURL)
	})
}

func (s *StaticFetcher) get(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "static: create request")
	}
	req.Header.Set("User-Agent", s.agent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "static: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "static: read body")
	}

	if blocked, kind := DetectBlock(resp.StatusCode, resp.Header, body); blocked {
		return nil, &BlockError{Type: kind, Status: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Status: resp.StatusCode}
	}
	if len(body) < 100 {
		return nil, &BlockError{Type: BlockJSShell, Status: resp.StatusCode}
	}

	res := &Result{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Body:       body,
		MIME:       mimeOf(resp.Header.Get("Content-Type")),
		Title:      extractTitle(body),
		Method:     model.MethodStatic,
	}
	if final := resp.Request.URL.String(); final != rawURL {
		res.FinalURL = final
	}
	return res, nil
}

// robotsAllow checks the host's robots.txt, caching the parsed group
// per scheme://host. Unreachable or malformed robots files fail open.
func (s *StaticFetcher) robotsAllow(ctx context.Context, u *url.URL) (bool, error) {
	if s.skipRobots {
		return true, nil
	}
	key := u.Scheme + "://" + u.Host

	s.mu.Lock()
	group, ok := s.robots[key]
	s.mu.Unlock()

	if !ok {
		group = s.loadRobots(ctx, key)
		s.mu.Lock()
		s.robots[key] = group
		s.mu.Unlock()
	}
	if group == nil {
		return true, nil
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	return group.Test(p), nil
}

// loadRobots fetches and parses robots.txt. A nil group means no rules.
func (s *StaticFetcher) loadRobots(ctx context.Context, base string) *robotstxt.Group {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", s.agent)

	resp, err := s.client.Do(req)
	if err != nil {
		zap.L().Debug("static: robots.txt unreachable", zap.String("host", base), zap.Error(err))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		zap.L().Debug("static: robots.txt unparseable", zap.String("host", base), zap.Error(err))
		return nil
	}
	return data.FindGroup(s.agent)
}

var titleRe = regexp.MustCompile(`(?i)<title[^>]*>(.*?)</title>`)

func extractTitle(body []byte) string {
	m := titleRe.FindSubmatch(body)
	if len(m) > 1 {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

func mimeOf(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}
