package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/pkg/firecrawl"
)

// FallbackPolicy decides whether a failed fetch should escalate to the
// next method in the chain.
type FallbackPolicy func(err error) bool

// DefaultFallbackPolicy escalates on barriers a different rendering
// path could clear: bot challenges, captchas, JS shells, bare 403s,
// timeouts, and transport errors. Not-found, rate limits, robots
// disallows, and login walls stop the chain; a second method would hit
// the same wall or is not welcome.
func DefaultFallbackPolicy(err error) bool {
	if err == nil {
		return false
	}
	switch ClassifyOutcome(err) {
	case OutcomeBotChallenge, OutcomeBlocked, OutcomeNetworkError, OutcomeBadContent:
		var re *RobotsError
		return !errors.As(err, &re)
	default:
		return false
	}
}

// Chain routes a URL through fetch methods in escalation order,
// typically static then headless then reader.
type Chain struct {
	fetchers []Fetcher
	policy   FallbackPolicy
	fcClient firecrawl.Client // optional: enables batch recovery
}

// NewChain creates a Chain. Fetchers are tried in order; the policy
// gates each escalation.
func NewChain(policy FallbackPolicy, fetchers ...Fetcher) *Chain {
	if policy == nil {
		policy = DefaultFallbackPolicy
	}
	return &Chain{fetchers: fetchers, policy: policy}
}

// WithFirecrawlClient enables BatchRecover for round-end sweeps.
func (c *Chain) WithFirecrawlClient(fc firecrawl.Client) *Chain {
	c.fcClient = fc
	return c
}

// Fetch tries each method in order until one succeeds or the policy
// stops the escalation. The returned outcome classifies the terminal
// error; on success it is OutcomeOK.
func (c *Chain) Fetch(ctx context.Context, rawURL string) (*Result, Outcome, error) {
	var lastErr error
	for _, f := range c.fetchers {
		if !f.Supports(rawURL) {
			continue
		}
		res, err := f.Fetch(ctx, rawURL)
		if err == nil && res != nil {
			return res, OutcomeOK, nil
		}
		lastErr = err
		if !c.policy(err) {
			break
		}
		zap.L().Debug("fetch: escalating to next method",
			zap.String("method", f.Name()),
			zap.String("url", rawURL),
			zap.Error(err))
	}
	if lastErr == nil {
		lastErr = eris.Errorf("fetch: no method supports %s", rawURL)
	}
	return nil, ClassifyOutcome(lastErr), lastErr
}

// BatchRecover sends URLs that failed the whole chain through the
// Firecrawl batch API in one call. Used at round end when many static
// fetches failed on retryable outcomes. Returns whatever pages came
// back; missing URLs simply stay failed.
func (c *Chain) BatchRecover(ctx context.Context, urls []string) []*Result {
	if c.fcClient == nil || len(urls) == 0 {
		return nil
	}
	zap.L().Info("fetch: batch recovery via firecrawl", zap.Int("urls", len(urls)))

	resp, err := c.fcClient.BatchScrape(ctx, firecrawl.BatchScrapeRequest{
		URLs:            urls,
		Formats:         []string{"markdown"},
		OnlyMainContent: true,
	})
	if err != nil {
		zap.L().Warn("fetch: firecrawl batch scrape failed", zap.Error(err))
		return nil
	}
	status, err := firecrawl.PollBatchScrape(ctx, c.fcClient, resp.ID,
		firecrawl.WithPollInterval(2*time.Second),
		firecrawl.WithPollCap(10*time.Second),
	)
	if err != nil {
		zap.L().Warn("fetch: firecrawl batch poll failed", zap.Error(err))
		return nil
	}

	var results []*Result
	for _, d := range status.Data {
		if d.Markdown == "" {
			continue
		}
		results = append(results, &Result{
			URL:        d.URL,
			StatusCode: d.StatusCode,
			Body:       []byte(d.Markdown),
			MIME:       "text/markdown",
			Title:      d.Title,
			Method:     model.MethodReader,
		})
	}
	zap.L().Info("fetch: batch recovery complete",
		zap.Int("requested", len(urls)),
		zap.Int("recovered", len(results)))
	return results
}
