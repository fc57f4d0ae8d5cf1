package fetch

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/resilience"
	"github.com/sells-group/spec-harvester/pkg/jina"
)

// ReaderFetcher fetches pages through the Jina Reader API, which
// renders and converts to markdown server-side. Last rung of the chain;
// a circuit breaker keeps a degraded provider from eating the budget.
type ReaderFetcher struct {
	client  jina.Client
	breaker *resilience.CircuitBreaker
}

// NewReaderFetcher creates a ReaderFetcher over a Jina client.
func NewReaderFetcher(client jina.Client) *ReaderFetcher {
	return &ReaderFetcher{
		client:  client,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
}

// WithBreaker replaces the default circuit breaker configuration.
func (r *ReaderFetcher) WithBreaker(cfg resilience.CircuitBreakerConfig) *ReaderFetcher {
	r.breaker = resilience.NewCircuitBreaker(cfg)
	return r
}

func (r *ReaderFetcher) Name() string { return "reader" }

func (r *ReaderFetcher) Supports(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}

// Fetch reads a URL via the reader API. Content arrives as markdown.
func (r *ReaderFetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	resp, err := resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (*jina.ReadResponse, error) {
		return r.client.Read(ctx, rawURL)
	})
	if err != nil {
		return nil, eris.Wrap(err, "reader: read url")
	}
	content := strings.TrimSpace(resp.Data.Content)
	if content == "" {
		return nil, eris.Errorf("reader: empty content for %s", rawURL)
	}

	return &Result{
		URL:        rawURL,
		StatusCode: 200,
		Body:       []byte(content),
		MIME:       "text/markdown",
		Title:      resp.Data.Title,
		Method:     model.MethodReader,
	}, nil
}
