// Package fetch drives page retrieval: a fallback chain of fetch
// methods (static HTTP, headless browser, remote reader), per-host
// pacing, and a bounded scheduler that feeds the parse lane.
package fetch

import (
	"context"
	"strconv"

	"github.com/sells-group/spec-harvester/internal/model"
)

// Result holds one fetched page.
type Result struct {
	URL        string
	FinalURL   string // after redirects; empty when unchanged
	StatusCode int
	Body       []byte
	MIME       string
	Title      string
	Method     model.FetchMethod
	// Screenshot is a PNG of the rendered viewport; only headless
	// fetches populate it.
	Screenshot []byte
}

// Fetcher retrieves a single URL by one method.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
	Name() string
	Supports(url string) bool
}

// HTTPError reports a non-success status with no block signature.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return "fetch: status " + strconv.Itoa(e.Status)
}

// RobotsError reports a URL disallowed by the host's robots.txt.
type RobotsError struct {
	URL string
}

func (e *RobotsError) Error() string {
	return "fetch: disallowed by robots.txt: " + e.URL
}
