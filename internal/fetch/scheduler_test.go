package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spec-harvester/internal/model"
)

// stubPageFetcher implements PageFetcher with canned per-URL results.
type stubPageFetcher struct {
	mu      sync.Mutex
	delay   time.Duration
	fetched []string
	errs    map[string]error
}

func (s *stubPageFetcher) Fetch(ctx context.Context, url string) (*Result, Outcome, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, OutcomeInterrupted, ctx.Err()
		}
	}
	s.mu.Lock()
	s.fetched = append(s.fetched, url)
	err := s.errs[url]
	s.mu.Unlock()

	if err != nil {
		return nil, ClassifyOutcome(err), err
	}
	return &Result{URL: url, StatusCode: 200, Method: model.MethodStatic}, OutcomeOK, nil
}

func TestScheduler_FetchAll(t *testing.T) {
	stub := &stubPageFetcher{errs: map[string]error{
		"https://b.example.com/gone": &HTTPError{Status: 404},
	}}
	s := NewScheduler(stub, NewHostPacer(time.Millisecond, 0), LaneConfig{FetchWorkers: 4})

	reqs := []Request{
		{URL: "https://a.example.com/specs", Tier: 1},
		{URL: "https://b.example.com/gone", Tier: 2},
		{URL: "https://c.example.com/review", Tier: 3},
	}
	results := s.FetchAll(context.Background(), reqs)
	require.Len(t, results, 3)

	byURL := map[string]*Fetched{}
	for _, r := range results {
		byURL[r.Request.URL] = r
	}
	assert.Equal(t, OutcomeOK, byURL["https://a.example.com/specs"].Outcome)
	assert.Equal(t, OutcomeNotFound, byURL["https://b.example.com/gone"].Outcome)
	assert.Nil(t, byURL["https://b.example.com/gone"].Result)
	assert.Equal(t, OutcomeOK, byURL["https://c.example.com/review"].Outcome)
}

func TestScheduler_PerHostSerialization(t *testing.T) {
	stub := &stubPageFetcher{}
	s := NewScheduler(stub, NewHostPacer(40*time.Millisecond, 0), LaneConfig{FetchWorkers: 8})

	reqs := []Request{
		{URL: "https://example.com/a"},
		{URL: "https://example.com/b"},
		{URL: "https://example.com/c"},
	}
	start := time.Now()
	results := s.FetchAll(context.Background(), reqs)
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	// Three requests to one host pass the pacer one at a time.
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
}

// inflightFetcher counts concurrent fetches to catch pacer slot leaks.
type inflightFetcher struct {
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *inflightFetcher) Fetch(ctx context.Context, url string) (*Result, Outcome, error) {
	n := f.inflight.Add(1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	f.inflight.Add(-1)
	return &Result{URL: url, StatusCode: 200, Method: model.MethodStatic}, OutcomeOK, nil
}

func TestScheduler_OneInflightPerHost(t *testing.T) {
	stub := &inflightFetcher{}
	s := NewScheduler(stub, NewHostPacer(time.Millisecond, 0), LaneConfig{FetchWorkers: 8})

	var reqs []Request
	for i := 0; i < 6; i++ {
		reqs = append(reqs, Request{URL: "https://example.com/p/" + string(rune('a'+i))})
	}
	results := s.FetchAll(context.Background(), reqs)

	require.Len(t, results, 6)
	// All six target one host; the pacer admits them one at a time even
	// with eight workers free.
	assert.Equal(t, int32(1), stub.peak.Load())
}

func TestScheduler_HostBudgetMarksRemaining(t *testing.T) {
	stub := &stubPageFetcher{}
	s := NewScheduler(stub, NewHostPacer(time.Millisecond, 1), LaneConfig{FetchWorkers: 1})

	reqs := []Request{
		{URL: "https://example.com/a"},
		{URL: "https://example.com/b"},
	}
	results := s.FetchAll(context.Background(), reqs)
	require.Len(t, results, 2)

	var ok, limited int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeOK:
			ok++
		case OutcomeRateLimited:
			limited++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, limited)
}

func TestScheduler_CancellationInterruptsRemaining(t *testing.T) {
	stub := &stubPageFetcher{delay: 50 * time.Millisecond}
	s := NewScheduler(stub, NewHostPacer(time.Millisecond, 0), LaneConfig{
		FetchWorkers: 1,
		ParseBuffer:  16,
	})

	var reqs []Request
	for _, h := range []string{"a", "b", "c", "d", "e"} {
		reqs = append(reqs, Request{URL: "https://" + h + ".example.com/specs"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Stream(ctx, reqs)

	first := <-ch
	assert.Equal(t, OutcomeOK, first.Outcome)
	cancel()

	interrupted := 0
	total := 1
	for f := range ch {
		total++
		if f.Outcome == OutcomeInterrupted {
			interrupted++
		}
	}
	assert.Equal(t, len(reqs), total)
	assert.Greater(t, interrupted, 0)
}

// recoveringFetcher is a chain stub that also carries a batch provider.
type recoveringFetcher struct {
	stubPageFetcher
	asked []string
}

func (f *recoveringFetcher) BatchRecover(_ context.Context, urls []string) []*Result {
	f.asked = append(f.asked, urls...)
	out := make([]*Result, len(urls))
	for i, u := range urls {
		out[i] = &Result{URL: u, StatusCode: 200, Body: []byte("recovered"), Method: model.MethodReader}
	}
	return out
}

func TestScheduler_RecoverDelegatesToChain(t *testing.T) {
	stub := &recoveringFetcher{}
	s := NewScheduler(stub, NewHostPacer(time.Millisecond, 0), LaneConfig{})

	results := s.Recover(context.Background(), []string{"https://example.com/specs"})
	require.Len(t, results, 1)
	assert.Equal(t, []string{"https://example.com/specs"}, stub.asked)
	assert.Equal(t, model.MethodReader, results[0].Method)
}

func TestScheduler_RecoverWithoutProviderReturnsNothing(t *testing.T) {
	s := NewScheduler(&stubPageFetcher{}, NewHostPacer(time.Millisecond, 0), LaneConfig{})
	assert.Nil(t, s.Recover(context.Background(), []string{"https://example.com/specs"}))
}

func TestLaneConfig_Defaults(t *testing.T) {
	c := LaneConfig{}.withDefaults()
	assert.Equal(t, 8, c.FetchWorkers)
	assert.Equal(t, 16, c.ParseBuffer)

	c = LaneConfig{FetchWorkers: 2}.withDefaults()
	assert.Equal(t, 2, c.FetchWorkers)
	assert.Equal(t, 4, c.ParseWorkers)
}
