package fetch

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/spec-harvester/internal/model"
)

// LaneConfig bounds the worker pools of the four pipeline lanes and the
// queue between fetch and parse.
type LaneConfig struct {
	SearchWorkers int `yaml:"search_workers" mapstructure:"search_workers"`
	FetchWorkers  int `yaml:"fetch_workers" mapstructure:"fetch_workers"`
	ParseWorkers  int `yaml:"parse_workers" mapstructure:"parse_workers"`
	LLMWorkers    int `yaml:"llm_workers" mapstructure:"llm_workers"`
	// ParseBuffer is the high-water mark of the fetch→parse queue. Fetch
	// workers stall once the parse lane falls this far behind.
	ParseBuffer int `yaml:"parse_buffer" mapstructure:"parse_buffer"`
}

// DefaultLanes returns production lane bounds.
func DefaultLanes() LaneConfig {
	return LaneConfig{
		SearchWorkers: 4,
		FetchWorkers:  8,
		ParseWorkers:  4,
		LLMWorkers:    2,
		ParseBuffer:   16,
	}
}

func (c LaneConfig) withDefaults() LaneConfig {
	d := DefaultLanes()
	if c.SearchWorkers <= 0 {
		c.SearchWorkers = d.SearchWorkers
	}
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = d.FetchWorkers
	}
	if c.ParseWorkers <= 0 {
		c.ParseWorkers = d.ParseWorkers
	}
	if c.LLMWorkers <= 0 {
		c.LLMWorkers = d.LLMWorkers
	}
	if c.ParseBuffer <= 0 {
		c.ParseBuffer = d.ParseBuffer
	}
	return c
}

// PageFetcher is the chain seen by the scheduler.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*Result, Outcome, error)
}

// Request is one URL the scheduler should fetch.
type Request struct {
	URL  string
	Tier int
}

// Fetched pairs a request with its terminal result for the parse lane.
type Fetched struct {
	Request Request
	Result  *Result // nil unless Outcome is ok
	Outcome Outcome
	Err     error
}

// Scheduler runs the fetch lane: bounded workers, host pacing, and a
// bounded hand-off queue toward the parse lane.
type Scheduler struct {
	fetcher PageFetcher
	pacer   *HostPacer
	lanes   LaneConfig
}

// NewScheduler creates a scheduler over a fetch chain and pacer.
func NewScheduler(f PageFetcher, pacer *HostPacer, lanes LaneConfig) *Scheduler {
	return &Scheduler{fetcher: f, pacer: pacer, lanes: lanes.withDefaults()}
}

// Stream fetches all requests and emits outcomes on the returned
// channel, which is closed once every request is accounted for. On
// cancellation, in-flight fetches drain and the rest emit as
// interrupted. The channel's buffer is the parse-lane high-water mark;
// a slow consumer stalls the fetch workers.
func (s *Scheduler) Stream(ctx context.Context, reqs []Request) <-chan *Fetched {
	out := make(chan *Fetched, s.lanes.ParseBuffer)

	go func() {
		defer close(out)

		g := new(errgroup.Group)
		g.SetLimit(s.lanes.FetchWorkers)
		for _, req := range reqs {
			g.Go(func() error {
				s.emit(ctx, out, s.fetchOne(ctx, req))
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out
}

// FetchAll is Stream drained into a slice, for callers that do not need
// incremental hand-off.
func (s *Scheduler) FetchAll(ctx context.Context, reqs []Request) []*Fetched {
	results := make([]*Fetched, 0, len(reqs))
	for f := range s.Stream(ctx, reqs) {
		results = append(results, f)
	}
	return results
}

// batchRecoverer is the chain seen by Recover; only chains carrying a
// batch scrape provider implement it.
type batchRecoverer interface {
	BatchRecover(ctx context.Context, urls []string) []*Result
}

// Recover retries URLs that failed the whole chain through the batch
// scrape provider, bypassing the host pacer. Returns nothing when the
// chain has no such provider.
func (s *Scheduler) Recover(ctx context.Context, urls []string) []*Result {
	br, ok := s.fetcher.(batchRecoverer)
	if !ok {
		return nil
	}
	return br.BatchRecover(ctx, urls)
}

func (s *Scheduler) fetchOne(ctx context.Context, req Request) *Fetched {
	if ctx.Err() != nil {
		return &Fetched{Request: req, Outcome: OutcomeInterrupted, Err: ctx.Err()}
	}

	host := model.HostOf(req.URL)
	if err := s.pacer.Acquire(ctx, host); err != nil {
		outcome := OutcomeRateLimited
		if ctx.Err() != nil {
			outcome = OutcomeInterrupted
		}
		return &Fetched{Request: req, Outcome: outcome, Err: err}
	}
	// The slot is held through the whole request so the host never sees
	// two of ours in flight.
	defer s.pacer.Release(host)

	res, outcome, err := s.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		zap.L().Debug("fetch: request failed",
			zap.String("url", req.URL),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
	return &Fetched{Request: req, Result: res, Outcome: outcome, Err: err}
}

func (s *Scheduler) emit(ctx context.Context, out chan<- *Fetched, f *Fetched) {
	select {
	case out <- f:
	case <-ctx.Done():
		// The consumer is gone; try once more without blocking so
		// buffered capacity still records the interruption.
		select {
		case out <- f:
		default:
		}
	}
}
