// Package pipeline runs the harvest convergence loop for one product.
// Each round plans searches from the NeedSet, fetches and parses the
// admitted URLs, indexes the evidence, extracts and validates field
// values, folds them through consensus into field state, and emits
// automation jobs for the next round.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/consensus"
	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/discovery"
	"github.com/sells-group/spec-harvester/internal/events"
	"github.com/sells-group/spec-harvester/internal/fetch"
	"github.com/sells-group/spec-harvester/internal/frontier"
	"github.com/sells-group/spec-harvester/internal/llm"
	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/needset"
	"github.com/sells-group/spec-harvester/internal/parser"
	"github.com/sells-group/spec-harvester/internal/queue"
	"github.com/sells-group/spec-harvester/internal/resilience"
	"github.com/sells-group/spec-harvester/internal/retrieval"
	"github.com/sells-group/spec-harvester/internal/store"
	"github.com/sells-group/spec-harvester/pkg/anthropic"
)

// Config tunes the convergence loop.
type Config struct {
	MaxRounds           int           `yaml:"max_rounds" mapstructure:"max_rounds"`
	NoProgressLimit     int           `yaml:"no_progress_limit" mapstructure:"no_progress_limit"`
	MaxLowQualityRounds int           `yaml:"max_low_quality_rounds" mapstructure:"max_low_quality_rounds"`
	ConfidenceGate      float64       `yaml:"confidence_gate" mapstructure:"confidence_gate"`
	MaxQueriesPerRound  int           `yaml:"max_queries_per_round" mapstructure:"max_queries_per_round"`
	MaxURLsPerRound     int           `yaml:"max_urls_per_round" mapstructure:"max_urls_per_round"`
	WallClockBudget     time.Duration `yaml:"wall_clock_budget" mapstructure:"wall_clock_budget"`

	// BatchExtractMin routes a round's extract calls through the
	// provider's message batch API once at least this many fields need
	// extraction. Zero keeps extraction per field. Batches trade
	// latency for batch pricing, so wide contracts and backfills want
	// this on and interactive runs want it off.
	BatchExtractMin int `yaml:"batch_extract_min" mapstructure:"batch_extract_min"`
}

// DefaultConfig returns production loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxRounds:           5,
		NoProgressLimit:     2,
		MaxLowQualityRounds: 2,
		ConfidenceGate:      0.7,
		MaxQueriesPerRound:  8,
		MaxURLsPerRound:     24,
		WallClockBudget:     20 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.NoProgressLimit <= 0 {
		c.NoProgressLimit = d.NoProgressLimit
	}
	if c.MaxLowQualityRounds <= 0 {
		c.MaxLowQualityRounds = d.MaxLowQualityRounds
	}
	if c.ConfidenceGate <= 0 {
		c.ConfidenceGate = d.ConfidenceGate
	}
	if c.MaxQueriesPerRound <= 0 {
		c.MaxQueriesPerRound = d.MaxQueriesPerRound
	}
	if c.MaxURLsPerRound <= 0 {
		c.MaxURLsPerRound = d.MaxURLsPerRound
	}
	if c.BatchExtractMin < 0 {
		c.BatchExtractMin = 0
	}
	return c
}

// Store is the slice of persistence the orchestrator drives directly.
// Evidence indexing and review lanes go through their own services.
type Store interface {
	CreateRun(ctx context.Context, product model.ProductIdentity) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunCounters(ctx context.Context, runID string, counters model.RunCounters) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error
	UpsertSource(ctx context.Context, src *model.Source) error
	UpdateSourceFetch(ctx context.Context, sourceID string, status model.CrawlStatus, httpStatus int, method model.FetchMethod, at time.Time) error
	UpsertCandidate(ctx context.Context, c *model.Candidate) error
	UpsertFieldState(ctx context.Context, fs *model.FieldState) error
	UpsertListValue(ctx context.Context, lv *model.ListValue) (*model.ListValue, error)
	UpsertComponent(ctx context.Context, c *model.ComponentIdentity) (*model.ComponentIdentity, error)
	EnqueueJob(ctx context.Context, job *model.Job) (bool, error)
}

// Admitter gates URLs before a fetch is spent on them.
type Admitter interface {
	Admit(ctx context.Context, rawURL string, now time.Time) (frontier.Admission, error)
	RecordSuccess(ctx context.Context, rawURL string, now time.Time) error
	RecordFailure(ctx context.Context, rawURL string, kind resilience.FailKind, now time.Time) (*model.DeadPattern, error)
}

// FetchLane runs the bounded fetch workers over a round's requests.
// Recover retries whole-chain failures through the batch scrape
// provider; lanes without one return nothing.
type FetchLane interface {
	FetchAll(ctx context.Context, reqs []fetch.Request) []*fetch.Fetched
	Recover(ctx context.Context, urls []string) []*fetch.Result
}

// ParserBank walks the parser ladder over one fetched page.
type ParserBank interface {
	Extract(ctx context.Context, c *contract.Contract, p *parser.Page) ([]parser.RawAssertion, string, error)
}

// EvidenceIndex records assertions with their supporting quotes.
type EvidenceIndex interface {
	Record(ctx context.Context, a *model.Assertion, quote string, src *model.Source, at time.Time) (store.SnippetStatus, error)
}

// PacketAssembler builds the extraction context for one field.
type PacketAssembler interface {
	Assemble(ctx context.Context, runID string, product model.ProductIdentity, fieldKey string) (*retrieval.Packet, error)
}

// FieldExtractor is the extract role. Optional; a nil extractor keeps
// the run deterministic.
type FieldExtractor interface {
	Extract(ctx context.Context, packet *retrieval.Packet) (*llm.Extraction, *anthropic.TokenUsage, error)
}

// BatchFieldExtractor extracts many fields in one provider-side batch.
// Optional; rounds batch only when the extractor supports it and at
// least BatchExtractMin fields are pending.
type BatchFieldExtractor interface {
	ExtractBatch(ctx context.Context, packets []*retrieval.Packet) (map[string]*llm.Extraction, *anthropic.TokenUsage, error)
}

// FieldValidator is the validate role. Optional.
type FieldValidator interface {
	Check(ctx context.Context, packet *retrieval.Packet, value, unit string) (*llm.Validation, *anthropic.TokenUsage, error)
}

// Reviewer seeds review keys as consensus lands.
type Reviewer interface {
	Seed(ctx context.Context, lane model.Lane, kind model.TargetKind, targetID, value string, confidence float64) (*model.KeyReview, error)
}

// ArtifactKeeper archives fetched payloads for the raw export tree.
// Optional; a nil keeper skips capture.
type ArtifactKeeper interface {
	Save(ctx context.Context, src *model.Source, kind model.ArtifactKind, payload []byte, mime string) (*model.Artifact, error)
}

// AnalysisSink receives named phase snapshots for the run's analysis
// directory, keep-latest per name. Optional.
type AnalysisSink interface {
	Snapshot(name string, v any)
}

// JobRunner drains the automation queue at round boundaries. Optional.
type JobRunner interface {
	Drain(ctx context.Context) (queue.Stats, error)
}

// Deps are the orchestrator's collaborators. Planner, Reranker,
// Extractor, Validator, Artifacts, Analysis, Queue and Bus may be nil.
type Deps struct {
	Store     Store
	Contract  *contract.Contract
	Frontier  Admitter
	Fetcher   FetchLane
	Parsers   ParserBank
	Index     EvidenceIndex
	Needs     *needset.Engine
	Searcher  discovery.Searcher
	Planner   discovery.Planner
	Reranker  discovery.Reranker
	Assembler PacketAssembler
	Extractor FieldExtractor
	Validator FieldValidator
	Consensus *consensus.Engine
	Review    Reviewer
	Artifacts ArtifactKeeper
	Analysis  AnalysisSink
	Queue     JobRunner
	Bus       *events.Bus
}

// Pipeline orchestrates runs. One Pipeline serves many products; state
// for a run lives on the stack of Run.
type Pipeline struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New creates a Pipeline. Nil Needs and Consensus engines take
// contract-derived defaults.
func New(cfg Config, deps Deps) *Pipeline {
	cfg = cfg.withDefaults()
	if deps.Needs == nil {
		deps.Needs = needset.New(deps.Contract, cfg.ConfidenceGate)
	}
	if deps.Consensus == nil {
		deps.Consensus = consensus.New(0, 0)
	}
	return &Pipeline{cfg: cfg, deps: deps, now: time.Now}
}

// Run executes the convergence loop for one product and finalizes the
// run record. Seed URLs are admitted ahead of discovery on the first
// round. The returned run carries the summary; an error means the run
// could not proceed, not that it stopped early.
func (p *Pipeline) Run(ctx context.Context, product model.ProductIdentity, seeds ...string) (*model.Run, error) {
	run, err := p.deps.Store.CreateRun(ctx, product)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	st := &runState{
		run:         run,
		product:     product,
		productID:   product.ProductID(),
		seeds:       seeds,
		inputs:      make(map[string][]consensus.Input),
		track:       make(map[string]*fieldTrack),
		packets:     make(map[string]*retrieval.Packet),
		extractions: make(map[string]extractionRecord),
	}
	log := zap.L().With(
		zap.String("run", run.ID),
		zap.String("product", product.Slug()))
	log.Info("pipeline: run started", zap.String("category", product.Category))
	p.publish(events.StageRun, events.RunContext, st, 0, map[string]any{
		"category": product.Category,
		"brand":    product.Brand,
		"model":    product.Model,
		"variant":  product.Variant,
		"fields":   len(p.deps.Contract.Fields),
	})

	start := p.now().UTC()
	var stop model.StopReason
	for round := 1; ; round++ {
		stop = p.evalStop(ctx, st, round, start)
		if stop != "" {
			break
		}

		run.Counters.Rounds++
		p.publish(events.StageRun, events.RoundStarted, st, round, map[string]any{
			"no_progress_rounds": st.noProgress,
		})

		if err := p.runRound(ctx, log, st, round); err != nil {
			log.Error("pipeline: round failed", zap.Int("round", round), zap.Error(err))
			p.finalize(ctx, log, st, model.RunStatusFailed, model.StopReason(""), start, err.Error())
			return run, err
		}

		if uerr := p.deps.Store.UpdateRunCounters(ctx, run.ID, run.Counters); uerr != nil {
			log.Warn("pipeline: update counters", zap.Error(uerr))
		}
		p.publish(events.StageRun, events.RoundFinished, st, round, map[string]any{
			"fields_selected": st.selectedCount(),
		})
	}

	status := statusFor(stop)
	p.finalize(ctx, log, st, status, stop, start, "")
	return run, nil
}

// setStatus updates the run status, logging instead of failing. Status
// churn never aborts a round.
func (p *Pipeline) setStatus(ctx context.Context, st *runState, status model.RunStatus) {
	st.run.Status = status
	if err := p.deps.Store.UpdateRunStatus(ctx, st.run.ID, status); err != nil {
		zap.L().Warn("pipeline: update status",
			zap.String("run", st.run.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// phase times one named step of a round in the run's phase cursor.
func (p *Pipeline) phase(log *zap.Logger, st *runState, name string, fn func() error) error {
	st.run.PhaseCursor = name
	begin := time.Now()
	err := fn()
	if err != nil {
		log.Error("pipeline: phase failed",
			zap.String("phase", name),
			zap.Int64("duration_ms", time.Since(begin).Milliseconds()),
			zap.Error(err))
		return err
	}
	log.Info("pipeline: phase complete",
		zap.String("phase", name),
		zap.Int64("duration_ms", time.Since(begin).Milliseconds()))
	return nil
}

// publish emits one envelope on the bus. Round zero marks events that
// frame the whole run rather than a single round.
func (p *Pipeline) publish(stage events.Stage, name events.Name, st *runState, round int, payload map[string]any) {
	if p.deps.Bus == nil {
		return
	}
	p.deps.Bus.Publish(events.Event{
		TS:    p.now().UTC(),
		Stage: stage,
		Event: name,
		Scope: events.Scope{
			RunID:     st.run.ID,
			ProductID: st.productID,
			Round:     round,
		},
		Payload: payload,
	})
}
