package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spec-harvester/internal/consensus"
	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/discovery"
	"github.com/sells-group/spec-harvester/internal/events"
	"github.com/sells-group/spec-harvester/internal/fetch"
	"github.com/sells-group/spec-harvester/internal/frontier"
	"github.com/sells-group/spec-harvester/internal/llm"
	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/parser"
	"github.com/sells-group/spec-harvester/internal/resilience"
	"github.com/sells-group/spec-harvester/internal/retrieval"
	"github.com/sells-group/spec-harvester/internal/store"
	"github.com/sells-group/spec-harvester/pkg/anthropic"
)

// --- fixtures ---

func viperMini() model.ProductIdentity {
	return model.ProductIdentity{Category: "mice", Brand: "Razer", Model: "Viper Mini"}
}

func miceContract(fields ...contract.FieldRule) *contract.Contract {
	c := contract.New("mice", fields)
	c.TierDomains = map[string]int{
		"razer.com":     1,
		"razerzone.com": 1,
		"rtings.com":    2,
	}
	return c
}

func weightRule() contract.FieldRule {
	return contract.FieldRule{
		Key:           "weight",
		Label:         "Weight",
		RequiredLevel: contract.LevelCritical,
		ContextKind:   model.ContextScalar,
		Unit:          "g",
	}
}

// --- mocks ---

type memStore struct {
	runs        map[string]*model.Run
	sources     map[string]*model.Source
	fetchStatus map[string]model.CrawlStatus
	candidates  map[string]model.Candidate
	fieldStates map[string]model.FieldState
	listValues  map[string]*model.ListValue         // fieldKey/valueNorm
	components  map[string]*model.ComponentIdentity // kind/nameNorm
	jobs        []model.Job
	finished    model.RunStatus
	summary     *model.RunSummary
}

func newMemStore() *memStore {
	return &memStore{
		runs:        make(map[string]*model.Run),
		sources:     make(map[string]*model.Source),
		fetchStatus: make(map[string]model.CrawlStatus),
		candidates:  make(map[string]model.Candidate),
		fieldStates: make(map[string]model.FieldState),
		listValues:  make(map[string]*model.ListValue),
		components:  make(map[string]*model.ComponentIdentity),
	}
}

func (m *memStore) CreateRun(_ context.Context, product model.ProductIdentity) (*model.Run, error) {
	run := &model.Run{
		ID:        "run1",
		ProductID: product.ProductID(),
		Product:   product,
		Status:    model.RunStatusQueued,
		StartedAt: time.Now().UTC(),
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, runID string, status model.RunStatus) error {
	m.runs[runID].Status = status
	return nil
}

func (m *memStore) UpdateRunCounters(_ context.Context, runID string, counters model.RunCounters) error {
	m.runs[runID].Counters = counters
	return nil
}

func (m *memStore) FinishRun(_ context.Context, _ string, status model.RunStatus, summary *model.RunSummary) error {
	m.finished = status
	m.summary = summary
	return nil
}

func (m *memStore) UpsertSource(_ context.Context, src *model.Source) error {
	cp := *src
	m.sources[src.ID] = &cp
	return nil
}

func (m *memStore) UpdateSourceFetch(_ context.Context, sourceID string, status model.CrawlStatus, _ int, _ model.FetchMethod, _ time.Time) error {
	m.fetchStatus[sourceID] = status
	return nil
}

func (m *memStore) UpsertCandidate(_ context.Context, c *model.Candidate) error {
	m.candidates[c.ID] = *c
	return nil
}

func (m *memStore) UpsertFieldState(_ context.Context, fs *model.FieldState) error {
	m.fieldStates[fs.FieldKey] = *fs
	return nil
}

func (m *memStore) UpsertListValue(_ context.Context, lv *model.ListValue) (*model.ListValue, error) {
	key := lv.FieldKey + "/" + lv.ValueNorm
	if got, ok := m.listValues[key]; ok {
		return got, nil
	}
	cp := *lv
	cp.ID = "lv_" + key
	m.listValues[key] = &cp
	return &cp, nil
}

func (m *memStore) UpsertComponent(_ context.Context, c *model.ComponentIdentity) (*model.ComponentIdentity, error) {
	key := c.Kind + "/" + c.NameNorm
	if got, ok := m.components[key]; ok {
		return got, nil
	}
	cp := *c
	cp.ID = "comp_" + key
	m.components[key] = &cp
	return &cp, nil
}

func (m *memStore) EnqueueJob(_ context.Context, job *model.Job) (bool, error) {
	if job.DedupeKey == "" {
		job.DedupeKey = job.ComputeDedupeKey()
	}
	for _, j := range m.jobs {
		if j.DedupeKey == job.DedupeKey {
			return false, nil
		}
	}
	m.jobs = append(m.jobs, *job)
	return true, nil
}

func (m *memStore) jobsOfType(t model.JobType) []model.Job {
	var out []model.Job
	for _, j := range m.jobs {
		if j.Type == t {
			out = append(out, j)
		}
	}
	return out
}

type stubFrontier struct {
	failures map[string]resilience.FailKind
	dead     *model.DeadPattern
}

func (f *stubFrontier) Admit(context.Context, string, time.Time) (frontier.Admission, error) {
	return frontier.Admission{Allow: true}, nil
}

func (f *stubFrontier) RecordSuccess(context.Context, string, time.Time) error { return nil }

func (f *stubFrontier) RecordFailure(_ context.Context, url string, kind resilience.FailKind, _ time.Time) (*model.DeadPattern, error) {
	if f.failures == nil {
		f.failures = make(map[string]resilience.FailKind)
	}
	f.failures[url] = kind
	dp := f.dead
	f.dead = nil
	return dp, nil
}

type stubFetcher struct {
	byURL     map[string]*fetch.Fetched
	recovered map[string]*fetch.Result
}

func (s *stubFetcher) FetchAll(_ context.Context, reqs []fetch.Request) []*fetch.Fetched {
	out := make([]*fetch.Fetched, 0, len(reqs))
	for _, req := range reqs {
		if f, ok := s.byURL[req.URL]; ok {
			cp := *f
			cp.Request = req
			out = append(out, &cp)
			continue
		}
		out = append(out, &fetch.Fetched{Request: req, Outcome: fetch.OutcomeNotFound})
	}
	return out
}

func (s *stubFetcher) Recover(_ context.Context, urls []string) []*fetch.Result {
	var out []*fetch.Result
	for _, u := range urls {
		if r, ok := s.recovered[u]; ok {
			out = append(out, r)
		}
	}
	return out
}

func okPage(url string) *fetch.Fetched {
	return &fetch.Fetched{
		Result: &fetch.Result{
			URL:        url,
			StatusCode: 200,
			Body:       []byte("<html>spec sheet</html>"),
			MIME:       "text/html",
			Method:     model.MethodStatic,
		},
		Outcome: fetch.OutcomeOK,
	}
}

type stubParsers struct {
	byURL map[string][]parser.RawAssertion
}

func (s *stubParsers) Extract(_ context.Context, _ *contract.Contract, p *parser.Page) ([]parser.RawAssertion, string, error) {
	return s.byURL[p.URL], "dom", nil
}

type stubIndex struct {
	recorded []model.Assertion
}

func (s *stubIndex) Record(_ context.Context, a *model.Assertion, _ string, _ *model.Source, _ time.Time) (store.SnippetStatus, error) {
	s.recorded = append(s.recorded, *a)
	return store.SnippetNew, nil
}

type stubSearcher struct {
	results []discovery.SERPResult
}

func (s *stubSearcher) Search(_ context.Context, q discovery.Query) ([]discovery.SERPResult, error) {
	out := make([]discovery.SERPResult, len(s.results))
	for i, r := range s.results {
		r.Query = q
		out[i] = r
	}
	return out, nil
}

type stubAssembler struct {
	packets map[string]*retrieval.Packet
}

func (s *stubAssembler) Assemble(_ context.Context, _ string, _ model.ProductIdentity, fieldKey string) (*retrieval.Packet, error) {
	if s.packets == nil {
		return nil, nil
	}
	return s.packets[fieldKey], nil
}

type stubExtractor struct {
	ext *llm.Extraction
	err error
}

func (s *stubExtractor) Extract(context.Context, *retrieval.Packet) (*llm.Extraction, *anthropic.TokenUsage, error) {
	usage := &anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50}
	if s.err != nil {
		return nil, usage, s.err
	}
	return s.ext, usage, nil
}

// stubBatchExtractor serves both extract paths and counts which one ran.
type stubBatchExtractor struct {
	exts     map[string]*llm.Extraction
	batchErr error
	seqExt   *llm.Extraction

	batchCalls int
	seqCalls   int
}

func (s *stubBatchExtractor) Extract(context.Context, *retrieval.Packet) (*llm.Extraction, *anthropic.TokenUsage, error) {
	s.seqCalls++
	return s.seqExt, &anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50}, nil
}

func (s *stubBatchExtractor) ExtractBatch(_ context.Context, packets []*retrieval.Packet) (map[string]*llm.Extraction, *anthropic.TokenUsage, error) {
	s.batchCalls++
	if s.batchErr != nil {
		return nil, &anthropic.TokenUsage{InputTokens: 10}, s.batchErr
	}
	out := make(map[string]*llm.Extraction, len(packets))
	for _, p := range packets {
		if ext := s.exts[p.FieldKey]; ext != nil {
			out[p.FieldKey] = ext
		}
	}
	return out, &anthropic.TokenUsage{InputTokens: 300, OutputTokens: 80}, nil
}

type stubValidator struct {
	verdict string
}

func (s *stubValidator) Check(context.Context, *retrieval.Packet, string, string) (*llm.Validation, *anthropic.TokenUsage, error) {
	return &llm.Validation{Verdict: s.verdict, Confidence: 0.9},
		&anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50}, nil
}

type stubReviewer struct {
	seeds []string // lane/targetID
}

func (s *stubReviewer) Seed(_ context.Context, lane model.Lane, _ model.TargetKind, targetID, _ string, _ float64) (*model.KeyReview, error) {
	s.seeds = append(s.seeds, string(lane)+"/"+targetID)
	return &model.KeyReview{TargetID: targetID}, nil
}

type stubAnalysis struct {
	last map[string]any
}

func (s *stubAnalysis) Snapshot(name string, v any) {
	if s.last == nil {
		s.last = make(map[string]any)
	}
	s.last[name] = v
}

type keptArtifact struct {
	url   string
	kind  model.ArtifactKind
	bytes int
}

type stubKeeper struct {
	saved []keptArtifact
}

func (s *stubKeeper) Save(_ context.Context, src *model.Source, kind model.ArtifactKind, payload []byte, _ string) (*model.Artifact, error) {
	s.saved = append(s.saved, keptArtifact{url: src.URL, kind: kind, bytes: len(payload)})
	return &model.Artifact{
		ID:       fmt.Sprintf("art_%d", len(s.saved)),
		SourceID: src.ID,
		Kind:     kind,
		Size:     int64(len(payload)),
	}, nil
}

// harness wires one pipeline with overridable stubs.
type harness struct {
	store    *memStore
	frontier *stubFrontier
	fetcher  *stubFetcher
	parsers  *stubParsers
	index    *stubIndex
	searcher *stubSearcher
	reviewer *stubReviewer
	deps     Deps
}

func newHarness(c *contract.Contract) *harness {
	h := &harness{
		store:    newMemStore(),
		frontier: &stubFrontier{},
		fetcher:  &stubFetcher{byURL: make(map[string]*fetch.Fetched)},
		parsers:  &stubParsers{byURL: make(map[string][]parser.RawAssertion)},
		index:    &stubIndex{},
		searcher: &stubSearcher{},
		reviewer: &stubReviewer{},
	}
	h.deps = Deps{
		Store:     h.store,
		Contract:  c,
		Frontier:  h.frontier,
		Fetcher:   h.fetcher,
		Parsers:   h.parsers,
		Index:     h.index,
		Searcher:  h.searcher,
		Assembler: &stubAssembler{},
		Consensus: consensus.New(0, 0),
		Review:    h.reviewer,
	}
	return h
}

const razerURL = "https://www.razer.com/gaming-mice/razer-viper-mini"

func (h *harness) seedRazerPage(assertions ...parser.RawAssertion) {
	h.searcher.results = append(h.searcher.results, discovery.SERPResult{
		Title:   "Razer Viper Mini technical specifications",
		URL:     razerURL,
		Snippet: "Full spec sheet for the Razer Viper Mini",
	})
	h.fetcher.byURL[razerURL] = okPage(razerURL)
	h.parsers.byURL[razerURL] = assertions
}

// --- tests ---

func TestRun_ConvergesAndCompletes(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey:    "weight",
		ContextKind: model.ContextScalar,
		Value:       "61 g",
		Quote:       "Weight: 61 g",
	})

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, model.StopConverged, run.Summary.StopReason)
	assert.Equal(t, 1, run.Summary.FieldsSelected)
	assert.Equal(t, 1, run.Summary.FieldsTotal)
	assert.Zero(t, run.Summary.FieldsGated)

	assert.Equal(t, 1, run.Counters.Rounds)
	assert.Equal(t, 1, run.Counters.URLsAdmitted)
	assert.Equal(t, 1, run.Counters.FetchOK)
	assert.Equal(t, 1, run.Counters.Assertions)
	assert.Equal(t, 1, run.Counters.SnippetsNew)

	fs, ok := h.store.fieldStates["weight"]
	require.True(t, ok)
	assert.Equal(t, "61", fs.SelectedValue)
	assert.GreaterOrEqual(t, fs.Confidence, 0.7)
	assert.NotEmpty(t, fs.SelectedCandidateID)
	assert.NotEmpty(t, h.store.candidates)

	productID := viperMini().ProductID()
	assert.Contains(t, h.reviewer.seeds, "primary/"+model.GridKeyID(productID, "weight"))

	assert.Equal(t, model.RunStatusCompleted, h.store.finished)
}

func TestRun_SharedLaneSeedsCanonicalRows(t *testing.T) {
	colorRule := contract.FieldRule{
		Key:           "color",
		Label:         "Color",
		RequiredLevel: contract.LevelExpected,
		ContextKind:   model.ContextList,
		Enum:          []string{"Black", "White"},
	}
	sensorRule := contract.FieldRule{
		Key:           "sensor",
		Label:         "Sensor",
		RequiredLevel: contract.LevelExpected,
		ContextKind:   model.ContextComponent,
	}
	h := newHarness(miceContract(colorRule, sensorRule))
	h.seedRazerPage(
		parser.RawAssertion{FieldKey: "color", ContextKind: model.ContextList, Value: "Black", Quote: "Color: Black"},
		parser.RawAssertion{FieldKey: "sensor", ContextKind: model.ContextComponent, Value: "PixArt PAW3359", Quote: "Sensor: PixArt PAW3359"},
	)

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	lv, ok := h.store.listValues["color/Black"]
	require.True(t, ok, "enum consensus should write the canonical list value")
	assert.Equal(t, "Black", lv.Display)

	comp, ok := h.store.components["sensor/pixart paw3359"]
	require.True(t, ok, "component consensus should write the identity row")
	assert.Equal(t, "PixArt PAW3359", comp.Name)

	productID := viperMini().ProductID()
	assert.Contains(t, h.reviewer.seeds, "primary/"+model.GridKeyID(productID, "color"))
	assert.Contains(t, h.reviewer.seeds, "shared/"+model.EnumKeyID("color", "Black"))
	assert.Contains(t, h.reviewer.seeds, "shared/"+model.ComponentKeyID(comp.ID, model.ComponentNameProperty))
}

func TestRun_ArchivesPagesAndScreenshots(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey:    "weight",
		ContextKind: model.ContextScalar,
		Value:       "61 g",
		Quote:       "Weight: 61 g",
	})
	// A rendered page carries a screenshot alongside the DOM.
	h.fetcher.byURL[razerURL].Result.Method = model.MethodHeadless
	h.fetcher.byURL[razerURL].Result.Screenshot = []byte("png bytes")

	keeper := &stubKeeper{}
	h.deps.Artifacts = keeper

	bus := events.NewBus()
	ch, cancel := bus.Subscribe(256)
	defer cancel()
	h.deps.Bus = bus

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status)
	bus.Close()

	require.Len(t, keeper.saved, 2)
	assert.Equal(t, model.ArtifactDOM, keeper.saved[0].kind)
	assert.Equal(t, razerURL, keeper.saved[0].url)
	assert.Equal(t, len("<html>spec sheet</html>"), keeper.saved[0].bytes)
	assert.Equal(t, model.ArtifactScreenshot, keeper.saved[1].kind)

	var captured *events.Event
	for ev := range ch {
		if ev.Event == events.VisualAssetCaptured {
			cp := ev
			captured = &cp
		}
	}
	require.NotNil(t, captured, "screenshot save should publish the capture event")
	assert.Equal(t, events.StageFetch, captured.Stage)
	assert.Equal(t, razerURL, captured.Payload["url"])
	assert.Equal(t, "art_2", captured.Payload["artifact"])
}

func TestRun_SeedURLsFetchAheadOfDiscovery(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.deps.Contract.TierDomains = map[string]int{"razer.com": 1}

	// Discovery only surfaces a review; the manufacturer page arrives as
	// an input-job seed.
	const reviewURL = "https://www.rtings.com/mouse/reviews/razer/viper-mini"
	h.searcher.results = append(h.searcher.results, discovery.SERPResult{
		Title:   "Razer Viper Mini review and measurements",
		URL:     reviewURL,
		Snippet: "Razer Viper Mini lab results",
	})
	h.fetcher.byURL[reviewURL] = okPage(reviewURL)
	h.fetcher.byURL[razerURL] = okPage(razerURL)
	h.parsers.byURL[razerURL] = []parser.RawAssertion{{
		FieldKey:    "weight",
		ContextKind: model.ContextScalar,
		Value:       "61 g",
		Quote:       "Weight: 61 g",
	}}

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini(), razerURL)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Counters.URLsAdmitted)
	assert.Equal(t, 2, run.Counters.FetchOK)

	srcID := model.SourceID(run.ID, model.CanonicalURL(razerURL))
	src, ok := h.store.sources[srcID]
	require.True(t, ok, "the seed should become a source without a SERP hit")
	assert.Equal(t, 1, src.Tier)

	fs, ok := h.store.fieldStates["weight"]
	require.True(t, ok)
	assert.Equal(t, "61", fs.SelectedValue)
}

func TestRun_BatchRecoveryRescuesFailedFetches(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.searcher.results = append(h.searcher.results, discovery.SERPResult{
		Title:   "Razer Viper Mini technical specifications",
		URL:     razerURL,
		Snippet: "Full spec sheet for the Razer Viper Mini",
	})
	// The whole chain fails; only the batch provider can produce the page.
	h.fetcher.byURL[razerURL] = &fetch.Fetched{
		Outcome: fetch.OutcomeNetworkError,
		Err:     eris.New("connect timeout"),
	}
	h.fetcher.recovered = map[string]*fetch.Result{
		razerURL: {
			URL:        razerURL,
			StatusCode: 200,
			Body:       []byte("# Razer Viper Mini\n\nWeight: 61 g"),
			MIME:       "text/markdown",
			Method:     model.MethodReader,
		},
	}
	h.parsers.byURL[razerURL] = []parser.RawAssertion{{
		FieldKey:    "weight",
		ContextKind: model.ContextScalar,
		Value:       "61 g",
		Quote:       "Weight: 61 g",
	}}

	bus := events.NewBus()
	ch, cancel := bus.Subscribe(256)
	defer cancel()
	h.deps.Bus = bus

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)
	bus.Close()

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Counters.FetchFailed)
	assert.Equal(t, 1, run.Counters.FetchRecovered)
	assert.Equal(t, 1, run.Counters.Assertions)

	fs, ok := h.store.fieldStates["weight"]
	require.True(t, ok, "recovered page should still feed consensus")
	assert.Equal(t, "61", fs.SelectedValue)

	srcID := model.SourceID(run.ID, model.CanonicalURL(razerURL))
	assert.Equal(t, model.CrawlOK, h.store.fetchStatus[srcID])

	var recoveredEvent bool
	for ev := range ch {
		if ev.Event == events.FetchRecovered {
			recoveredEvent = true
			assert.Equal(t, 1, ev.Payload["requested"])
			assert.Equal(t, 1, ev.Payload["recovered"])
		}
	}
	assert.True(t, recoveredEvent, "recovery should publish its event")
}

func TestRun_PublishesEventStream(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey:    "weight",
		ContextKind: model.ContextScalar,
		Value:       "61 g",
		Quote:       "Weight: 61 g",
	})

	bus := events.NewBus()
	ch, cancel := bus.Subscribe(256)
	defer cancel()
	h.deps.Bus = bus

	p := New(Config{}, h.deps)
	_, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)
	bus.Close()

	var stream []events.Event
	byName := make(map[events.Name]events.Event)
	for ev := range ch {
		stream = append(stream, ev)
		byName[ev.Event] = ev
	}
	require.NotEmpty(t, stream)

	first := stream[0]
	assert.Equal(t, events.RunContext, first.Event)
	assert.Equal(t, events.StageRun, first.Stage)
	assert.Equal(t, viperMini().ProductID(), first.Scope.ProductID)
	assert.Zero(t, first.Scope.Round)
	assert.False(t, first.TS.IsZero())

	last := stream[len(stream)-1]
	assert.Equal(t, events.RunCompleted, last.Event)
	assert.Equal(t, string(model.StopConverged), last.Payload["stop_reason"])

	for _, want := range []events.Name{
		events.NeedSetComputed,
		events.SearchStarted,
		events.SearchFinished,
		events.FetchStarted,
		events.ParseFinished,
		events.IndexFinished,
		events.SourceProcessed,
		events.CandidateUpdated,
		events.FieldSelected,
		events.RoundFinished,
	} {
		assert.Contains(t, byName, want, "missing %s", want)
	}

	processed := byName[events.SourceProcessed]
	assert.Equal(t, events.StageFetch, processed.Stage)
	assert.Equal(t, "ok", processed.Payload["outcome"])
	assert.Equal(t, 1, processed.Payload["assertions"])
	assert.Equal(t, 1, processed.Scope.Round)

	selected := byName[events.FieldSelected]
	assert.Equal(t, events.StageConsensus, selected.Stage)
	assert.Equal(t, "weight", selected.Payload["field"])
	assert.Equal(t, "61", selected.Payload["value"])
}

func TestRun_NoSourcesTerminates(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	// Searcher returns nothing at all.

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusNoSources, run.Status)
	assert.Equal(t, model.StopNoSources, run.Summary.StopReason)
	assert.Equal(t, model.RunStatusNoSources, h.store.finished)
}

func TestRun_NoProgressStops(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	// The page fetches fine but the parser finds nothing usable.
	h.seedRazerPage()

	p := New(Config{NoProgressLimit: 1}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, model.StopNoProgress, run.Summary.StopReason)
	assert.Equal(t, 1, run.Counters.Rounds)
	assert.Zero(t, run.Summary.FieldsSelected)
}

func TestRun_MaxRoundsGatesLowConfidence(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey: "weight", ContextKind: model.ContextScalar, Value: "61 g", Quote: "Weight: 61 g",
	})

	// A gate no single source can clear keeps the field gated.
	p := New(Config{MaxRounds: 1, ConfidenceGate: 0.995}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, model.StopMaxRounds, run.Summary.StopReason)
	assert.Equal(t, 1, run.Summary.FieldsSelected)
	assert.Equal(t, 1, run.Summary.FieldsGated)
}

func TestRun_Tier2OnlyEvidenceTagsDowngrade(t *testing.T) {
	rule := weightRule()
	rule.PreferredTier = 1
	h := newHarness(miceContract(rule))

	// The manufacturer never shows up; a lab review carries the field.
	const rtingsURL = "https://www.rtings.com/mouse/reviews/razer/viper-mini"
	h.searcher.results = append(h.searcher.results, discovery.SERPResult{
		Title:   "Razer Viper Mini review",
		URL:     rtingsURL,
		Snippet: "Lab-measured weight and click latency",
	})
	h.fetcher.byURL[rtingsURL] = okPage(rtingsURL)
	h.parsers.byURL[rtingsURL] = []parser.RawAssertion{{
		FieldKey:    "weight",
		ContextKind: model.ContextScalar,
		Value:       "61 g",
		Quote:       "Weight: 61 g",
	}}

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, model.StopConverged, run.Summary.StopReason)
	assert.True(t, run.Summary.TierDowngraded)

	fs, ok := h.store.fieldStates["weight"]
	require.True(t, ok)
	assert.Equal(t, "61", fs.SelectedValue)
}

func TestRun_IdentityConflictFailsFast(t *testing.T) {
	nameRule := contract.FieldRule{
		Key:           "model_name",
		Label:         "Model Name",
		RequiredLevel: contract.LevelIdentity,
		ContextKind:   model.ContextScalar,
	}
	h := newHarness(miceContract(nameRule))

	otherURL := "https://www.razerzone.com/archive/viper-mini"
	h.seedRazerPage(parser.RawAssertion{
		FieldKey: "model_name", ContextKind: model.ContextScalar, Value: "Viper Mini", Quote: "Viper Mini",
	})
	h.searcher.results = append(h.searcher.results, discovery.SERPResult{
		Title:   "Razer Viper Mini archive listing",
		URL:     otherURL,
		Snippet: "Razer Viper Mini legacy page",
	})
	h.fetcher.byURL[otherURL] = okPage(otherURL)
	h.parsers.byURL[otherURL] = []parser.RawAssertion{
		{FieldKey: "model_name", ContextKind: model.ContextScalar, Value: "Viper Mini SE", Quote: "Viper Mini SE"},
	}

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.StopIdentityConflict, run.Summary.StopReason)
	assert.Contains(t, run.Summary.Warnings, "identity conflict across tier-1 sources")
	assert.Equal(t, 1, run.Counters.Rounds)
}

func TestRun_RateLimitEmitsDomainBackoff(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage()
	h.fetcher.byURL[razerURL] = &fetch.Fetched{Outcome: fetch.OutcomeRateLimited}

	p := New(Config{NoProgressLimit: 1}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, 1, run.Counters.FetchBlocked)
	jobs := h.store.jobsOfType(model.JobDomainBackoff)
	require.Len(t, jobs, 1)
	assert.Equal(t, "razer.com", jobs[0].Domain)
	assert.Equal(t, resilience.FailRateLimit, h.frontier.failures[razerURL])
}

func TestRun_DeadPatternEnqueuesRepair(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage()
	h.fetcher.byURL[razerURL] = &fetch.Fetched{Outcome: fetch.OutcomeNotFound}
	h.frontier.dead = &model.DeadPattern{Host: "www.razer.com", Pattern: "/gaming-mice/*"}

	p := New(Config{NoProgressLimit: 1}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, 1, run.Counters.FetchFailed)
	jobs := h.store.jobsOfType(model.JobRepairSearch)
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].Query, "Razer Viper Mini")
	assert.Contains(t, jobs[0].ReasonTags, "dead_path")
}

func TestRun_ExtractAndValidateRoles(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey: "weight", ContextKind: model.ContextScalar, Value: "61 g", Quote: "Weight: 61 g",
	})

	canonical := model.CanonicalURL(razerURL)
	srcID := model.SourceID("run1", canonical)
	h.deps.Assembler = &stubAssembler{packets: map[string]*retrieval.Packet{
		"weight": {
			RunID:    "run1",
			FieldKey: "weight",
			Prime: []retrieval.EvidenceRow{{
				SnippetID:   "sn_1",
				AssertionID: "a1",
				SourceID:    srcID,
				RootDomain:  "razer.com",
				Tier:        1,
				Value:       "61",
				RetrievedAt: time.Now().UTC(),
			}},
		},
	}}
	h.deps.Extractor = &stubExtractor{ext: &llm.Extraction{
		Value: "61", Unit: "g", Confidence: 0.9, SnippetIDs: []string{"sn_1"},
	}}
	h.deps.Validator = &stubValidator{verdict: "confirm"}

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, model.StopConverged, run.Summary.StopReason)
	assert.Equal(t, 2, run.Counters.LLMCalls, "one extract, one validate")
	assert.Zero(t, run.Counters.LLMFailures)
	assert.Equal(t, 200, run.Counters.InputTokens)
	assert.Equal(t, 100, run.Counters.OutputTokens)

	fs := h.store.fieldStates["weight"]
	assert.Contains(t, fs.Flags, "validated")
	assert.Equal(t, "61", fs.SelectedValue)
}

func TestRun_EmitsAnalysisSnapshots(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey: "weight", ContextKind: model.ContextScalar, Value: "61 g", Quote: "Weight: 61 g",
	})

	canonical := model.CanonicalURL(razerURL)
	srcID := model.SourceID("run1", canonical)
	h.deps.Assembler = &stubAssembler{packets: map[string]*retrieval.Packet{
		"weight": {
			RunID:    "run1",
			FieldKey: "weight",
			Prime: []retrieval.EvidenceRow{{
				SnippetID:   "sn_1",
				AssertionID: "a1",
				SourceID:    srcID,
				RootDomain:  "razer.com",
				Tier:        1,
				Value:       "61",
				RetrievedAt: time.Now().UTC(),
			}},
		},
	}}
	h.deps.Extractor = &stubExtractor{ext: &llm.Extraction{
		Value: "61", Unit: "g", Confidence: 0.9, SnippetIDs: []string{"sn_1"},
	}}
	sink := &stubAnalysis{}
	h.deps.Analysis = sink

	p := New(Config{}, h.deps)
	_, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	needs, ok := sink.last["needset"].([]model.NeedRow)
	require.True(t, ok, "needset snapshot missing")
	assert.NotEmpty(t, needs)

	profile, ok := sink.last["search_profile"].(discovery.SearchProfile)
	require.True(t, ok, "search profile snapshot missing")
	assert.NotEmpty(t, profile.Queries)

	packets, ok := sink.last["phase07_retrieval"].(map[string]*retrieval.Packet)
	require.True(t, ok, "retrieval snapshot missing")
	assert.Contains(t, packets, "weight")

	recs, ok := sink.last["phase08_extraction"].(map[string]extractionRecord)
	require.True(t, ok, "extraction snapshot missing")
	rec := recs["weight"]
	assert.Equal(t, "61", rec.Value)
	assert.True(t, rec.Cited)
	assert.Equal(t, 1, rec.Round)
}

func TestRun_ExtractFailureDegradesToDeterministic(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey: "weight", ContextKind: model.ContextScalar, Value: "61 g", Quote: "Weight: 61 g",
	})
	h.deps.Assembler = &stubAssembler{packets: map[string]*retrieval.Packet{
		"weight": {RunID: "run1", FieldKey: "weight"},
	}}
	h.deps.Extractor = &stubExtractor{err: eris.New("model overloaded")}

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	// The parser-only evidence still selects the value.
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, model.StopConverged, run.Summary.StopReason)
	assert.Equal(t, 1, run.Counters.LLMFailures)
	assert.Contains(t, run.Summary.Warnings, "llm_degraded")
	assert.Equal(t, "61", h.store.fieldStates["weight"].SelectedValue)
}

func TestRun_ExtractBudgetExhaustedIsNotAFailure(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey: "weight", ContextKind: model.ContextScalar, Value: "61 g", Quote: "Weight: 61 g",
	})
	h.deps.Assembler = &stubAssembler{packets: map[string]*retrieval.Packet{
		"weight": {RunID: "run1", FieldKey: "weight"},
	}}
	h.deps.Extractor = &stubExtractor{err: llm.ErrBudgetExhausted}

	p := New(Config{}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Zero(t, run.Counters.LLMFailures, "a spent budget is a planned stop")
	assert.Contains(t, run.Summary.Warnings, "llm_budget_exhausted")
	assert.Contains(t, run.Summary.Warnings, "llm_degraded")
	assert.Equal(t, "61", h.store.fieldStates["weight"].SelectedValue)
}

func TestRun_BatchExtractWhenRoundIsWideEnough(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey: "weight", ContextKind: model.ContextScalar, Value: "61 g", Quote: "Weight: 61 g",
	})

	canonical := model.CanonicalURL(razerURL)
	srcID := model.SourceID("run1", canonical)
	h.deps.Assembler = &stubAssembler{packets: map[string]*retrieval.Packet{
		"weight": {
			RunID:    "run1",
			FieldKey: "weight",
			Prime: []retrieval.EvidenceRow{{
				SnippetID:   "sn_1",
				AssertionID: "a1",
				SourceID:    srcID,
				RootDomain:  "razer.com",
				Tier:        1,
				Value:       "61",
				RetrievedAt: time.Now().UTC(),
			}},
		},
	}}
	ext := &stubBatchExtractor{exts: map[string]*llm.Extraction{
		"weight": {Value: "61", Unit: "g", Confidence: 0.9, SnippetIDs: []string{"sn_1"}},
	}}
	h.deps.Extractor = ext

	p := New(Config{BatchExtractMin: 1}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, ext.batchCalls)
	assert.Zero(t, ext.seqCalls, "batch path should replace per-field calls")
	assert.Equal(t, "61", h.store.fieldStates["weight"].SelectedValue)
	// One logical call per batched field.
	assert.Equal(t, 1, run.Counters.LLMCalls)
	assert.Equal(t, 300, run.Counters.InputTokens)
}

func TestRun_BatchExtractBelowMinStaysSequential(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey: "weight", ContextKind: model.ContextScalar, Value: "61 g", Quote: "Weight: 61 g",
	})
	h.deps.Assembler = &stubAssembler{packets: map[string]*retrieval.Packet{
		"weight": {RunID: "run1", FieldKey: "weight"},
	}}
	ext := &stubBatchExtractor{
		seqExt: &llm.Extraction{Value: "61", Unit: "g", Confidence: 0.9, SnippetIDs: []string{"sn_1"}},
	}
	h.deps.Extractor = ext

	p := New(Config{BatchExtractMin: 5}, h.deps)
	_, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Zero(t, ext.batchCalls)
	assert.GreaterOrEqual(t, ext.seqCalls, 1)
}

func TestRun_BatchExtractFailureFallsBackToPerField(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage(parser.RawAssertion{
		FieldKey: "weight", ContextKind: model.ContextScalar, Value: "61 g", Quote: "Weight: 61 g",
	})

	canonical := model.CanonicalURL(razerURL)
	srcID := model.SourceID("run1", canonical)
	h.deps.Assembler = &stubAssembler{packets: map[string]*retrieval.Packet{
		"weight": {
			RunID:    "run1",
			FieldKey: "weight",
			Prime: []retrieval.EvidenceRow{{
				SnippetID:   "sn_1",
				AssertionID: "a1",
				SourceID:    srcID,
				RootDomain:  "razer.com",
				Tier:        1,
				Value:       "61",
				RetrievedAt: time.Now().UTC(),
			}},
		},
	}}
	ext := &stubBatchExtractor{
		batchErr: eris.New("batch quota exceeded"),
		seqExt:   &llm.Extraction{Value: "61", Unit: "g", Confidence: 0.9, SnippetIDs: []string{"sn_1"}},
	}
	h.deps.Extractor = ext

	p := New(Config{BatchExtractMin: 1}, h.deps)
	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, ext.batchCalls)
	assert.GreaterOrEqual(t, ext.seqCalls, 1, "failed batch retries per field")
	assert.Equal(t, 1, run.Counters.LLMFailures)
	assert.Equal(t, "61", h.store.fieldStates["weight"].SelectedValue)
}

func TestRun_CancelledContextInterrupts(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(Config{}, h.deps)
	run, err := p.Run(ctx, viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusInterrupted, run.Status)
	assert.Equal(t, model.StopCancelled, run.Summary.StopReason)
	assert.Equal(t, model.RunStatusInterrupted, h.store.finished)
}

func TestRun_WallClockBudgetCompletesWithWarning(t *testing.T) {
	h := newHarness(miceContract(weightRule()))
	h.seedRazerPage()

	p := New(Config{WallClockBudget: time.Hour}, h.deps)
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time {
		clock = clock.Add(31 * time.Minute)
		return clock
	}

	run, err := p.Run(context.Background(), viperMini())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, model.StopBudgetExhausted, run.Summary.StopReason)
	assert.Contains(t, run.Summary.Warnings, "budget_exhausted")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, model.RunStatusInterrupted, statusFor(model.StopCancelled))
	assert.Equal(t, model.RunStatusNoSources, statusFor(model.StopNoSources))
	assert.Equal(t, model.RunStatusFailed, statusFor(model.StopIdentityConflict))
	assert.Equal(t, model.RunStatusCompleted, statusFor(model.StopConverged))
	assert.Equal(t, model.RunStatusCompleted, statusFor(model.StopMaxRounds))
	assert.Equal(t, model.RunStatusCompleted, statusFor(model.StopBudgetExhausted))
}
