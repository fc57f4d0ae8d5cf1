package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/consensus"
	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/discovery"
	"github.com/sells-group/spec-harvester/internal/events"
	"github.com/sells-group/spec-harvester/internal/fetch"
	"github.com/sells-group/spec-harvester/internal/llm"
	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/needset"
	"github.com/sells-group/spec-harvester/internal/parser"
	"github.com/sells-group/spec-harvester/internal/queue"
	"github.com/sells-group/spec-harvester/internal/retrieval"
	"github.com/sells-group/spec-harvester/internal/store"
	"github.com/sells-group/spec-harvester/pkg/anthropic"
)

// extractionRecord is one extract-role verdict as written to
// analysis/phase08_extraction.json.
type extractionRecord struct {
	Value      string   `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	Confidence float64  `json:"confidence"`
	SnippetIDs []string `json:"snippet_ids,omitempty"`
	Cited      bool     `json:"cited"`
	Round      int      `json:"round"`
}

// fieldTrack is the orchestrator's in-memory standing for one field,
// updated as evidence and decisions land.
type fieldTrack struct {
	domains    map[string]bool
	bestTier   int
	newest     time.Time
	selected   bool
	confidence float64
	conflict   bool
	valueNorm  string
}

// runState carries everything the loop accumulates across rounds.
type runState struct {
	run       *model.Run
	product   model.ProductIdentity
	productID string
	// seeds are the input job's URLs, consumed on the first round.
	seeds []string

	// inputs holds every consensus input seen so far, per field.
	inputs map[string][]consensus.Input
	track  map[string]*fieldTrack
	// packets caches the latest retrieval packet per field for the
	// validate role.
	packets map[string]*retrieval.Packet
	// extractions keeps the latest extract-role verdict per field for
	// the analysis output.
	extractions map[string]extractionRecord

	noProgress  int
	lowQuality  int
	sourcesSeen int
	// llmDegraded flips after a persistent extract failure; the rest of
	// the run stays deterministic.
	llmDegraded      bool
	identityConflict bool
	warnings         []string
}

func (st *runState) trackFor(field string) *fieldTrack {
	tr, ok := st.track[field]
	if !ok {
		tr = &fieldTrack{domains: make(map[string]bool)}
		st.track[field] = tr
	}
	return tr
}

// warn records a summary warning once.
func (st *runState) warn(msg string) {
	for _, w := range st.warnings {
		if w == msg {
			return
		}
	}
	st.warnings = append(st.warnings, msg)
}

func (st *runState) selectedCount() int {
	n := 0
	for _, tr := range st.track {
		if tr.selected {
			n++
		}
	}
	return n
}

// evidenceMap projects the track into the NeedSet engine's input shape.
func (st *runState) evidenceMap() map[string]needset.FieldEvidence {
	ev := make(map[string]needset.FieldEvidence, len(st.track))
	for key, tr := range st.track {
		ev[key] = needset.FieldEvidence{
			Selected:     tr.selected,
			Confidence:   tr.confidence,
			BestTier:     tr.bestTier,
			DistinctRefs: len(tr.domains),
			Conflict:     tr.conflict,
			NewestRef:    tr.newest,
		}
	}
	return ev
}

// identityLocked reports whether every identity field is settled above
// the gate. Non-identity need scores stay capped until it is.
func (p *Pipeline) identityLocked(st *runState) bool {
	for _, rule := range p.deps.Contract.IdentityFields() {
		tr := st.track[rule.Key]
		if tr == nil || !tr.selected || tr.confidence < p.cfg.ConfidenceGate || tr.conflict {
			return false
		}
	}
	return true
}

// runRound executes one full round. An error is fatal to the run.
func (p *Pipeline) runRound(ctx context.Context, log *zap.Logger, st *runState, round int) error {
	now := p.now().UTC()
	locked := p.identityLocked(st)
	needs := p.deps.Needs.Compute(now, st.evidenceMap(), locked)
	p.publish(events.StageNeedSet, events.NeedSetComputed, st, round, map[string]any{
		"open_fields":     openNeeds(needs),
		"identity_locked": locked,
	})
	p.snapshot("needset", needs)

	startCounters := st.run.Counters

	var reqs []fetch.Request
	rateLimited := make(map[string]bool)

	if err := p.phase(log, st, "discover", func() error {
		p.setStatus(ctx, st, model.RunStatusDiscovering)
		var err error
		reqs, err = p.discoverPhase(ctx, st, round, needs)
		return err
	}); err != nil {
		return err
	}

	touched := make(map[string]bool)
	if err := p.phase(log, st, "fetch_parse_index", func() error {
		p.setStatus(ctx, st, model.RunStatusFetching)
		return p.fetchPhase(ctx, log, st, round, reqs, touched, rateLimited)
	}); err != nil {
		return err
	}

	if err := p.phase(log, st, "extract", func() error {
		p.setStatus(ctx, st, model.RunStatusExtracting)
		return p.extractPhase(ctx, log, st, round, touched)
	}); err != nil {
		return err
	}

	var changed int
	if err := p.phase(log, st, "consensus", func() error {
		p.setStatus(ctx, st, model.RunStatusReviewing)
		var err error
		changed, err = p.consensusPhase(ctx, log, st, round, touched)
		return err
	}); err != nil {
		return err
	}

	if changed == 0 {
		st.noProgress++
	} else {
		st.noProgress = 0
	}
	roundDelta := st.run.Counters
	roundDelta.FetchOK -= startCounters.FetchOK
	roundDelta.SnippetsNew -= startCounters.SnippetsNew
	if roundDelta.FetchOK == 0 || roundDelta.SnippetsNew == 0 {
		st.lowQuality++
	} else {
		st.lowQuality = 0
	}

	return p.phase(log, st, "automation", func() error {
		p.emitJobs(ctx, st, round, now, rateLimited)
		if p.deps.Queue == nil {
			return nil
		}
		stats, err := p.deps.Queue.Drain(ctx)
		if err != nil {
			log.Warn("pipeline: queue drain", zap.Error(err))
			return nil
		}
		if stats.Claimed > 0 {
			log.Info("pipeline: queue drained",
				zap.Int("claimed", stats.Claimed),
				zap.Int("done", stats.Done),
				zap.Int("failed", stats.Failed))
		}
		return nil
	})
}

// discoverPhase plans queries, searches, triages and admits URLs.
func (p *Pipeline) discoverPhase(ctx context.Context, st *runState, round int, needs []model.NeedRow) ([]fetch.Request, error) {
	profile := discovery.BuildProfile(ctx, p.deps.Planner, p.deps.Contract, st.product, needs, p.cfg.MaxQueriesPerRound)
	p.snapshot("search_profile", profile)
	st.run.Counters.QueriesIssued += len(profile.Queries)
	queries := make([]string, len(profile.Queries))
	for i, q := range profile.Queries {
		queries[i] = q.Text
	}
	p.publish(events.StageSearch, events.SearchStarted, st, round, map[string]any{
		"queries": queries,
	})

	cands, err := discovery.Discover(ctx, p.deps.Searcher, p.deps.Contract, st.product, profile, p.deps.Reranker)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: discover")
	}
	p.publish(events.StageSearch, events.SearchFinished, st, round, map[string]any{
		"candidates": len(cands),
	})

	now := p.now().UTC()
	reqs := make([]fetch.Request, 0, len(cands))
	requested := make(map[string]bool)

	// The input job's seeds go first; the requester already knows where
	// the product lives. Discovery fills the rest of the round budget.
	if round == 1 {
		for _, raw := range st.seeds {
			u := model.CanonicalURL(raw)
			if u == "" || requested[u] || len(reqs) == p.cfg.MaxURLsPerRound {
				continue
			}
			ok, err := p.admitURL(ctx, st, round, u, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			requested[u] = true
			reqs = append(reqs, fetch.Request{
				URL:  u,
				Tier: p.deps.Contract.TierFor(model.RootDomainOf(model.HostOf(u))),
			})
		}
	}

	for _, c := range cands {
		if len(reqs) == p.cfg.MaxURLsPerRound {
			break
		}
		if requested[c.URL] {
			continue
		}
		ok, err := p.admitURL(ctx, st, round, c.URL, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		requested[c.URL] = true
		reqs = append(reqs, fetch.Request{URL: c.URL, Tier: c.Tier})
	}
	return reqs, nil
}

// admitURL spends one frontier admission, recording the skip event and
// counters. True means the URL should be fetched this round.
func (p *Pipeline) admitURL(ctx context.Context, st *runState, round int, url string, now time.Time) (bool, error) {
	adm, err := p.deps.Frontier.Admit(ctx, url, now)
	if err != nil {
		return false, eris.Wrap(err, "pipeline: admit")
	}
	if !adm.Allow {
		st.run.Counters.URLsSkipped++
		p.publish(events.StageFetch, events.SourceFetchSkipped, st, round, map[string]any{
			"url":    url,
			"reason": adm.Reason,
		})
		return false, nil
	}
	st.run.Counters.URLsAdmitted++
	return true, nil
}

// fetchPhase runs the fetch lane and pushes successful pages through the
// parser ladder into the evidence index.
func (p *Pipeline) fetchPhase(ctx context.Context, log *zap.Logger, st *runState, round int, reqs []fetch.Request, touched, rateLimited map[string]bool) error {
	st.sourcesSeen += len(reqs)
	before := st.run.Counters
	p.publish(events.StageFetch, events.FetchStarted, st, round, map[string]any{
		"urls": len(reqs),
	})

	for _, req := range reqs {
		src := p.pendingSource(st, req)
		if err := p.deps.Store.UpsertSource(ctx, src); err != nil {
			return eris.Wrap(err, "pipeline: upsert source")
		}
	}

	var recoverable []fetch.Request
	for _, f := range p.deps.Fetcher.FetchAll(ctx, reqs) {
		if err := p.handleFetched(ctx, log, st, round, f, touched, rateLimited); err != nil {
			return err
		}
		switch f.Outcome {
		case fetch.OutcomeNetworkError, fetch.OutcomeBadContent:
			recoverable = append(recoverable, f.Request)
		}
	}

	p.publish(events.StageFetch, events.FetchFinished, st, round, map[string]any{
		"ok":      st.run.Counters.FetchOK - before.FetchOK,
		"blocked": st.run.Counters.FetchBlocked - before.FetchBlocked,
		"failed":  st.run.Counters.FetchFailed - before.FetchFailed,
	})
	return p.recoverFailed(ctx, log, st, round, recoverable, touched)
}

// recoverFailed sends whole-chain failures through the batch scrape
// provider and indexes whatever pages come back. URLs the provider
// cannot produce simply stay failed.
func (p *Pipeline) recoverFailed(ctx context.Context, log *zap.Logger, st *runState, round int, failed []fetch.Request, touched map[string]bool) error {
	if len(failed) == 0 {
		return nil
	}
	urls := make([]string, len(failed))
	byURL := make(map[string]fetch.Request, len(failed))
	for i, req := range failed {
		urls[i] = req.URL
		byURL[model.CanonicalURL(req.URL)] = req
	}

	now := p.now().UTC()
	recovered := 0
	for _, res := range p.deps.Fetcher.Recover(ctx, urls) {
		req, ok := byURL[model.CanonicalURL(res.URL)]
		if !ok || len(res.Body) == 0 {
			continue
		}
		src := p.pendingSource(st, req)
		src.CrawlStatus = model.CrawlOK
		src.Method = res.Method
		src.HTTPStatus = res.StatusCode
		if err := p.deps.Store.UpdateSourceFetch(ctx, src.ID, src.CrawlStatus, src.HTTPStatus, src.Method, now); err != nil {
			log.Warn("pipeline: record recovered fetch", zap.String("url", src.URL), zap.Error(err))
		}
		if err := p.deps.Frontier.RecordSuccess(ctx, src.URL, now); err != nil {
			log.Warn("pipeline: record success", zap.Error(err))
		}
		st.run.Counters.FetchRecovered++
		if _, err := p.parseAndIndex(ctx, log, st, round, src, res, touched, now); err != nil {
			return err
		}
		recovered++
	}
	if recovered > 0 {
		p.publish(events.StageFetch, events.FetchRecovered, st, round, map[string]any{
			"requested": len(failed),
			"recovered": recovered,
		})
	}
	return nil
}

func (p *Pipeline) pendingSource(st *runState, req fetch.Request) *model.Source {
	canonical := model.CanonicalURL(req.URL)
	host := model.HostOf(canonical)
	return &model.Source{
		ID:          model.SourceID(st.run.ID, canonical),
		RunID:       st.run.ID,
		URL:         canonical,
		Host:        host,
		RootDomain:  model.RootDomainOf(host),
		Tier:        req.Tier,
		CrawlStatus: model.CrawlPending,
	}
}

func (p *Pipeline) handleFetched(ctx context.Context, log *zap.Logger, st *runState, round int, f *fetch.Fetched, touched, rateLimited map[string]bool) error {
	now := p.now().UTC()
	src := p.pendingSource(st, f.Request)
	src.CrawlStatus = f.Outcome.CrawlStatus()
	if f.Result != nil {
		src.Method = f.Result.Method
		src.HTTPStatus = f.Result.StatusCode
	}

	if err := p.deps.Store.UpdateSourceFetch(ctx, src.ID, src.CrawlStatus, src.HTTPStatus, src.Method, now); err != nil {
		log.Warn("pipeline: record fetch", zap.String("url", src.URL), zap.Error(err))
	}

	switch f.Outcome {
	case fetch.OutcomeOK:
		st.run.Counters.FetchOK++
		if src.Method == model.MethodHeadless {
			st.run.Counters.HeadlessFetches++
		}
		if err := p.deps.Frontier.RecordSuccess(ctx, src.URL, now); err != nil {
			log.Warn("pipeline: record success", zap.Error(err))
		}
	case fetch.OutcomeBlocked, fetch.OutcomeLoginWall, fetch.OutcomeBotChallenge, fetch.OutcomeRateLimited:
		st.run.Counters.FetchBlocked++
		if f.Outcome == fetch.OutcomeRateLimited {
			rateLimited[src.RootDomain] = true
		}
		p.recordFailure(ctx, log, st, round, src, f.Outcome, now)
	default:
		st.run.Counters.FetchFailed++
		p.recordFailure(ctx, log, st, round, src, f.Outcome, now)
	}

	assertions := 0
	if f.Outcome == fetch.OutcomeOK && f.Result != nil {
		n, err := p.parseAndIndex(ctx, log, st, round, src, f.Result, touched, now)
		if err != nil {
			return err
		}
		assertions = n
	}
	p.publish(events.StageFetch, events.SourceProcessed, st, round, map[string]any{
		"url":        src.URL,
		"outcome":    string(f.Outcome),
		"status":     src.HTTPStatus,
		"assertions": assertions,
	})
	return nil
}

// recordFailure updates URL health and turns a dead-path promotion into
// a repair-search job.
func (p *Pipeline) recordFailure(ctx context.Context, log *zap.Logger, st *runState, round int, src *model.Source, outcome fetch.Outcome, now time.Time) {
	dp, err := p.deps.Frontier.RecordFailure(ctx, src.URL, outcome.FailKind(), now)
	if err != nil {
		log.Warn("pipeline: record failure", zap.String("url", src.URL), zap.Error(err))
		return
	}
	if dp == nil {
		return
	}
	query := strings.TrimSpace(st.product.Brand + " " + st.product.Model + " specifications")
	p.enqueue(ctx, log, st, round,
		queue.RepairSearch(st.productID, src.RootDomain, query, nil, "dead_path"))
}

func (p *Pipeline) parseAndIndex(ctx context.Context, log *zap.Logger, st *runState, round int, src *model.Source, res *fetch.Result, touched map[string]bool, now time.Time) (int, error) {
	p.captureArtifacts(ctx, log, st, round, src, res)

	page := &parser.Page{
		URL:    src.URL,
		Kind:   artifactKindOf(res.MIME),
		MIME:   res.MIME,
		Body:   res.Body,
		Method: res.Method,
	}
	p.publish(events.StageParse, events.ParseStarted, st, round, map[string]any{
		"url": src.URL,
	})
	raws, parserName, err := p.deps.Parsers.Extract(ctx, p.deps.Contract, page)
	if err != nil {
		log.Warn("pipeline: parse", zap.String("url", src.URL), zap.Error(err))
		return 0, nil
	}
	p.publish(events.StageParse, events.ParseFinished, st, round, map[string]any{
		"url":        src.URL,
		"parser":     parserName,
		"assertions": len(raws),
	})

	p.publish(events.StageIndex, events.IndexStarted, st, round, map[string]any{
		"url":        src.URL,
		"assertions": len(raws),
	})
	recorded, newSnips, reused := 0, 0, 0
	for _, raw := range raws {
		rule := p.deps.Contract.ByKey(raw.FieldKey)
		if rule == nil {
			continue
		}
		norm, unit := rule.Normalize(raw.Value)
		if unit == "" {
			unit = raw.Unit
		}
		method := raw.Method
		if method == "" {
			method = parserName
		}

		a := &model.Assertion{
			ID:          uuid.NewString(),
			SourceID:    src.ID,
			RunID:       st.run.ID,
			FieldKey:    raw.FieldKey,
			ContextKind: raw.ContextKind,
			ContextRef:  raw.ContextRef,
			ValueRaw:    raw.Value,
			ValueNorm:   norm,
			Unit:        unit,
			Method:      method,
		}
		status, err := p.deps.Index.Record(ctx, a, raw.Quote, src, now)
		if err != nil {
			log.Warn("pipeline: index assertion", zap.String("field", raw.FieldKey), zap.Error(err))
			continue
		}
		recorded++
		st.run.Counters.Assertions++
		if status == store.SnippetNew {
			newSnips++
			st.run.Counters.SnippetsNew++
		} else {
			reused++
			st.run.Counters.SnippetsReused++
		}

		st.inputs[raw.FieldKey] = append(st.inputs[raw.FieldKey], consensus.Input{
			AssertionID: a.ID,
			SourceID:    src.ID,
			RootDomain:  src.RootDomain,
			Tier:        src.Tier,
			Method:      method,
			Value:       raw.Value,
			Unit:        unit,
			RetrievedAt: now,
		})
		touched[raw.FieldKey] = true

		tr := st.trackFor(raw.FieldKey)
		tr.domains[src.RootDomain] = true
		if tr.bestTier == 0 || src.Tier < tr.bestTier {
			tr.bestTier = src.Tier
		}
		if now.After(tr.newest) {
			tr.newest = now
		}
	}
	p.publish(events.StageIndex, events.IndexFinished, st, round, map[string]any{
		"url":          src.URL,
		"new_snippets": newSnips,
		"reused":       reused,
	})
	return recorded, nil
}

// extractPhase assembles packets for the round's touched fields and runs
// the extract role over them, batching the calls when the round is wide
// enough. Extraction failures degrade the run to deterministic parsing
// instead of failing it.
func (p *Pipeline) extractPhase(ctx context.Context, log *zap.Logger, st *runState, round int, touched map[string]bool) error {
	var pending []*retrieval.Packet
	for _, field := range sortedKeys(touched) {
		packet, err := p.deps.Assembler.Assemble(ctx, st.run.ID, st.product, field)
		if err != nil {
			log.Warn("pipeline: assemble packet", zap.String("field", field), zap.Error(err))
			continue
		}
		if packet == nil {
			continue
		}
		st.packets[field] = packet
		p.publish(events.StageRetrieval, events.PrimeSourcesBuilt, st, round, map[string]any{
			"field":   field,
			"prime":   len(packet.Prime),
			"support": len(packet.Support),
		})

		if p.deps.Extractor == nil || st.llmDegraded {
			continue
		}
		pending = append(pending, packet)
	}

	if be, ok := p.deps.Extractor.(BatchFieldExtractor); ok &&
		p.cfg.BatchExtractMin > 0 && len(pending) >= p.cfg.BatchExtractMin {
		if p.extractBatch(ctx, log, st, round, be, pending) {
			pending = nil
		}
	}

	for _, packet := range pending {
		if st.llmDegraded {
			break
		}
		field := packet.FieldKey
		p.publish(events.StageLLM, events.LLMStarted, st, round, map[string]any{
			"role": "extract", "field": field,
		})
		ext, usage, err := p.deps.Extractor.Extract(ctx, packet)
		st.run.Counters.LLMCalls++
		addUsage(&st.run.Counters, usage)
		if err != nil {
			// A spent token budget is a planned stop, not a model fault.
			if eris.Is(err, llm.ErrBudgetExhausted) {
				st.llmDegraded = true
				st.warn("llm_budget_exhausted")
				log.Warn("pipeline: extract budget exhausted, continuing deterministically",
					zap.String("field", field))
				p.publish(events.StageLLM, events.LLMFailed, st, round, map[string]any{
					"role": "extract", "field": field, "error": "token budget exhausted",
				})
				continue
			}
			st.run.Counters.LLMFailures++
			st.llmDegraded = true
			log.Warn("pipeline: extract role failed, continuing deterministically",
				zap.String("field", field), zap.Error(err))
			p.publish(events.StageLLM, events.LLMFailed, st, round, map[string]any{
				"role": "extract", "field": field, "error": err.Error(),
			})
			continue
		}
		p.publish(events.StageLLM, events.LLMFinished, st, round, llmPayload("extract", field, usage))
		if ext == nil {
			continue
		}
		p.recordExtraction(st, round, packet, ext)
	}

	p.snapshot("phase07_retrieval", st.packets)
	p.snapshot("phase08_extraction", st.extractions)
	return nil
}

// extractBatch runs one provider batch over the pending packets.
// Returns false when the batch could not run and the per-field loop
// should take over.
func (p *Pipeline) extractBatch(ctx context.Context, log *zap.Logger, st *runState, round int, be BatchFieldExtractor, pending []*retrieval.Packet) bool {
	p.publish(events.StageLLM, events.LLMStarted, st, round, map[string]any{
		"role": "extract", "batch": true, "fields": len(pending),
	})

	exts, usage, err := be.ExtractBatch(ctx, pending)
	addUsage(&st.run.Counters, usage)
	if err != nil {
		st.run.Counters.LLMCalls++
		if eris.Is(err, llm.ErrBudgetExhausted) {
			st.llmDegraded = true
			st.warn("llm_budget_exhausted")
			log.Warn("pipeline: extract budget exhausted, continuing deterministically")
			p.publish(events.StageLLM, events.LLMFailed, st, round, map[string]any{
				"role": "extract", "batch": true, "error": "token budget exhausted",
			})
			return true
		}
		st.run.Counters.LLMFailures++
		log.Warn("pipeline: batch extract failed, retrying fields one by one",
			zap.Int("fields", len(pending)), zap.Error(err))
		p.publish(events.StageLLM, events.LLMFailed, st, round, map[string]any{
			"role": "extract", "batch": true, "error": err.Error(),
		})
		return false
	}

	st.run.Counters.LLMCalls += len(pending)
	payload := map[string]any{
		"role": "extract", "batch": true,
		"fields": len(pending), "extracted": len(exts),
	}
	if usage != nil {
		payload["input_tokens"] = usage.InputTokens
		payload["output_tokens"] = usage.OutputTokens
	}
	p.publish(events.StageLLM, events.LLMFinished, st, round, payload)

	for _, packet := range pending {
		if ext := exts[packet.FieldKey]; ext != nil {
			p.recordExtraction(st, round, packet, ext)
		}
	}
	return true
}

// recordExtraction folds one extract verdict into the round's state.
func (p *Pipeline) recordExtraction(st *runState, round int, packet *retrieval.Packet, ext *llm.Extraction) {
	field := packet.FieldKey
	row := citedRow(packet, ext.SnippetIDs)
	st.extractions[field] = extractionRecord{
		Value:      ext.Value,
		Unit:       ext.Unit,
		Confidence: ext.Confidence,
		SnippetIDs: ext.SnippetIDs,
		Cited:      row != nil,
		Round:      round,
	}
	if row == nil {
		return
	}
	// The model's reading of a source counts as its own method
	// observation, distinct from the parser's.
	st.inputs[field] = append(st.inputs[field], consensus.Input{
		AssertionID: row.AssertionID,
		SourceID:    "llm:" + row.SourceID,
		RootDomain:  row.RootDomain,
		Tier:        row.Tier,
		Method:      "extract",
		Value:       ext.Value,
		Unit:        ext.Unit,
		RetrievedAt: row.RetrievedAt,
	})
}

// snapshot hands a named phase snapshot to the analysis sink.
func (p *Pipeline) snapshot(name string, v any) {
	if p.deps.Analysis == nil {
		return
	}
	p.deps.Analysis.Snapshot(name, v)
}

// consensusPhase decides each touched field, persists candidates and
// field state, and seeds the review lanes. Returns how many fields
// changed their selected value.
func (p *Pipeline) consensusPhase(ctx context.Context, log *zap.Logger, st *runState, round int, touched map[string]bool) (int, error) {
	changed := 0
	for _, field := range sortedKeys(touched) {
		rule := p.deps.Contract.ByKey(field)
		if rule == nil {
			continue
		}
		dec, cands := p.deps.Consensus.Decide(rule, st.run.ID, st.inputs[field])
		for i := range cands {
			if err := p.deps.Store.UpsertCandidate(ctx, &cands[i]); err != nil {
				return changed, eris.Wrap(err, "pipeline: upsert candidate")
			}
		}
		p.publish(events.StageConsensus, events.CandidateUpdated, st, round, map[string]any{
			"field":      field,
			"candidates": len(cands),
		})
		if dec == nil {
			continue
		}

		tr := st.trackFor(field)
		conf := dec.Confidence
		flags := dec.ReasonCodes

		valueChanged := !tr.selected || tr.valueNorm != dec.ValueNorm
		if valueChanged {
			conf, flags = p.validateDecision(ctx, log, st, round, field, dec, conf, flags)
		}

		prevSelected, prevValue := tr.selected, tr.valueNorm
		tr.selected = true
		tr.confidence = conf
		tr.conflict = hasCode(dec.ReasonCodes, "conflict")
		tr.valueNorm = dec.ValueNorm
		if !prevSelected || prevValue != dec.ValueNorm {
			changed++
		}

		if rule.IsIdentity() && tr.conflict && tr.bestTier == 1 && len(tr.domains) >= 2 {
			st.identityConflict = true
		}

		now := p.now().UTC()
		fs := &model.FieldState{
			ProductID:           st.productID,
			FieldKey:            field,
			SelectedValue:       dec.ValueNorm,
			SelectedCandidateID: dec.CandidateID,
			Confidence:          conf,
			Flags:               flags,
			UpdatedAt:           now,
		}
		if err := p.deps.Store.UpsertFieldState(ctx, fs); err != nil {
			return changed, eris.Wrap(err, "pipeline: upsert field state")
		}

		if _, err := p.deps.Review.Seed(ctx, model.LanePrimary, model.TargetGrid,
			model.GridKeyID(st.productID, field), dec.ValueNorm, conf); err != nil {
			log.Warn("pipeline: seed review", zap.String("field", field), zap.Error(err))
		}
		if err := p.seedShared(ctx, log, st, rule, dec, conf, now); err != nil {
			return changed, err
		}

		p.publish(events.StageConsensus, events.FieldSelected, st, round, map[string]any{
			"field":      field,
			"value":      dec.ValueNorm,
			"confidence": conf,
		})
	}
	return changed, nil
}

// seedShared creates the canonical row a shared decision reviews and
// seeds its shared-lane key. Only the harvester creates canonical rows;
// review accepts select among existing ones.
func (p *Pipeline) seedShared(ctx context.Context, log *zap.Logger, st *runState, rule *contract.FieldRule, dec *consensus.Decision, conf float64, now time.Time) error {
	switch {
	case len(rule.Enum) > 0 || rule.ContextKind == model.ContextList:
		if _, err := p.deps.Store.UpsertListValue(ctx, &model.ListValue{
			FieldKey:  rule.Key,
			ValueNorm: dec.ValueNorm,
			Display:   dec.Value,
			CreatedAt: now,
		}); err != nil {
			return eris.Wrap(err, "pipeline: upsert list value")
		}
		if _, err := p.deps.Review.Seed(ctx, model.LaneShared, model.TargetEnum,
			model.EnumKeyID(rule.Key, dec.ValueNorm), dec.ValueNorm, conf); err != nil {
			log.Warn("pipeline: seed shared review", zap.String("field", rule.Key), zap.Error(err))
		}
	case rule.ContextKind == model.ContextComponent:
		comp, err := p.deps.Store.UpsertComponent(ctx, &model.ComponentIdentity{
			Kind:      rule.Key,
			Name:      dec.Value,
			NameNorm:  dec.ValueNorm,
			CreatedAt: now,
		})
		if err != nil {
			return eris.Wrap(err, "pipeline: upsert component")
		}
		if _, err := p.deps.Review.Seed(ctx, model.LaneShared, model.TargetComponent,
			model.ComponentKeyID(comp.ID, model.ComponentNameProperty), dec.ValueNorm, conf); err != nil {
			log.Warn("pipeline: seed shared review", zap.String("field", rule.Key), zap.Error(err))
		}
	}
	return nil
}

// validateDecision runs the validate role on a fresh selection. A reject
// halves confidence so the field re-enters the NeedSet.
func (p *Pipeline) validateDecision(ctx context.Context, log *zap.Logger, st *runState, round int, field string, dec *consensus.Decision, conf float64, flags []string) (float64, []string) {
	if p.deps.Validator == nil || st.llmDegraded {
		return conf, flags
	}
	packet := st.packets[field]
	if packet == nil {
		return conf, flags
	}

	p.publish(events.StageLLM, events.LLMStarted, st, round, map[string]any{
		"role": "validate", "field": field,
	})
	v, usage, err := p.deps.Validator.Check(ctx, packet, dec.Value, dec.Unit)
	st.run.Counters.LLMCalls++
	addUsage(&st.run.Counters, usage)
	if err != nil {
		if eris.Is(err, llm.ErrBudgetExhausted) {
			st.llmDegraded = true
			st.warn("llm_budget_exhausted")
			log.Warn("pipeline: validate budget exhausted", zap.String("field", field))
			return conf, flags
		}
		st.run.Counters.LLMFailures++
		log.Warn("pipeline: validate role failed", zap.String("field", field), zap.Error(err))
		p.publish(events.StageLLM, events.LLMFailed, st, round, map[string]any{
			"role": "validate", "field": field, "error": err.Error(),
		})
		return conf, flags
	}
	p.publish(events.StageLLM, events.LLMFinished, st, round, llmPayload("validate", field, usage))

	switch v.Verdict {
	case "confirm":
		flags = append(flags, "validated")
	case "reject":
		conf *= 0.5
		flags = append(flags, "validation_rejected")
	default:
		flags = append(flags, "validation_uncertain")
	}
	return conf, flags
}

// emitJobs turns the post-round NeedSet into automation jobs for later
// rounds.
func (p *Pipeline) emitJobs(ctx context.Context, st *runState, round int, now time.Time, rateLimited map[string]bool) {
	log := zap.L().With(zap.String("run", st.run.ID))

	var deficit, stale []string
	for _, row := range p.deps.Needs.Compute(now, st.evidenceMap(), p.identityLocked(st)) {
		if row.NeedScore <= 0 {
			break
		}
		switch {
		case row.TierDeficit || hasCode(row.ReasonCodes, "refs_deficit"):
			deficit = append(deficit, row.FieldKey)
		case hasCode(row.ReasonCodes, "stale"):
			stale = append(stale, row.FieldKey)
		}
	}

	query := strings.TrimSpace(st.product.Brand + " " + st.product.Model + " specifications")
	if len(deficit) > 0 {
		p.enqueue(ctx, log, st, round,
			queue.DeficitRediscovery(st.productID, query, deficit, "tier_deficit"))
	}
	if len(stale) > 0 {
		p.enqueue(ctx, log, st, round,
			queue.StalenessRefresh(st.productID, "", stale))
	}
	for _, domain := range sortedKeys(rateLimited) {
		p.enqueue(ctx, log, st, round,
			queue.DomainBackoff(st.productID, domain, "rate_limited"))
	}
}

func (p *Pipeline) enqueue(ctx context.Context, log *zap.Logger, st *runState, round int, job *model.Job) {
	ok, err := p.deps.Store.EnqueueJob(ctx, job)
	if err != nil {
		log.Warn("pipeline: enqueue job", zap.String("type", string(job.Type)), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	name := events.JobEnqueued
	payload := map[string]any{
		"type":     string(job.Type),
		"priority": job.Priority,
	}
	if job.Type == model.JobRepairSearch {
		name = events.RepairQueryEnqueued
		payload["domain"] = job.Domain
		payload["query"] = job.Query
		if len(job.ReasonTags) > 0 {
			payload["reasons"] = job.ReasonTags
		}
	}
	p.publish(events.StageQueue, name, st, round, payload)
}

// citedRow resolves the first cited snippet back to its evidence row.
func citedRow(packet *retrieval.Packet, snippetIDs []string) *retrieval.EvidenceRow {
	rows := make(map[string]*retrieval.EvidenceRow, len(packet.Prime)+len(packet.Support))
	for i := range packet.Prime {
		rows[packet.Prime[i].SnippetID] = &packet.Prime[i]
	}
	for i := range packet.Support {
		rows[packet.Support[i].SnippetID] = &packet.Support[i]
	}
	for _, id := range snippetIDs {
		if r, ok := rows[id]; ok {
			return r
		}
	}
	return nil
}

// captureArtifacts archives the fetched payloads for the raw export
// tree. Capture failures never block parsing.
func (p *Pipeline) captureArtifacts(ctx context.Context, log *zap.Logger, st *runState, round int, src *model.Source, res *fetch.Result) {
	if p.deps.Artifacts == nil || len(res.Body) == 0 {
		return
	}
	kind := artifactKindOf(res.MIME)
	if kind == model.ArtifactHTML && res.Method == model.MethodHeadless {
		kind = model.ArtifactDOM
	}
	if _, err := p.deps.Artifacts.Save(ctx, src, kind, res.Body, res.MIME); err != nil {
		log.Warn("pipeline: archive page", zap.String("url", src.URL), zap.Error(err))
	}
	if len(res.Screenshot) == 0 {
		return
	}
	a, err := p.deps.Artifacts.Save(ctx, src, model.ArtifactScreenshot, res.Screenshot, "image/png")
	if err != nil {
		log.Warn("pipeline: archive screenshot", zap.String("url", src.URL), zap.Error(err))
		return
	}
	p.publish(events.StageFetch, events.VisualAssetCaptured, st, round, map[string]any{
		"url":      src.URL,
		"artifact": a.ID,
		"bytes":    a.Size,
	})
}

func artifactKindOf(mime string) model.ArtifactKind {
	if strings.Contains(mime, "pdf") {
		return model.ArtifactPDF
	}
	return model.ArtifactHTML
}

func addUsage(c *model.RunCounters, usage *anthropic.TokenUsage) {
	if usage == nil {
		return
	}
	c.InputTokens += int(usage.InputTokens)
	c.OutputTokens += int(usage.OutputTokens)
}

func llmPayload(role, field string, usage *anthropic.TokenUsage) map[string]any {
	pl := map[string]any{"role": role, "field": field}
	if usage != nil {
		pl["input_tokens"] = usage.InputTokens
		pl["output_tokens"] = usage.OutputTokens
	}
	return pl
}

// openNeeds counts fields the NeedSet still wants evidence for.
func openNeeds(rows []model.NeedRow) int {
	n := 0
	for _, row := range rows {
		if row.NeedScore > 0 {
			n++
		}
	}
	return n
}

func hasCode(codes []string, want string) bool {
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
