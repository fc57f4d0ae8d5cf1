package main

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/discovery"
	"github.com/sells-group/spec-harvester/internal/evidence"
	"github.com/sells-group/spec-harvester/internal/fetch"
	"github.com/sells-group/spec-harvester/internal/frontier"
	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/parser"
	"github.com/sells-group/spec-harvester/internal/queue"
	"github.com/sells-group/spec-harvester/internal/store"
)

// repairRunner executes the search-driven automation jobs drained at
// round boundaries. Repair, rediscovery and refresh jobs rerun a
// focused discovery pass for the job's query and index whatever the
// recovered sources yield under the product's active run.
type repairRunner struct {
	store    store.Store
	frontier *frontier.Frontier
	searcher discovery.Searcher
	fetcher  *fetch.Scheduler
	parsers  *parser.Bank
	index    *evidence.Index
	// contracts resolves the field contract for a category.
	contracts func(category string) (*contract.Contract, error)
	maxURLs   int
}

func (r *repairRunner) register(w *queue.Worker) {
	w.Handle(model.JobRepairSearch, r.research)
	w.Handle(model.JobDeficitRediscovery, r.research)
	w.Handle(model.JobStalenessRefresh, r.research)
	w.Handle(model.JobDomainBackoff, r.backoff)
}

// backoff completes once the job's cooldown has elapsed; the dequeue
// delay is the backoff itself.
func (r *repairRunner) backoff(_ context.Context, job *model.Job) error {
	zap.L().Info("queue: domain backoff elapsed", zap.String("domain", job.Domain))
	return nil
}

func (r *repairRunner) research(ctx context.Context, job *model.Job) error {
	run, err := r.store.GetActiveRun(ctx, job.ProductID)
	if err != nil {
		return eris.Wrap(err, "queue: load active run")
	}
	if run == nil {
		zap.L().Info("queue: no active run for job, nothing to repair",
			zap.String("job", job.ID), zap.String("product", job.ProductID))
		return nil
	}
	product := run.Product
	c, err := r.contracts(product.Category)
	if err != nil {
		return eris.Wrapf(err, "queue: load contract for %s", product.Category)
	}

	query := job.Query
	if query == "" {
		query = strings.TrimSpace(product.Brand + " " + product.Model + " specifications")
	}
	hits, err := r.searcher.Search(ctx, discovery.Query{
		Text:         query,
		TargetFields: job.FieldTargets,
		DocHint:      discovery.DocHint(job.DocHint),
		DomainHint:   job.Domain,
	})
	if err != nil {
		return eris.Wrap(err, "queue: repair search")
	}

	cands := discovery.Dedupe(discovery.Triage(c, product, hits))
	now := time.Now().UTC()
	reqs := make([]fetch.Request, 0, len(cands))
	for _, cand := range cands {
		if len(reqs) == r.maxURLs {
			break
		}
		adm, err := r.frontier.Admit(ctx, cand.URL, now)
		if err != nil {
			return eris.Wrap(err, "queue: admit repair url")
		}
		if !adm.Allow {
			continue
		}
		reqs = append(reqs, fetch.Request{URL: cand.URL, Tier: cand.Tier})
	}
	if len(reqs) == 0 {
		return nil
	}

	for _, f := range r.fetcher.FetchAll(ctx, reqs) {
		if err := r.indexFetched(ctx, run, c, f); err != nil {
			return err
		}
	}
	return nil
}

func (r *repairRunner) indexFetched(ctx context.Context, run *model.Run, c *contract.Contract, f *fetch.Fetched) error {
	now := time.Now().UTC()
	canonical := model.CanonicalURL(f.Request.URL)
	host := model.HostOf(canonical)
	src := &model.Source{
		ID:          model.SourceID(run.ID, canonical),
		RunID:       run.ID,
		URL:         canonical,
		Host:        host,
		RootDomain:  model.RootDomainOf(host),
		Tier:        f.Request.Tier,
		CrawlStatus: f.Outcome.CrawlStatus(),
	}
	if f.Result != nil {
		src.Method = f.Result.Method
		src.HTTPStatus = f.Result.StatusCode
	}
	if err := r.store.UpsertSource(ctx, src); err != nil {
		return eris.Wrap(err, "queue: upsert repair source")
	}
	if err := r.store.UpdateSourceFetch(ctx, src.ID, src.CrawlStatus, src.HTTPStatus, src.Method, now); err != nil {
		zap.L().Warn("queue: record repair fetch", zap.String("url", src.URL), zap.Error(err))
	}

	if f.Outcome != fetch.OutcomeOK || f.Result == nil {
		if _, ferr := r.frontier.RecordFailure(ctx, src.URL, f.Outcome.FailKind(), now); ferr != nil {
			zap.L().Warn("queue: record repair failure", zap.String("url", src.URL), zap.Error(ferr))
		}
		return nil
	}
	if err := r.frontier.RecordSuccess(ctx, src.URL, now); err != nil {
		zap.L().Warn("queue: record repair success", zap.String("url", src.URL), zap.Error(err))
	}

	page := &parser.Page{
		URL:    src.URL,
		Kind:   pageKindOf(f.Result.MIME),
		MIME:   f.Result.MIME,
		Body:   f.Result.Body,
		Method: f.Result.Method,
	}
	raws, parserName, err := r.parsers.Extract(ctx, c, page)
	if err != nil {
		zap.L().Warn("queue: parse repair page", zap.String("url", src.URL), zap.Error(err))
		return nil
	}

	for _, raw := range raws {
		rule := c.ByKey(raw.FieldKey)
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
			RunID:       run.ID,
			FieldKey:    raw.FieldKey,
			ContextKind: raw.ContextKind,
			ContextRef:  raw.ContextRef,
			ValueRaw:    raw.Value,
			ValueNorm:   norm,
			Unit:        unit,
			Method:      method,
		}
		if _, err := r.index.Record(ctx, a, raw.Quote, src, now); err != nil {
			zap.L().Warn("queue: index repair assertion",
				zap.String("field", raw.FieldKey), zap.Error(err))
		}
	}
	return nil
}

// contractLoader resolves category contracts from the configured
// directory, caching per category.
func contractLoader() func(string) (*contract.Contract, error) {
	cache := make(map[string]*contract.Contract)
	return func(category string) (*contract.Contract, error) {
		if c, ok := cache[category]; ok {
			return c, nil
		}
		c, err := contract.Load(filepath.Join(cfg.Contracts.Dir, category+".yaml"))
		if err != nil {
			return nil, err
		}
		cache[category] = c
		return c, nil
	}
}

func pageKindOf(mime string) model.ArtifactKind {
	if strings.Contains(mime, "pdf") {
		return model.ArtifactPDF
	}
	return model.ArtifactHTML
}
