package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spec-harvester/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testProduct() model.ProductIdentity {
	return model.ProductIdentity{
		Category: "gaming-mice",
		Brand:    "Logitech",
		Model:    "G Pro X Superlight 2",
	}
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, testProduct())
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status)

	// A second run for the same product must be rejected while one is live.
	_, err = s.CreateRun(ctx, testProduct())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active run")

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunStatusFetching))

	counters := model.RunCounters{Rounds: 2, FetchOK: 14, LLMCalls: 6}
	require.NoError(t, s.UpdateRunCounters(ctx, run.ID, counters))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFetching, got.Status)
	assert.Equal(t, 14, got.Counters.FetchOK)
	assert.Equal(t, "Logitech", got.Product.Brand)

	summary := &model.RunSummary{StopReason: model.StopConverged, FieldsSelected: 31}
	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunStatusCompleted, summary))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, model.StopConverged, got.Summary.StopReason)
	assert.NotNil(t, got.EndedAt)

	// Once terminal, a new run may start.
	run2, err := s.CreateRun(ctx, testProduct())
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, run2.ID)
}

func TestSQLiteStore_GetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
}

func TestSQLiteStore_ListRuns_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, testProduct())
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunStatusCompleted, &model.RunSummary{}))

	other := model.ProductIdentity{Category: "keyboards", Brand: "Keychron", Model: "Q1 Pro"}
	_, err = s.CreateRun(ctx, other)
	require.NoError(t, err)

	byCategory, err := s.ListRuns(ctx, RunFilter{Category: "gaming-mice"})
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, run.ID, byCategory[0].ID)

	byStatus, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusQueued})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "keyboards", byStatus[0].Product.Category)
}

func seedSource(t *testing.T, s *SQLiteStore, runID, url string, tier int) *model.Source {
	t.Helper()
	src := &model.Source{
		ID:          model.SourceID(runID, url),
		RunID:       runID,
		URL:         url,
		Host:        model.HostOf(url),
		RootDomain:  model.RootDomainOf(url),
		Tier:        tier,
		Method:      model.MethodStatic,
		CrawlStatus: model.CrawlPending,
	}
	require.NoError(t, s.UpsertSource(context.Background(), src))
	return src
}

func TestSQLiteStore_SnippetDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := model.ContentHash([]byte("Weight: 60 g without cable"))

	st, err := s.UpsertSnippet(ctx, id, "Weight: 60 g without cable")
	require.NoError(t, err)
	assert.Equal(t, SnippetNew, st)

	st, err = s.UpsertSnippet(ctx, id, "Weight: 60 g without cable")
	require.NoError(t, err)
	assert.Equal(t, SnippetReused, st)

	st, err = s.UpsertSnippet(ctx, id, "Weight: 60 grams without cable")
	require.NoError(t, err)
	assert.Equal(t, SnippetUpdated, st)

	text, err := s.GetSnippet(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Weight: 60 grams without cable", text)
}

func TestSQLiteStore_SearchSnippets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, testProduct())
	require.NoError(t, err)
	src := seedSource(t, s, run.ID, "https://www.logitechg.com/en-us/products/gaming-mice/pro-x2.html", 1)

	snippetID := model.ContentHash([]byte("The sensor is a HERO 2 with 44K DPI resolution."))
	_, err = s.UpsertSnippet(ctx, snippetID, "The sensor is a HERO 2 with 44K DPI resolution.")
	require.NoError(t, err)

	assertion := &model.Assertion{
		ID:        "as_1",
		SourceID:  src.ID,
		RunID:     run.ID,
		FieldKey:  "sensor_model",
		ValueRaw:  "HERO 2",
		ValueNorm: "hero 2",
		Method:    "dom",
	}
	require.NoError(t, s.InsertAssertion(ctx, assertion))
	require.NoError(t, s.InsertEvidenceRef(ctx, &model.EvidenceRef{
		SourceID:    src.ID,
		AssertionID: assertion.ID,
		SnippetID:   snippetID,
		Quote:       "The sensor is a HERO 2",
		URL:         src.URL,
		Tier:        1,
		RetrievedAt: time.Now().UTC(),
	}))

	hits, err := s.SearchSnippets(ctx, SnippetQuery{Text: "sensor", Scope: ScopeRun, ScopeID: run.ID})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "sensor_model", hits[0].FieldKey)
	assert.Equal(t, 1, hits[0].Tier)

	// Broken evidence is excluded from search results.
	require.NoError(t, s.MarkAssertionBroken(ctx, assertion.ID))
	hits, err = s.SearchSnippets(ctx, SnippetQuery{Text: "sensor", Scope: ScopeRun, ScopeID: run.ID})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSQLiteStore_CandidatesAndFieldState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, testProduct())
	require.NoError(t, err)

	c := &model.Candidate{
		ID:           "cand_1",
		RunID:        run.ID,
		FieldKey:     "weight",
		Value:        "60 g",
		ValueNorm:    "60",
		Unit:         "g",
		Score:        0.82,
		Tier:         1,
		AssertionIDs: []string{"as_1", "as_2"},
		SourceIDs:    []string{"src_a", "src_b"},
		RetrievedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.UpsertCandidate(ctx, c))

	c.Score = 0.91
	require.NoError(t, s.UpsertCandidate(ctx, c))

	got, err := s.GetCandidate(ctx, "cand_1")
	require.NoError(t, err)
	assert.InDelta(t, 0.91, got.Score, 1e-9)
	assert.Equal(t, []string{"as_1", "as_2"}, got.AssertionIDs)

	fs := &model.FieldState{
		ProductID:           run.ProductID,
		FieldKey:            "weight",
		SelectedValue:       "60",
		SelectedCandidateID: "cand_1",
		Confidence:          0.91,
		Flags:               []string{"tier_preferred"},
		UpdatedAt:           time.Now().UTC(),
	}
	require.NoError(t, s.UpsertFieldState(ctx, fs))

	states, err := s.ListFieldStates(ctx, run.ProductID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.True(t, states[0].HasFlag("tier_preferred"))
}

func TestSQLiteStore_KeyReviewUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	targetID := model.GridKeyID("prod_1", "weight")

	kr, err := s.GetKeyReview(ctx, model.LanePrimary, targetID)
	require.NoError(t, err)
	assert.Nil(t, kr)

	require.NoError(t, s.PutKeyReview(ctx, &model.KeyReview{
		Lane:       model.LanePrimary,
		TargetKind: model.TargetGrid,
		TargetID:   targetID,
		AIStatus:   model.AIPending,
		Decision:   model.DecisionNone,
	}))

	kr, err = s.GetKeyReview(ctx, model.LanePrimary, targetID)
	require.NoError(t, err)
	require.NotNil(t, kr)

	kr.Decision = model.DecisionAccepted
	kr.SelectedCandidateID = "cand_1"
	require.NoError(t, s.PutKeyReview(ctx, kr))

	got, err := s.GetKeyReview(ctx, model.LanePrimary, targetID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAccepted, got.Decision)
	// The orthogonal AI half is untouched by acceptance.
	assert.Equal(t, model.AIPending, got.AIStatus)
}

func TestSQLiteStore_ListValuesAndLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lv, err := s.UpsertListValue(ctx, &model.ListValue{
		FieldKey:  "switch_type",
		ValueNorm: "optical",
		Display:   "Optical",
	})
	require.NoError(t, err)
	require.NotNil(t, lv)

	// Same normalized value resolves to the existing canonical row.
	again, err := s.UpsertListValue(ctx, &model.ListValue{
		FieldKey:  "switch_type",
		ValueNorm: "optical",
		Display:   "OPTICAL",
	})
	require.NoError(t, err)
	assert.Equal(t, lv.ID, again.ID)
	assert.Equal(t, "Optical", again.Display)

	require.NoError(t, s.LinkItem(ctx, &model.ItemLink{
		ProductID:   "prod_1",
		FieldKey:    "switch_type",
		ListValueID: lv.ID,
	}))
	require.NoError(t, s.LinkItem(ctx, &model.ItemLink{
		ProductID:   "prod_2",
		FieldKey:    "switch_type",
		ListValueID: lv.ID,
	}))

	links, err := s.ListItemLinks(ctx, lv.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	require.NoError(t, s.RenameListValue(ctx, lv.ID, "Optical (LK)", "optical (lk)"))
	renamed, err := s.GetListValue(ctx, lv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Optical (LK)", renamed.Display)

	// Links survive a shared rename untouched.
	links, err = s.ListItemLinks(ctx, lv.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	require.NoError(t, s.UnlinkItem(ctx, "prod_1", "switch_type"))
	links, err = s.ListItemLinks(ctx, lv.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestSQLiteStore_ComponentsAndLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	comp, err := s.UpsertComponent(ctx, &model.ComponentIdentity{
		Kind:     "sensor",
		Name:     "HERO 25K",
		NameNorm: "hero 25k",
	})
	require.NoError(t, err)
	require.NotNil(t, comp)
	require.NotEmpty(t, comp.ID)

	// Same normalized name resolves to the existing identity.
	again, err := s.UpsertComponent(ctx, &model.ComponentIdentity{
		Kind:     "sensor",
		Name:     "Hero 25k",
		NameNorm: "hero 25k",
	})
	require.NoError(t, err)
	assert.Equal(t, comp.ID, again.ID)
	assert.Equal(t, "HERO 25K", again.Name)

	// The same name under another kind is a distinct identity.
	other, err := s.UpsertComponent(ctx, &model.ComponentIdentity{
		Kind:     "switch",
		Name:     "HERO 25K",
		NameNorm: "hero 25k",
	})
	require.NoError(t, err)
	assert.NotEqual(t, comp.ID, other.ID)

	byNorm, err := s.GetComponentByNorm(ctx, "sensor", "hero 25k")
	require.NoError(t, err)
	require.NotNil(t, byNorm)
	assert.Equal(t, comp.ID, byNorm.ID)

	missing, err := s.GetComponentByNorm(ctx, "sensor", "paw3395")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.LinkComponent(ctx, &model.ComponentLink{
		ProductID:   "prod_1",
		FieldKey:    "sensor",
		ComponentID: comp.ID,
	}))
	require.NoError(t, s.LinkComponent(ctx, &model.ComponentLink{
		ProductID:   "prod_2",
		FieldKey:    "sensor",
		ComponentID: comp.ID,
	}))

	links, err := s.ListComponentLinks(ctx, comp.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	require.NoError(t, s.RenameComponent(ctx, comp.ID, "HERO 25K Optical", "hero 25k optical"))
	renamed, err := s.GetComponent(ctx, comp.ID)
	require.NoError(t, err)
	require.NotNil(t, renamed)
	assert.Equal(t, "HERO 25K Optical", renamed.Name)

	// Links survive the rename untouched.
	links, err = s.ListComponentLinks(ctx, comp.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	link, err := s.GetComponentLink(ctx, "prod_1", "sensor")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, comp.ID, link.ComponentID)

	require.NoError(t, s.UnlinkComponent(ctx, "prod_1", "sensor"))
	link, err = s.GetComponentLink(ctx, "prod_1", "sensor")
	require.NoError(t, err)
	assert.Nil(t, link)

	links, err = s.ListComponentLinks(ctx, comp.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestSQLiteStore_URLHealthAndDeadPatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.GetURLHealth(ctx, "https://example.com/specs")
	require.NoError(t, err)
	assert.Nil(t, h)

	cooldown := time.Now().Add(time.Hour).Unix()
	require.NoError(t, s.PutURLHealth(ctx, &model.URLHealth{
		URL:              "https://example.com/specs",
		Host:             "example.com",
		Status:           model.URLCooldown,
		FailKind:         "http_429",
		ConsecutiveFails: 2,
		Repeats:          1,
		CooldownUntil:    &cooldown,
		UpdatedAt:        time.Now().Unix(),
	}))

	h, err = s.GetURLHealth(ctx, "https://example.com/specs")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, model.URLCooldown, h.Status)
	require.NotNil(t, h.CooldownUntil)
	assert.Equal(t, cooldown, *h.CooldownUntil)

	p := &model.DeadPattern{Host: "example.com", Pattern: "/support/drivers/legacy/*", FailKind: "http_404", Promoted: time.Now().Unix(), HitCount: 1}
	require.NoError(t, s.AddDeadPattern(ctx, p))
	require.NoError(t, s.AddDeadPattern(ctx, p))

	patterns, err := s.ListDeadPatterns(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 2, patterns[0].HitCount)
}

func TestSQLiteStore_JobQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repair := &model.Job{Type: model.JobRepairSearch, Domain: "example.com", Query: "pro x2 weight"}
	ok, err := s.EnqueueJob(ctx, repair)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 20, repair.Priority)

	// Equivalent job is swallowed while the first is live.
	dup := &model.Job{Type: model.JobRepairSearch, Domain: "Example.COM", Query: "  pro x2   weight "}
	ok, err = s.EnqueueJob(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)

	refresh := &model.Job{Type: model.JobStalenessRefresh, Query: "pro x2 firmware"}
	ok, err = s.EnqueueJob(ctx, refresh)
	require.NoError(t, err)
	assert.True(t, ok)

	// Lower priority numbers dequeue first.
	jobs, err := s.DequeueJobs(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, model.JobRepairSearch, jobs[0].Type)
	assert.Equal(t, model.JobRunning, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)

	require.NoError(t, s.UpdateJobStatus(ctx, jobs[0].ID, model.JobDone, nil))

	// Once terminal, the dedupe slot frees up.
	ok, err = s.EnqueueJob(ctx, &model.Job{Type: model.JobRepairSearch, Domain: "example.com", Query: "pro x2 weight"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteStore_JobNotDueYet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour).UTC()
	_, err := s.EnqueueJob(ctx, &model.Job{Type: model.JobDomainBackoff, Domain: "slow.example.com", NextRunAt: &future})
	require.NoError(t, err)

	jobs, err := s.DequeueJobs(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = s.DequeueJobs(ctx, future.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
