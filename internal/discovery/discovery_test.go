package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/pkg/jina"
)

func miceContract() *contract.Contract {
	c := contract.New("gaming-mice", []contract.FieldRule{
		{Key: "brand", RequiredLevel: contract.LevelIdentity},
		{Key: "model", RequiredLevel: contract.LevelIdentity},
		{Key: "weight", Label: "Weight", RequiredLevel: contract.LevelCritical},
		{Key: "max_dpi", RequiredLevel: contract.LevelRequired, Aliases: []string{"dpi"}},
		{Key: "sensor", RequiredLevel: contract.LevelRequired, ContextKind: model.ContextComponent},
		{Key: "price", RequiredLevel: contract.LevelExpected, FreshnessDays: 30},
	})
	c.TierDomains = map[string]int{"razer.com": 1, "rtings.com": 2}
	return c
}

func viperMini() model.ProductIdentity {
	return model.ProductIdentity{Category: "gaming-mice", Brand: "Razer", Model: "Viper Mini"}
}

type stubPlanner struct {
	queries []Query
	err     error
}

func (p *stubPlanner) PlanQueries(context.Context, model.ProductIdentity, []model.NeedRow) ([]Query, error) {
	return p.queries, p.err
}

func TestBuildProfile_DeterministicFallback(t *testing.T) {
	targets := []model.NeedRow{
		{FieldKey: "weight", NeedScore: 0.9},
		{FieldKey: "max_dpi", NeedScore: 0.7},
		{FieldKey: "price", NeedScore: 0},
	}
	profile := BuildProfile(context.Background(), nil, miceContract(), viperMini(), targets, 8)

	require.GreaterOrEqual(t, len(profile.Queries), 4)
	assert.Equal(t, "Razer Viper Mini specifications", profile.Queries[0].Text)
	assert.Equal(t, HintSpec, profile.Queries[0].DocHint)

	// Second query is pinned to the manufacturer domain.
	assert.Equal(t, "razer.com", profile.Queries[1].DomainHint)

	// Target fields get their own queries, zero-need rows do not.
	texts := make([]string, 0, len(profile.Queries))
	for _, q := range profile.Queries {
		texts = append(texts, q.Text)
	}
	assert.Contains(t, texts, "Razer Viper Mini weight")
	assert.Contains(t, texts, "Razer Viper Mini dpi")
	assert.NotContains(t, texts, "Razer Viper Mini price")
}

func TestBuildProfile_PlannerWinsWhenItAnswers(t *testing.T) {
	planned := []Query{{Text: "viper mini official datasheet", DocHint: HintSpec}}
	profile := BuildProfile(context.Background(), &stubPlanner{queries: planned}, miceContract(), viperMini(), nil, 8)
	assert.Equal(t, planned, profile.Queries)
}

func TestBuildProfile_PlannerErrorFallsBack(t *testing.T) {
	p := &stubPlanner{err: eris.New("model overloaded")}
	profile := BuildProfile(context.Background(), p, miceContract(), viperMini(), nil, 8)
	require.NotEmpty(t, profile.Queries)
	assert.Equal(t, "Razer Viper Mini specifications", profile.Queries[0].Text)
}

func TestBuildProfile_CapsQueryCount(t *testing.T) {
	planned := make([]Query, 12)
	for i := range planned {
		planned[i] = Query{Text: "q"}
	}
	profile := BuildProfile(context.Background(), &stubPlanner{queries: planned}, miceContract(), viperMini(), nil, 3)
	assert.Len(t, profile.Queries, 3)
}

func TestTriage_FiltersAndRanks(t *testing.T) {
	hits := []SERPResult{
		{Title: "Razer Viper Mini | Razer.com", URL: "https://www.razer.com/gaming-mice/razer-viper-mini", Provider: "jina"},
		{Title: "Razer Viper Mini Review", URL: "https://www.rtings.com/mouse/reviews/razer/viper-mini", Provider: "jina"},
		{Title: "Best office chairs 2026", URL: "https://example.com/chairs", Provider: "jina"},
		{Title: "Viper Mini specs thread", URL: "https://forum.example.net/t/123", Provider: "jina"},
	}
	cands := Triage(miceContract(), viperMini(), hits)

	require.Len(t, cands, 3) // the chairs hit carries no identity token
	assert.Equal(t, "razer.com", cands[0].RootDomain)
	assert.Equal(t, 1, cands[0].Tier)
	assert.Equal(t, 2, cands[1].Tier)
	assert.Equal(t, HintReview, cands[1].DocKind)
	assert.Equal(t, 4, cands[2].Tier)
	assert.Greater(t, cands[0].Score, cands[1].Score)
	assert.Greater(t, cands[1].Score, cands[2].Score)
}

func TestTriage_CanonicalizesURLs(t *testing.T) {
	hits := []SERPResult{{
		Title: "Razer Viper Mini",
		URL:   "https://www.razer.com/p/viper-mini/?utm_source=serp#specs",
	}}
	cands := Triage(miceContract(), viperMini(), hits)
	require.Len(t, cands, 1)
	assert.Equal(t, "https://www.razer.com/p/viper-mini", cands[0].URL)
}

func TestClassifyDoc(t *testing.T) {
	tests := []struct {
		name string
		hit  SERPResult
		want DocHint
	}{
		{"datasheet url", SERPResult{URL: "https://x.com/viper-mini-datasheet.pdf"}, HintSpec},
		{"manual path", SERPResult{URL: "https://x.com/support/manual/123"}, HintManual},
		{"driver download", SERPResult{URL: "https://x.com/downloads/synapse"}, HintDriver},
		{"review title", SERPResult{Title: "Viper Mini Review: still great"}, HintReview},
		{"falls back to query hint", SERPResult{URL: "https://x.com/p/1", Query: Query{DocHint: HintManual}}, HintManual},
		{"default spec", SERPResult{URL: "https://x.com/p/1"}, HintSpec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyDoc(tt.hit))
		})
	}
}

func TestDedupe(t *testing.T) {
	cands := []Candidate{
		{URL: "https://razer.com/p/viper", Title: "Razer Viper Mini Gaming Mouse", RootDomain: "razer.com"},
		{URL: "https://razer.com/p/viper", Title: "dup url", RootDomain: "razer.com"},
		{URL: "https://razer.com/p/viper-alt", Title: "Gaming Mouse Razer Viper Mini", RootDomain: "razer.com"},
		{URL: "https://rtings.com/viper", Title: "Razer Viper Mini Gaming Mouse", RootDomain: "rtings.com"},
	}
	out := Dedupe(cands)
	require.Len(t, out, 2)
	assert.Equal(t, "https://razer.com/p/viper", out[0].URL)
	// Same title on a different root domain survives.
	assert.Equal(t, "https://rtings.com/viper", out[1].URL)
}

type stubJina struct {
	jina.Client
	resp *jina.SearchResponse
	err  error
	got  []string
}

func (s *stubJina) Search(_ context.Context, query string, _ ...jina.SearchOption) (*jina.SearchResponse, error) {
	s.got = append(s.got, query)
	return s.resp, s.err
}

func TestJinaSearcher(t *testing.T) {
	stub := &stubJina{resp: &jina.SearchResponse{Data: []jina.SearchResult{
		{Title: "A", URL: "https://a.com", Description: "desc"},
		{Title: "B", URL: "https://b.com", Content: "content only"},
		{Title: "C", URL: "https://c.com"},
	}}}
	s := NewJinaSearcher(stub, 2)

	q := Query{Text: "razer viper mini specs", DomainHint: "razer.com"}
	hits, err := s.Search(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "desc", hits[0].Snippet)
	assert.Equal(t, "content only", hits[1].Snippet)
	assert.Equal(t, "jina", hits[0].Provider)
	assert.Equal(t, q, hits[0].Query)
	assert.Equal(t, []string{"razer viper mini specs"}, stub.got)
}

func TestJinaSearcher_Error(t *testing.T) {
	s := NewJinaSearcher(&stubJina{err: eris.New("429")}, 0)
	_, err := s.Search(context.Background(), Query{Text: "q"})
	require.Error(t, err)
}

func TestJinaSearcher_HintsShapeProviderRequest(t *testing.T) {
	var gotPath, gotQuery, gotRespond string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotRespond = r.Header.Get("X-Respond-With")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jina.SearchResponse{Code: 200})
	}))
	defer srv.Close()

	s := NewJinaSearcher(jina.NewClient("key", jina.WithSearchBaseURL(srv.URL)), 5)
	_, err := s.Search(context.Background(), Query{
		Text:       "razer viper mini manual",
		DocHint:    HintManual,
		DomainHint: "razer.com",
	})
	require.NoError(t, err)

	assert.Equal(t, "/razer+viper+mini+manual+filetype:pdf", gotPath)
	assert.Equal(t, "num=5&site=razer.com", gotQuery)
	assert.Equal(t, "no-content", gotRespond)
}

func TestFileTypeFor(t *testing.T) {
	assert.Equal(t, "pdf", fileTypeFor(HintManual))
	assert.Equal(t, "pdf", fileTypeFor(HintDriver))
	assert.Empty(t, fileTypeFor(HintSpec))
	assert.Empty(t, fileTypeFor(HintReview))
	assert.Empty(t, fileTypeFor(""))
}

type stubSearcher struct {
	byQuery map[string][]SERPResult
	errOn   string
}

func (s *stubSearcher) Search(_ context.Context, q Query) ([]SERPResult, error) {
	if q.Text == s.errOn {
		return nil, eris.New("provider down")
	}
	hits := s.byQuery[q.Text]
	for i := range hits {
		hits[i].Query = q
	}
	return hits, nil
}

func TestDiscover_CollectsAcrossQueriesAndSurvivesFailures(t *testing.T) {
	searcher := &stubSearcher{
		byQuery: map[string][]SERPResult{
			"q1": {{Title: "Razer Viper Mini specs", URL: "https://razer.com/p/viper"}},
			"q2": {
				{Title: "Razer Viper Mini specs", URL: "https://razer.com/p/viper"},
				{Title: "Viper Mini weight measured", URL: "https://rtings.com/viper"},
			},
		},
		errOn: "q3",
	}
	profile := SearchProfile{Queries: []Query{{Text: "q1"}, {Text: "q3"}, {Text: "q2"}}}

	cands, err := Discover(context.Background(), searcher, miceContract(), viperMini(), profile, nil)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, 1, cands[0].Tier)
}

func TestDiscover_NoSearcher(t *testing.T) {
	_, err := Discover(context.Background(), nil, miceContract(), viperMini(), SearchProfile{}, nil)
	require.Error(t, err)
}
