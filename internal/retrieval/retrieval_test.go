package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/model"
)

type fakeLister struct {
	assertions []model.Assertion
	refs       []model.EvidenceRef
	err        error
}

func (f *fakeLister) ListAssertions(context.Context, string, string) ([]model.Assertion, error) {
	return f.assertions, f.err
}

func (f *fakeLister) ListEvidence(context.Context, string, string) ([]model.EvidenceRef, error) {
	return f.refs, f.err
}

func weightContract() *contract.Contract {
	return contract.New("gaming-mice", []contract.FieldRule{
		{Key: "brand", RequiredLevel: contract.LevelIdentity},
		{Key: "model", RequiredLevel: contract.LevelIdentity},
		{
			Key: "weight", Label: "Weight", RequiredLevel: contract.LevelCritical,
			Unit: "g", PreferredTier: 1, Aliases: []string{"mass"},
		},
	})
}

func viperMini() model.ProductIdentity {
	return model.ProductIdentity{Category: "gaming-mice", Brand: "Razer", Model: "Viper Mini"}
}

func evidence(id, url string, tier int, value, quote string, age time.Duration) (model.Assertion, model.EvidenceRef) {
	a := model.Assertion{
		ID: "a_" + id, SourceID: "s_" + id, FieldKey: "weight",
		ValueRaw: value, ValueNorm: value, Unit: "g",
	}
	r := model.EvidenceRef{
		SourceID: "s_" + id, AssertionID: "a_" + id, SnippetID: "sn_" + id,
		Quote: quote, URL: url, Tier: tier, RetrievedAt: time.Now().Add(-age),
	}
	return a, r
}

func TestAssemble_RanksTierThenIdentity(t *testing.T) {
	a1, r1 := evidence("forum", "https://forum.example.net/t/1", 4, "61", "Viper Mini weight: 61 g", time.Hour)
	a2, r2 := evidence("mfr", "https://www.razer.com/p/viper-mini", 1, "61", "Razer Viper Mini weight: 61 g", time.Hour)
	a3, r3 := evidence("lab", "https://www.rtings.com/viper-mini", 2, "61.4", "measured weight 61.4 g", time.Hour)

	asm := New(&fakeLister{
		assertions: []model.Assertion{a1, a2, a3},
		refs:       []model.EvidenceRef{r1, r2, r3},
	}, weightContract(), 0)

	p, err := asm.Assemble(context.Background(), "run1", viperMini(), "weight")
	require.NoError(t, err)
	require.NotNil(t, p)

	require.Len(t, p.Prime, 3)
	assert.Equal(t, "a_mfr", p.Prime[0].AssertionID)
	assert.Equal(t, "a_lab", p.Prime[1].AssertionID)
	assert.Equal(t, "weight", p.Contract.Key)
	assert.Equal(t, "g", p.Contract.Unit)
	assert.Equal(t, "critical", p.Contract.RequiredLevel)
}

func TestAssemble_DiversityBeatsRepeatDomain(t *testing.T) {
	// Two strong rows from the same domain and one weaker from another;
	// the cap of 2 should keep one of each domain.
	a1, r1 := evidence("m1", "https://www.razer.com/p/viper-mini", 1, "61", "Razer Viper Mini weight 61 g", time.Hour)
	a2, r2 := evidence("m2", "https://www.razer.com/support/viper-mini", 1, "61", "Razer Viper Mini weight 61 g", time.Hour)
	a3, r3 := evidence("lab", "https://www.rtings.com/viper-mini", 2, "61.4", "Razer Viper Mini measured 61.4 g", time.Hour)

	asm := New(&fakeLister{
		assertions: []model.Assertion{a1, a2, a3},
		refs:       []model.EvidenceRef{r1, r2, r3},
	}, weightContract(), 2)

	p, err := asm.Assemble(context.Background(), "run1", viperMini(), "weight")
	require.NoError(t, err)
	require.Len(t, p.Prime, 2)
	assert.Equal(t, "razer.com", p.Prime[0].RootDomain)
	assert.Equal(t, "rtings.com", p.Prime[1].RootDomain)
}

func TestAssemble_SupportRowsCarryContradictions(t *testing.T) {
	a1, r1 := evidence("mfr", "https://www.razer.com/p/viper-mini", 1, "61", "weight 61 g", time.Hour)
	a2, r2 := evidence("agree", "https://www.rtings.com/viper-mini", 2, "61", "weight 61 g", time.Hour)
	a3, r3 := evidence("dispute", "https://reviews.example.com/viper", 3, "72", "weight 72 g", time.Hour)

	asm := New(&fakeLister{
		assertions: []model.Assertion{a1, a2, a3},
		refs:       []model.EvidenceRef{r1, r2, r3},
	}, weightContract(), 2)

	p, err := asm.Assemble(context.Background(), "run1", viperMini(), "weight")
	require.NoError(t, err)
	require.Len(t, p.Prime, 2)
	require.Len(t, p.Support, 1)
	assert.Equal(t, "72", p.Support[0].Value)
}

func TestAssemble_SkipsBrokenEvidence(t *testing.T) {
	a1, r1 := evidence("ok", "https://www.razer.com/p/viper-mini", 1, "61", "weight 61 g", time.Hour)
	a2, r2 := evidence("broken", "https://www.rtings.com/viper-mini", 2, "61.4", "weight 61.4 g", time.Hour)
	a2.EvidenceBroken = true

	asm := New(&fakeLister{
		assertions: []model.Assertion{a1, a2},
		refs:       []model.EvidenceRef{r1, r2},
	}, weightContract(), 0)

	p, err := asm.Assemble(context.Background(), "run1", viperMini(), "weight")
	require.NoError(t, err)
	require.Len(t, p.Prime, 1)
	assert.Equal(t, "a_ok", p.Prime[0].AssertionID)
}

func TestAssemble_NoEvidenceReturnsNil(t *testing.T) {
	asm := New(&fakeLister{}, weightContract(), 0)
	p, err := asm.Assemble(context.Background(), "run1", viperMini(), "weight")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestAssemble_UnknownFieldErrors(t *testing.T) {
	asm := New(&fakeLister{}, weightContract(), 0)
	_, err := asm.Assemble(context.Background(), "run1", viperMini(), "nonexistent")
	require.Error(t, err)
}

func TestAssemble_StoreErrorWrapped(t *testing.T) {
	asm := New(&fakeLister{err: eris.New("db gone")}, weightContract(), 0)
	_, err := asm.Assemble(context.Background(), "run1", viperMini(), "weight")
	require.Error(t, err)
}
