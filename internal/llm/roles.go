package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/discovery"
	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/retrieval"
	"github.com/sells-group/spec-harvester/pkg/anthropic"
)

// Planner adapts the plan role to discovery query planning.
type Planner struct {
	router *Router
	runID  string
}

// NewPlanner binds the plan role to a run.
func NewPlanner(router *Router, runID string) *Planner {
	return &Planner{router: router, runID: runID}
}

const plannerSystem = `You plan web searches for a product-spec harvesting pipeline.
Given a product identity and the fields that still need evidence, produce
focused search queries. Reply with JSON:
{"queries": [{"text": "...", "target_fields": ["key"], "doc_hint": "spec|review|manual|driver", "domain_hint": "optional.domain"}]}`

type planResponse struct {
	Queries []discovery.Query `json:"queries" validate:"min=1,max=12,dive"`
}

func (p *Planner) PlanQueries(ctx context.Context, product model.ProductIdentity, targets []model.NeedRow) ([]discovery.Query, error) {
	payload, err := json.Marshal(map[string]any{
		"product": product,
		"targets": targets,
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: marshal plan input")
	}

	var resp planResponse
	if _, err := p.router.Complete(ctx, p.runID, RolePlan, plannerSystem, string(payload), &resp); err != nil {
		return nil, err
	}
	return resp.Queries, nil
}

// Reranker adapts the triage role to SERP candidate reordering.
type Reranker struct {
	router *Router
	runID  string
	keep   int
}

// NewReranker binds the triage role to a run. keep caps the returned
// candidates; 0 keeps all.
func NewReranker(router *Router, runID string, keep int) *Reranker {
	return &Reranker{router: router, runID: runID, keep: keep}
}

const rerankSystem = `You triage search results for a product-spec harvesting pipeline.
Order the candidate URLs by how likely each page is to state concrete
specifications for the exact product given. Reply with JSON:
{"order": [0, 2, 1]} listing input indexes best-first. Omit indexes for
pages about a different product.`

type rerankResponse struct {
	Order []int `json:"order" validate:"min=1"`
}

func (r *Reranker) Rerank(ctx context.Context, product model.ProductIdentity, cands []discovery.Candidate) ([]discovery.Candidate, error) {
	if len(cands) < 2 {
		return cands, nil
	}

	type item struct {
		Index int    `json:"index"`
		URL   string `json:"url"`
		Title string `json:"title"`
		Tier  int    `json:"tier"`
	}
	items := make([]item, len(cands))
	for i, c := range cands {
		items[i] = item{Index: i, URL: c.URL, Title: c.Title, Tier: c.Tier}
	}
	payload, err := json.Marshal(map[string]any{
		"product":    product,
		"candidates": items,
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: marshal rerank input")
	}

	var resp rerankResponse
	if _, err := r.router.Complete(ctx, r.runID, RoleTriage, rerankSystem, string(payload), &resp); err != nil {
		return nil, err
	}

	out := make([]discovery.Candidate, 0, len(resp.Order))
	seen := make(map[int]bool, len(resp.Order))
	for _, idx := range resp.Order {
		if idx < 0 || idx >= len(cands) || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, cands[idx])
		if r.keep > 0 && len(out) == r.keep {
			break
		}
	}
	if len(out) == 0 {
		return nil, eris.New("llm: rerank returned no usable indexes")
	}
	return out, nil
}

// Extraction is the extract role's verdict for one field.
type Extraction struct {
	Value string `json:"value" validate:"required"`
	Unit  string `json:"unit,omitempty"`
	// Confidence is the model's own estimate, 0..1. Consensus treats it
	// as one signal, never as the final confidence.
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	// SnippetIDs cite the prime rows the value was read from.
	SnippetIDs []string `json:"snippet_ids" validate:"min=1"`
	Notes      string   `json:"notes,omitempty"`
}

// Extractor adapts the extract role to packet consumption.
type Extractor struct {
	router *Router
	runID  string
}

// NewExtractor binds the extract role to a run.
func NewExtractor(router *Router, runID string) *Extractor {
	return &Extractor{router: router, runID: runID}
}

const extractSystem = `You extract one product specification field from cited evidence.
Use only the evidence rows given. Cite the snippet ids you relied on.
If the evidence does not state the field, reply {"value": "unknown", "confidence": 0, "snippet_ids": ["none"]}.
Reply with JSON: {"value": "...", "unit": "...", "confidence": 0.0, "snippet_ids": ["..."], "notes": "..."}`

// Extract runs the extract role over a packet. A nil result with no
// error means the model could not read the field from the evidence.
func (e *Extractor) Extract(ctx context.Context, packet *retrieval.Packet) (*Extraction, *anthropic.TokenUsage, error) {
	payload, err := json.Marshal(packet)
	if err != nil {
		return nil, nil, eris.Wrap(err, "llm: marshal packet")
	}

	var resp Extraction
	usage, err := e.router.Complete(ctx, e.runID, RoleExtract, extractSystem, string(payload), &resp)
	if err != nil {
		return nil, usage, err
	}
	if strings.EqualFold(strings.TrimSpace(resp.Value), "unknown") || resp.Confidence == 0 {
		return nil, usage, nil
	}
	// Keep only citations that name real prime or support rows.
	resp.SnippetIDs = filterCitations(packet, resp.SnippetIDs)
	if len(resp.SnippetIDs) == 0 {
		return nil, usage, eris.Errorf("llm: extraction for %s cites no known snippet", packet.FieldKey)
	}
	return &resp, usage, nil
}

// ExtractBatch runs the extract role over many packets as one message
// batch. The first packet warms the shared system prompt cache; the
// rest ride the batch at batch pricing. Fields whose item failed or
// read "unknown" are absent from the result, which leaves them needy
// for the next round.
func (e *Extractor) ExtractBatch(ctx context.Context, packets []*retrieval.Packet) (map[string]*Extraction, *anthropic.TokenUsage, error) {
	items := make([]BatchItem, 0, len(packets))
	byField := make(map[string]*retrieval.Packet, len(packets))
	for _, packet := range packets {
		payload, err := json.Marshal(packet)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "llm: marshal packet %s", packet.FieldKey)
		}
		items = append(items, BatchItem{ID: packet.FieldKey, Prompt: string(payload)})
		byField[packet.FieldKey] = packet
	}

	raw, usage, err := CompleteBatch[Extraction](ctx, e.router, e.runID, RoleExtract, extractSystem, items)
	if err != nil {
		return nil, usage, err
	}

	out := make(map[string]*Extraction, len(raw))
	for field, ext := range raw {
		if strings.EqualFold(strings.TrimSpace(ext.Value), "unknown") || ext.Confidence == 0 {
			continue
		}
		ext.SnippetIDs = filterCitations(byField[field], ext.SnippetIDs)
		if len(ext.SnippetIDs) == 0 {
			zap.L().Warn("llm: batch extraction cites no known snippet",
				zap.String("field", field))
			continue
		}
		out[field] = ext
	}
	return out, usage, nil
}

func filterCitations(packet *retrieval.Packet, ids []string) []string {
	known := make(map[string]bool, len(packet.Prime)+len(packet.Support))
	for _, r := range packet.Prime {
		known[r.SnippetID] = true
	}
	for _, r := range packet.Support {
		known[r.SnippetID] = true
	}
	out := ids[:0]
	for _, id := range ids {
		if known[id] {
			out = append(out, id)
		}
	}
	return out
}

// Validation is the validate role's verdict on a consensus pick.
type Validation struct {
	Verdict    string  `json:"verdict" validate:"required,oneof=confirm reject uncertain"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Reason     string  `json:"reason,omitempty"`
}

// Validator adapts the validate role to consensus checking.
type Validator struct {
	router *Router
	runID  string
}

// NewValidator binds the validate role to a run.
func NewValidator(router *Router, runID string) *Validator {
	return &Validator{router: router, runID: runID}
}

const validateSystem = `You check a proposed product specification value against cited evidence.
Confirm only when the evidence plainly supports the value. Reply with JSON:
{"verdict": "confirm|reject|uncertain", "confidence": 0.0, "reason": "..."}`

// Check runs the validate role on a selected value with its packet.
func (v *Validator) Check(ctx context.Context, packet *retrieval.Packet, value, unit string) (*Validation, *anthropic.TokenUsage, error) {
	payload, err := json.Marshal(map[string]any{
		"proposed_value": value,
		"proposed_unit":  unit,
		"packet":         packet,
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "llm: marshal validate input")
	}

	var resp Validation
	usage, err := v.router.Complete(ctx, v.runID, RoleValidate, validateSystem, string(payload), &resp)
	if err != nil {
		return nil, usage, err
	}
	return &resp, usage, nil
}
