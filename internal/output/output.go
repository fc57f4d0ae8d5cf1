// Package output writes the on-disk result tree for finished runs: the
// normalized record, provenance files, analysis snapshots, the event log
// and summary.json, plus the latest pointer per product.
package output

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/pkg/anthropic"
)

// Layout resolves directories under the output root. The tree is
// outputs/{category}/{product_id}/runs/{run_id}/ with a latest symlink
// per product.
type Layout struct {
	Root string
}

func (l Layout) ProductDir(category, productID string) string {
	return filepath.Join(l.Root, category, productID)
}

func (l Layout) RunDir(category, productID, runID string) string {
	return filepath.Join(l.ProductDir(category, productID), "runs", runID)
}

func (l Layout) LatestLink(category, productID string) string {
	return filepath.Join(l.ProductDir(category, productID), "latest")
}

// Lister is the slice of the store the exporter reads.
type Lister interface {
	ListSources(ctx context.Context, runID string) ([]model.Source, error)
	ListArtifacts(ctx context.Context, sourceID string) ([]model.Artifact, error)
	ListEvidence(ctx context.Context, runID, fieldKey string) ([]model.EvidenceRef, error)
	ListCandidates(ctx context.Context, runID, fieldKey string) ([]model.Candidate, error)
	ListFieldStates(ctx context.Context, productID string) ([]model.FieldState, error)
}

// Exporter writes a finished run's result files.
type Exporter struct {
	layout Layout
	store  Lister
	// costModel prices the run's token counters for summary.json.
	costModel string
}

// NewExporter creates an Exporter pricing costs against costModel.
func NewExporter(layout Layout, st Lister, costModel string) *Exporter {
	return &Exporter{layout: layout, store: st, costModel: costModel}
}

// NormalizedField is one field in the normalized record.
type NormalizedField struct {
	Value      string   `json:"value,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	Confidence float64  `json:"confidence"`
	Flags      []string `json:"flags,omitempty"`
}

// NormalizedRecord is the category-shaped export of a product's field
// state.
type NormalizedRecord struct {
	Category    string                     `json:"category"`
	Product     model.ProductIdentity      `json:"product"`
	RunID       string                     `json:"run_id"`
	Fields      map[string]NormalizedField `json:"fields"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// Summary is summary.json: the run summary plus cost attribution.
type Summary struct {
	model.RunSummary
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	CostModel        string    `json:"cost_model,omitempty"`
	ExportedAt       time.Time `json:"exported_at"`
}

// Export writes the run's normalized record, provenance, event-free logs
// and summary under the run directory, returning its path. The latest
// pointer moves only for completed runs.
func (e *Exporter) Export(ctx context.Context, run *model.Run, c *contract.Contract) (string, error) {
	dir := e.layout.RunDir(run.Product.Category, run.ProductID, run.ID)
	for _, sub := range []string{"normalized", "provenance", "analysis", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", eris.Wrap(err, "output: mkdir run tree")
		}
	}

	states, err := e.store.ListFieldStates(ctx, run.ProductID)
	if err != nil {
		return "", eris.Wrap(err, "output: list field states")
	}
	if err := e.writeNormalized(dir, run, c, states); err != nil {
		return "", err
	}
	if err := e.writeProvenance(ctx, dir, run, c); err != nil {
		return "", err
	}
	if err := e.writeSources(ctx, dir, run); err != nil {
		return "", err
	}
	if err := e.writeRaw(ctx, dir, run); err != nil {
		return "", err
	}
	if err := e.writeSummary(dir, run); err != nil {
		return "", err
	}

	if run.Status == model.RunStatusCompleted {
		if err := e.updateLatest(run); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (e *Exporter) writeNormalized(dir string, run *model.Run, c *contract.Contract, states []model.FieldState) error {
	rec := NormalizedRecord{
		Category:    run.Product.Category,
		Product:     run.Product,
		RunID:       run.ID,
		Fields:      make(map[string]NormalizedField, len(states)),
		GeneratedAt: time.Now().UTC(),
	}
	byKey := make(map[string]model.FieldState, len(states))
	for _, fs := range states {
		byKey[fs.FieldKey] = fs
		nf := NormalizedField{
			Value:      fs.SelectedValue,
			Confidence: fs.Confidence,
			Flags:      fs.Flags,
		}
		if rule := c.ByKey(fs.FieldKey); rule != nil {
			nf.Unit = rule.Unit
		}
		rec.Fields[fs.FieldKey] = nf
	}

	name := run.Product.Category + ".normalized"
	if err := writeJSON(filepath.Join(dir, "normalized", name+".json"), rec); err != nil {
		return err
	}

	// One header row and one value row, columns in contract order.
	var head, row []string
	for _, rule := range c.Fields {
		head = append(head, rule.Key)
		row = append(row, byKey[rule.Key].SelectedValue)
	}
	tsv := strings.Join(head, "\t") + "\n" + strings.Join(row, "\t") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "normalized", name+".row.tsv"), []byte(tsv), 0o644); err != nil {
		return eris.Wrap(err, "output: write row tsv")
	}
	return nil
}

func (e *Exporter) writeProvenance(ctx context.Context, dir string, run *model.Run, c *contract.Contract) error {
	prov := make(map[string][]model.EvidenceRef, len(c.Fields))
	cands := make(map[string][]model.Candidate, len(c.Fields))
	for _, rule := range c.Fields {
		refs, err := e.store.ListEvidence(ctx, run.ID, rule.Key)
		if err != nil {
			return eris.Wrapf(err, "output: list evidence for %s", rule.Key)
		}
		if len(refs) > 0 {
			prov[rule.Key] = refs
		}
		rows, err := e.store.ListCandidates(ctx, run.ID, rule.Key)
		if err != nil {
			return eris.Wrapf(err, "output: list candidates for %s", rule.Key)
		}
		if len(rows) > 0 {
			cands[rule.Key] = rows
		}
	}
	if err := writeJSON(filepath.Join(dir, "provenance", "fields.provenance.json"), prov); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "provenance", "fields.candidates.json"), cands)
}

func (e *Exporter) writeSources(ctx context.Context, dir string, run *model.Run) error {
	sources, err := e.store.ListSources(ctx, run.ID)
	if err != nil {
		return eris.Wrap(err, "output: list sources")
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].URL < sources[j].URL })
	return writeJSON(filepath.Join(dir, "analysis", "sources.json"), sources)
}

// rawFileOf maps an artifact kind to its filename within the source's
// page directory. PDFs live in their own tree and are handled apart.
func rawFileOf(kind model.ArtifactKind) string {
	switch kind {
	case model.ArtifactHTML, model.ArtifactDOM:
		return "page.html.gz"
	case model.ArtifactJSONLD:
		return "ldjson.json"
	case model.ArtifactGraph, model.ArtifactMetadata:
		return "embedded_state.json"
	case model.ArtifactTable:
		return "tables.json"
	case model.ArtifactScreenshot:
		return "screenshot.png"
	default:
		return ""
	}
}

// writeRaw copies the run's captured artifacts into the raw tree and
// condenses each host's fetches into a gzipped NDJSON response log. A
// payload missing from the archive is skipped, not fatal; the artifact
// row still points at its original path.
func (e *Exporter) writeRaw(ctx context.Context, dir string, run *model.Run) error {
	sources, err := e.store.ListSources(ctx, run.ID)
	if err != nil {
		return eris.Wrap(err, "output: list sources")
	}

	type respLine struct {
		URL       string `json:"url"`
		Status    string `json:"status"`
		HTTP      int    `json:"http,omitempty"`
		Method    string `json:"method,omitempty"`
		FetchedAt string `json:"fetched_at,omitempty"`
	}
	byHost := make(map[string][]respLine)

	for _, src := range sources {
		line := respLine{
			URL:    src.URL,
			Status: string(src.CrawlStatus),
			HTTP:   src.HTTPStatus,
			Method: string(src.Method),
		}
		if src.FetchedAt != nil {
			line.FetchedAt = src.FetchedAt.UTC().Format(time.RFC3339)
		}
		byHost[src.Host] = append(byHost[src.Host], line)

		arts, err := e.store.ListArtifacts(ctx, src.ID)
		if err != nil {
			return eris.Wrapf(err, "output: list artifacts for %s", src.ID)
		}
		pageDir := filepath.Join(dir, "raw", "pages", src.Host, src.ID)
		for _, a := range arts {
			payload, err := os.ReadFile(a.Path)
			if err != nil {
				zap.L().Warn("output: artifact payload missing",
					zap.String("artifact", a.ID), zap.String("path", a.Path))
				continue
			}
			if a.Kind == model.ArtifactPDF {
				name := a.ContentHash[:12] + ".pdf"
				if err := writeRawFile(filepath.Join(dir, "raw", "pdfs", src.Host, name), payload); err != nil {
					return err
				}
				continue
			}
			name := rawFileOf(a.Kind)
			if name == "" {
				name = a.ContentHash[:12] + ".bin"
			}
			if err := writeRawFile(filepath.Join(pageDir, name), payload); err != nil {
				return err
			}
		}
	}

	for host, lines := range byHost {
		var b strings.Builder
		for _, l := range lines {
			row, err := json.Marshal(l)
			if err != nil {
				return eris.Wrap(err, "output: marshal response line")
			}
			b.Write(row)
			b.WriteByte('\n')
		}
		path := filepath.Join(dir, "raw", "network", host, "responses.ndjson.gz")
		if err := writeRawFile(path, []byte(b.String())); err != nil {
			return err
		}
	}
	return nil
}

// writeRawFile writes payload under path, creating parents and gzipping
// when the name carries a .gz suffix.
func writeRawFile(path string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "output: mkdir raw")
	}
	if filepath.Ext(path) != ".gz" {
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			return eris.Wrapf(err, "output: write %s", filepath.Base(path))
		}
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "output: create %s", filepath.Base(path))
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		f.Close()
		return eris.Wrapf(err, "output: compress %s", filepath.Base(path))
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return eris.Wrapf(err, "output: flush %s", filepath.Base(path))
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "output: close %s", filepath.Base(path))
	}
	return nil
}

func (e *Exporter) writeSummary(dir string, run *model.Run) error {
	s := Summary{
		CostModel:  e.costModel,
		ExportedAt: time.Now().UTC(),
	}
	if run.Summary != nil {
		s.RunSummary = *run.Summary
	}
	usage := anthropic.TokenUsage{
		InputTokens:  int64(run.Counters.InputTokens),
		OutputTokens: int64(run.Counters.OutputTokens),
	}
	s.EstimatedCostUSD = usage.EstimateCost(e.costModel)
	return writeJSON(filepath.Join(dir, "logs", "summary.json"), s)
}

// WriteAnalysis stores one analysis snapshot (needset, search profile,
// retrieval packets) as JSON under the run's analysis directory.
func WriteAnalysis(runDir, name string, v any) error {
	if err := os.MkdirAll(filepath.Join(runDir, "analysis"), 0o755); err != nil {
		return eris.Wrap(err, "output: mkdir analysis")
	}
	return writeJSON(filepath.Join(runDir, "analysis", name+".json"), v)
}

// updateLatest points the product's latest link at this run.
func (e *Exporter) updateLatest(run *model.Run) error {
	link := e.layout.LatestLink(run.Product.Category, run.ProductID)
	target := filepath.Join("runs", run.ID)

	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return eris.Wrap(err, "output: create latest link")
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return eris.Wrap(err, "output: move latest link")
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "output: marshal %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "output: write %s", filepath.Base(path))
	}
	return nil
}
