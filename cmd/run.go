package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/consensus"
	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/discovery"
	"github.com/sells-group/spec-harvester/internal/events"
	"github.com/sells-group/spec-harvester/internal/evidence"
	"github.com/sells-group/spec-harvester/internal/frontier"
	"github.com/sells-group/spec-harvester/internal/llm"
	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/output"
	"github.com/sells-group/spec-harvester/internal/pipeline"
	"github.com/sells-group/spec-harvester/internal/queue"
	"github.com/sells-group/spec-harvester/internal/retrieval"
	"github.com/sells-group/spec-harvester/internal/review"
	"github.com/sells-group/spec-harvester/internal/store"
	anthropicpkg "github.com/sells-group/spec-harvester/pkg/anthropic"
	"github.com/sells-group/spec-harvester/pkg/firecrawl"
	"github.com/sells-group/spec-harvester/pkg/jina"
)

const searchResultsPerQuery = 10

var (
	runCategory string
	runBrand    string
	runModel    string
	runVariant  string
	runContract string
	runInput    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Harvest specifications for a single product",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		product, seeds, err := resolveRunTarget()
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		contractPath := runContract
		if contractPath == "" {
			contractPath = filepath.Join(cfg.Contracts.Dir, product.Category+".yaml")
		}
		c, err := contract.Load(contractPath)
		if err != nil {
			return eris.Wrap(err, "load field contract")
		}

		// Init clients
		jinaClient := jina.NewClient(cfg.Jina.Key,
			jina.WithBaseURL(cfg.Jina.BaseURL),
			jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		firecrawlClient := firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))

		fetchLane, closers := buildFetchLane(jinaClient, firecrawlClient)
		defer func() {
			for _, closeFn := range closers {
				if err := closeFn(); err != nil {
					zap.L().Warn("close fetcher", zap.Error(err))
				}
			}
		}()

		parsers, err := buildParsers()
		if err != nil {
			return err
		}

		front := frontier.New(st, cfg.Frontier.ToFrontier())
		index := evidence.NewIndex(st)
		// Raw payloads live outside the category trees; Export copies
		// them into each run's raw/ directory.
		archive := evidence.NewArchive(filepath.Join(cfg.Output.Dir, ".archive"), st)
		searcher := discovery.NewJinaSearcher(jinaClient, searchResultsPerQuery)
		assembler := retrieval.New(st, c, 0)
		reviews := review.NewService(st)

		worker := queue.NewWorker(st, cfg.Queue)
		repairs := &repairRunner{
			store:     st,
			frontier:  front,
			searcher:  searcher,
			fetcher:   fetchLane,
			parsers:   parsers,
			index:     index,
			contracts: func(string) (*contract.Contract, error) { return c, nil },
			maxURLs:   cfg.Pipeline.MaxURLsPerRound,
		}
		repairs.register(worker)

		bus := events.NewBus()
		defer bus.Close()

		eventPath, eventLog, err := openEventLog(product, bus)
		if err != nil {
			return err
		}
		analysis := &analysisCollector{}

		deps := pipeline.Deps{
			Store:     st,
			Contract:  c,
			Frontier:  front,
			Fetcher:   fetchLane,
			Parsers:   parsers,
			Index:     index,
			Artifacts: archive,
			Analysis:  analysis,
			Searcher:  searcher,
			Assembler: assembler,
			Consensus: consensus.New(0, 0),
			Review:    reviews,
			Queue:     worker,
			Bus:       bus,
		}

		// LLM roles are optional; without a key the run stays
		// deterministic on the parser ladder.
		roles := cfg.LLM.RoleMap()
		costModel := ""
		if cfg.Anthropic.Key != "" {
			router := llm.NewRouter(anthropicpkg.NewClient(cfg.Anthropic.Key), roles, st)
			// Traces are scoped by product; the run id is minted inside
			// the loop.
			scope := product.ProductID()
			deps.Planner = llm.NewPlanner(router, scope)
			deps.Reranker = llm.NewReranker(router, scope, cfg.Pipeline.MaxURLsPerRound)
			deps.Extractor = llm.NewExtractor(router, scope)
			deps.Validator = llm.NewValidator(router, scope)

			if roles == nil {
				roles = llm.DefaultRoles()
			}
			costModel = roles[llm.RoleExtract].Model
		}

		p := pipeline.New(cfg.Pipeline, deps)
		run, runErr := p.Run(ctx, product, seeds...)

		if cerr := eventLog.Close(); cerr != nil {
			zap.L().Warn("close event log", zap.Error(cerr))
		}
		if run == nil {
			return eris.Wrap(runErr, "pipeline run")
		}

		// Quarantine assertions whose snippets no longer hash to their
		// ids before the provenance files are written.
		if quarantined, verr := index.Verify(ctx, run.ID); verr != nil {
			zap.L().Warn("verify evidence", zap.Error(verr))
		} else if quarantined > 0 {
			zap.L().Warn("quarantined assertions with broken evidence",
				zap.Int("count", quarantined), zap.String("run", run.ID))
		}

		exporter := output.NewExporter(output.Layout{Root: cfg.Output.Dir}, st, costModel)
		dir, err := exporter.Export(ctx, run, c)
		if err != nil {
			return eris.Wrap(err, "export run")
		}
		if err := placeEventLog(eventPath, dir); err != nil {
			zap.L().Warn("move event log", zap.Error(err))
		}
		analysis.flush(dir)

		// Snapshot the automation backlog the run left behind.
		if jobs, jerr := st.ListJobs(ctx, store.JobFilter{ProductID: product.ProductID(), Limit: 200}); jerr == nil {
			if werr := output.WriteAnalysis(dir, "jobs", jobs); werr != nil {
				zap.L().Warn("write jobs snapshot", zap.Error(werr))
			}
		}

		if runErr != nil {
			return eris.Wrap(runErr, "pipeline run")
		}

		zap.L().Info("harvest complete",
			zap.String("product", product.Slug()),
			zap.String("run", run.ID),
			zap.String("status", string(run.Status)),
			zap.String("output", dir))

		// Print summary JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// analysisCollector buffers pipeline phase snapshots until the run
// directory exists, then flushes them under analysis/.
type analysisCollector struct {
	mu    sync.Mutex
	names []string
	data  map[string]any
}

func (a *analysisCollector) Snapshot(name string, v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		a.data = make(map[string]any)
	}
	if _, ok := a.data[name]; !ok {
		a.names = append(a.names, name)
	}
	a.data[name] = v
}

func (a *analysisCollector) flush(dir string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, name := range a.names {
		if err := output.WriteAnalysis(dir, name, a.data[name]); err != nil {
			zap.L().Warn("write analysis snapshot", zap.String("name", name), zap.Error(err))
		}
	}
}

// resolveRunTarget picks the product identity and seed URLs from the
// input job file when --input is given, otherwise from the identity
// flags. Explicit flags override the job's fields so a stored job can
// be rerun against a variant.
func resolveRunTarget() (model.ProductIdentity, []string, error) {
	product := model.ProductIdentity{
		Category: runCategory,
		Brand:    runBrand,
		Model:    runModel,
		Variant:  runVariant,
	}
	var seeds []string

	if runInput != "" {
		job, err := readInputJob(runInput)
		if err != nil {
			return model.ProductIdentity{}, nil, err
		}
		seeds = job.SeedURLs
		locked := job.Identity()
		if product.Category == "" {
			product.Category = locked.Category
		}
		if product.Brand == "" {
			product.Brand = locked.Brand
		}
		if product.Model == "" {
			product.Model = locked.Model
		}
		if product.Variant == "" {
			product.Variant = locked.Variant
		}
	}

	switch {
	case product.Category == "":
		return model.ProductIdentity{}, nil, eris.New("category is required (--category or --input)")
	case product.Brand == "":
		return model.ProductIdentity{}, nil, eris.New("brand is required (--brand or --input)")
	case product.Model == "":
		return model.ProductIdentity{}, nil, eris.New("model is required (--model or --input)")
	}
	return product, seeds, nil
}

// readInputJob parses one intake file
// (inputs/{category}/products/{product_id}.json).
func readInputJob(path string) (*model.InputJob, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read input job")
	}
	var job model.InputJob
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, eris.Wrapf(err, "parse input job %s", filepath.Base(path))
	}
	return &job, nil
}

// openEventLog starts the run's event log at a pending path under the
// product directory; the run id does not exist yet. placeEventLog moves
// it into the run tree after export.
func openEventLog(product model.ProductIdentity, bus *events.Bus) (string, *output.EventLog, error) {
	name := "events.pending.jsonl"
	if cfg.Output.Compress {
		name += ".gz"
	}
	layout := output.Layout{Root: cfg.Output.Dir}
	path := filepath.Join(layout.ProductDir(product.Category, product.ProductID()), name)

	l, err := output.NewEventLog(path, bus)
	if err != nil {
		return "", nil, eris.Wrap(err, "open event log")
	}
	return path, l, nil
}

// placeEventLog moves the pending event log into the exported run tree.
func placeEventLog(pending, runDir string) error {
	name := "events.jsonl"
	if filepath.Ext(pending) == ".gz" {
		name += ".gz"
	}
	return os.Rename(pending, filepath.Join(runDir, "logs", name))
}

func init() {
	runCmd.Flags().StringVar(&runCategory, "category", "", "product category, names the field contract")
	runCmd.Flags().StringVar(&runBrand, "brand", "", "product brand")
	runCmd.Flags().StringVar(&runModel, "model", "", "product model name")
	runCmd.Flags().StringVar(&runVariant, "variant", "", "product variant or SKU")
	runCmd.Flags().StringVar(&runContract, "contract", "", "field contract path (default <contracts.dir>/<category>.yaml)")
	runCmd.Flags().StringVar(&runInput, "input", "", "input job file (inputs/{category}/products/{product_id}.json)")
	rootCmd.AddCommand(runCmd)
}
