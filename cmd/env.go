package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/fetch"
	"github.com/sells-group/spec-harvester/internal/ocr"
	"github.com/sells-group/spec-harvester/internal/parser"
	"github.com/sells-group/spec-harvester/internal/store"
	"github.com/sells-group/spec-harvester/pkg/firecrawl"
	"github.com/sells-group/spec-harvester/pkg/jina"
)

const headlessTimeout = 30 * time.Second

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "harvester.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// buildFetchLane assembles the fetch ladder (static, then headless and
// reader when enabled) behind the host pacer and lane workers. The
// returned closers release the headless browser.
func buildFetchLane(jc jina.Client, fc firecrawl.Client) (*fetch.Scheduler, []func() error) {
	static := fetch.NewStaticFetcher().
		WithRetry(cfg.Fetch.ToRetry()).
		WithUserAgent(cfg.Fetch.UserAgent).
		WithRobots(cfg.Fetch.RespectRobots)
	fetchers := []fetch.Fetcher{static}
	var closers []func() error

	if cfg.Fetch.Headless {
		h := fetch.NewHeadlessFetcher(headlessTimeout)
		fetchers = append(fetchers, h)
		closers = append(closers, h.Close)
	}
	if cfg.Fetch.Reader {
		fetchers = append(fetchers, fetch.NewReaderFetcher(jc).WithBreaker(cfg.Fetch.ToBreaker()))
	}

	chain := fetch.NewChain(fetch.DefaultFallbackPolicy, fetchers...)
	if cfg.Firecrawl.Key != "" {
		chain = chain.WithFirecrawlClient(fc)
	}

	pacer := fetch.NewHostPacer(cfg.Fetch.HostMinDelay, cfg.Fetch.HostBudget)
	return fetch.NewScheduler(chain, pacer, cfg.Fetch.Lanes), closers
}

// buildParsers wires the parser ladder with the configured PDF text
// extractor behind the OCR quality gate.
func buildParsers() (*parser.Bank, error) {
	ocrx, err := ocr.NewExtractor(cfg.OCR.Options())
	if err != nil {
		return nil, eris.Wrap(err, "init ocr extractor")
	}
	native := ocr.NewPdfToText(cfg.OCR.PdfToTextPath)
	pdf := parser.NewPDFParser(native, ocrx, ocr.DefaultQualityGate())
	return parser.DefaultBank(parser.NewAdapterRegistry(), pdf), nil
}
