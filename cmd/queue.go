package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/discovery"
	"github.com/sells-group/spec-harvester/internal/evidence"
	"github.com/sells-group/spec-harvester/internal/frontier"
	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/queue"
	"github.com/sells-group/spec-harvester/internal/store"
	"github.com/sells-group/spec-harvester/pkg/firecrawl"
	"github.com/sells-group/spec-harvester/pkg/jina"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the automation job queue",
}

// -- queue list --

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List automation jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		jobType, _ := cmd.Flags().GetString("type")
		productID, _ := cmd.Flags().GetString("product")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status:    model.JobStatus(status),
			Type:      model.JobType(jobType),
			ProductID: productID,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "queue list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- queue drain --

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run one pass over the due automation jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("queue"); err != nil {
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

		worker := queue.NewWorker(st, cfg.Queue)
		repairs := &repairRunner{
			store:     st,
			frontier:  frontier.New(st, cfg.Frontier.ToFrontier()),
			searcher:  discovery.NewJinaSearcher(jinaClient, searchResultsPerQuery),
			fetcher:   fetchLane,
			parsers:   parsers,
			index:     evidence.NewIndex(st),
			contracts: contractLoader(),
			maxURLs:   cfg.Pipeline.MaxURLsPerRound,
		}
		repairs.register(worker)

		stats, err := worker.Drain(ctx)
		if err != nil {
			return eris.Wrap(err, "queue drain")
		}

		zap.L().Info("queue drained",
			zap.Int("claimed", stats.Claimed),
			zap.Int("done", stats.Done),
			zap.Int("cooled", stats.Cooled),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped))

		fmt.Printf("claimed=%d done=%d cooled=%d failed=%d skipped=%d\n",
			stats.Claimed, stats.Done, stats.Cooled, stats.Failed, stats.Skipped)
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "filter by job status (queued, cooldown, done, failed)")
	queueListCmd.Flags().String("type", "", "filter by job type (repair_search, deficit_rediscovery, ...)")
	queueListCmd.Flags().String("product", "", "filter by product id")
	queueListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRI\tATTEMPTS\tFIELDS\tNEXT_RUN")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t---\t--------\t------\t--------")

	for _, j := range jobs {
		next := ""
		if j.NextRunAt != nil {
			next = j.NextRunAt.Format("2006-01-02 15:04")
		}
		fields := strings.Join(j.FieldTargets, ",")
		if len(fields) > 30 {
			fields = fields[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(j.ID),
			j.Type,
			j.Status,
			j.Priority,
			j.Attempts,
			fields,
			next,
		)
	}
	_ = w.Flush()
}
