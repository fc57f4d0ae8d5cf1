package llm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/pkg/anthropic"
)

// BatchItem is one prompt in a role batch. ID keys the decoded result
// and doubles as the provider-side custom id.
type BatchItem struct {
	ID     string
	Prompt string
}

// CompleteBatch sends many prompts through one role as a single message
// batch. The first item goes out sequentially so the role's cached
// system prompt is warm before the batch reads it; the remaining items
// ride the batch API at batch pricing. Results come back keyed by item
// ID. Items that fail provider-side or violate the role schema are
// dropped with a warning instead of failing the whole batch, so a
// missing ID means the caller should revisit that item later. The role
// budget is checked once up front; one batch may overshoot it by its
// own usage.
func CompleteBatch[T any](ctx context.Context, r *Router, runID string, role Role, system string, items []BatchItem) (map[string]*T, *anthropic.TokenUsage, error) {
	total := &anthropic.TokenUsage{}
	if len(items) == 0 {
		return map[string]*T{}, total, nil
	}
	cfg, ok := r.roles[role]
	if !ok {
		return nil, total, eris.Errorf("llm: no config for role %s", role)
	}
	if cfg.TokenBudget > 0 && r.Spent(runID, role) >= cfg.TokenBudget {
		return nil, total, eris.Wrapf(ErrBudgetExhausted, "role %s run %s", role, runID)
	}

	out := make(map[string]*T, len(items))

	warm := new(T)
	usage, err := r.Complete(ctx, runID, role, system, items[0].Prompt, warm)
	addTokens(total, usage)
	if err != nil {
		return nil, total, eris.Wrapf(err, "llm: batch warm item %s", items[0].ID)
	}
	out[items[0].ID] = warm
	if len(items) == 1 {
		return out, total, nil
	}

	req := anthropic.BatchRequest{
		Requests: make([]anthropic.BatchRequestItem, 0, len(items)-1),
	}
	for _, it := range items[1:] {
		params := anthropic.MessageRequest{
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Messages:  []anthropic.Message{{Role: "user", Content: it.Prompt}},
		}
		if system != "" {
			params.System = anthropic.BuildCachedSystemBlocks(system)
		}
		if cfg.Temperature > 0 {
			params.Temperature = &cfg.Temperature
		}
		req.Requests = append(req.Requests, anthropic.BatchRequestItem{
			CustomID: it.ID,
			Params:   params,
		})
	}

	start := time.Now()
	batch, err := r.client.CreateBatch(ctx, req)
	if err != nil {
		return out, total, eris.Wrap(err, "llm: create batch")
	}
	zap.L().Info("llm: batch submitted",
		zap.String("role", string(role)),
		zap.String("batch", batch.ID),
		zap.Int("items", len(req.Requests)))

	done, err := anthropic.PollBatch(ctx, r.client, batch.ID)
	if err != nil {
		return out, total, err
	}
	iter, err := r.client.GetBatchResults(ctx, done.ID)
	if err != nil {
		return out, total, err
	}
	collected, err := anthropic.CollectBatchResults(iter)
	if err != nil {
		return out, total, err
	}

	for _, it := range items[1:] {
		resp, ok := collected.Succeeded[it.ID]
		if !ok {
			// Provider-side failures are already logged by the collector.
			continue
		}
		r.spend(runID, role, &resp.Usage)
		addTokens(total, &resp.Usage)

		text := responseText(resp)
		v := new(T)
		status := "ok"
		if decodeErr := r.decode(text, v, true); decodeErr != nil {
			status = "failed"
			zap.L().Warn("llm: batch item failed schema",
				zap.String("role", string(role)),
				zap.String("item", it.ID),
				zap.Error(decodeErr))
		} else {
			out[it.ID] = v
		}
		r.trace(ctx, runID, role, cfg.Model, status, it.Prompt, text, &resp.Usage, start)
	}

	total.LogCost(cfg.Model, "batch:"+string(role))
	return out, total, nil
}

func addTokens(dst, u *anthropic.TokenUsage) {
	if u == nil {
		return
	}
	dst.InputTokens += u.InputTokens
	dst.OutputTokens += u.OutputTokens
	dst.CacheCreationInputTokens += u.CacheCreationInputTokens
	dst.CacheReadInputTokens += u.CacheReadInputTokens
}
