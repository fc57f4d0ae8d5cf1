package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/events"
	"github.com/sells-group/spec-harvester/internal/model"
)

// evalStop checks the stop conditions at the top of each round. An empty
// reason means the loop keeps going.
func (p *Pipeline) evalStop(ctx context.Context, st *runState, round int, start time.Time) model.StopReason {
	if ctx.Err() != nil {
		return model.StopCancelled
	}
	if round > 1 && st.sourcesSeen == 0 {
		return model.StopNoSources
	}
	if st.identityConflict {
		return model.StopIdentityConflict
	}
	if p.converged(st) {
		return model.StopConverged
	}
	if round > p.cfg.MaxRounds {
		return model.StopMaxRounds
	}
	if st.noProgress >= p.cfg.NoProgressLimit {
		return model.StopNoProgress
	}
	if st.lowQuality >= p.cfg.MaxLowQualityRounds {
		return model.StopLowQuality
	}
	if p.cfg.WallClockBudget > 0 && p.now().UTC().Sub(start) >= p.cfg.WallClockBudget {
		return model.StopBudgetExhausted
	}
	return ""
}

// converged reports whether every identity, critical and required field
// is settled above the confidence gate without an open conflict.
func (p *Pipeline) converged(st *runState) bool {
	required := p.deps.Contract.RequiredFields()
	if len(required) == 0 {
		return false
	}
	for _, rule := range required {
		tr := st.track[rule.Key]
		if tr == nil || !tr.selected || tr.confidence < p.cfg.ConfidenceGate || tr.conflict {
			return false
		}
	}
	return true
}

// statusFor maps a stop reason to the run's terminal status. Budget and
// quality stops still complete: partial field state is a usable result.
func statusFor(stop model.StopReason) model.RunStatus {
	switch stop {
	case model.StopCancelled:
		return model.RunStatusInterrupted
	case model.StopNoSources:
		return model.RunStatusNoSources
	case model.StopIdentityConflict:
		return model.RunStatusFailed
	default:
		return model.RunStatusCompleted
	}
}

// finalize persists the run summary and publishes the terminal event.
func (p *Pipeline) finalize(ctx context.Context, log *zap.Logger, st *runState, status model.RunStatus, stop model.StopReason, start time.Time, failMsg string) {
	warnings := append([]string(nil), st.warnings...)
	if stop == model.StopBudgetExhausted {
		warnings = append(warnings, "budget_exhausted")
	}
	if stop == model.StopIdentityConflict {
		warnings = append(warnings, "identity conflict across tier-1 sources")
	}
	if st.llmDegraded {
		warnings = append(warnings, "llm_degraded")
	}
	if failMsg != "" {
		warnings = append(warnings, failMsg)
	}

	selected, gated := 0, 0
	downgraded := false
	for key, tr := range st.track {
		if !tr.selected {
			continue
		}
		selected++
		if tr.confidence < p.cfg.ConfidenceGate {
			gated++
		}
		rule := p.deps.Contract.ByKey(key)
		if rule != nil && rule.PreferredTier > 0 && tr.bestTier > rule.PreferredTier {
			downgraded = true
		}
	}

	end := p.now().UTC()
	summary := &model.RunSummary{
		Status:         status,
		StopReason:     stop,
		FieldsSelected: selected,
		FieldsTotal:    len(p.deps.Contract.Fields),
		FieldsGated:    gated,
		TierDowngraded: downgraded,
		Warnings:       warnings,
		Counters:       st.run.Counters,
		DurationMS:     end.Sub(start).Milliseconds(),
	}
	st.run.Status = status
	st.run.Summary = summary
	st.run.EndedAt = &end

	// Finalization must survive a cancelled context.
	fctx := ctx
	if fctx.Err() != nil {
		fctx = context.WithoutCancel(ctx)
	}
	if err := p.deps.Store.FinishRun(fctx, st.run.ID, status, summary); err != nil {
		log.Warn("pipeline: finish run", zap.Error(err))
	}

	p.publish(events.StageRun, events.RunCompleted, st, st.run.Counters.Rounds, map[string]any{
		"status":          string(status),
		"stop_reason":     string(stop),
		"fields_selected": selected,
		"fields_gated":    gated,
	})
	log.Info("pipeline: run finished",
		zap.String("status", string(status)),
		zap.String("stop_reason", string(stop)),
		zap.Int("rounds", st.run.Counters.Rounds),
		zap.Int("fields_selected", selected),
		zap.Int64("duration_ms", summary.DurationMS))
}
