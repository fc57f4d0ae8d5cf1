// Package events carries the pipeline's progress stream to observers:
// the per-run NDJSON log and the CLI display. Every record names the
// stage it came from, the event within that stage, and the run scope it
// applies to.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stage names the pipeline stage an event belongs to.
type Stage string

const (
	StageRun       Stage = "run"
	StageNeedSet   Stage = "needset"
	StageSearch    Stage = "search"
	StageFetch     Stage = "fetch"
	StageParse     Stage = "parse"
	StageIndex     Stage = "index"
	StageRetrieval Stage = "retrieval"
	StageLLM       Stage = "llm"
	StageConsensus Stage = "consensus"
	StageQueue     Stage = "queue"
)

// Name names one event within a stage.
type Name string

const (
	RunContext    Name = "run_context"
	RoundStarted  Name = "round_started"
	RoundFinished Name = "round_finished"
	RunCompleted  Name = "run_completed"

	NeedSetComputed Name = "needset_computed"

	SearchStarted  Name = "search_started"
	SearchFinished Name = "search_finished"

	SourceFetchSkipped  Name = "source_fetch_skipped"
	FetchStarted        Name = "fetch_started"
	FetchFinished       Name = "fetch_finished"
	FetchRecovered      Name = "fetch_recovered"
	SourceProcessed     Name = "source_processed"
	VisualAssetCaptured Name = "visual_asset_captured"

	ParseStarted  Name = "parse_started"
	ParseFinished Name = "parse_finished"

	IndexStarted  Name = "index_started"
	IndexFinished Name = "index_finished"

	PrimeSourcesBuilt Name = "phase07_prime_sources_built"

	LLMStarted  Name = "llm_started"
	LLMFinished Name = "llm_finished"
	LLMFailed   Name = "llm_failed"

	CandidateUpdated Name = "candidate_updated"
	FieldSelected    Name = "field_selected"

	JobEnqueued         Name = "job_enqueued"
	RepairQueryEnqueued Name = "repair_query_enqueued"
)

// Scope pins an event to its run, product and round.
type Scope struct {
	RunID     string `json:"run_id"`
	ProductID string `json:"product_id,omitempty"`
	Round     int    `json:"round,omitempty"`
}

// Event is one progress record. Payload holds event-specific detail and
// must be JSON-serializable.
type Event struct {
	TS      time.Time      `json:"ts"`
	Stage   Stage          `json:"stage"`
	Event   Name           `json:"event"`
	Scope   Scope          `json:"scope"`
	Payload map[string]any `json:"payload,omitempty"`
}

type subscriber struct {
	ch     chan Event
	stages map[Stage]bool // nil admits every stage
}

// Bus fans events out to subscribers. Publishing never blocks: a slow
// subscriber loses events rather than stalling the pipeline.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new subscriber. With stages given, only events
// from those stages are delivered. The returned cancel function must be
// called to release the channel.
func (b *Bus) Subscribe(buffer int, stages ...Stage) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(stages) > 0 {
		sub.stages = make(map[Stage]bool, len(stages))
		for _, s := range stages {
			sub.stages[s] = true
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers an event to all subscribers, stamping TS if unset.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.stages != nil && !sub.stages[ev.Stage] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			zap.L().Debug("events: subscriber buffer full, dropping event",
				zap.String("event", string(ev.Event)))
		}
	}
}

// Close detaches all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
