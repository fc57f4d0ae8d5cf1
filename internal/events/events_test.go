package events

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Stage: StageRun, Event: RoundStarted, Scope: Scope{RunID: "run_1", Round: 1}})

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, RoundStarted, ev1.Event)
	assert.Equal(t, RoundStarted, ev2.Event)
	assert.False(t, ev1.TS.IsZero())
}

func TestBus_StageFilter(t *testing.T) {
	b := NewBus()
	defer b.Close()

	llmOnly, cancel := b.Subscribe(4, StageLLM)
	defer cancel()
	all, cancelAll := b.Subscribe(4)
	defer cancelAll()

	b.Publish(Event{Stage: StageFetch, Event: FetchFinished, Scope: Scope{RunID: "run_1"}})
	b.Publish(Event{Stage: StageLLM, Event: LLMFinished, Scope: Scope{RunID: "run_1"}})

	assert.Len(t, all, 2)
	require.Len(t, llmOnly, 1)
	ev := <-llmOnly
	assert.Equal(t, LLMFinished, ev.Event)
}

func TestBus_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Stage: StageSearch, Event: SearchStarted, Scope: Scope{RunID: "run_1"}})
	b.Publish(Event{Stage: StageSearch, Event: SearchStarted, Scope: Scope{RunID: "run_1"}})
	b.Publish(Event{Stage: StageSearch, Event: SearchStarted, Scope: Scope{RunID: "run_1"}})

	// Only the buffered event survives; publishing never blocked.
	assert.Len(t, ch, 1)
}

func TestBus_CancelDetaches(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe(4)
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	b.Publish(Event{Stage: StageRun, Event: RunCompleted, Scope: Scope{RunID: "run_1"}})
}

func TestNDJSONSink_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "events.ndjson.gz")

	sink, err := NewNDJSONSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Write(Event{
		Stage: StageFetch,
		Event: FetchFinished,
		Scope: Scope{RunID: "run_1", ProductID: "prod_1", Round: 2},
		Payload: map[string]any{"url": "https://example.com"},
	}))
	require.NoError(t, sink.Write(Event{Stage: StageRun, Event: RunCompleted, Scope: Scope{RunID: "run_1"}}))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	dec := json.NewDecoder(gz)
	var first, second Event
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, FetchFinished, first.Event)
	assert.Equal(t, StageFetch, first.Stage)
	assert.Equal(t, "run_1", first.Scope.RunID)
	assert.Equal(t, 2, first.Scope.Round)
	assert.Equal(t, "https://example.com", first.Payload["url"])
	assert.Equal(t, RunCompleted, second.Event)
}
