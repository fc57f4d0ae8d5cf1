package output

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/events"
)

// EventLog drains a bus subscription into an NDJSON file, one event per
// line, gzip-compressed when the path ends in .gz. Close flushes and
// detaches the subscription.
type EventLog struct {
	file   *os.File
	gz     *gzip.Writer
	enc    *json.Encoder
	cancel func()
	done   chan struct{}
}

// NewEventLog opens the log file and starts draining the bus.
func NewEventLog(path string, bus *events.Bus) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "output: mkdir event log")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrap(err, "output: create event log")
	}

	var w io.Writer = f
	l := &EventLog{file: f, done: make(chan struct{})}
	if filepath.Ext(path) == ".gz" {
		l.gz = gzip.NewWriter(f)
		w = l.gz
	}
	l.enc = json.NewEncoder(w)

	ch, cancel := bus.Subscribe(0)
	l.cancel = cancel
	go l.drain(ch)
	return l, nil
}

func (l *EventLog) drain(ch <-chan events.Event) {
	defer close(l.done)
	for ev := range ch {
		if err := l.enc.Encode(ev); err != nil {
			zap.L().Warn("output: write event", zap.Error(err))
		}
	}
}

// Close detaches from the bus, waits for buffered events to flush, and
// closes the file.
func (l *EventLog) Close() error {
	l.cancel()
	<-l.done
	if l.gz != nil {
		if err := l.gz.Close(); err != nil {
			l.file.Close()
			return eris.Wrap(err, "output: flush event log")
		}
	}
	if err := l.file.Close(); err != nil {
		return eris.Wrap(err, "output: close event log")
	}
	return nil
}
