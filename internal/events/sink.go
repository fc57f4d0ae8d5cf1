package events

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
)

// NDJSONSink appends events to a gzip-compressed NDJSON file. Safe for
// concurrent writers.
type NDJSONSink struct {
	mu   sync.Mutex
	file *os.File
	gz   *gzip.Writer
	enc  *json.Encoder
}

// NewNDJSONSink creates the sink file, making parent directories as needed.
func NewNDJSONSink(path string) (*NDJSONSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "events: mkdir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrapf(err, "events: create %s", path)
	}
	gz := gzip.NewWriter(f)
	return &NDJSONSink{file: f, gz: gz, enc: json.NewEncoder(gz)}, nil
}

// Write appends one event line.
func (s *NDJSONSink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return eris.Wrap(s.enc.Encode(ev), "events: encode")
}

// Drain consumes a subscription channel until it closes, writing every
// event. Intended to run in its own goroutine.
func (s *NDJSONSink) Drain(ch <-chan Event) {
	for ev := range ch {
		_ = s.Write(ev)
	}
}

// Close flushes and closes the underlying file.
func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.gz.Close(); err != nil {
		s.file.Close()
		return eris.Wrap(err, "events: close gzip")
	}
	return eris.Wrap(s.file.Close(), "events: close file")
}
