package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/minerwatch/fhpep/model"
)

// StaticSource serves a fixed, in-memory batch of records. Used by tests and
// by the fhpepctl replay command to feed a recorded batch through the same
// pipeline a live HTTPSource would drive.
type StaticSource struct {
	mu      sync.Mutex
	records []model.TelemetryRecord
}

// NewStaticSource wraps a fixed batch.
func NewStaticSource(records []model.TelemetryRecord) *StaticSource {
	return &StaticSource{records: records}
}

// FetchLive implements Source, returning a copy of the held batch.
func (s *StaticSource) FetchLive(ctx context.Context) ([]model.TelemetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TelemetryRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Set replaces the held batch, letting a test or replay driver step
// through successive cycles.
func (s *StaticSource) Set(records []model.TelemetryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

// LoadReplayFile reads a newline-delimited JSON file of telemetry batches
// (one JSON array per line, one line per cycle) such as the fhpepctl record
// command produces, returning each cycle's batch in order.
func LoadReplayFile(path string) ([][]model.TelemetryRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open replay file: %w", err)
	}
	defer f.Close()

	var cycles [][]model.TelemetryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var batch []model.TelemetryRecord
		if err := json.Unmarshal(line, &batch); err != nil {
			return nil, fmt.Errorf("cannot parse replay line: %w", err)
		}
		cycles = append(cycles, batch)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read replay file: %w", err)
	}
	return cycles, nil
}

// RecordWriter appends one cycle's batch as a JSON line, for the fhpepctl
// record command.
type RecordWriter struct {
	mu sync.Mutex
	f  *os.File
}

func NewRecordWriter(path string) (*RecordWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cannot create record file: %w", err)
	}
	return &RecordWriter{f: f}, nil
}

func (w *RecordWriter) Write(batch []model.TelemetryRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.f.Write(data)
	return err
}

func (w *RecordWriter) Close() error { return w.f.Close() }
