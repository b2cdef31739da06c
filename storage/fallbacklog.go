package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/minerwatch/fhpep/model"
)

// FallbackLog appends outbox records to a JSONL file when the outbox table
// is unavailable (§7 OutboxUnavailable: "never drop P0/P1 silently").
type FallbackLog struct {
	path string
	mu   sync.Mutex
}

// NewFallbackLog creates a writer for the given path.
func NewFallbackLog(path string) *FallbackLog {
	return &FallbackLog{path: path}
}

// Write appends one outbox record to the log file.
func (w *FallbackLog) Write(rec model.OutboxRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(rec)
}

// ReadFallbackLog reads every record from a JSONL fallback file, skipping
// malformed lines rather than aborting (mirrors the upstream event-log
// reader's tolerance of partial writes).
func ReadFallbackLog(path string) ([]model.OutboxRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []model.OutboxRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var rec model.OutboxRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
