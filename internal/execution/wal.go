package execution

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// IntentWAL persists order intents before execution so a crash between
// accept and venue ack loses nothing. Completed intents are tombstoned
// and the log is compacted on recovery.
type IntentWAL struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	pending map[string]bool
	closed  bool
	metrics WALMetrics
}

// WALMetrics tracks persistence statistics.
type WALMetrics struct {
	Written   uint64
	Recovered uint64
	Completed uint64
	Failed    uint64
}

type walEntry struct {
	Action    string    `json:"action"` // "ENQUEUE" or "COMPLETE"
	Intent    Intent    `json:"intent"`
	Timestamp time.Time `json:"timestamp"`
}

// NewIntentWAL opens (creating if needed) the WAL under dir.
func NewIntentWAL(dir string) (*IntentWAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}
	path := filepath.Join(dir, "intents.wal")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}
	return &IntentWAL{
		path:    path,
		file:    file,
		pending: make(map[string]bool),
	}, nil
}

// Recover returns intents that were enqueued but never completed, and
// compacts the log down to just those. Call once, before Append.
func (w *IntentWAL) Recover() ([]Intent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open WAL for recovery: %w", err)
	}
	defer file.Close()

	enqueued := make(map[string]Intent)
	order := make([]string, 0)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Printf("⚠️ WAL parse error (skipping): %v", err)
			continue
		}
		switch entry.Action {
		case "ENQUEUE":
			if _, seen := enqueued[entry.Intent.Key]; !seen {
				order = append(order, entry.Intent.Key)
			}
			enqueued[entry.Intent.Key] = entry.Intent
		case "COMPLETE":
			completed[entry.Intent.Key] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("WAL scan error: %w", err)
	}

	var recovered []Intent
	for _, key := range order {
		if !completed[key] {
			w.pending[key] = true
			recovered = append(recovered, enqueued[key])
		}
	}
	atomic.AddUint64(&w.metrics.Recovered, uint64(len(recovered)))
	if len(recovered) > 0 {
		log.Printf("🔄 Recovered %d pending intent(s) from WAL", len(recovered))
	}

	if len(recovered) > 0 || len(completed) > 10 {
		if err := w.compactLocked(enqueued, order, completed); err != nil {
			log.Printf("⚠️ WAL compaction failed: %v", err)
		}
	}
	return recovered, nil
}

// compactLocked rewrites the log with only pending entries.
func (w *IntentWAL) compactLocked(enqueued map[string]Intent, order []string, completed map[string]bool) error {
	tempPath := w.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tempFile)
	kept := 0
	for _, key := range order {
		if completed[key] {
			continue
		}
		in := enqueued[key]
		if err := encoder.Encode(walEntry{Action: "ENQUEUE", Intent: in, Timestamp: in.CreatedAt}); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
		kept++
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	w.file.Close()
	if err := os.Rename(tempPath, w.path); err != nil {
		return err
	}
	w.file, err = os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	log.Printf("✓ WAL compacted: kept %d pending entrie(s)", kept)
	return nil
}

// Append durably records an intent before it is handed to a worker.
func (w *IntentWAL) Append(in Intent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("WAL is closed")
	}

	data, err := json.Marshal(walEntry{Action: "ENQUEUE", Intent: in, Timestamp: time.Now()})
	if err != nil {
		atomic.AddUint64(&w.metrics.Failed, 1)
		return fmt.Errorf("WAL marshal: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		atomic.AddUint64(&w.metrics.Failed, 1)
		return fmt.Errorf("WAL write: %w", err)
	}
	// Sync before execution so the intent survives a crash.
	if err := w.file.Sync(); err != nil {
		atomic.AddUint64(&w.metrics.Failed, 1)
		return fmt.Errorf("WAL sync: %w", err)
	}
	w.pending[in.Key] = true
	atomic.AddUint64(&w.metrics.Written, 1)
	return nil
}

// MarkComplete tombstones an intent after its terminal result is in
// the audit table. Not synced; a crash replays the intent, and the
// idempotent client order id makes the replay harmless.
func (w *IntentWAL) MarkComplete(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.pending[key] {
		return
	}
	data, _ := json.Marshal(walEntry{Action: "COMPLETE", Intent: Intent{Key: key}, Timestamp: time.Now()})
	w.file.Write(append(data, '\n'))
	delete(w.pending, key)
	atomic.AddUint64(&w.metrics.Completed, 1)
}

// Pending returns the number of intents not yet completed.
func (w *IntentWAL) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Metrics returns a copy of the counters.
func (w *IntentWAL) Metrics() WALMetrics {
	return WALMetrics{
		Written:   atomic.LoadUint64(&w.metrics.Written),
		Recovered: atomic.LoadUint64(&w.metrics.Recovered),
		Completed: atomic.LoadUint64(&w.metrics.Completed),
		Failed:    atomic.LoadUint64(&w.metrics.Failed),
	}
}

// Close syncs and closes the log file.
func (w *IntentWAL) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.file != nil {
		w.file.Sync()
		w.file.Close()
	}
	log.Printf("✓ Intent WAL closed: written=%d completed=%d",
		atomic.LoadUint64(&w.metrics.Written),
		atomic.LoadUint64(&w.metrics.Completed))
}
