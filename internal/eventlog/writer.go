// Package eventlog implements the append-only JSONL journal that both
// processes write their facts to. One file per process per UTC day;
// entries are durable within the fsync batch window, never rewritten.
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"papertrade/internal/core"
	"papertrade/pkg/telemetry"
)

// Entry kinds. Everything that matters for replay or audit goes
// through one of these.
const (
	KindBar                = "BAR"
	KindSignal             = "SIGNAL"
	KindIntent             = "INTENT"
	KindOrderCreated       = "ORDER_CREATED"
	KindOrderTransition    = "ORDER_TRANSITION"
	KindFill               = "FILL"
	KindPositionReconciled = "POSITION_RECONCILED"
	KindHalt               = "HALT"
	KindHeartbeat          = "HEARTBEAT"
	KindMetric             = "METRIC"
	KindSupervisorAction   = "SUPERVISOR_ACTION"
	KindAlert              = "ALERT"
)

// Entry is one journal line.
type Entry struct {
	TS   time.Time       `json:"ts"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Writer appends entries to the journal. All writes funnel through a
// single goroutine so lines never interleave; fsync is batched by time
// and bytes so a burst of entries costs one disk sync.
type Writer struct {
	dir           string
	prefix        string
	fsyncInterval time.Duration
	fsyncBytes    int

	entries chan Entry
	syncReq chan chan error

	mu       sync.RWMutex
	isClosed bool

	file     *os.File
	fileDay  string
	unsynced int
	lastSync time.Time

	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	wg      sync.WaitGroup

	onWriteError func(error)
}

// NewWriter opens (or creates) today's journal file for the given
// process prefix and starts the writer goroutine. A partial last line
// left by a crash is truncated before appending resumes.
func NewWriter(dir, prefix string, fsyncInterval time.Duration, fsyncBytes int, logger core.ILogger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log dir: %w", err)
	}

	w := &Writer{
		dir:           dir,
		prefix:        prefix,
		fsyncInterval: fsyncInterval,
		fsyncBytes:    fsyncBytes,
		entries:       make(chan Entry, 4096),
		syncReq:       make(chan chan error),
		logger:        logger.WithField("component", "eventlog"),
		metrics:       telemetry.GetGlobalMetrics(),
		lastSync:      time.Now(),
	}

	if err := w.openFile(time.Now().UTC()); err != nil {
		return nil, err
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// SetOnWriteError registers a callback invoked when a write or fsync
// fails. The trading process wires this to the halt path: an engine
// that cannot journal must not keep trading.
func (w *Writer) SetOnWriteError(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onWriteError = fn
}

// Append enqueues one entry. Data is marshaled immediately so the
// caller's value can be mutated afterwards. Blocks only when the
// journal is a full buffer behind, which is the backpressure we want:
// dropping facts is worse than a slow cycle.
func (w *Writer) Append(kind string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		w.logger.Error("Event log marshal failed, entry dropped", "kind", kind, "error", err)
		return
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.isClosed {
		w.logger.Warn("Append after close, entry dropped", "kind", kind)
		return
	}
	w.entries <- Entry{TS: time.Now().UTC(), Kind: kind, Data: raw}
}

// Sync flushes everything queued so far and fsyncs the file. Used at
// shutdown boundaries and by tests.
func (w *Writer) Sync() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.isClosed {
		return fmt.Errorf("event log closed")
	}

	done := make(chan error, 1)
	w.syncReq <- done
	return <-done
}

// Close drains the queue, performs a final fsync and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return nil
	}
	w.isClosed = true
	close(w.entries)
	w.mu.Unlock()

	w.wg.Wait()

	var err error
	if w.file != nil {
		if syncErr := w.file.Sync(); syncErr != nil {
			err = syncErr
		}
		if closeErr := w.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		w.file = nil
	}
	return err
}

// Path returns the file currently being appended to.
func (w *Writer) Path() string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl", w.prefix, w.fileDay))
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.fsyncInterval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				w.doSync()
				return
			}
			w.writeEntry(entry)
			if w.unsynced >= w.fsyncBytes {
				w.doSync()
			}
		case <-ticker.C:
			if w.unsynced > 0 && time.Since(w.lastSync) >= w.fsyncInterval {
				w.doSync()
			}
		case done := <-w.syncReq:
			// Drain what is already queued, then sync once.
			drained := false
			for !drained {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						drained = true
					} else {
						w.writeEntry(entry)
					}
				default:
					drained = true
				}
			}
			done <- w.doSync()
		}
	}
}

func (w *Writer) writeEntry(entry Entry) {
	day := entry.TS.Format("2006-01-02")
	if day != w.fileDay {
		if err := w.rotate(entry.TS); err != nil {
			w.logger.Error("Event log rotation failed", "error", err)
			return
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		w.logger.Error("Event log encode failed", "kind", entry.Kind, "error", err)
		return
	}
	line = append(line, '\n')

	n, err := w.file.Write(line)
	if err != nil {
		w.logger.Error("Event log write failed", "kind", entry.Kind, "error", err)
		w.reportWriteError(err)
		return
	}

	w.unsynced += n
	if w.metrics.EventLogEntriesTotal != nil {
		w.metrics.EventLogEntriesTotal.Add(context.Background(), 1)
	}
}

func (w *Writer) doSync() error {
	if w.file == nil {
		return nil
	}
	start := time.Now()
	err := w.file.Sync()
	if err != nil {
		w.logger.Error("Event log fsync failed", "error", err)
		w.reportWriteError(err)
		return err
	}
	if w.metrics.EventLogFsyncDuration != nil {
		w.metrics.EventLogFsyncDuration.Record(context.Background(), float64(time.Since(start).Microseconds())/1000.0)
	}
	w.unsynced = 0
	w.lastSync = time.Now()
	return nil
}

func (w *Writer) reportWriteError(err error) {
	w.mu.RLock()
	fn := w.onWriteError
	w.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (w *Writer) rotate(now time.Time) error {
	if w.file != nil {
		_ = w.file.Sync()
		_ = w.file.Close()
	}
	return w.openFile(now)
}

func (w *Writer) openFile(now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl", w.prefix, day))

	if err := repairTail(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log file: %w", err)
	}

	w.file = f
	w.fileDay = day
	return nil
}

// repairTail truncates a file whose last line was cut short by a
// crash. Only the tail can be damaged: earlier lines were covered by a
// completed fsync batch.
func repairTail(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}

	idx := bytes.LastIndexByte(data, '\n')
	keep := int64(0)
	if idx >= 0 {
		keep = int64(idx + 1)
	}
	return os.Truncate(path, keep)
}
