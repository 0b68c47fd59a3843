package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/pkg/logging"
)

func newTestWriter(t *testing.T, dir string) *Writer {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	w, err := NewWriter(dir, "trading", 50*time.Millisecond, 64*1024, logger)
	require.NoError(t, err)
	return w
}

// TestWriterAppendAndRead verifies entries round-trip through the journal
func TestWriterAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)

	w.Append(KindIntent, map[string]string{"symbol": "AAPL", "side": "BUY"})
	w.Append(KindOrderCreated, map[string]string{"client_order_id": "pt-abc"})
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	entries, skipped, err := ReadFile(w.Path())
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, entries, 2)

	assert.Equal(t, KindIntent, entries[0].Kind)
	assert.Equal(t, KindOrderCreated, entries[1].Kind)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(entries[0].Data, &payload))
	assert.Equal(t, "AAPL", payload["symbol"])
}

// TestWriterOrderPreserved verifies the single writer keeps append order
func TestWriterOrderPreserved(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)

	for i := 0; i < 500; i++ {
		w.Append(KindMetric, map[string]int{"i": i})
	}
	require.NoError(t, w.Close())

	entries, _, err := ReadFile(w.Path())
	require.NoError(t, err)
	require.Len(t, entries, 500)

	for i, entry := range entries {
		var payload map[string]int
		require.NoError(t, json.Unmarshal(entry.Data, &payload))
		assert.Equal(t, i, payload["i"])
	}
}

// TestWriterRepairsCorruptTail verifies a partial last line is dropped on reopen
func TestWriterRepairsCorruptTail(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)
	w.Append(KindHalt, map[string]string{"reason": "daily_loss"})
	require.NoError(t, w.Close())
	path := w.Path()

	// Simulate a crash mid-write: append half a line with no newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2025-03-14T15:30:00Z","kind":"FILL","da`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Reopening repairs the tail before appending.
	w2 := newTestWriter(t, dir)
	w2.Append(KindHeartbeat, map[string]string{"process": "trading"})
	require.NoError(t, w2.Close())

	entries, skipped, err := ReadFile(path)
	require.NoError(t, err)
	assert.Zero(t, skipped, "tail should have been truncated at open, not read time")
	require.Len(t, entries, 2)
	assert.Equal(t, KindHalt, entries[0].Kind)
	assert.Equal(t, KindHeartbeat, entries[1].Kind)
}

// TestReadFileToleratesCorruptTail verifies the reader stops at the
// first bad line instead of failing
func TestReadFileToleratesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trading-2025-03-14.jsonl")

	content := `{"ts":"2025-03-14T15:30:00Z","kind":"INTENT","data":{}}
{"ts":"2025-03-14T15:30:01Z","kind":"FILL","data":{}}
{"ts":"2025-03-14T15:30:02Z","kind":"FI`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, skipped, err := ReadFile(path)
	require.NoError(t, err)
	assert.Greater(t, skipped, 0)
	require.Len(t, entries, 2)
	assert.Equal(t, KindFill, entries[1].Kind)
}

// TestWriterFilePerProcessPrefix verifies trading and supervisor land
// in separate files
func TestWriterFilePerProcessPrefix(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	tw, err := NewWriter(dir, "trading", 50*time.Millisecond, 64*1024, logger)
	require.NoError(t, err)
	sw, err := NewWriter(dir, "supervisor", 50*time.Millisecond, 64*1024, logger)
	require.NoError(t, err)

	tw.Append(KindHeartbeat, map[string]string{"process": "trading"})
	sw.Append(KindHeartbeat, map[string]string{"process": "supervisor"})
	require.NoError(t, tw.Close())
	require.NoError(t, sw.Close())

	assert.NotEqual(t, tw.Path(), sw.Path())

	days, err := Days(dir, "trading")
	require.NoError(t, err)
	assert.Len(t, days, 1)

	entries, found, err := ReadLatest(dir, "supervisor")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, entries, 1)
	assert.Equal(t, KindHeartbeat, entries[0].Kind)
}

// TestWriterAppendAfterClose verifies appends after close are dropped,
// not panicking
func TestWriterAppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)
	require.NoError(t, w.Close())

	assert.NotPanics(t, func() {
		w.Append(KindMetric, map[string]int{"x": 1})
	})
	assert.Error(t, w.Sync())
}

// TestReplayAcrossDays verifies multi-file replay preserves day order
func TestReplayAcrossDays(t *testing.T) {
	dir := t.TempDir()

	day1 := `{"ts":"2025-03-13T20:00:00Z","kind":"HALT","data":{"active":true}}` + "\n"
	day2 := `{"ts":"2025-03-14T13:00:00Z","kind":"HALT","data":{"active":false}}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trading-2025-03-13.jsonl"), []byte(day1), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trading-2025-03-14.jsonl"), []byte(day2), 0o644))

	var kinds []string
	var stamps []time.Time
	err := Replay(dir, "trading", func(e Entry) error {
		kinds = append(kinds, e.Kind)
		stamps = append(stamps, e.TS)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, kinds, 2)
	assert.True(t, stamps[0].Before(stamps[1]))
}
