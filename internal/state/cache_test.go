package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/core"
	"papertrade/pkg/logging"
)

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

func testMirror(t *testing.T) *Mirror {
	t.Helper()
	m, err := NewMirror(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// TestCachePutGet verifies a basic round trip
func TestCachePutGet(t *testing.T) {
	c := NewCache(nil, testLogger(t))

	ts := time.Now()
	ok := c.Put(KeyEquity, ts, map[string]float64{"equity": 100000})
	require.True(t, ok)

	var out map[string]float64
	gotTS, found := c.Get(KeyEquity, &out)
	require.True(t, found)
	assert.Equal(t, 100000.0, out["equity"])
	assert.True(t, gotTS.Equal(ts))
}

// TestCacheDropsStaleWrite verifies older timestamps never overwrite
// newer data
func TestCacheDropsStaleWrite(t *testing.T) {
	c := NewCache(nil, testLogger(t))

	now := time.Now()
	require.True(t, c.Put(KeyRegime, now, map[string]string{"label": "TRENDING"}))

	// A delayed writer shows up with older data.
	ok := c.Put(KeyRegime, now.Add(-2*time.Second), map[string]string{"label": "CHOPPY"})
	assert.False(t, ok)

	var out map[string]string
	_, found := c.Get(KeyRegime, &out)
	require.True(t, found)
	assert.Equal(t, "TRENDING", out["label"])
}

// TestCacheEqualTimestampVersionTieBreak verifies the later write wins
// when timestamps tie
func TestCacheEqualTimestampVersionTieBreak(t *testing.T) {
	c := NewCache(nil, testLogger(t))

	ts := time.Now()
	require.True(t, c.Put(KeyRegime, ts, map[string]string{"label": "first"}))
	require.True(t, c.Put(KeyRegime, ts, map[string]string{"label": "second"}))

	var out map[string]string
	_, found := c.Get(KeyRegime, &out)
	require.True(t, found)
	assert.Equal(t, "second", out["label"])
}

// TestHaltSurvivesRestart verifies the halt flag round-trips through
// the mirror into a fresh cache, as it must across a process restart
func TestHaltSurvivesRestart(t *testing.T) {
	mirror := testMirror(t)

	c1 := NewCache(mirror, testLogger(t))
	halt := core.HaltState{Active: true, Reason: "daily_loss_limit", SetBy: "risk", TS: time.Now().UTC()}
	require.True(t, c1.SetHalt(halt))

	// Fresh cache simulating a restarted process on the same mirror.
	c2 := NewCache(mirror, testLogger(t))
	require.NoError(t, c2.Refresh())

	got := c2.GetHalt()
	assert.True(t, got.Active)
	assert.Equal(t, "daily_loss_limit", got.Reason)
	assert.Equal(t, "risk", got.SetBy)
}

// TestCrossProcessHeartbeat verifies one cache's heartbeat is visible
// to another cache sharing the mirror
func TestCrossProcessHeartbeat(t *testing.T) {
	mirror := testMirror(t)
	trading := NewCache(mirror, testLogger(t))
	supervisor := NewCache(mirror, testLogger(t))

	hb := core.Heartbeat{Process: "trading", Seq: 42, TS: time.Now().UTC()}
	require.True(t, trading.Put(KeyHeartbeatTrading, hb.TS, hb))

	require.NoError(t, supervisor.Refresh())

	var got core.Heartbeat
	_, found := supervisor.Get(KeyHeartbeatTrading, &got)
	require.True(t, found)
	assert.Equal(t, uint64(42), got.Seq)
}

// TestMirrorMonotonicGuard verifies the database itself rejects
// regressions even from a second writer process
func TestMirrorMonotonicGuard(t *testing.T) {
	mirror := testMirror(t)

	newer := Value{TS: time.Now(), Version: 10, Data: []byte(`{"v":"new"}`)}
	older := Value{TS: newer.TS.Add(-time.Minute), Version: 99, Data: []byte(`{"v":"old"}`)}

	require.NoError(t, mirror.Put(KeyEquity, newer))
	require.NoError(t, mirror.Put(KeyEquity, older))

	got, found, err := mirror.Get(KeyEquity)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"v":"new"}`, string(got.Data))
}

// TestMirrorChecksum verifies corrupted rows are surfaced, not returned
func TestMirrorChecksum(t *testing.T) {
	m := testMirror(t)

	val := Value{TS: time.Now(), Version: 1, Data: []byte(`{"equity":100000}`)}
	require.NoError(t, m.Put(KeyEquity, val))

	// Corrupt the stored payload behind the checksum's back.
	_, err := m.db.Exec(`UPDATE kv SET data = '{"equity":0}' WHERE key = ?`, KeyEquity)
	require.NoError(t, err)

	_, _, err = m.Get(KeyEquity)
	assert.Error(t, err)
}

// TestDurableKeySelection verifies only the agreed prefixes hit the mirror
func TestDurableKeySelection(t *testing.T) {
	assert.True(t, isDurable(KeyHalt))
	assert.True(t, isDurable(KeyHeartbeatTrading))
	assert.True(t, isDurable(KeyHeartbeatSupervisor))
	assert.True(t, isDurable(KeyEquity))
	assert.True(t, isDurable(KeyPositions))

	assert.False(t, isDurable(KeyRegime))
	assert.False(t, isDurable(KeyOpenOrders))
	assert.False(t, isDurable(KeyHealthTrading))
}
