package alert

import (
	"context"
	"sync"
	"testing"

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

type mockAlertChannel struct {
	name string
	mu   sync.Mutex
	sent []AlertPayload
}

func (m *mockAlertChannel) Name() string { return m.name }

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

func TestAlertFansOutToAllChannels(t *testing.T) {
	am := NewAlertManager("INFO", testLogger(t))

	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2"}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.AlertWithFields("WARNING", "Daily loss", "approaching limit", map[string]string{"pct": "-2.8"})
	am.Flush()

	require.Len(t, ch1.getSent(), 1)
	require.Len(t, ch2.getSent(), 1)

	payload := ch1.getSent()[0]
	assert.Equal(t, Warning, payload.Level)
	assert.Equal(t, "Daily loss", payload.Title)
	assert.Equal(t, "-2.8", payload.Fields["pct"])
}

func TestAlertBelowMinLevelIsDropped(t *testing.T) {
	am := NewAlertManager("WARNING", testLogger(t))
	ch := &mockAlertChannel{name: "mock"}
	am.AddChannel(ch)

	am.Alert("INFO", "noise", "should be filtered")
	am.Alert("CRITICAL", "halt", "should pass")
	am.Flush()

	sent := ch.getSent()
	require.Len(t, sent, 1)
	assert.Equal(t, Critical, sent[0].Level)
}

func TestAlertUnknownLevelDegradesToInfo(t *testing.T) {
	am := NewAlertManager("INFO", testLogger(t))
	ch := &mockAlertChannel{name: "mock"}
	am.AddChannel(ch)

	am.Alert("BOGUS", "typo", "still delivered at INFO")
	am.Flush()

	sent := ch.getSent()
	require.Len(t, sent, 1)
	assert.Equal(t, Info, sent[0].Level)
}
