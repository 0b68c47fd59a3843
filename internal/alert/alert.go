// Package alert fans notifications out to Slack and Telegram. Delivery
// is fire-and-forget: the trading path never waits on a webhook.
package alert

import (
	"context"
	"sync"
	"time"

	"papertrade/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

// levelRank orders levels for the minimum-level filter. Unknown levels
// rank as INFO so a typo in a caller degrades to noise, not silence.
var levelRank = map[AlertLevel]int{
	Info:     0,
	Warning:  1,
	Error:    2,
	Critical: 3,
}

const sendTimeout = 10 * time.Second

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager implements core.IAlertManager over a set of channels.
type AlertManager struct {
	channels []AlertChannel
	minLevel AlertLevel
	logger   core.ILogger
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

func NewAlertManager(minLevel string, logger core.ILogger) *AlertManager {
	lvl := AlertLevel(minLevel)
	if _, ok := levelRank[lvl]; !ok {
		lvl = Info
	}
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		minLevel: lvl,
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert dispatches to every channel asynchronously. Alerts below the
// configured minimum level are dropped.
func (am *AlertManager) Alert(level string, title string, message string) {
	am.AlertWithFields(level, title, message, nil)
}

// AlertWithFields is Alert with structured extras for channels that can
// render them.
func (am *AlertManager) AlertWithFields(level string, title string, message string, fields map[string]string) {
	lvl := AlertLevel(level)
	if _, ok := levelRank[lvl]; !ok {
		lvl = Info
	}
	if levelRank[lvl] < levelRank[am.minLevel] {
		return
	}

	payload := AlertPayload{
		Level:     lvl,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
	am.logger.Info("Dispatching alert", "title", title, "level", lvl)

	am.mu.RLock()
	channels := make([]AlertChannel, len(am.channels))
	copy(channels, am.channels)
	am.mu.RUnlock()

	for _, ch := range channels {
		am.wg.Add(1)
		go func(c AlertChannel) {
			defer am.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := c.Send(ctx, payload); err != nil {
				am.logger.Error("Alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Flush waits for in-flight deliveries. Called on shutdown so the last
// CRITICAL alert is not lost with the process.
func (am *AlertManager) Flush() {
	am.wg.Wait()
}
