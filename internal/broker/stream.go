package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"papertrade/internal/config"
	"papertrade/internal/core"
	"papertrade/pkg/telemetry"
	"papertrade/pkg/websocket"
)

// Stream consumes the broker's order event stream. Frames carry a
// per-session monotonic seq; after a disconnect the dialer appends
// ?since=<last_seq> so the broker replays what the connection missed.
// Frames that still skip a seq surface on Gaps(), which the owner must
// answer with a full reconcile before trusting the stream again.
type Stream struct {
	ws     *websocket.Client
	logger core.ILogger

	events chan core.BrokerEvent
	gaps   chan uint64

	lastSeq atomic.Uint64

	mu      sync.Mutex
	started bool

	onReconnect func()
}

// NewStream builds a stream consumer for streamURL authenticated with
// the given credentials.
func NewStream(streamURL string, key, secret config.Secret, logger core.ILogger) (*Stream, error) {
	if _, err := url.Parse(streamURL); err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}

	s := &Stream{
		logger: logger.WithField("component", "broker_stream"),
		events: make(chan core.BrokerEvent, 1024),
		gaps:   make(chan uint64, 8),
	}

	s.ws = websocket.NewClient(streamURL, s.handleFrame, s.logger)

	header := http.Header{}
	header.Set("X-PT-KEY", string(key))
	header.Set("X-PT-SECRET", string(secret))
	s.ws.SetHeader(header)

	// Every dial resumes from the last frame we saw. First dial sends
	// since=0, which the broker treats as "from now".
	s.ws.SetURLFunc(func() string {
		return fmt.Sprintf("%s?since=%d", streamURL, s.lastSeq.Load())
	})
	s.ws.SetOnConnected(func() {
		s.logger.Info("Broker stream connected", "resume_seq", s.lastSeq.Load())
		s.mu.Lock()
		fn := s.onReconnect
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	return s, nil
}

// SetOnReconnect registers the hook fired on every (re)connect. The
// trading process wires this to ReconcileAll: the broker may have
// reached verdicts while we were away.
func (s *Stream) SetOnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = fn
}

// Start begins consuming. There must be exactly one Stream per
// process; the broker sequences per session.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("broker stream already started")
	}
	s.started = true
	s.ws.Start()

	go func() {
		<-ctx.Done()
		s.ws.Stop()
	}()
	return nil
}

// Stop closes the connection and the event channel.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.ws.Stop()
	close(s.events)
	return nil
}

// Events returns the ordered event channel. Single consumer.
func (s *Stream) Events() <-chan core.BrokerEvent {
	return s.events
}

// Gaps signals detected sequence gaps with the first missing seq.
func (s *Stream) Gaps() <-chan uint64 {
	return s.gaps
}

// LastSeq returns the highest sequence number seen so far.
func (s *Stream) LastSeq() uint64 {
	return s.lastSeq.Load()
}

func (s *Stream) handleFrame(message []byte) {
	var ev core.BrokerEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		s.logger.Error("Broker stream frame unparseable, dropped", "error", err)
		return
	}

	last := s.lastSeq.Load()
	if ev.Seq <= last {
		// Replay overlap after resume; already applied.
		return
	}
	if last != 0 && ev.Seq != last+1 {
		s.logger.Warn("Broker stream sequence gap", "expected", last+1, "got", ev.Seq)
		if m := telemetry.GetGlobalMetrics(); m.StreamGapsTotal != nil {
			m.StreamGapsTotal.Add(context.Background(), 1)
		}
		select {
		case s.gaps <- last + 1:
		default:
		}
	}
	s.lastSeq.Store(ev.Seq)

	// Blocking send: the dispatcher owning Events() is the backpressure
	// boundary, and losing a fill is never acceptable.
	s.events <- ev
}
