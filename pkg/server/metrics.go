package server

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// RelayMetrics counts events for one relay backend.
// All counters use atomic operations for lock-free concurrent access.
type RelayMetrics struct {
	Connects        atomic.Int64 // successful dial + handshake
	Disconnects     atomic.Int64 // transports closed, lost or torn down
	DialFailures    atomic.Int64 // failed connect attempts
	MessagesIn      atomic.Int64 // messages read from the backend
	MessagesSkipped atomic.Int64 // messages not delivered (no listener or full buffer)
	MessagesOut     atomic.Int64 // chat messages written to the backend
	SendFailures    atomic.Int64 // sends dropped or failed
}

// Metrics tracks server runtime statistics.
type Metrics struct {
	startTime time.Time

	HTTPRequests      atomic.Int64 // requests served on the relay routes
	ActiveStreams     atomic.Int64 // GET streams currently open
	TranscriptDropped atomic.Int64 // transcript entries not persisted

	mu     sync.Mutex
	relays map[string]*RelayMetrics
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		relays:    make(map[string]*RelayMetrics),
	}
}

// Relay returns the counters for the named relay, creating them on first use.
func (m *Metrics) Relay(name string) *RelayMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.relays[name]
	if !ok {
		rm = &RelayMetrics{}
		m.relays[name] = rm
	}
	return rm
}

// relayNames returns the known relay names in sorted order.
func (m *Metrics) relayNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.relays))
	for name := range m.relays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RelaySnapshot is a point-in-time view of one relay's counters.
type RelaySnapshot struct {
	Connects        int64 `json:"connects"`
	Disconnects     int64 `json:"disconnects"`
	DialFailures    int64 `json:"dial_failures"`
	MessagesIn      int64 `json:"messages_in"`
	MessagesSkipped int64 `json:"messages_skipped"`
	MessagesOut     int64 `json:"messages_out"`
	SendFailures    int64 `json:"send_failures"`
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	HTTPRequests      int64 `json:"http_requests"`
	ActiveStreams     int64 `json:"active_streams"`
	TranscriptDropped int64 `json:"transcript_dropped"`

	Relays map[string]RelaySnapshot `json:"relays"`
}

func (rm *RelayMetrics) snapshot() RelaySnapshot {
	return RelaySnapshot{
		Connects:        rm.Connects.Load(),
		Disconnects:     rm.Disconnects.Load(),
		DialFailures:    rm.DialFailures.Load(),
		MessagesIn:      rm.MessagesIn.Load(),
		MessagesSkipped: rm.MessagesSkipped.Load(),
		MessagesOut:     rm.MessagesOut.Load(),
		SendFailures:    rm.SendFailures.Load(),
	}
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	s := MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		HTTPRequests:      m.HTTPRequests.Load(),
		ActiveStreams:     m.ActiveStreams.Load(),
		TranscriptDropped: m.TranscriptDropped.Load(),
		Relays:            make(map[string]RelaySnapshot),
	}
	for _, name := range m.relayNames() {
		s.Relays[name] = m.Relay(name).snapshot()
	}
	return s
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"requests", s.HTTPRequests,
		"streams", s.ActiveStreams,
	)
	for name, r := range s.Relays {
		slog.Info("relay metrics",
			"relay", name,
			"connects", r.Connects,
			"dial_failures", r.DialFailures,
			"msgs_in", r.MessagesIn,
			"msgs_skipped", r.MessagesSkipped,
			"msgs_out", r.MessagesOut,
		)
	}
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
