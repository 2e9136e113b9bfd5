package server

import (
	"fmt"
	"net/http"
	"time"
)

// handleHealth reports ok once the server is accepting requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	header := func(name, help, mtype string) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
	}
	write := func(name, help, mtype string, value int64) {
		header(name, help, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	header("pirelay_uptime_seconds", "Server uptime in seconds.", "gauge")
	_, _ = fmt.Fprintf(w, "pirelay_uptime_seconds %f\n", uptime)

	write("pirelay_http_requests_total", "Requests served on relay routes.", "counter",
		m.HTTPRequests.Load())
	write("pirelay_streams_active", "Open GET message streams.", "gauge",
		m.ActiveStreams.Load())
	write("pirelay_transcript_dropped_total", "Transcript entries not persisted.", "counter",
		m.TranscriptDropped.Load())

	// Per-relay series, labelled by relay name.
	perRelay := []struct {
		name, help, mtype string
		value             func(*relayEntry) int64
	}{
		{"pirelay_sessions", "Sessions in the registry.", "gauge",
			func(e *relayEntry) int64 { return int64(e.manager.Registry().Count()) }},
		{"pirelay_connects_total", "Successful backend connects.", "counter",
			func(e *relayEntry) int64 { return e.metrics.Connects.Load() }},
		{"pirelay_disconnects_total", "Backend transports closed.", "counter",
			func(e *relayEntry) int64 { return e.metrics.Disconnects.Load() }},
		{"pirelay_dial_failures_total", "Failed backend connect attempts.", "counter",
			func(e *relayEntry) int64 { return e.metrics.DialFailures.Load() }},
		{"pirelay_messages_in_total", "Messages read from the backend.", "counter",
			func(e *relayEntry) int64 { return e.metrics.MessagesIn.Load() }},
		{"pirelay_messages_skipped_total", "Messages not delivered to a listener.", "counter",
			func(e *relayEntry) int64 { return e.metrics.MessagesSkipped.Load() }},
		{"pirelay_messages_out_total", "Chat messages written to the backend.", "counter",
			func(e *relayEntry) int64 { return e.metrics.MessagesOut.Load() }},
		{"pirelay_send_failures_total", "Chat messages dropped or failed.", "counter",
			func(e *relayEntry) int64 { return e.metrics.SendFailures.Load() }},
	}
	for _, series := range perRelay {
		header(series.name, series.help, series.mtype)
		for _, e := range s.relays {
			_, _ = fmt.Fprintf(w, "%s{relay=%q} %d\n", series.name, e.name, series.value(e))
		}
	}
}
