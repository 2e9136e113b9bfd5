package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/NicolasHaas/pirelay/pkg/logging"
	"github.com/NicolasHaas/pirelay/pkg/model"
	"github.com/NicolasHaas/pirelay/pkg/relay"
	"github.com/NicolasHaas/pirelay/pkg/store"
	"github.com/NicolasHaas/pirelay/pkg/wire"
)

const (
	maxRequestBody  = 64 << 10
	requestIDHeader = "X-Request-ID"
)

// Relay is the part of relay.Manager the HTTP adapter drives.
type Relay interface {
	EnsureConnected(ctx context.Context, username, color string) error
	Send(ctx context.Context, username, color, body string) error
	Subscribe(ctx context.Context, username string) (*relay.Listener, error)
	Unsubscribe(username, id string) bool
	Disconnect(username string) bool
}

var _ Relay = (*relay.Manager)(nil)

// chatResponse is the JSON body of every non-stream response.
type chatResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type historyResponse struct {
	Success bool                    `json:"success"`
	Entries []model.TranscriptEntry `json:"entries"`
}

// ChatHandler serves one relay route: POST logs in and sends, GET streams
// received messages, DELETE logs out.
type ChatHandler struct {
	name         string
	relay        Relay
	format       StreamFormat
	teardown     bool
	history      store.Transcript // nil disables /history
	historyLimit int
	metrics      *Metrics
	log          *slog.Logger
}

// HandlerOptions configures a ChatHandler.
type HandlerOptions struct {
	Name             string
	Relay            Relay
	Format           StreamFormat
	TeardownOnCancel bool
	History          store.Transcript
	HistoryLimit     int
	Metrics          *Metrics // fresh Metrics when nil
}

// NewChatHandler creates the HTTP adapter for one relay.
func NewChatHandler(opts HandlerOptions) *ChatHandler {
	format := opts.Format
	if format == "" {
		format = StreamNDJSON
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = store.DefaultRecentLimit
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &ChatHandler{
		name:         opts.Name,
		relay:        opts.Relay,
		format:       format,
		teardown:     opts.TeardownOnCancel,
		history:      opts.History,
		historyLimit: limit,
		metrics:      metrics,
		log:          logging.Component("http").With("relay", opts.Name),
	}
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.metrics.HTTPRequests.Add(1)
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleStream(w, r)
	case http.MethodDelete:
		h.handleLogout(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePost logs the user in, then sends the message if one is present.
func (h *ChatHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req wire.ChatFrame
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validatePost(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	if req.Message == "" {
		err = h.relay.EnsureConnected(r.Context(), req.Username, req.Color)
	} else {
		err = h.relay.Send(r.Context(), req.Username, req.Color, req.Message)
	}
	if err != nil {
		h.log.Warn("post failed", "user", req.Username, "req", r.Header.Get(requestIDHeader), "err", err)
		writeError(w, relayStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Success: true})
}

// validatePost requires a username and a color on every post, since any
// post may be the one that logs the user in.
func validatePost(req wire.ChatFrame) error {
	if err := model.ValidateUsername(req.Username); err != nil {
		return err
	}
	if err := model.ValidateColor(req.Color); err != nil {
		return err
	}
	return model.ValidateBody(req.Message)
}

// handleStream subscribes and copies received messages to the response until
// either side ends the stream.
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if err := model.ValidateUsername(username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	l, err := h.relay.Subscribe(r.Context(), username)
	if err != nil {
		h.log.Warn("subscribe failed", "user", username, "req", r.Header.Get(requestIDHeader), "err", err)
		writeError(w, relayStatus(err), err.Error())
		return
	}

	h.metrics.ActiveStreams.Add(1)
	defer h.metrics.ActiveStreams.Add(-1)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flush(w)

	log := h.log.With("user", username, "listener", l.ID())
	log.Debug("stream opened")

	if cancelled := h.pump(w, r, l); !cancelled {
		log.Debug("stream ended by server")
		return
	}

	h.relay.Unsubscribe(username, l.ID())
	if h.teardown {
		h.relay.Disconnect(username)
	}
	log.Debug("stream cancelled by client", "teardown", h.teardown)
}

// pump writes messages from l until the listener ends (false) or the client
// goes away (true).
func (h *ChatHandler) pump(w http.ResponseWriter, r *http.Request, l *relay.Listener) bool {
	for {
		select {
		case <-r.Context().Done():
			return true
		case msg := <-l.Messages():
			if err := h.writeRecord(w, msg); err != nil {
				return true
			}
		case <-l.Done():
			// Flush what was delivered before the listener ended.
			for {
				select {
				case msg := <-l.Messages():
					if err := h.writeRecord(w, msg); err != nil {
						return true
					}
				default:
					return false
				}
			}
		}
	}
}

func (h *ChatHandler) writeRecord(w http.ResponseWriter, msg model.Message) error {
	var record []byte
	if h.format == StreamRaw {
		record = wire.EncodeRecord(msg)
	} else {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		record = append(data, '\n')
	}
	if _, err := w.Write(record); err != nil {
		return err
	}
	flush(w)
	return nil
}

func (h *ChatHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if err := model.ValidateUsername(username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.relay.Disconnect(username)
	writeJSON(w, http.StatusOK, chatResponse{Success: true})
}

// ServeHistory returns the recent transcript of one user.
func (h *ChatHandler) ServeHistory(w http.ResponseWriter, r *http.Request) {
	h.metrics.HTTPRequests.Add(1)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	q := r.URL.Query()
	username := q.Get("username")
	if err := model.ValidateUsername(username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := h.historyLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, store.MaxRecentLimit)
	}

	entries, err := h.history.Recent(r.Context(), h.name, username, limit)
	if err != nil {
		h.log.Error("load history", "user", username, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if entries == nil {
		entries = []model.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Success: true, Entries: entries})
}

// relayStatus maps relay errors to HTTP status codes.
func relayStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrConnectFailed), errors.Is(err, relay.ErrNotConnected):
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, chatResponse{Success: false, Error: msg})
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestID tags every request with an ID, reusing one supplied by the
// client.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "req", id, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
