package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/pirelay/pkg/logging"
	"github.com/NicolasHaas/pirelay/pkg/model"
	"github.com/NicolasHaas/pirelay/pkg/relay"
	"github.com/NicolasHaas/pirelay/pkg/store"
)

const (
	recorderBuffer       = 256
	recorderWriteTimeout = 5 * time.Second
)

// Recorder persists transcript entries on a background goroutine so relay
// read loops never wait on the database. Entries are dropped when the queue
// is full.
type Recorder struct {
	st      store.Transcript
	metrics *Metrics
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan model.TranscriptEntry
	done   chan struct{}
}

// NewRecorder starts a recorder writing to st.
func NewRecorder(st store.Transcript, metrics *Metrics) *Recorder {
	r := &Recorder{
		st:      st,
		metrics: metrics,
		log:     logging.Component("recorder"),
		queue:   make(chan model.TranscriptEntry, recorderBuffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues e without blocking. It reports whether e was queued.
func (r *Recorder) Record(e model.TranscriptEntry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- e:
		return true
	default:
		r.metrics.TranscriptDropped.Add(1)
		r.log.Warn("transcript queue full, entry dropped", "relay", e.Relay, "user", e.User)
		return false
	}
}

// Close stops accepting entries and waits until the queue is written out.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
		err := r.st.Append(ctx, &e)
		cancel()
		if err != nil {
			r.metrics.TranscriptDropped.Add(1)
			r.log.Error("append transcript", "relay", e.Relay, "user", e.User, "err", err)
		}
	}
}

// relayObserver turns relay events into metrics and transcript entries.
type relayObserver struct {
	relay    string
	metrics  *RelayMetrics
	recorder *Recorder // nil when history is off
}

var _ relay.Observer = (*relayObserver)(nil)

func (o *relayObserver) OnConnect(string) {
	o.metrics.Connects.Add(1)
}

func (o *relayObserver) OnDisconnect(string, error) {
	o.metrics.Disconnects.Add(1)
}

func (o *relayObserver) OnDialFailure(string, error) {
	o.metrics.DialFailures.Add(1)
}

func (o *relayObserver) OnReceive(username string, msg model.Message, delivered bool) {
	o.metrics.MessagesIn.Add(1)
	if !delivered {
		o.metrics.MessagesSkipped.Add(1)
	}
	o.record(username, model.DirectionIn, msg)
}

func (o *relayObserver) OnSend(username string, msg model.Message, err error) {
	if err != nil {
		o.metrics.SendFailures.Add(1)
		return
	}
	o.metrics.MessagesOut.Add(1)
	o.record(username, model.DirectionOut, msg)
}

func (o *relayObserver) record(username string, dir model.Direction, msg model.Message) {
	if o.recorder == nil {
		return
	}
	o.recorder.Record(model.TranscriptEntry{
		Relay:     o.relay,
		User:      username,
		Direction: dir,
		Message:   msg,
	})
}
