package server

import (
	"context"
	"errors"
	"testing"

	"github.com/NicolasHaas/pirelay/pkg/model"
	"github.com/NicolasHaas/pirelay/pkg/store"
)

func TestRelayObserverCountsAndRecords(t *testing.T) {
	st := store.NewMemory()
	metrics := NewMetrics()
	rec := NewRecorder(st, metrics)
	obs := &relayObserver{relay: "chat", metrics: metrics.Relay("chat"), recorder: rec}

	obs.OnConnect("bob")
	obs.OnReceive("bob", model.NewMessage("alice", "hi", ""), true)
	obs.OnReceive("bob", model.NewMessage("alice", "again", ""), false)
	obs.OnSend("bob", model.NewMessage("bob", "yo", "#fff"), nil)
	obs.OnSend("bob", model.NewMessage("bob", "lost", "#fff"), errors.New("broken pipe"))
	obs.OnDialFailure("bob", errors.New("refused"))
	obs.OnDisconnect("bob", nil)

	rec.Close()

	want := RelaySnapshot{
		Connects:        1,
		Disconnects:     1,
		DialFailures:    1,
		MessagesIn:      2,
		MessagesSkipped: 1,
		MessagesOut:     1,
		SendFailures:    1,
	}
	if got := metrics.Snapshot().Relays["chat"]; got != want {
		t.Errorf("snapshot = %+v, want %+v", got, want)
	}

	entries, err := st.Recent(context.Background(), "chat", "bob", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	var bodies []string
	for _, e := range entries {
		bodies = append(bodies, string(e.Direction)+" "+e.Body)
	}
	wantBodies := []string{"in hi", "in again", "out yo"}
	if len(bodies) != len(wantBodies) {
		t.Fatalf("entries = %v, want %v", bodies, wantBodies)
	}
	for i := range wantBodies {
		if bodies[i] != wantBodies[i] {
			t.Errorf("entry %d = %q, want %q", i, bodies[i], wantBodies[i])
		}
	}
}

func TestRecorderAfterClose(t *testing.T) {
	metrics := NewMetrics()
	rec := NewRecorder(store.NewMemory(), metrics)
	rec.Close()
	rec.Close()

	if rec.Record(model.TranscriptEntry{Relay: "chat", User: "bob", Direction: model.DirectionIn}) {
		t.Error("Record after Close reported success")
	}
}

func TestRecorderCountsStoreErrors(t *testing.T) {
	metrics := NewMetrics()
	rec := NewRecorder(store.NewMemory(), metrics)

	// No user: rejected by the store.
	rec.Record(model.TranscriptEntry{Relay: "chat", Direction: model.DirectionIn})
	rec.Close()

	if got := metrics.TranscriptDropped.Load(); got != 1 {
		t.Errorf("TranscriptDropped = %d, want 1", got)
	}
}
