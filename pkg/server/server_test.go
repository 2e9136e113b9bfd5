package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/NicolasHaas/pirelay/pkg/model"
	"github.com/NicolasHaas/pirelay/pkg/store"
	"github.com/NicolasHaas/pirelay/pkg/transport"
)

// fakeBackend is a line-protocol chat backend on a Unix socket.
type fakeBackend struct {
	path  string
	lines chan string
	conns chan net.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	dir, err := os.MkdirTemp("", "pr")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	b := &fakeBackend{
		path:  filepath.Join(dir, "s.sock"),
		lines: make(chan string, 16),
		conns: make(chan net.Conn, 4),
	}
	ln, err := net.Listen("unix", b.path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- c
			go func() {
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					b.lines <- line
				}
			}()
		}
	}()
	return b
}

func (b *fakeBackend) nextLine(t *testing.T) string {
	t.Helper()
	select {
	case line := <-b.lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend line")
		return ""
	}
}

func (b *fakeBackend) nextConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend connection")
		return nil
	}
}

func newTestServer(t *testing.T, cfg Config, deps Dependencies) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(cfg, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Shutdown)
	return srv, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path, body string) (int, chatResponse) {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	return resp.StatusCode, decodeResponse(t, resp)
}

func TestEndToEndUnixRelay(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemory()

	cfg := DefaultConfig()
	cfg.Chat.SocketPath = backend.path
	cfg.GoChat.Disabled = true
	srv, ts := newTestServer(t, cfg, Dependencies{Store: st})

	if code, resp := postJSON(t, ts, "/chat", `{"username":"bob","color":"#fff"}`); code != http.StatusOK || !resp.Success {
		t.Fatalf("login = %d %+v", code, resp)
	}
	if code, resp := postJSON(t, ts, "/chat", `{"username":"bob","message":"hi","color":"#fff"}`); code != http.StatusOK || !resp.Success {
		t.Fatalf("send = %d %+v", code, resp)
	}

	if got := backend.nextLine(t); got != "bob:#fff\n" {
		t.Errorf("handshake = %q, want %q", got, "bob:#fff\n")
	}
	if got := backend.nextLine(t); got != "bob: hi\n" {
		t.Errorf("chat = %q, want %q", got, "bob: hi\n")
	}
	conn := backend.nextConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := openStream(t, ctx, ts, "bob")

	if _, err := conn.Write([]byte("alice: hello:#00ff00\nSystem: slow")); err != nil {
		t.Fatalf("backend write: %v", err)
	}
	if _, err := conn.Write([]byte(" down\n")); err != nil {
		t.Fatalf("backend write: %v", err)
	}

	sc := bufio.NewScanner(stream.Body)
	var got []model.Message
	for len(got) < 2 && sc.Scan() {
		var msg model.Message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		got = append(got, msg)
	}
	want := []model.Message{
		model.NewMessage("alice", "hello", "#00ff00"),
		model.NewMessage("System", "slow down", ""),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stream mismatch (-want +got):\n%s", diff)
	}

	waitFor(t, "transcript", func() bool {
		entries, _ := st.Recent(context.Background(), "chat", "bob", 10)
		return len(entries) == 3
	})
	entries, err := st.Recent(context.Background(), "chat", "bob", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	wantEntries := []model.TranscriptEntry{
		{Relay: "chat", User: "bob", Direction: model.DirectionOut, Message: model.NewMessage("bob", "hi", "#fff")},
		{Relay: "chat", User: "bob", Direction: model.DirectionIn, Message: want[0]},
		{Relay: "chat", User: "bob", Direction: model.DirectionIn, Message: want[1]},
	}
	if diff := cmp.Diff(wantEntries, entries, cmpopts.IgnoreFields(model.TranscriptEntry{}, "ID", "CreatedAt")); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}

	// Client goes away: the session is torn down.
	cancel()
	waitFor(t, "teardown", func() bool {
		return srv.Manager("chat").Registry().Count() == 0
	})

	snap := srv.Metrics().Snapshot().Relays["chat"]
	if snap.Connects != 1 || snap.MessagesOut != 1 || snap.MessagesIn != 2 {
		t.Errorf("relay metrics = %+v", snap)
	}
}

func TestSendWithoutColorNeverReachesBackend(t *testing.T) {
	backend := newFakeBackend(t)

	cfg := DefaultConfig()
	cfg.Chat.SocketPath = backend.path
	cfg.GoChat.Disabled = true
	srv, ts := newTestServer(t, cfg, Dependencies{})

	code, resp := postJSON(t, ts, "/chat", `{"username":"bob","message":"hi"}`)
	if code != http.StatusBadRequest || resp.Success {
		t.Fatalf("send without color = %d %+v, want 400 failure", code, resp)
	}
	if got := srv.Manager("chat").Registry().Count(); got != 0 {
		t.Errorf("sessions = %d, want 0", got)
	}
	select {
	case line := <-backend.lines:
		t.Errorf("backend received %q", line)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocketConnectFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chat.Disabled = true
	refused := transport.DialerFunc(func(context.Context) (transport.Conn, error) {
		return nil, errors.New("connection refused")
	})
	srv, ts := newTestServer(t, cfg, Dependencies{
		Dialers: map[string]transport.Dialer{"gochat": refused},
	})

	code, resp := postJSON(t, ts, "/goChat", `{"username":"bob","color":"#fff"}`)
	if code != http.StatusBadGateway || resp.Success {
		t.Errorf("login = %d %+v, want 502 failure", code, resp)
	}
	if got := srv.Manager("gochat").State("bob"); got != model.StateFailed {
		t.Errorf("state = %v, want %v", got, model.StateFailed)
	}
	if got := srv.Metrics().Snapshot().Relays["gochat"].DialFailures; got != 1 {
		t.Errorf("dial failures = %d, want 1", got)
	}

	resp2, err := ts.Client().Get(ts.URL + "/chat?username=bob")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("disabled route status = %d, want 404", resp2.StatusCode)
	}
}

func TestUnixLoginNeverFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chat.SocketPath = filepath.Join(t.TempDir(), "missing.sock")
	cfg.Chat.ReconnectDelay = time.Hour
	cfg.GoChat.Disabled = true
	srv, ts := newTestServer(t, cfg, Dependencies{})

	code, resp := postJSON(t, ts, "/chat", `{"username":"bob","color":"#fff"}`)
	if code != http.StatusOK || !resp.Success {
		t.Errorf("login = %d %+v, want success", code, resp)
	}
	code, resp = postJSON(t, ts, "/chat", `{"username":"bob","message":"hi","color":"#fff"}`)
	if code != http.StatusOK || !resp.Success {
		t.Errorf("send = %d %+v, want success", code, resp)
	}
	if got := srv.Manager("chat").State("bob"); got != model.StateDisconnected {
		t.Errorf("state = %v, want %v", got, model.StateDisconnected)
	}
}

func TestStreamCancelWithoutTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chat.SocketPath = filepath.Join(t.TempDir(), "missing.sock")
	cfg.Chat.ReconnectDelay = time.Hour
	cfg.GoChat.Disabled = true
	srv, ts := newTestServer(t, cfg, Dependencies{})
	mgr := srv.Manager("chat")

	ctx, cancel := context.WithCancel(context.Background())
	openStream(t, ctx, ts, "bob")

	s := mgr.Registry().Get("bob")
	if s == nil || !s.Listening() {
		t.Fatal("stream did not attach a listener")
	}
	if got := s.State(); got != model.StateDisconnected {
		t.Errorf("state = %v, want %v", got, model.StateDisconnected)
	}

	cancel()
	waitFor(t, "teardown", func() bool { return mgr.Registry().Count() == 0 })
	waitFor(t, "stream end", func() bool { return srv.Metrics().ActiveStreams.Load() == 0 })
}

func TestMetricsAndHealth(t *testing.T) {
	cfg := DefaultConfig()
	_, ts := newTestServer(t, cfg, Dependencies{})

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body strings.Builder
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		body.WriteString(sc.Text())
		body.WriteByte('\n')
	}
	for _, want := range []string{
		"# TYPE pirelay_uptime_seconds gauge",
		`pirelay_sessions{relay="chat"} 0`,
		`pirelay_sessions{relay="gochat"} 0`,
		`pirelay_dial_failures_total{relay="chat"} 0`,
		"pirelay_streams_active 0",
	} {
		if !strings.Contains(body.String(), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	_, ts := newTestServer(t, cfg, Dependencies{})

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
