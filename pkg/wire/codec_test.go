package wire

import (
	"strings"
	"testing"

	"github.com/NicolasHaas/pirelay/pkg/model"
	"github.com/google/go-cmp/cmp"
)

func TestEncodeHandshake(t *testing.T) {
	got := string(EncodeHandshake("bob", "#fff"))
	if got != "bob:#fff\n" {
		t.Fatalf("EncodeHandshake = %q, want %q", got, "bob:#fff\n")
	}
}

func TestEncodeChat(t *testing.T) {
	got := string(EncodeChat("bob", "hi"))
	if got != "bob: hi\n" {
		t.Fatalf("EncodeChat = %q, want %q", got, "bob: hi\n")
	}
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		want   model.Message
		wantOK bool
	}{
		{
			name:   "chat record",
			line:   "alice: hello",
			want:   model.Message{Sender: "alice", Body: "hello", Color: model.DefaultColor},
			wantOK: true,
		},
		{
			name:   "broadcast with color",
			line:   "alice:hello:#00ff00",
			want:   model.Message{Sender: "alice", Body: "hello", Color: "#00ff00"},
			wantOK: true,
		},
		{
			name:   "short hex color",
			line:   "alice:hey:#0f0",
			want:   model.Message{Sender: "alice", Body: "hey", Color: "#0f0"},
			wantOK: true,
		},
		{
			name:   "colons kept in body",
			line:   "alice: meet at 12:30",
			want:   model.Message{Sender: "alice", Body: "meet at 12:30", Color: model.DefaultColor},
			wantOK: true,
		},
		{
			name:   "unparsable color stays in body",
			line:   "alice:hi:blue",
			want:   model.Message{Sender: "alice", Body: "hi:blue", Color: model.DefaultColor},
			wantOK: true,
		},
		{
			name:   "system notice",
			line:   "System: You are being timed out for 5 seconds due to spamming.",
			want:   model.Message{Sender: "System", Body: "You are being timed out for 5 seconds due to spamming.", Color: model.DefaultColor, IsSystem: true},
			wantOK: true,
		},
		{
			name:   "carriage return stripped",
			line:   "alice: hi\r",
			want:   model.Message{Sender: "alice", Body: "hi", Color: model.DefaultColor},
			wantOK: true,
		},
		{
			name:   "empty body",
			line:   "alice:",
			want:   model.Message{Sender: "alice", Body: "", Color: model.DefaultColor},
			wantOK: true,
		},
		{name: "no delimiter", line: "garbage", wantOK: false},
		{name: "blank", line: "   ", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("DecodeLine(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeLine(%q) mismatch (-want +got):\n%s", tt.line, diff)
			}
		})
	}
}

func TestChatRoundTrip(t *testing.T) {
	cases := []struct{ user, body string }{
		{"bob", "hi"},
		{"alice", "hello world"},
		{"Ünïcødé", "naïve café ☕"},
		{"x", ""},
		{"long", strings.Repeat("ab ", 500)},
		{"tabs", "a\tb"},
	}
	for _, c := range cases {
		msg, ok := DecodeLine(strings.TrimSuffix(string(EncodeChat(c.user, c.body)), "\n"))
		if !ok {
			t.Fatalf("round trip %q/%q: record rejected", c.user, c.body)
		}
		if msg.Sender != c.user || msg.Body != c.body {
			t.Errorf("round trip = %q/%q, want %q/%q", msg.Sender, msg.Body, c.user, c.body)
		}
	}
}

func TestEncodeRecordRoundTrip(t *testing.T) {
	msgs := []model.Message{
		model.NewMessage("alice", "hello", "#123abc"),
		model.NewMessage("System", "Please wait", ""),
	}
	for _, want := range msgs {
		got, ok := DecodeLine(strings.TrimSuffix(string(EncodeRecord(want)), "\n"))
		if !ok {
			t.Fatalf("EncodeRecord(%+v) not decodable", want)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("EncodeRecord round trip mismatch (-want +got):\n%s", diff)
		}
	}
}
