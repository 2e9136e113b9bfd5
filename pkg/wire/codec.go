// Package wire implements the chat backend's record formats: the
// newline-delimited text protocol spoken over the Unix socket and the JSON
// frames spoken over WebSocket.
//
// Text records are not escaped. A ':' or newline inside a username leaks into
// the framing; callers validate fields before encoding.
package wire

import (
	"strings"

	"github.com/NicolasHaas/pirelay/pkg/model"
)

// MaxRecordSize bounds a single text record. A pending tail that grows past
// it without a newline is discarded.
const MaxRecordSize = 64 * 1024

// EncodeHandshake produces the first record sent after connecting:
// "<username>:<color>\n". There is no space after the colon.
func EncodeHandshake(username, color string) []byte {
	return []byte(username + ":" + color + "\n")
}

// EncodeChat produces a chat record: "<username>: <body>\n". The space after
// the colon differs from the handshake and the backend depends on it.
func EncodeChat(username, body string) []byte {
	return []byte(username + ": " + body + "\n")
}

// EncodeRecord renders a decoded message back into the backend's broadcast
// format, used for raw record streams.
func EncodeRecord(msg model.Message) []byte {
	if msg.IsSystem {
		return []byte(msg.Sender + ": " + msg.Body + "\n")
	}
	return []byte(msg.Sender + ":" + msg.Body + ":" + msg.Color + "\n")
}

// DecodeLine parses one record without its terminator. The sender is
// everything before the first ':'. When the last ':'-separated segment is a
// hex color the record is the three-field broadcast form and that segment
// becomes the color. Lines without ':' report false.
func DecodeLine(line string) (model.Message, bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return model.Message{}, false
	}
	sender, rest, ok := strings.Cut(line, ":")
	if !ok {
		return model.Message{}, false
	}
	sender = strings.TrimSpace(sender)
	body := strings.TrimLeft(rest, " \t")

	var color string
	if i := strings.LastIndexByte(body, ':'); i >= 0 && isHexColor(strings.TrimSpace(body[i+1:])) {
		color = strings.TrimSpace(body[i+1:])
		body = body[:i]
	}
	return model.NewMessage(sender, body, color), true
}

func isHexColor(s string) bool {
	if len(s) != 4 && len(s) != 7 {
		return false
	}
	if s[0] != '#' {
		return false
	}
	for _, r := range s[1:] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
