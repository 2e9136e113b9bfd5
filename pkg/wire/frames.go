package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/NicolasHaas/pirelay/pkg/model"
)

// HandshakeFrame is the first frame sent on a WebSocket transport.
type HandshakeFrame struct {
	Username string `json:"username"`
	Color    string `json:"color"`
}

// ChatFrame carries one outgoing chat message on a WebSocket transport.
type ChatFrame struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Color    string `json:"color"`
}

// inboundFrame mirrors what the WebSocket backend broadcasts.
type inboundFrame struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Color    string `json:"color"`
}

// DecodeFrame parses a broadcast frame. Frames that are not JSON objects or
// that carry no sender are rejected.
func DecodeFrame(data []byte) (model.Message, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return model.Message{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	sender := strings.TrimSpace(f.Username)
	if sender == "" {
		return model.Message{}, fmt.Errorf("wire: decode frame: missing username")
	}
	return model.NewMessage(sender, f.Message, f.Color), nil
}
