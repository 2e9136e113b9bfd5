// Package model defines the core domain types for pirelay: chat messages,
// relay connection states and transcript entries.
package model

import "strings"

// SystemSender is the reserved sender name the chat backend uses for notices.
const SystemSender = "System"

// DefaultColor is used when a record carries no color or an unparsable one.
const DefaultColor = "#ffffff"

// Message is one chat record exchanged with the backend. Treat it as a value:
// nothing mutates a Message after construction.
type Message struct {
	Sender   string `json:"username"`
	Body     string `json:"message"`
	Color    string `json:"color"`
	IsSystem bool   `json:"isSystem"`
}

// NewMessage builds a Message, deriving IsSystem from the sender and applying
// DefaultColor when color is empty.
func NewMessage(sender, body, color string) Message {
	color = strings.TrimSpace(color)
	if color == "" {
		color = DefaultColor
	}
	return Message{
		Sender:   sender,
		Body:     body,
		Color:    color,
		IsSystem: sender == SystemSender,
	}
}
