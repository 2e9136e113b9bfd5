package model

import (
	"errors"
	"time"
)

// Direction tells whether a transcript entry was sent by the user or
// received from the backend.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

var ErrTranscriptUserRequired = errors.New("transcript entry needs a user")
var ErrTranscriptBadDirection = errors.New("transcript direction must be \"in\" or \"out\"")

// TranscriptEntry is one message as seen by one user of one relay.
type TranscriptEntry struct {
	ID        int64     `json:"id"`
	Relay     string    `json:"relay"`
	User      string    `json:"user"`
	Direction Direction `json:"direction"`
	Message
	CreatedAt time.Time `json:"created_at"`
}

func (e *TranscriptEntry) Validate() error {
	if e.User == "" {
		return ErrTranscriptUserRequired
	}
	if e.Direction != DirectionIn && e.Direction != DirectionOut {
		return ErrTranscriptBadDirection
	}
	return nil
}
