package model

import (
	"errors"
	"strings"
)

var ErrUsernameRequired = errors.New("username is required")
var ErrColorRequired = errors.New("color is required")
var ErrFieldNewline = errors.New("field must not contain line breaks")

// ValidateUsername checks that a username is present and cannot break a
// wire record. Colons pass through: the backend splits on the first one.
func ValidateUsername(name string) error {
	if name == "" {
		return ErrUsernameRequired
	}
	return checkLine(name)
}

// ValidateColor checks the display color sent in the login handshake.
func ValidateColor(color string) error {
	if color == "" {
		return ErrColorRequired
	}
	return checkLine(color)
}

// ValidateBody checks a chat message body. An empty body is not an error;
// callers treat it as "login only".
func ValidateBody(body string) error {
	return checkLine(body)
}

func checkLine(s string) error {
	if strings.ContainsAny(s, "\r\n") {
		return ErrFieldNewline
	}
	return nil
}
