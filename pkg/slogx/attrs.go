package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns a slog.Attr for the provided error under the "error" key.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Stringer returns a slog.Attr with the string representation of a
// fmt.Stringer value under the given key.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// Message returns a slog.Attr for a message id under the "message_id" key.
// Turn-scoped log lines carry this so one turn can be grepped end to end.
func Message(id string) slog.Attr {
	return slog.String("message_id", id)
}

// User returns a slog.Attr for a user id under the "user_id" key.
func User(id string) slog.Attr {
	return slog.String("user_id", id)
}
