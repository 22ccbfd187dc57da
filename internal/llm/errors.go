package llm

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable marks a transient backend or network failure.
	ErrUnavailable = errors.New("generation backend unavailable")

	// ErrRejected marks a request the backend refused, e.g. a content policy hit.
	ErrRejected = errors.New("generation request rejected")
)

// Error is a classified generation failure.
type Error struct {
	Kind     error
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// kindForStatus maps an HTTP status from a provider to an error kind.
func kindForStatus(status int) error {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity:
		return ErrRejected
	default:
		return ErrUnavailable
	}
}

// Describe returns a short user-facing description of a generation failure.
func Describe(err error) string {
	if errors.Is(err, ErrRejected) {
		return "the request was rejected by the AI backend"
	}
	return "the AI backend is unavailable, try again later"
}
