package events

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRecord marks input that can never load, no matter how often
	// it is retried.
	ErrInvalidRecord = errors.New("invalid record")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error {
	return ErrInvalidRecord
}

// DecodeError locates a malformed record within a scrape-run document.
type DecodeError struct {
	Index int
	Href  string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Href != "" {
		return fmt.Sprintf("record %d (%s): %v", e.Index, e.Href, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
