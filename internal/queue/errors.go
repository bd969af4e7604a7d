package queue

import (
	"errors"
	"fmt"
	"time"
)

// DeferError asks the processor to put the job back until the given instant.
// Deferrals do not count as delivery attempts.
type DeferError struct {
	Until  time.Time
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.Until.UTC().Format(time.RFC3339), e.Reason)
}

// SkipError ends the job without sending
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skipped: " + e.Reason
}

// Defer returns a DeferError
func Defer(until time.Time, reason string) error {
	return &DeferError{Until: until, Reason: reason}
}

// Skip returns a SkipError
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// AsDefer unwraps a DeferError
func AsDefer(err error) (*DeferError, bool) {
	var de *DeferError
	ok := errors.As(err, &de)
	return de, ok
}

// AsSkip unwraps a SkipError
func AsSkip(err error) (*SkipError, bool) {
	var se *SkipError
	ok := errors.As(err, &se)
	return se, ok
}
