package allocator

import (
	"errors"
	"fmt"
)

// Sentinel errors let callers classify a rejection with errors.Is instead of matching messages.
var (
	// ErrValidation covers malformed intervals and capacity outside (0, resource.capacity].
	ErrValidation = errors.New("allocator: validation failed")

	// ErrNotFound is returned for unknown resource or request ids.
	ErrNotFound = errors.New("allocator: not found")

	// ErrResourceUnavailable is returned when the resource is offline or in maintenance.
	ErrResourceUnavailable = errors.New("allocator: resource unavailable")

	// ErrConflict marks a temporal, capacity or exclusivity clash with existing allocations.
	ErrConflict = errors.New("allocator: conflict")

	// ErrDuplicateID is returned by the timeline when an interval id is already indexed.
	ErrDuplicateID = errors.New("allocator: duplicate id")

	// ErrInternal signals an index/registry inconsistency. It is a defect, not a user error.
	ErrInternal = errors.New("allocator: internal invariant violation")
)

// Reason maps an error to a stable label for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrResourceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrDuplicateID):
		return "duplicate"
	default:
		return "internal"
	}
}

var causes = map[string]error{
	"validation":  ErrValidation,
	"not_found":   ErrNotFound,
	"unavailable": ErrResourceUnavailable,
	"conflict":    ErrConflict,
	"duplicate":   ErrDuplicateID,
	"internal":    ErrInternal,
}

// causeFor rebuilds a classified error from a persisted Reason label and detail.
// Unknown labels are treated as conflicts.
func causeFor(reason, detail string) error {
	sentinel, ok := causes[reason]
	if !ok {
		sentinel = ErrConflict
	}
	return newError(sentinel, "%s", detail)
}

// Error pairs a sentinel cause with a human-readable detail.
type Error struct {
	cause  error
	detail string
}

func newError(cause error, format string, args ...any) error {
	return &Error{cause: cause, detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.cause.Error() + ": " + e.detail }

func (e *Error) Unwrap() error { return e.cause }

// Message returns the detail of err without the sentinel prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.detail
	}
	return err.Error()
}

// Errorf builds an error classified under cause for callers outside the package.
func Errorf(cause error, format string, args ...any) error {
	return newError(cause, format, args...)
}
