package transfer

import (
	"errors"
	"fmt"

	"github.com/stowage-dev/stowage/internal/source"
	"github.com/stowage-dev/stowage/pkg/upload"
)

// Kind is the stable failure classification a caller receives. Kinds
// are part of the API surface: they decide HTTP status codes and
// whether re-invoking the transfer can help.
type Kind string

const (
	KindInvalidRequest         Kind = "invalid_request"
	KindSourceNotFound         Kind = "source_not_found"
	KindSourceUnauthorized     Kind = "source_unauthorized"
	KindSourceForbidden        Kind = "source_forbidden"
	KindSourceUnreachable      Kind = "source_unreachable"
	KindSourceChanged          Kind = "source_changed"
	KindDestinationDenied      Kind = "destination_denied"
	KindDestinationUnreachable Kind = "destination_unreachable"
	KindStateCorruption        Kind = "state_corruption"
	KindStateUnavailable       Kind = "state_unavailable"
)

// Retryable reports whether a later re-invocation of the same request
// can succeed without operator intervention.
func (k Kind) Retryable() bool {
	switch k {
	case KindSourceUnreachable, KindDestinationUnreachable, KindStateUnavailable:
		return true
	}
	return false
}

// Error carries a classified transfer failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err is worth re-invoking. Unclassified
// errors count as retryable so that transient failures are never
// promoted to permanent ones by accident.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Retryable()
	}
	return true
}

// classifySource maps source reader failures onto the taxonomy.
func classifySource(op string, err error) *Error {
	kind := KindSourceUnreachable
	switch {
	case errors.Is(err, source.ErrNotFound):
		kind = KindSourceNotFound
	case errors.Is(err, source.ErrUnauthorized):
		kind = KindSourceUnauthorized
	case errors.Is(err, source.ErrForbidden):
		kind = KindSourceForbidden
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// classifyUpload maps destination writer failures onto the taxonomy.
// ErrUploadExpired is not classified here: the orchestrator consumes it
// to restart the destination upload instead of surfacing it.
func classifyUpload(op string, err error) *Error {
	kind := KindDestinationUnreachable
	switch {
	case errors.Is(err, upload.ErrDenied):
		kind = KindDestinationDenied
	case errors.Is(err, upload.ErrBucketNotFound):
		kind = KindDestinationDenied
	case errors.Is(err, upload.ErrPartMismatch):
		kind = KindStateCorruption
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
