package registration

import (
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound means the authority has no session for the id.
	ErrSessionNotFound = fmt.Errorf("registration: session not found")

	// ErrInvalidArgument means the authority rejected the request shape.
	// Callers reclassify this as a local bad-request, not a server error.
	ErrInvalidArgument = fmt.Errorf("registration: invalid argument")
)

// RateLimitError reports that the authority refused an operation for
// rate-limiting reasons. RetryAfter is zero when the authority gave no
// hint; Session, when non-nil, is the authority's updated view and
// belongs in the client-facing snapshot.
type RateLimitError struct {
	RetryAfter time.Duration
	Session    *Session
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("registration: rate limited, retry after %s", e.RetryAfter)
	}
	return "registration: rate limited"
}

// AttemptError reports that the authority refused a send or check for a
// session it still knows: the session is attached when the authority
// returned its updated state, and TransportNotAllowed marks refusals of
// the requested delivery channel specifically.
type AttemptError struct {
	Session             *Session
	TransportNotAllowed bool
}

func (e *AttemptError) Error() string {
	if e.TransportNotAllowed {
		return "registration: transport not allowed"
	}
	return "registration: attempt rejected"
}
