package domain

import "errors"

// Error taxonomy shared by adapters and use cases; test with errors.Is.
var (
	// ErrTransient is a network, timeout or 5xx/429 failure of an external call.
	ErrTransient = errors.New("transient external error")

	// ErrMalformedResponse is model output that does not parse into the expected structure.
	ErrMalformedResponse = errors.New("malformed model response")

	// ErrConstraintViolation is a duplicate write of a uniquely keyed entity.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrConfiguration is a missing or invalid prompt, user or setting.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSourceUnavailable means no listing site could be fetched at all.
	ErrSourceUnavailable = errors.New("listing source unavailable")
)

// IsRetryable reports whether an operation failing with err may be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrMalformedResponse)
}
