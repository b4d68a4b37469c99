package domain

import "errors"

// Domain errors
var (
	ErrUnauthorized   = errors.New("no valid session")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrInvalidCursor  = errors.New("invalid or stale cursor")
	ErrWorldNotFound  = errors.New("world not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal server error")
)

// IsClientError checks if an error should be surfaced as a 4xx response
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrInvalidCursor) ||
		errors.Is(err, ErrInvalidRequest)
}
