package domain

import "errors"

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates a vector's dimension disagrees with the
	// collection's stored dimension. Fatal; callers must not coerce vectors.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidProvider indicates an unknown AI provider was specified
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrServiceUnavailable indicates an external service could not be reached
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrRateLimited indicates the upstream content source refused the request
	ErrRateLimited = errors.New("rate limit exceeded")
)
