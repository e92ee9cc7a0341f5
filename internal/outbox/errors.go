package outbox

import "errors"

var (
	ErrEmptyJobID       = errors.New("outbox: job ID must not be empty")
	ErrNegativeAttempts = errors.New("outbox: attempts must be >= 0")
	ErrZeroCreatedAt    = errors.New("outbox: created_at is required")
	ErrInvalidPayload   = errors.New("outbox: payload must be valid JSON")
)
