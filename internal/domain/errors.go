package domain

import "errors"

var (
	// ErrInvalidIntent rejects malformed entry parameters before any
	// state is touched.
	ErrInvalidIntent = errors.New("invalid open intent")

	// ErrDuplicatePosition rejects a second active position on the same
	// symbol.
	ErrDuplicatePosition = errors.New("duplicate position for symbol")

	// ErrLimitExceeded rejects an open when the concurrent position cap
	// is reached.
	ErrLimitExceeded = errors.New("position limit exceeded")

	// ErrNotFound is returned when a position id resolves to nothing.
	ErrNotFound = errors.New("position not found")

	// ErrBroker wraps order placement failures, including deadline
	// expiry on broker calls.
	ErrBroker = errors.New("broker request failed")

	// ErrPersistence wraps snapshot write failures. State mutations
	// survive it; the next mutation retries the write.
	ErrPersistence = errors.New("snapshot persistence failed")

	// ErrFeedDisconnected signals the market data stream dropped and is
	// reconnecting.
	ErrFeedDisconnected = errors.New("price feed disconnected")
)
