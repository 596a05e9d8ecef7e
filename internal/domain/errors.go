package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedHeader signals a buffer too short to hold its 4-byte count header.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrTruncatedPayload signals a buffer shorter than its declared arrays.
	ErrTruncatedPayload = errors.New("truncated payload")
	// ErrQueryTexts signals a query-batch trailer that is not a JSON string array.
	ErrQueryTexts = errors.New("unparsable query texts")
	// ErrRoutingKeyUnparsable signals a routing key missing a required marker.
	ErrRoutingKeyUnparsable = errors.New("routing key unparsable")

	// ErrShardTableUnavailable signals a shard with no doc table chunks in the store.
	ErrShardTableUnavailable = errors.New("shard table unavailable")
	// ErrDocNotFound signals a candidate id absent from its shard's doc table.
	ErrDocNotFound = errors.New("document not found")
	// ErrContentFetchFailed signals an empty or unreadable document payload.
	ErrContentFetchFailed = errors.New("content fetch failed")

	// ErrInvariantViolation signals a broken fan-out guarantee upstream.
	ErrInvariantViolation = errors.New("invariant violation")
)

// InvariantViolationError reports a (client, batch) request that received more
// shard results than it was fanned out to.
type InvariantViolationError struct {
	Query    string
	ClientID uint32
	BatchID  uint32
	Received int
	Expected int
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%s: client %d batch %d received %d shard results, expected %d (query %q)",
		ErrInvariantViolation.Error(), e.ClientID, e.BatchID, e.Received, e.Expected, e.Query)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }
