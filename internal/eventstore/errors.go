package eventstore

import "errors"

var (
	// ErrNotInitialized is returned by every operation before Initialize succeeds.
	ErrNotInitialized = errors.New("event store not initialized")

	// ErrEmptyAggregateID is returned by Append for a blank aggregate id.
	ErrEmptyAggregateID = errors.New("aggregate id is empty")

	// ErrEventNotFound is returned when an operation names an unknown event id.
	ErrEventNotFound = errors.New("event not found")

	// ErrNodeMismatch is returned by Initialize when the database is already
	// bound to a different node id than the one configured.
	ErrNodeMismatch = errors.New("database belongs to a different node")
)
