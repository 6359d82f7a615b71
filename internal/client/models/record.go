package models

import "time"

// Record is a naturalist-club sample document persisted locally and
// replicated with the remote store. Payload is the schemaless JSON body;
// the core treats it as opaque.
type Record struct {
	// ID is a globally unique identifier for the record.
	ID string

	// Payload is the JSON document body.
	Payload []byte

	// Deleted marks the record as a tombstone (kept for replication).
	Deleted bool

	// Dirty marks a local edit not yet pushed to the remote store.
	Dirty bool

	// UpdatedAt is the last modification time in UTC. Conflicting edits
	// resolve last-write-wins on this field.
	UpdatedAt time.Time
}
