package model

import "github.com/oklog/ulid/v2"

// NewID generates a ULID string for a VM or image record. ULIDs are used
// over random UUIDs so ids are lexicographically sortable by creation time,
// which is convenient for ad hoc inspection (e.g. listing a store's raw
// rows) even though the store's own queries order by created_at/pulled_at
// rather than by id.
func NewID() string {
	return ulid.Make().String()
}
