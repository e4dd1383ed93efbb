// Package ids mints collection cycle identifiers.
package ids

import "github.com/oklog/ulid/v2"

// NewCycleID returns a ULID string. IDs minted by one process sort in the
// order they were minted, so log lines of successive cycles sort together.
func NewCycleID() string {
	return ulid.Make().String()
}
