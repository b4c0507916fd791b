// Package idgen mints opaque, process-local identifiers for things that
// are never part of the wire protocol itself — recording session tags,
// log correlation ids — as distinct from the network-visible uint64 ids
// core/idalloc hands out.
package idgen

import "github.com/google/uuid"

// New returns a fresh random (v4) id.
func New() string {
	return uuid.New().String()
}
