// Package fdperr defines the error taxonomy shared by the core components:
// sentinel kinds callers can test with errors.Is, wrapped with entity/id
// context the way kernel/utils.WrapError does.
package fdperr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Each core package wraps one of these with
// contextual detail rather than returning a bare string.
var (
	// ErrGraveyardCollision: an incoming network id is still cooling down
	// in the graveyard (§3 invariants, §7 "Graveyard collision").
	ErrGraveyardCollision = errors.New("id is in graveyard")

	// ErrAlreadyRegistered: register() called for an id already bound to
	// a live entity.
	ErrAlreadyRegistered = errors.New("id already registered")

	// ErrUnknownID: resolve/unregister/reverse found no entry.
	ErrUnknownID = errors.New("id not registered")

	// ErrDuplicatePending: begin_construction/begin_destruction invariant
	// violation — a fatal programmer error per §7 in debug builds.
	ErrDuplicatePending = errors.New("entity already has a pending lifecycle transition")

	// ErrUnknownBlueprint: promotion referenced a blueprint id the
	// registry does not know.
	ErrUnknownBlueprint = errors.New("unknown blueprint")

	// ErrCodecFailure: decode of a stashed descriptor failed during
	// promotion.
	ErrCodecFailure = errors.New("descriptor codec failure")

	// ErrBlockConflict: add_block intersects the graveyard or an
	// existing block.
	ErrBlockConflict = errors.New("id block conflicts with graveyard or existing range")

	// ErrStaleFrame: a FrameAck/FrameOrder referenced a frame id the
	// receiver has already advanced past.
	ErrStaleFrame = errors.New("stale frame id")

	// ErrUnknownVersion: a replay file's version is not supported by
	// this reader.
	ErrUnknownVersion = errors.New("unsupported replay version")
)

// Wrap attaches operation context to a sentinel error, matching
// kernel/utils.WrapError's "%s: %w" shape.
func Wrap(kind error, context string) error {
	return fmt.Errorf("%s: %w", context, kind)
}

// Wrapf is Wrap with a formatted context string.
func Wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
