package dsh

import (
	"errors"
	"fmt"

	"github.com/gogpu/dsh/heap"
	"github.com/gogpu/dsh/internal/pool"
)

// Errors reported by the Manager. Every allocation-style call returns a
// sentinel value (nil handle or -1 index) together with one of these,
// usually wrapped with context.
var (
	// ErrInvalidParameter is returned for nil or zero-sized arguments and
	// misordered calls such as submitting a media state twice.
	ErrInvalidParameter = errors.New("dsh: invalid parameter")

	// ErrNoSpace is returned when a pool or heap is exhausted even after
	// eviction and growth.
	ErrNoSpace = errors.New("dsh: no space")

	// ErrUnknown is returned when eviction could not free the requested amount.
	ErrUnknown = errors.New("dsh: space accounting mismatch")

	// ErrUnimplemented is returned when an optional platform capability is
	// absent; callers fall back to a simpler path.
	ErrUnimplemented = errors.New("dsh: capability not implemented")
)

// spaceError maps collaborator exhaustion errors onto ErrNoSpace.
func spaceError(what string, err error) error {
	if errors.Is(err, pool.ErrExhausted) || errors.Is(err, heap.ErrNoSpace) {
		return fmt.Errorf("%w: %s: %v", ErrNoSpace, what, err)
	}
	return fmt.Errorf("dsh: %s: %w", what, err)
}
