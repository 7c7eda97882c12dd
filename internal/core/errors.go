package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures that may succeed when retried
	ErrTransient = errors.New("transient failure")
	// ErrNotFound is returned when a stored record does not exist
	ErrNotFound = errors.New("not found")
	// ErrIdentityConflict is returned when two threads with active coordinations would merge
	ErrIdentityConflict = errors.New("identity conflict")
	// ErrDataIntegrity is returned when stored state violates an invariant
	ErrDataIntegrity = errors.New("data integrity violation")
	// ErrInvalidTransition is returned for a status change outside the transition table
	ErrInvalidTransition = errors.New("invalid coordination transition")
	// ErrUnsafeDispatch is returned when an invitation would reach a non-participant
	ErrUnsafeDispatch = errors.New("unsafe dispatch")
	// ErrNoOverlap is returned when no slot satisfies every constraint
	ErrNoOverlap = errors.New("no overlapping availability")

	// ErrStaleWrite is returned when a coordination was modified concurrently
	ErrStaleWrite = fmt.Errorf("%w: stale coordination write", ErrTransient)
	// ErrLeaseTimeout is returned when a lease could not be acquired in time
	ErrLeaseTimeout = fmt.Errorf("%w: lease wait exceeded", ErrTransient)
)

// IsTransient reports whether err should be retried by the caller
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
