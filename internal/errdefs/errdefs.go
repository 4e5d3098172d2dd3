// Package errdefs defines the error taxonomy shared by the vGPU
// mediation core. Callers match against the sentinels with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandle reports an operation against a device that has no
	// live guest session binding.
	ErrInvalidHandle = errors.New("invalid device handle")

	// ErrNotFound reports a missing GFN, DMA address or region index.
	ErrNotFound = errors.New("not found")

	// ErrInvalidGuestAddress reports that a guest address could not be
	// resolved to a memory slot.
	ErrInvalidGuestAddress = errors.New("invalid guest address")

	// ErrOutOfRange reports a byte access beyond a region's size.
	ErrOutOfRange = errors.New("access out of range")

	// ErrAlreadyBound reports a second session claiming a device.
	ErrAlreadyBound = errors.New("device already bound to a guest session")

	// ErrHostResourceFailure reports a pin/map/unmap failure in the host
	// collaborator layer.
	ErrHostResourceFailure = errors.New("host resource failure")

	// ErrIOFault reports a chunked transfer that failed partway. Bytes
	// already transferred stay transferred.
	ErrIOFault = errors.New("i/o fault during chunked transfer")
)

// Host-resource failures keep their own identity but also match
// ErrHostResourceFailure.
var (
	ErrNoBackingPage = fmt.Errorf("guest frame has no backing page: %w", ErrHostResourceFailure)
	ErrMapFailed     = fmt.Errorf("dma map failed: %w", ErrHostResourceFailure)
)

// Error carries structured context for a failed device operation.
type Error struct {
	Op  string
	Dev string
	Err error
}

func (e *Error) Error() string {
	if e.Dev != "" {
		return e.Op + " " + e.Dev + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
