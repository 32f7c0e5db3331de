package shm

import "errors"

// Domain errors for the shm package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, shm.ErrFrameDropped) {
//	    // frame lost to sustained backpressure
//	}
var (
	// ErrInvalidCapacity is returned when a requested segment capacity is
	// below the minimum or not representable.
	ErrInvalidCapacity = errors.New("shm: invalid capacity")

	// ErrIncompatibleSegment is returned by Attach when the backing file
	// does not carry a recognised segment header.
	ErrIncompatibleSegment = errors.New("shm: incompatible segment")

	// ErrSegmentClosed is returned when an operation reaches a segment
	// after Close.
	ErrSegmentClosed = errors.New("shm: segment closed")

	// ErrFrameTooLarge is returned when a payload can never fit the ring,
	// regardless of how much is drained.
	ErrFrameTooLarge = errors.New("shm: frame exceeds segment capacity")

	// ErrFrameDropped is returned by Writer.WriteFrame when the ring stayed
	// full past the backoff budget and the frame was discarded.
	ErrFrameDropped = errors.New("shm: frame dropped after backoff")
)
