package hostproto

import "errors"

// Domain errors for the hostproto package.
var (
	// ErrMalformedMessage is returned when a line cannot be decoded as the
	// expected JSON shape.
	ErrMalformedMessage = errors.New("hostproto: malformed message")

	// ErrLineTooLong is returned when a single line exceeds MaxLineBytes.
	ErrLineTooLong = errors.New("hostproto: line exceeds maximum length")

	// ErrMissingField is returned when a message lacks a required property.
	ErrMissingField = errors.New("hostproto: missing required field")

	// ErrInvalidParams is returned when connect parameters fail the
	// capability's declared schema.
	ErrInvalidParams = errors.New("hostproto: invalid parameters")

	// ErrInvalidLevel is returned for backpressure levels outside the
	// known set.
	ErrInvalidLevel = errors.New("hostproto: invalid backpressure level")
)
