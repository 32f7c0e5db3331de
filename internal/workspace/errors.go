package workspace

import "errors"

var (
	// ErrClosed is returned when the manager has been shut down.
	ErrClosed = errors.New("workspace: manager closed")

	// ErrHostUnavailable is returned when no healthy control channel to
	// the plugin host exists, typically after a give-up or mid-restart.
	ErrHostUnavailable = errors.New("workspace: host unavailable")

	// ErrUnknownEntry is returned for plugin entries the catalog does
	// not know about.
	ErrUnknownEntry = errors.New("workspace: unknown plugin entry")

	// ErrUnknownCapability is returned when the capability id does not
	// appear in the host's announced capability list.
	ErrUnknownCapability = errors.New("workspace: unknown capability")

	// ErrSessionBusy is returned when a connect request arrives while
	// the host already serves a session.
	ErrSessionBusy = errors.New("workspace: session slot busy")

	// ErrSessionNotFound is returned for operations on session ids with
	// no live session.
	ErrSessionNotFound = errors.New("workspace: session not found")
)
