package host

import "errors"

// Domain errors for the host package.
var (
	// ErrPluginTimeout marks a plugin call that exceeded the bounded wait.
	ErrPluginTimeout = errors.New("host: plugin call timed out")

	// ErrPluginPanic marks a panic recovered from plugin code.
	ErrPluginPanic = errors.New("host: plugin panicked")

	// ErrSessionActive is returned when a connect names a different session
	// than the one already holding the slot.
	ErrSessionActive = errors.New("host: another session is active")

	// ErrNoSession is returned when an operation names a session that is
	// not the active one.
	ErrNoSession = errors.New("host: no matching active session")

	// ErrNotSupported is returned when a plugin does not implement the
	// optional hook an operation needs.
	ErrNotSupported = errors.New("host: plugin does not implement this operation")

	// ErrSessionEcho is returned when a plugin's connect echoes back a
	// different session id than it was given.
	ErrSessionEcho = errors.New("host: plugin echoed wrong session id")

	// ErrParentExited is returned by ParentWatch when the spawning process
	// is gone or its pid was reused.
	ErrParentExited = errors.New("host: parent process exited")
)
