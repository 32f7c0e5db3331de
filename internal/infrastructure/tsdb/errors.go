package tsdb

import "errors"

// Sentinel errors for time-series operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDisabled is returned by Connect when telemetry is switched off
	// in config. Callers treat it as "run without telemetry", not a fault.
	ErrDisabled = errors.New("tsdb: telemetry disabled in configuration")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("tsdb: connection failed")

	// ErrNotConnected is returned when attempting operations on a closed client.
	ErrNotConnected = errors.New("tsdb: client not connected")
)
