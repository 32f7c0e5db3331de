// Package plugin defines the contract tool plugins implement and the
// registry host processes load them from.
//
// Loading follows the registered-factory model: a plugin links its factory
// into the host binary under a stable entry name (usually from an init
// function), and the host instantiates it by name at startup. Faults are
// contained by the host process boundary, so a factory or plugin call that
// fails never takes the core daemon down.
//
// The mandatory surface is small: declare capabilities, connect, disconnect.
// Everything else is an optional hook the host probes with a type assertion:
//
//   - Notifiable: receive global workspace notifications
//   - UiStater: serve UI-state snapshots for the shell
//   - SharedMemoryConsumer: accept an injected frame writer
//   - BackpressureAware: scale read buffers on backpressure hints
//
// A plugin that does not implement a hook yields a structured negative
// result on the control channel, never a fault.
package plugin
