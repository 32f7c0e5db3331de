// Package workspace is the core-side authority over plugin host processes
// and the device sessions they serve.
//
// # Architecture
//
//	        ┌───────────────────────── Manager ─────────────────────────┐
//	        │  catalog   sessions   segment watcher   event fan-out     │
//	        └──────┬────────────────────┬──────────────────┬────────────┘
//	               │                    │                  │
//	        hostHandle (one per loaded plugin entry)       │
//	        ┌──────┴──────────┐                            │
//	        │ process.Manager │ spawn / respawn            │
//	        │ controlClient   │ request-response (unix)    │
//	        │ event pump      │ one-way events (unix)      │
//	        └──────┬──────────┘                            │
//	               │                                       │
//	        tracewire-host process                    eventbus.Bus
//
// The manager spawns one tracewire-host process per loaded plugin entry,
// dials its control and event sockets, negotiates capabilities, and owns
// session lifecycle: shared-memory provisioning, ingest registration,
// journal writes, backpressure signalling and segment growth. Host
// crashes and in-process plugin restarts both tear the affected session
// down; reconnecting is an explicit caller action, never automatic.
//
// # Thread Safety
//
// All Manager methods are safe for concurrent use. Control requests to a
// single host are serialised, matching the host's strictly sequential
// dispatch. The segment watcher runs on the goroutine given to Run.
package workspace
