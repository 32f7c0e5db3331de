// Package host implements the plugin host supervisor: the process-local
// authority over one plugin instance, its single session and its
// shared-memory writer.
//
// One host process serves one plugin. The core daemon spawns it, dials its
// control socket and exchanges newline-delimited JSON requests, strictly one
// at a time. Asynchronous notices flow back on a separate event socket.
// Plugin faults are contained here: a misbehaving plugin is reloaded
// in-process, and the failure is reported on the control channel instead of
// taking the daemon down.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────────┐
//	│                       Plugin Host Process                         │
//	│                                                                   │
//	│  ┌──────────────┐   ┌──────────────────┐   ┌──────────────────┐   │
//	│  │    Server    │   │     Runtime      │   │    EventSink     │   │
//	│  │ (server.go)  │──▶│  (runtime.go,    │──▶│  (eventsink.go)  │   │
//	│  │              │   │   dispatch.go)   │   │                  │   │
//	│  │ • one client │   │ • load/restart   │   │ • bounded queue  │   │
//	│  │ • sequential │   │ • session slot   │   │ • drop-oldest    │   │
//	│  │ • JSON lines │   │ • guarded calls  │   │ • accept loop    │   │
//	│  └──────────────┘   └────────┬─────────┘   └──────────────────┘   │
//	│                             │                                     │
//	│  ┌──────────────┐   ┌───────▼─────────┐                           │
//	│  │ ParentWatch  │   │  plugin.Plugin  │                           │
//	│  │(parentwatch) │   │  + shm writer   │                           │
//	│  └──────────────┘   └─────────────────┘                           │
//	└───────────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Runtime: plugin lifecycle, session slot, writer handle, restart policy
//   - Server: sequential control loop over one accepted connection
//   - EventSink: best-effort event delivery with drop-oldest overflow
//   - ParentWatch: self-termination when the spawning process disappears
//
// # Fault Model
//
// Errors split into load errors (stored once, answered on every call until
// a restart succeeds), protocol violations (rejected synchronously, no
// state change, no restart), and plugin runtime faults (timeout, panic or
// error after preconditions passed; the plugin is reloaded and the
// response carries whether the reload worked). Transport faults end the
// control loop, and with it the process.
//
// # Thread Safety
//
// Control dispatch is strictly sequential, so handlers never race each
// other. The session slot and writer handle still sit behind a mutex
// because restart and teardown run from fault paths interleaved with
// normal calls; plugin invocations themselves happen outside the lock.
package host
