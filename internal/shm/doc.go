// Package shm implements the shared-memory frame transport between plugin
// host processes and the core daemon.
//
// Each active session owns one Segment: a single-producer single-consumer
// ring buffer backed by a memory-mapped file. The plugin host writes frame
// records, the core ingest loop drains them. Both sides map the same file,
// so frames cross the process boundary without copies through the control
// channel.
//
// # Architecture
//
//	┌────────────────────────┐                ┌────────────────────────┐
//	│   Plugin Host Process  │                │      Core Daemon       │
//	│                        │                │                        │
//	│  SwitchableWriter      │                │  Segment (attached)    │
//	│        │               │   mmap file    │        │               │
//	│        ▼               │  ┌──────────┐  │        ▼               │
//	│  Writer (backoff+drop) │─▶│  header  │◀─│  TryReadFrameRecord    │
//	│        │               │  │  ring    │  │        │               │
//	│        ▼               │  └──────────┘  │        ▼               │
//	│  Segment (creator)     │                │  ingest loop           │
//	└────────────────────────┘                └────────────────────────┘
//
// # Key Types
//
//   - Segment: the mapped ring buffer; TryWriteFrame / TryReadFrameRecord
//   - FrameRecord: one timestamped, direction-tagged byte sequence
//   - Writer: blocking write helper with bounded backoff, drops on overload
//   - SwitchableWriter: stable writer handle whose target can be replaced
//   - Descriptor: serializable segment identity passed over the control channel
//
// # Usage
//
//	seg, err := shm.Create(path, 1<<20)
//	if err != nil {
//	    return err
//	}
//	defer seg.Close()
//
//	id, ok := seg.TryWriteFrame(shm.DirRx, payload)
//	if !ok {
//	    // ring full, caller decides whether to retry or drop
//	}
//
//	// Consumer side, usually another process:
//	seg, err := shm.Attach(path)
//	rec, ok := seg.TryReadFrameRecord()
//
// # Thread Safety
//
// A Segment supports one writing goroutine and one reading goroutine
// concurrently; cursor updates are atomic and a committed frame is never
// observable half-written. Close may race with readers and writers: the
// operations fail cleanly instead of touching an unmapped region.
package shm
