// Package ingest drains frame records from every session's shared-memory
// segment into the core's frame sink.
//
// # Architecture
//
// A single goroutine owns all reads. Each round visits every registered
// session in registration order and drains at most MaxFramesPerSession
// records from it, so one saturated session cannot starve the rest:
//
//	┌──────────┐   ┌──────────┐   ┌──────────┐
//	│ segment A│   │ segment B│   │ segment C│
//	└────┬─────┘   └────┬─────┘   └────┬─────┘
//	     └──────────────┼──────────────┘
//	              round-robin drain
//	                    │
//	               ┌────▼────┐
//	               │  Sink   │
//	               └─────────┘
//
// When a full round drains nothing the loop sleeps, walking a short
// backoff ladder up to a ceiling; any drained frame resets it to the
// bottom. A panic while draining (a corrupt record, a failing sink) is
// caught per round: the loop logs it, pauses for a fixed interval and
// carries on with the next round.
//
// # Thread Safety
//
// Register and Unregister are safe to call from any goroutine while Run
// is draining. Run itself must only be called once.
package ingest
