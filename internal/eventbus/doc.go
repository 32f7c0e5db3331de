// Package eventbus is the in-process pub/sub fabric between the workspace
// manager and its consumers (HTTP API, session journal, telemetry).
//
// Publishing never blocks: each subscriber owns a bounded channel and a
// full channel drops the event for that subscriber only. Slow consumers
// lose events rather than stalling session supervision.
package eventbus
