// Package api implements the local HTTP and WebSocket gateway for the
// workspace core.
//
// This package provides:
//   - REST endpoints for the plugin catalog, host status, session
//     lifecycle, and recent frame history
//   - WebSocket hub relaying workspace events (frames, sessions, hosts,
//     backpressure, ui-state) to the desktop shell
//   - Bearer-token authentication plus single-use JWT tickets for
//     WebSocket upgrades
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The gateway sits between the desktop shell and the workspace manager.
// Commands (connect, disconnect, notify) flow through REST handlers into
// the manager; everything the manager publishes on the event bus is
// fanned out to subscribed WebSocket clients.
//
// # Security
//
// Every REST call carries the configured bearer token. WebSocket
// connections authenticate with a short-lived single-use ticket so the
// token never appears in a URL. The server binds to loopback by default;
// it is the shell's private control surface, not a public API.
package api
