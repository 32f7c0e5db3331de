// Package hostproto defines the wire contract between the core daemon and
// plugin host processes.
//
// Two channels exist per host. The control channel is a duplex socket
// carrying newline-delimited JSON request/response pairs, one request in
// flight at a time, responses in request order. The event channel is a
// one-way socket on which the host pushes best-effort notifications
// (registration, UI invalidation) as JSON envelopes.
//
// The package also carries the capability descriptor contract plugins
// declare (parameter schema, shared-memory sizing hints) and the parameter
// validator applied before plugin code is invoked.
//
// Property names are matched case-insensitively on decode, so peers with
// different casing conventions interoperate.
package hostproto
