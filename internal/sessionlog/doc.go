// Package sessionlog records the session journal: every device session
// the workspace opens, the lifecycle events inside it, and the incidents
// of the host process that served it.
//
// The journal is the durable half of workspace state. Live state (which
// sessions are open right now) belongs to the workspace manager; this
// package answers "what happened", survives daemon restarts, and feeds
// the history views in the UI.
package sessionlog
