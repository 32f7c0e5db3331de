package host

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/plugin"
	"github.com/tracewire/tracewire-core/internal/shm"
)

// Logger defines the logging interface for the host package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds configuration for a plugin host runtime.
type Config struct {
	// Entry is the registered factory name to load.
	Entry string

	// PluginPath is the module location the entry came from, kept for
	// diagnostics.
	PluginPath string

	// HostToken correlates this process with the events it emits.
	HostToken string

	// CallTimeout bounds every call into plugin code. A hung plugin trips
	// the timeout and is treated as faulted.
	CallTimeout time.Duration

	// WritePolicy shapes the backoff of the shared-memory writer handed to
	// the plugin.
	WritePolicy shm.WritePolicy
}

// Runtime owns one plugin instance, the single session slot and the
// shared-memory writer bound to that session.
type Runtime struct {
	cfg    Config
	logger Logger
	events *EventSink

	mu           sync.Mutex
	plugin       plugin.Plugin
	loadErr      error
	sessionID    string
	capabilityID string
	connected    bool
	writer       *shm.SwitchableWriter
	segment      *shm.Segment
}

// NewRuntime creates a runtime for the configured entry. Call Load before
// serving control traffic.
func NewRuntime(cfg Config) *Runtime {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &Runtime{cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the runtime.
func (r *Runtime) SetLogger(logger Logger) {
	r.logger = logger
}

// SetEventSink attaches the sink runtime-emitted events go to. Optional;
// without a sink events are silently skipped.
func (r *Runtime) SetEventSink(sink *EventSink) {
	r.events = sink
}

// Load instantiates the plugin. On failure the reason is stored and every
// control call answers with it until a restart succeeds; Load itself never
// returns an error because the process must stay up to report the failure.
func (r *Runtime) Load() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked()
}

func (r *Runtime) loadLocked() {
	p, err := safeNew(r.cfg.Entry)
	if err != nil {
		r.plugin = nil
		r.loadErr = err
		r.logger.Error("plugin load failed", "entry", r.cfg.Entry, "error", err)
		return
	}
	r.plugin = p
	r.loadErr = nil
	r.injectInvalidator(p)
	r.logger.Info("plugin loaded", "entry", r.cfg.Entry, "path", r.cfg.PluginPath)
}

// safeNew contains factory panics so a broken constructor becomes a load
// error, not a process crash.
func safeNew(entry string) (p plugin.Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("%w: constructor: %v", ErrPluginPanic, rec)
		}
	}()
	return plugin.New(entry)
}

// injectInvalidator hands UI-state-capable plugins a way to ask the shell
// to re-query, routed through the event channel.
func (r *Runtime) injectInvalidator(p plugin.Plugin) {
	notifier, ok := p.(plugin.UiStateNotifier)
	if !ok {
		return
	}
	notifier.SetUiStateInvalidator(func(capabilityID, viewID, reason string) {
		r.mu.Lock()
		sessionID := r.sessionID
		r.mu.Unlock()
		r.publish(hostproto.EventUiStateInvalidated, hostproto.UiStateInvalidatedEvent{
			CapabilityID: capabilityID,
			SessionID:    sessionID,
			ViewID:       viewID,
			Reason:       reason,
		})
	})
}

// Loaded reports whether the plugin is usable, and the stored reason when
// it is not.
func (r *Runtime) Loaded() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plugin != nil, r.loadErr
}

// TryBeginSession claims the single session slot. True when the slot is
// free or already held by the same id (idempotent reconnect); false when a
// different session is active. A false return rejects the connect attempt,
// it is never fatal.
func (r *Runtime) TryBeginSession(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID != "" && r.sessionID != sessionID {
		return false
	}
	r.sessionID = sessionID
	return true
}

// EndSession clears the slot only when sessionID currently owns it, tearing
// down the shared-memory writer with it: a writer is scoped to exactly one
// session's lifetime.
func (r *Runtime) EndSession(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID != sessionID {
		return false
	}
	r.clearSessionLocked()
	return true
}

func (r *Runtime) clearSessionLocked() {
	r.sessionID = ""
	r.capabilityID = ""
	r.connected = false
	if r.writer != nil {
		r.writer.SwitchTo(nil)
		r.writer = nil
	}
	if r.segment != nil {
		if err := r.segment.Close(); err != nil {
			r.logger.Warn("segment close failed", "error", err)
		}
		r.segment = nil
	}
}

// TryRestart reloads the plugin after a fault. The session and
// shared-memory bindings are discarded; the next connect re-provisions
// them. Returns whether the reload produced a usable plugin, which the
// dispatcher reports to the caller as the restarted flag.
func (r *Runtime) TryRestart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearSessionLocked()
	r.loadLocked()
	ok := r.loadErr == nil
	r.logger.Warn("plugin restarted after fault", "entry", r.cfg.Entry, "recovered", ok)
	return ok
}

// Close tears down the session and writer at process shutdown.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearSessionLocked()
}

// guard invokes one plugin call with the bounded timeout and converts
// panics into errors. The spawned call is not forcibly aborted on timeout;
// the context is the only cancellation plugin code sees.
func (r *Runtime) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("%w: %v", ErrPluginPanic, rec)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return fmt.Errorf("%w after %s", ErrPluginTimeout, r.cfg.CallTimeout)
	}
}

// publish sends an event when a sink is attached. Best-effort by design.
func (r *Runtime) publish(t hostproto.EventType, payload any) {
	if r.events == nil {
		return
	}
	event, err := hostproto.NewEvent(t, payload)
	if err != nil {
		r.logger.Warn("event encode failed", "type", t, "error", err)
		return
	}
	r.events.Publish(event)
}

// AnnounceRegistered pushes the host-registered event once the runtime is
// ready for control traffic.
func (r *Runtime) AnnounceRegistered() {
	r.publish(hostproto.EventHostRegistered, hostproto.HostRegisteredEvent{
		Token: r.cfg.HostToken,
		PID:   os.Getpid(),
	})
}
