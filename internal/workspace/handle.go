package workspace

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracewire/tracewire-core/internal/host"
	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/process"
	"github.com/tracewire/tracewire-core/internal/shm"
)

const (
	transportDialTimeout = 5 * time.Second
	procEventBuffer      = 16
)

type procEventKind int

const (
	procStarted procEventKind = iota
	procStopped
	procGaveUp
)

// procEvent crosses from the process manager's callbacks onto the
// handle's own goroutine, where reacting may take locks and do IO.
type procEvent struct {
	kind procEventKind
	err  error
}

// activeSession is the one session a host may serve at a time.
type activeSession struct {
	id           string
	capabilityID string
	params       map[string]any
	startedAt    time.Time
	hints        hostproto.SharedMemoryHints
	segment      *shm.Segment

	// Backpressure and growth bookkeeping, touched only by the watcher.
	level      hostproto.BackpressureLevel
	overTicks  int
	growthOff  bool
	generation int
}

// hostHandle owns one plugin host process: its supervisor, its control
// and event channels, and the session it serves.
type hostHandle struct {
	mgr          *Manager
	entry        string
	token        string
	manifestPath string

	controlPath string
	eventPath   string

	proc *process.Manager

	mu        sync.Mutex
	ctrl      *controlClient
	eventConn net.Conn
	caps      []hostproto.Capability
	sess      *activeSession
	ready     bool
	failed    bool
	lastErr   error

	procEvents chan procEvent
}

func newHostHandle(m *Manager, entry, manifestPath string) *hostHandle {
	return &hostHandle{
		mgr:          m,
		entry:        entry,
		token:        "host-" + uuid.NewString(),
		manifestPath: manifestPath,
		procEvents:   make(chan procEvent, procEventBuffer),
	}
}

// start spawns the host process and establishes both channels. On any
// failure the process is stopped again; a handle is either fully wired
// or absent.
func (h *hostHandle) start(ctx context.Context) error {
	if err := h.preparePaths(); err != nil {
		return err
	}

	h.proc = process.NewManager(h.processConfig())
	h.proc.SetLogger(h.mgr.logger)
	if err := h.proc.Start(ctx); err != nil {
		return fmt.Errorf("spawn host for %s: %w", h.entry, err)
	}

	if err := h.connectTransports(ctx); err != nil {
		h.proc.Stop()
		return err
	}
	return nil
}

// preparePaths lays out the socket files under the workspace data dir.
// Unix socket paths are length-limited, so names stay short.
func (h *hostHandle) preparePaths() error {
	dir := filepath.Join(h.mgr.cfg.Workspace.DataDir, "hosts")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create host socket dir: %w", err)
	}
	short := strings.TrimPrefix(h.token, "host-")
	if len(short) > 8 {
		short = short[:8]
	}
	h.controlPath = filepath.Join(dir, short+"-ctl.sock")
	h.eventPath = filepath.Join(dir, short+"-ev.sock")
	return nil
}

func (h *hostHandle) processConfig() process.Config {
	cfg := h.mgr.cfg

	args := []string{
		"--pipe", h.controlPath,
		"--event-pipe", h.eventPath,
		"--entry", h.entry,
		"--host-token", h.token,
		"--parent-pid", strconv.Itoa(os.Getpid()),
	}
	if h.manifestPath != "" {
		args = append(args, "--plugin", h.manifestPath)
	}
	if start, err := host.ProcessStartTime(os.Getpid()); err == nil {
		args = append(args, "--parent-start-utc", start.UTC().Format(time.RFC3339))
	}

	first := true
	return process.Config{
		Name:               "host:" + h.entry,
		Binary:             h.mgr.hostBinary(),
		Args:               args,
		RestartOnFailure:   cfg.Hosts.RestartOnFailure,
		RestartDelay:       cfg.GetRestartDelay(),
		MaxRestartDelay:    cfg.GetMaxRestartDelay(),
		StableThreshold:    cfg.GetStableThreshold(),
		MaxRestartAttempts: cfg.Hosts.MaxRestartAttempts,
		// Exit code 2 is a host usage error; a respawn with identical
		// arguments fails identically.
		FatalExitCodes: []int{2},
		OnStart: func() {
			if first {
				first = false
				return
			}
			h.enqueue(procEvent{kind: procStarted})
		},
		OnStop: func(err error) {
			if err != nil {
				h.enqueue(procEvent{kind: procStopped, err: err})
			}
		},
		OnGiveUp: func(err error) {
			h.enqueue(procEvent{kind: procGaveUp, err: err})
		},
	}
}

// enqueue never blocks the process monitor goroutine.
func (h *hostHandle) enqueue(ev procEvent) {
	select {
	case h.procEvents <- ev:
	default:
		h.mgr.logger.Warn("host event queue full, dropping", "entry", h.entry, "kind", ev.kind)
	}
}

// connectTransports dials both sockets and performs the capability
// handshake. Called at first start and again after every respawn.
func (h *hostHandle) connectTransports(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, transportDialTimeout)
	defer cancel()

	ctrl, err := dialControl(dialCtx, h.controlPath, h.mgr.cfg.GetCallTimeout())
	if err != nil {
		return fmt.Errorf("control channel: %w", err)
	}

	evConn, err := dialRetry(dialCtx, h.eventPath)
	if err != nil {
		ctrl.Close()
		return fmt.Errorf("event channel: %w", err)
	}

	resp, err := ctrl.call(ctx, hostproto.TypeGetCapabilities, nil)
	if err != nil {
		ctrl.Close()
		evConn.Close()
		return fmt.Errorf("get capabilities: %w", err)
	}
	if !resp.OK {
		ctrl.Close()
		evConn.Close()
		return fmt.Errorf("get capabilities: %s", resp.Error)
	}
	var result hostproto.CapabilitiesResult
	if err := hostproto.DecodePayload(resp.Payload, &result); err != nil {
		ctrl.Close()
		evConn.Close()
		return fmt.Errorf("decode capabilities: %w", err)
	}

	h.mu.Lock()
	h.ctrl = ctrl
	h.eventConn = evConn
	h.caps = result.Capabilities
	h.ready = true
	h.failed = false
	h.lastErr = nil
	h.mu.Unlock()

	go h.pumpEvents(evConn)
	return nil
}

// run reacts to process lifecycle events until the manager closes.
func (h *hostHandle) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev := <-h.procEvents:
			switch ev.kind {
			case procStopped:
				h.mgr.onHostDown(h, ev.err)
			case procStarted:
				if err := h.connectTransports(context.Background()); err != nil {
					h.mgr.logger.Error("host transports after respawn", "entry", h.entry, "error", err)
					h.setFailed(err)
					continue
				}
				h.mgr.onHostRespawned(h)
			case procGaveUp:
				h.mgr.onHostGaveUp(h, ev.err)
			}
		}
	}
}

// pumpEvents reads the one-way event channel until it dies. The
// connection dying is the host dying; the process monitor handles that.
func (h *hostHandle) pumpEvents(conn net.Conn) {
	reader := hostproto.NewLineReader(conn)
	for {
		var ev hostproto.Event
		if err := reader.Next(&ev); err != nil {
			h.mgr.logger.Debug("event channel closed", "entry", h.entry, "error", err)
			return
		}
		h.mgr.handleHostEvent(h, ev)
	}
}

// client returns the live control channel, nil when the host is down.
func (h *hostHandle) client() *controlClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready {
		return nil
	}
	return h.ctrl
}

// callWithRetry performs one control call, honouring the restarted flag:
// a failed call answered with restarted=true is retried exactly once
// against the freshly reloaded plugin. Only negotiation-style calls go
// through here; teardown calls must not be replayed.
func (h *hostHandle) callWithRetry(ctx context.Context, typ hostproto.RequestType, payload any) (*hostproto.Response, error) {
	ctrl := h.client()
	if ctrl == nil {
		return nil, ErrHostUnavailable
	}

	resp, err := ctrl.call(ctx, typ, payload)
	if err != nil {
		return nil, err
	}
	if !resp.Restarted {
		return resp, nil
	}

	// The plugin was reloaded mid-call; whatever session was active died
	// with it.
	h.mgr.onRuntimeRestarted(h)
	if resp.OK {
		return resp, nil
	}
	return ctrl.call(ctx, typ, payload)
}

func (h *hostHandle) capability(id string) (hostproto.Capability, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.caps {
		if c.ID == id {
			return c, true
		}
	}
	return hostproto.Capability{}, false
}

func (h *hostHandle) capabilities() []hostproto.Capability {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]hostproto.Capability, len(h.caps))
	copy(out, h.caps)
	return out
}

func (h *hostHandle) session() *activeSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

// detachSession removes and returns the active session, if any.
func (h *hostHandle) detachSession() *activeSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.sess
	h.sess = nil
	return sess
}

func (h *hostHandle) setSession(sess *activeSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sess = sess
}

func (h *hostHandle) setFailed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = false
	h.failed = true
	h.lastErr = err
}

func (h *hostHandle) isFailed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}

// closeTransports tears down both channels, typically because the
// process behind them is gone.
func (h *hostHandle) closeTransports() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctrl != nil {
		h.ctrl.Close()
		h.ctrl = nil
	}
	if h.eventConn != nil {
		h.eventConn.Close()
		h.eventConn = nil
	}
	h.ready = false
}

// stop shuts the host down for good. The supervisor's SIGTERM gives the
// host its graceful window; sending a protocol shutdown first would let
// the monitor mistake the clean exit for a crash and respawn.
func (h *hostHandle) stop() {
	h.closeTransports()
	if h.proc != nil {
		h.proc.Stop()
	}
}
