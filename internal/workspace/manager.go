package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracewire/tracewire-core/internal/eventbus"
	"github.com/tracewire/tracewire-core/internal/framestore"
	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/infrastructure/config"
	"github.com/tracewire/tracewire-core/internal/ingest"
	"github.com/tracewire/tracewire-core/internal/plugin"
	"github.com/tracewire/tracewire-core/internal/process"
	"github.com/tracewire/tracewire-core/internal/sessionlog"
	"github.com/tracewire/tracewire-core/internal/shm"
)

const (
	// watchInterval is how often the watcher samples segment usage.
	watchInterval = 250 * time.Millisecond

	// growthHoldTicks is how many consecutive over-threshold samples a
	// segment must show before it is grown. One spike is not pressure.
	growthHoldTicks = 3

	closeNotifyTimeout = 2 * time.Second
)

// Logger defines the logging interface for the workspace package.
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

// Manager owns every plugin host the workspace runs and every session
// they serve.
type Manager struct {
	cfg     *config.Config
	logger  Logger
	journal sessionlog.Repository
	frames  *framestore.Store
	loop    *ingest.Loop
	bus     *eventbus.Bus
	sink    ingest.Sink

	// spawnMu serialises host creation so two connects for the same
	// entry cannot race each other into two processes.
	spawnMu sync.Mutex

	mu        sync.Mutex
	hosts     map[string]*hostHandle
	sessions  map[string]*hostHandle
	manifests map[string]plugin.Manifest
	closed    bool
	done      chan struct{}
}

// NewManager creates a workspace manager. A nil logger disables logging.
func NewManager(cfg *config.Config, journal sessionlog.Repository, frames *framestore.Store, loop *ingest.Loop, bus *eventbus.Bus, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		journal:   journal,
		frames:    frames,
		loop:      loop,
		bus:       bus,
		sink:      NewFrameSink(frames, bus),
		hosts:     make(map[string]*hostHandle),
		sessions:  make(map[string]*hostHandle),
		manifests: make(map[string]plugin.Manifest),
		done:      make(chan struct{}),
	}
	m.rescanManifests()
	return m
}

func (m *Manager) rescanManifests() {
	manifests, err := plugin.DiscoverManifests(m.cfg.Workspace.PluginsDir)
	if err != nil {
		m.logger.Warn("plugin manifest scan failed", "dir", m.cfg.Workspace.PluginsDir, "error", err)
		return
	}
	byEntry := make(map[string]plugin.Manifest, len(manifests))
	for _, mf := range manifests {
		byEntry[mf.Entry] = mf
	}
	m.mu.Lock()
	m.manifests = byEntry
	m.mu.Unlock()
}

// ConnectRequest asks for a new session against one capability of one
// plugin entry.
type ConnectRequest struct {
	Entry        string         `json:"entry"`
	CapabilityID string         `json:"capability_id"`
	Params       map[string]any `json:"params,omitempty"`
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID              string    `json:"id"`
	Entry           string    `json:"entry"`
	CapabilityID    string    `json:"capability_id"`
	StartedAt       time.Time `json:"started_at"`
	SegmentCapacity int       `json:"segment_capacity,omitempty"`
	UsageRatio      float64   `json:"usage_ratio"`
	Backpressure    string    `json:"backpressure"`
	Frames          uint64    `json:"frames"`
	Bytes           uint64    `json:"bytes"`
}

// HostStatus describes one plugin host process.
type HostStatus struct {
	Entry   string        `json:"entry"`
	Ready   bool          `json:"ready"`
	Process process.Stats `json:"process"`
	Session *SessionInfo  `json:"session,omitempty"`
}

// CatalogEntry describes one connectable plugin.
type CatalogEntry struct {
	Entry       string `json:"entry"`
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Builtin     bool   `json:"builtin"`
	Running     bool   `json:"running"`
}

// Connect establishes a session: it spawns the entry's host if needed,
// provisions shared memory when the capability asks for it, and hands
// the session to the plugin. The host enforces its single session slot;
// the local busy check just fails fast.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (*SessionInfo, error) {
	h, err := m.ensureHost(ctx, req.Entry)
	if err != nil {
		return nil, err
	}

	capability, ok := h.capability(req.CapabilityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, req.CapabilityID)
	}
	if err := capability.ValidateParams(req.Params); err != nil {
		return nil, err
	}
	if h.session() != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, req.Entry)
	}

	sessionID := "sess-" + uuid.NewString()
	payload := hostproto.ConnectPayload{
		SessionID:    sessionID,
		CapabilityID: req.CapabilityID,
		Params:       req.Params,
	}

	var segment *shm.Segment
	var hints hostproto.SharedMemoryHints
	if capability.WantsSharedMemory() {
		hints = *capability.SharedMemory
		segment, err = m.createSegment(sessionID, initialCapacity(hints, m.cfg.SharedMemory))
		if err != nil {
			return nil, err
		}
		desc := segment.Descriptor()
		payload.Segment = &desc
	}

	resp, err := h.callWithRetry(ctx, hostproto.TypeConnect, payload)
	if err != nil {
		m.discardSegment(segment)
		return nil, fmt.Errorf("connect %s: %w", req.Entry, err)
	}
	if !resp.OK {
		m.discardSegment(segment)
		return nil, fmt.Errorf("connect %s: %s", req.Entry, resp.Error)
	}

	var result hostproto.ConnectResult
	if err := hostproto.DecodePayload(resp.Payload, &result); err != nil {
		m.discardSegment(segment)
		return nil, fmt.Errorf("decode connect result: %w", err)
	}
	if result.AlreadyConnected {
		m.logger.Debug("session already connected on host", "session", sessionID, "entry", req.Entry)
	}

	sess := &activeSession{
		id:           sessionID,
		capabilityID: req.CapabilityID,
		params:       req.Params,
		startedAt:    time.Now().UTC(),
		hints:        hints,
		segment:      segment,
		level:        hostproto.LevelNone,
	}
	h.setSession(sess)

	m.mu.Lock()
	m.sessions[sessionID] = h
	m.mu.Unlock()

	if segment != nil {
		m.loop.Register(sessionID, segment)
	}

	m.journalBegin(ctx, sess, req.Entry)
	m.bus.Publish(TopicSessions, SessionEvent{
		Type:         "started",
		SessionID:    sessionID,
		Entry:        req.Entry,
		CapabilityID: req.CapabilityID,
	})
	m.logger.Info("session connected", "session", sessionID, "entry", req.Entry, "capability", req.CapabilityID)

	return m.sessionInfo(h, sess), nil
}

// Disconnect ends a session. The slot is released and resources are
// reclaimed regardless of what the plugin made of the request; a remote
// failure is reported but changes nothing.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var remoteErr error
	if ctrl := h.client(); ctrl != nil {
		resp, err := ctrl.call(ctx, hostproto.TypeDisconnect, hostproto.DisconnectPayload{SessionID: sessionID})
		switch {
		case err != nil:
			remoteErr = fmt.Errorf("disconnect %s: %w", sessionID, err)
		case !resp.OK:
			remoteErr = fmt.Errorf("disconnect %s: %s", sessionID, resp.Error)
		}
		if err == nil && resp.Restarted {
			m.recordIncident(sessionlog.IncidentFault, h.entry, sessionID, resp.Error)
		}
	}

	m.teardownSession(h, "disconnect")
	return remoteErr
}

// UiState fetches a rendered view snapshot from the session's plugin.
func (m *Manager) UiState(ctx context.Context, sessionID, viewID string) (json.RawMessage, error) {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	resp, err := h.callWithRetry(ctx, hostproto.TypeGetUiState, hostproto.UiStatePayload{
		SessionID: sessionID,
		ViewID:    viewID,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("ui state %s: %s", sessionID, resp.Error)
	}

	var result hostproto.UiStateResult
	if err := hostproto.DecodePayload(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("decode ui state: %w", err)
	}
	return result.State, nil
}

// Notify broadcasts a workspace notification to every running host.
// Hosts that reject or miss it are logged, never fatal.
func (m *Manager) Notify(ctx context.Context, kind string, data map[string]any) error {
	if !hostproto.KnownNotificationKind(kind) {
		return fmt.Errorf("workspace: unknown notification kind %q", kind)
	}

	for _, h := range m.handles() {
		ctrl := h.client()
		if ctrl == nil {
			continue
		}
		resp, err := ctrl.notify(ctx, kind, data)
		if err != nil {
			m.logger.Warn("notify host", "entry", h.entry, "kind", kind, "error", err)
			continue
		}
		if !resp.OK {
			m.logger.Warn("notification rejected", "entry", h.entry, "kind", kind, "error", resp.Error)
		}
	}
	return nil
}

// Capabilities returns what one plugin entry offers, spawning its host
// on first use.
func (m *Manager) Capabilities(ctx context.Context, entry string) ([]hostproto.Capability, error) {
	h, err := m.ensureHost(ctx, entry)
	if err != nil {
		return nil, err
	}
	return h.capabilities(), nil
}

// Catalog lists every connectable plugin: compiled-in entries plus
// manifests discovered in the plugins directory.
func (m *Manager) Catalog() []CatalogEntry {
	m.rescanManifests()

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var out []CatalogEntry
	for _, entry := range plugin.Entries() {
		out = append(out, CatalogEntry{
			Entry:   entry,
			Name:    entry,
			Builtin: true,
			Running: m.runningLocked(entry),
		})
		seen[entry] = true
	}
	for entry, mf := range m.manifests {
		if seen[entry] {
			continue
		}
		out = append(out, CatalogEntry{
			Entry:       entry,
			Name:        mf.Name,
			Version:     mf.Version,
			Description: mf.Description,
			Running:     m.runningLocked(entry),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry < out[j].Entry })
	return out
}

func (m *Manager) runningLocked(entry string) bool {
	h, ok := m.hosts[entry]
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Hosts reports every host the manager has spawned, dead ones included.
func (m *Manager) Hosts() []HostStatus {
	var out []HostStatus
	for _, h := range m.handles() {
		out = append(out, m.hostStatus(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry < out[j].Entry })
	return out
}

// Sessions reports every live session.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	handles := make([]*hostHandle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var out []SessionInfo
	for _, h := range handles {
		sess := h.session()
		if sess == nil {
			continue
		}
		out = append(out, *m.sessionInfo(h, sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Session reports one live session.
func (m *Manager) Session(sessionID string) (*SessionInfo, error) {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess := h.session()
	if sess == nil || sess.id != sessionID {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.sessionInfo(h, sess), nil
}

// Run drives the segment watcher until ctx is cancelled or the manager
// closes. Backpressure signalling and segment growth both live here.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	m.logger.Info("workspace manager started", "workspace", m.cfg.Workspace.ID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	for _, h := range m.handles() {
		h.mu.Lock()
		sess := h.sess
		var segment *shm.Segment
		if sess != nil {
			segment = sess.segment
		}
		h.mu.Unlock()
		if sess == nil || segment == nil {
			continue
		}

		ratio := segment.UsageRatio()
		m.updateBackpressure(ctx, h, sess, ratio)
		m.maybeGrow(ctx, h, sess, ratio)
	}
}

// updateBackpressure is edge-triggered: a host hears about a level only
// when it differs from what the session last saw. A transport failure
// leaves the recorded level untouched so the next tick retries.
func (m *Manager) updateBackpressure(ctx context.Context, h *hostHandle, sess *activeSession, ratio float64) {
	level := m.levelFor(ratio)

	h.mu.Lock()
	current := sess.level
	h.mu.Unlock()
	if level == current {
		return
	}

	ctrl := h.client()
	if ctrl == nil {
		return
	}
	resp, err := ctrl.call(ctx, hostproto.TypeSetBackpressure, hostproto.SetBackpressurePayload{
		SessionID: sess.id,
		Level:     level,
	})
	if err != nil {
		m.logger.Warn("set backpressure", "session", sess.id, "level", level, "error", err)
		return
	}
	if resp.Restarted {
		m.onRuntimeRestarted(h)
		return
	}
	if !resp.OK {
		m.logger.Debug("backpressure declined", "session", sess.id, "error", resp.Error)
	}

	h.mu.Lock()
	sess.level = level
	h.mu.Unlock()

	m.appendEvent(ctx, sess.id, sessionlog.EventBackpressure, map[string]any{
		"level": string(level),
		"ratio": ratio,
	})
	m.bus.Publish(TopicBackpressure, BackpressureEvent{
		SessionID:  sess.id,
		Level:      string(level),
		UsageRatio: ratio,
	})
	m.logger.Debug("backpressure level changed", "session", sess.id, "level", level, "ratio", ratio)
}

func (m *Manager) levelFor(ratio float64) hostproto.BackpressureLevel {
	switch {
	case ratio >= m.cfg.SharedMemory.HighWatermark:
		return hostproto.LevelHigh
	case ratio >= m.cfg.SharedMemory.MediumWatermark:
		return hostproto.LevelMedium
	default:
		return hostproto.LevelNone
	}
}

// maybeGrow proposes a larger segment once usage stays over the growth
// threshold, for capabilities that declared they can switch.
func (m *Manager) maybeGrow(ctx context.Context, h *hostHandle, sess *activeSession, ratio float64) {
	if h.session() != sess {
		return
	}

	h.mu.Lock()
	hints := sess.hints
	off := sess.growthOff
	current := 0
	if sess.segment != nil {
		current = sess.segment.Capacity()
	}
	h.mu.Unlock()

	if off || !hints.SupportsSwitch || hints.GrowthStep <= 0 {
		return
	}

	maxCap := hints.MaxBytes
	if maxCap <= 0 {
		maxCap = hints.PreferredBytes
	}
	if m.cfg.SharedMemory.MaxCapacity > 0 && (maxCap <= 0 || maxCap > m.cfg.SharedMemory.MaxCapacity) {
		maxCap = m.cfg.SharedMemory.MaxCapacity
	}
	if maxCap > 0 && current >= maxCap {
		return
	}

	if ratio < m.cfg.SharedMemory.GrowthThreshold {
		h.mu.Lock()
		sess.overTicks = 0
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	sess.overTicks++
	over := sess.overTicks
	h.mu.Unlock()
	if over < growthHoldTicks {
		return
	}

	m.growSegment(ctx, h, sess, current, maxCap)
}

// growSegment creates a bigger ring, asks the plugin to switch to it,
// then drains the old ring before retiring it so no frame is lost and
// order is preserved.
func (m *Manager) growSegment(ctx context.Context, h *hostHandle, sess *activeSession, current, maxCap int) {
	next := current + sess.hints.GrowthStep
	if maxCap > 0 && next > maxCap {
		next = maxCap
	}
	if next <= current {
		return
	}

	h.mu.Lock()
	sess.generation++
	gen := sess.generation
	old := sess.segment
	h.mu.Unlock()

	path := filepath.Join(m.segmentDir(), fmt.Sprintf("%s.g%d.ring", sess.id, gen))
	newSeg, err := shm.Create(path, next)
	if err != nil {
		m.logger.Error("grow segment", "session", sess.id, "capacity", next, "error", err)
		return
	}

	resp, err := h.callWithRetry(ctx, hostproto.TypeApplySharedMemory, hostproto.ApplySegmentPayload{
		SessionID: sess.id,
		Segment:   newSeg.Descriptor(),
	})
	if err != nil {
		m.discardSegment(newSeg)
		m.logger.Warn("apply segment", "session", sess.id, "error", err)
		return
	}
	if !resp.OK {
		m.discardSegment(newSeg)
		h.mu.Lock()
		sess.growthOff = true
		h.mu.Unlock()
		m.logger.Debug("segment switch declined", "session", sess.id, "error", resp.Error)
		return
	}
	if h.session() != sess {
		// The plugin restarted while we negotiated; the session is gone.
		m.discardSegment(newSeg)
		return
	}

	// The plugin now writes to the new ring. Take the old one away from
	// the ingest loop, empty it, then swap the source.
	m.loop.Unregister(sess.id)
	m.drainSegment(sess.id, old)
	m.loop.Register(sess.id, newSeg)

	h.mu.Lock()
	sess.segment = newSeg
	sess.overTicks = 0
	h.mu.Unlock()
	old.Close()

	m.appendEvent(ctx, sess.id, sessionlog.EventSegmentSwitched, map[string]any{
		"from": current,
		"to":   next,
	})
	m.bus.Publish(TopicSessions, SessionEvent{Type: "segment-switched", SessionID: sess.id, Entry: h.entry})
	m.logger.Info("segment grown", "session", sess.id, "from", current, "to", next)
}

// Close notifies plugins the workspace is going away, then stops every
// host. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	handles := make([]*hostHandle, 0, len(m.hosts))
	for _, h := range m.hosts {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeNotifyTimeout)
	for _, h := range handles {
		if ctrl := h.client(); ctrl != nil {
			ctrl.notify(ctx, hostproto.NotificationWorkspaceClosing, nil)
		}
	}
	cancel()

	for _, h := range handles {
		m.teardownSession(h, "shutdown")
		h.stop()
	}
	m.logger.Info("workspace manager closed")
}

// ensureHost returns the entry's handle, spawning its host on first use
// and replacing one that was abandoned after exhausting restarts.
func (m *Manager) ensureHost(ctx context.Context, entry string) (*hostHandle, error) {
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	h, ok := m.hosts[entry]
	m.mu.Unlock()
	if ok {
		if !h.isFailed() {
			return h, nil
		}
		// An abandoned host holds no sessions; a fresh connect attempt
		// earns a fresh process.
		h.stop()
		m.mu.Lock()
		delete(m.hosts, entry)
		m.mu.Unlock()
	}

	origin, known := m.entryOrigin(entry)
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, entry)
	}

	nh := newHostHandle(m, entry, origin)
	if err := nh.start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.hosts[entry] = nh
	m.mu.Unlock()
	go nh.run(m.done)

	m.bus.Publish(TopicHosts, HostEvent{Type: "started", Entry: entry, PID: nh.proc.PID()})
	m.logger.Info("host spawned", "entry", entry, "pid", nh.proc.PID())
	return nh, nil
}

// entryOrigin reports whether entry is connectable and where it came
// from: empty origin for compiled-in entries, the plugins directory for
// manifest-discovered ones.
func (m *Manager) entryOrigin(entry string) (string, bool) {
	for _, e := range plugin.Entries() {
		if e == entry {
			return "", true
		}
	}
	m.mu.Lock()
	_, ok := m.manifests[entry]
	m.mu.Unlock()
	if ok {
		return m.cfg.Workspace.PluginsDir, true
	}
	return "", false
}

func (m *Manager) handles() []*hostHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*hostHandle, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, h)
	}
	return out
}

// teardownSession releases everything a session holds: its ingest
// registration, its segment, its journal record and its slot. Remaining
// ring frames are drained first so the journal totals are final.
func (m *Manager) teardownSession(h *hostHandle, reason string) {
	sess := h.detachSession()
	if sess == nil {
		return
	}

	ctx := context.Background()
	m.loop.Unregister(sess.id)
	if sess.segment != nil {
		m.drainSegment(sess.id, sess.segment)
	}

	if stats, ok := m.frames.SessionStats(sess.id); ok {
		if err := m.journal.SaveTotals(ctx, sess.id, stats.Frames, stats.Bytes); err != nil {
			m.logger.Error("journal totals", "session", sess.id, "error", err)
		}
	}
	m.frames.Drop(sess.id)

	if sess.segment != nil {
		sess.segment.Close()
	}

	m.appendEvent(ctx, sess.id, sessionlog.EventDisconnected, map[string]any{"reason": reason})
	if err := m.journal.EndSession(ctx, sess.id, reason, time.Now().UTC()); err != nil && !errors.Is(err, sessionlog.ErrNotFound) {
		m.logger.Error("journal session end", "session", sess.id, "error", err)
	}

	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.mu.Unlock()

	m.bus.Publish(TopicSessions, SessionEvent{
		Type:      "ended",
		SessionID: sess.id,
		Entry:     h.entry,
		Reason:    reason,
	})
	m.logger.Info("session ended", "session", sess.id, "entry", h.entry, "reason", reason)
}

func (m *Manager) drainSegment(sessionID string, segment *shm.Segment) {
	for {
		record, ok := segment.TryReadFrameRecord()
		if !ok {
			return
		}
		m.sink.HandleFrame(sessionID, record)
	}
}

// onHostDown runs when the host process dies unexpectedly. The session
// dies with it; whether a respawn follows is the supervisor's business.
func (m *Manager) onHostDown(h *hostHandle, err error) {
	h.closeTransports()

	var sessionID string
	if sess := h.session(); sess != nil {
		sessionID = sess.id
	}
	m.recordIncident(sessionlog.IncidentCrash, h.entry, sessionID, errString(err))
	m.teardownSession(h, "host-crashed")
	m.bus.Publish(TopicHosts, HostEvent{Type: "crashed", Entry: h.entry, Error: errString(err)})
	m.logger.Error("host process died", "entry", h.entry, "error", err)
}

// onHostRespawned runs after a crashed host came back and both channels
// were re-established. Sessions do not resurrect; the caller reconnects.
func (m *Manager) onHostRespawned(h *hostHandle) {
	pid := 0
	if h.proc != nil {
		pid = h.proc.PID()
	}
	m.recordIncident(sessionlog.IncidentRestart, h.entry, "", "process respawned")
	m.bus.Publish(TopicHosts, HostEvent{Type: "restarted", Entry: h.entry, PID: pid})
	m.logger.Info("host respawned", "entry", h.entry, "pid", pid)
}

// onHostGaveUp runs when the supervisor stops respawning for good.
func (m *Manager) onHostGaveUp(h *hostHandle, err error) {
	h.closeTransports()
	h.setFailed(err)

	var sessionID string
	if sess := h.session(); sess != nil {
		sessionID = sess.id
	}
	m.recordIncident(sessionlog.IncidentGiveUp, h.entry, sessionID, errString(err))
	m.teardownSession(h, "host-failed")
	m.bus.Publish(TopicHosts, HostEvent{Type: "dead", Entry: h.entry, Error: errString(err)})
	m.logger.Error("host abandoned", "entry", h.entry, "error", err)
}

// onRuntimeRestarted reacts to a restarted=true response: the plugin was
// reloaded inside a living host process and the session died with it.
func (m *Manager) onRuntimeRestarted(h *hostHandle) {
	var sessionID string
	if sess := h.session(); sess != nil {
		sessionID = sess.id
	}
	if sessionID != "" {
		m.appendEvent(context.Background(), sessionID, sessionlog.EventHostRestarted, map[string]any{"mode": "in-place"})
	}
	m.recordIncident(sessionlog.IncidentRestart, h.entry, sessionID, "plugin restarted in place")
	m.teardownSession(h, "host-restarted")
	m.bus.Publish(TopicHosts, HostEvent{Type: "plugin-restarted", Entry: h.entry})
	m.logger.Warn("plugin restarted in place", "entry", h.entry, "session", sessionID)
}

// handleHostEvent routes one event-channel message. Session-scoped
// events for sessions that are no longer active are dropped.
func (m *Manager) handleHostEvent(h *hostHandle, ev hostproto.Event) {
	switch ev.Type {
	case hostproto.EventHostRegistered:
		var reg hostproto.HostRegisteredEvent
		if err := hostproto.DecodePayload(ev.Payload, &reg); err != nil {
			m.logger.Warn("bad host-registered event", "entry", h.entry, "error", err)
			return
		}
		if reg.Token != h.token {
			m.logger.Warn("host-registered token mismatch", "entry", h.entry)
			return
		}
		m.bus.Publish(TopicHosts, HostEvent{Type: "registered", Entry: h.entry, PID: reg.PID})
		m.logger.Info("host registered", "entry", h.entry, "pid", reg.PID)

	case hostproto.EventSessionRegistered:
		var reg hostproto.SessionRegisteredEvent
		if err := hostproto.DecodePayload(ev.Payload, &reg); err != nil {
			m.logger.Warn("bad session-registered event", "entry", h.entry, "error", err)
			return
		}
		if reg.Token != h.token {
			m.logger.Warn("session-registered token mismatch", "entry", h.entry)
			return
		}
		m.bus.Publish(TopicSessions, SessionEvent{Type: "registered", SessionID: reg.SessionID, Entry: h.entry})
		m.logger.Debug("session registered on host", "entry", h.entry, "session", reg.SessionID)

	case hostproto.EventUiStateInvalidated:
		var inv hostproto.UiStateInvalidatedEvent
		if err := hostproto.DecodePayload(ev.Payload, &inv); err != nil {
			m.logger.Warn("bad ui-state event", "entry", h.entry, "error", err)
			return
		}
		if inv.SessionID != "" {
			sess := h.session()
			if sess == nil || sess.id != inv.SessionID {
				m.logger.Debug("dropping stale ui-state invalidation", "entry", h.entry, "session", inv.SessionID)
				return
			}
		}
		m.bus.Publish(TopicUiState, UiStateEvent{
			SessionID: inv.SessionID,
			Entry:     h.entry,
			ViewID:    inv.ViewID,
			Reason:    inv.Reason,
		})

	default:
		m.logger.Debug("unhandled host event", "entry", h.entry, "type", ev.Type)
	}
}

func (m *Manager) hostStatus(h *hostHandle) HostStatus {
	st := HostStatus{Entry: h.entry}
	if h.proc != nil {
		st.Process = h.proc.Stats()
	}
	h.mu.Lock()
	st.Ready = h.ready
	sess := h.sess
	h.mu.Unlock()
	if sess != nil {
		st.Session = m.sessionInfo(h, sess)
	}
	return st
}

func (m *Manager) sessionInfo(h *hostHandle, sess *activeSession) *SessionInfo {
	h.mu.Lock()
	level := sess.level
	segment := sess.segment
	h.mu.Unlock()

	info := &SessionInfo{
		ID:           sess.id,
		Entry:        h.entry,
		CapabilityID: sess.capabilityID,
		StartedAt:    sess.startedAt,
		Backpressure: string(level),
	}
	if segment != nil {
		info.SegmentCapacity = segment.Capacity()
		info.UsageRatio = segment.UsageRatio()
	}
	if stats, ok := m.frames.SessionStats(sess.id); ok {
		info.Frames = stats.Frames
		info.Bytes = stats.Bytes
	}
	return info
}

// initialCapacity picks a new session's ring size from the capability's
// hints bounded by workspace limits.
func initialCapacity(hints hostproto.SharedMemoryHints, cfg config.SharedMemoryConfig) int {
	capacity := hints.PreferredBytes
	if capacity <= 0 {
		capacity = cfg.DefaultCapacity
	}
	if hints.MinBytes > 0 && capacity < hints.MinBytes {
		capacity = hints.MinBytes
	}
	if cfg.MaxCapacity > 0 && capacity > cfg.MaxCapacity {
		capacity = cfg.MaxCapacity
	}
	if capacity < shm.MinCapacity {
		capacity = shm.MinCapacity
	}
	return capacity
}

func (m *Manager) createSegment(sessionID string, capacity int) (*shm.Segment, error) {
	if err := os.MkdirAll(m.segmentDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create segments dir: %w", err)
	}
	segment, err := shm.Create(filepath.Join(m.segmentDir(), sessionID+".ring"), capacity)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	return segment, nil
}

func (m *Manager) segmentDir() string {
	return filepath.Join(m.cfg.Workspace.DataDir, "segments")
}

func (m *Manager) discardSegment(segment *shm.Segment) {
	if segment != nil {
		segment.Close()
	}
}

func (m *Manager) hostBinary() string {
	if m.cfg.Hosts.Binary != "" {
		return m.cfg.Hosts.Binary
	}
	exe, err := os.Executable()
	if err != nil {
		return "tracewire-host"
	}
	return filepath.Join(filepath.Dir(exe), "tracewire-host")
}

func (m *Manager) journalBegin(ctx context.Context, sess *activeSession, entry string) {
	rec := &sessionlog.Session{
		ID:           sess.id,
		CapabilityID: sess.capabilityID,
		PluginEntry:  entry,
		Params:       sess.params,
		StartedAt:    sess.startedAt,
	}
	if err := m.journal.BeginSession(ctx, rec); err != nil {
		m.logger.Error("journal session begin", "session", sess.id, "error", err)
		return
	}
	m.appendEvent(ctx, sess.id, sessionlog.EventConnected, map[string]any{
		"entry":      entry,
		"capability": sess.capabilityID,
	})
	if sess.segment != nil {
		m.appendEvent(ctx, sess.id, sessionlog.EventSegmentGranted, map[string]any{
			"capacity": sess.segment.Capacity(),
		})
	}
}

func (m *Manager) appendEvent(ctx context.Context, sessionID, kind string, detail map[string]any) {
	e := &sessionlog.Event{
		SessionID: sessionID,
		At:        time.Now().UTC(),
		Kind:      kind,
		Detail:    detail,
	}
	if err := m.journal.AppendEvent(ctx, e); err != nil {
		m.logger.Error("journal event", "session", sessionID, "kind", kind, "error", err)
	}
}

func (m *Manager) recordIncident(kind, entry, sessionID, detail string) {
	inc := &sessionlog.Incident{
		PluginEntry: entry,
		At:          time.Now().UTC(),
		Kind:        kind,
		SessionID:   sessionID,
		Detail:      detail,
	}
	if err := m.journal.RecordIncident(context.Background(), inc); err != nil {
		m.logger.Error("journal incident", "entry", entry, "kind", kind, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
