package host

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	defaultWatchInterval = 2 * time.Second

	// startTimeTolerance absorbs rounding between the timestamp the parent
	// reported at spawn time and the value recomputed from /proc.
	startTimeTolerance = 2 * time.Second

	// userHZ is the kernel's clock-tick rate for /proc accounting fields.
	userHZ = 100
)

// ParentWatch polls the spawning process and reports when it is gone, so an
// orphaned host can exit instead of lingering with a dead control channel.
// The optional expected start time guards against pid reuse: a recycled pid
// belongs to some other process with a different start time.
type ParentWatch struct {
	pid      int
	startUTC time.Time
	interval time.Duration
	logger   Logger
}

// NewParentWatch watches pid. startUTC may be zero to skip the pid-reuse
// check; interval zero or negative uses the default.
func NewParentWatch(pid int, startUTC time.Time, interval time.Duration) *ParentWatch {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &ParentWatch{pid: pid, startUTC: startUTC, interval: interval, logger: noopLogger{}}
}

// SetLogger sets the logger for the watch.
func (w *ParentWatch) SetLogger(logger Logger) {
	w.logger = logger
}

// Run blocks until the parent disappears (returning ErrParentExited) or the
// context is cancelled (returning its error).
func (w *ParentWatch) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.check(); err != nil {
				return err
			}
		}
	}
}

func (w *ParentWatch) check() error {
	if !processAlive(w.pid) {
		w.logger.Warn("parent process exited", "pid", w.pid)
		return fmt.Errorf("%w: pid %d", ErrParentExited, w.pid)
	}
	if w.startUTC.IsZero() {
		return nil
	}

	started, err := ProcessStartTime(w.pid)
	if err != nil {
		// The process raced away between the liveness probe and the stat
		// read.
		w.logger.Warn("parent process vanished during check", "pid", w.pid, "error", err)
		return fmt.Errorf("%w: pid %d", ErrParentExited, w.pid)
	}
	if delta := started.Sub(w.startUTC); delta > startTimeTolerance || delta < -startTimeTolerance {
		w.logger.Warn("parent pid reused by another process",
			"pid", w.pid, "expected_start", w.startUTC, "actual_start", started)
		return fmt.Errorf("%w: pid %d reused", ErrParentExited, w.pid)
	}
	return nil
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds - send signal 0 to check if alive
	return proc.Signal(syscall.Signal(0)) == nil
}

// ProcessStartTime derives when pid started from /proc/PID/stat field 22
// (start ticks since boot) and the boot time in /proc/stat.
func ProcessStartTime(pid int) (time.Time, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return time.Time{}, fmt.Errorf("read process stat: %w", err)
	}

	// Fields follow "pid (comm)"; comm may contain spaces, so split after
	// the last closing paren.
	statStr := string(data)
	closeParenIdx := strings.LastIndex(statStr, ")")
	if closeParenIdx == -1 || closeParenIdx+2 >= len(statStr) {
		return time.Time{}, fmt.Errorf("invalid /proc/%d/stat format", pid)
	}
	fields := strings.Fields(statStr[closeParenIdx+2:])
	// starttime is overall field 22; the slice starts at field 3 (state).
	const startTimeIdx = 19
	if len(fields) <= startTimeIdx {
		return time.Time{}, fmt.Errorf("invalid /proc/%d/stat format: %d fields", pid, len(fields))
	}
	startTicks, err := strconv.ParseUint(fields[startTimeIdx], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse start ticks: %w", err)
	}

	bootTime, err := systemBootTime()
	if err != nil {
		return time.Time{}, err
	}
	return bootTime.Add(time.Duration(startTicks) * time.Second / userHZ).UTC(), nil
}

// systemBootTime reads the btime line from /proc/stat.
func systemBootTime() (time.Time, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return time.Time{}, fmt.Errorf("read /proc/stat: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse btime: %w", err)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("no btime in /proc/stat")
}
