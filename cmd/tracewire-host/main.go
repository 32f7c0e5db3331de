// Tracewire Host - Plugin Supervisor Process
//
// One tracewire-host process runs one plugin on behalf of the core
// daemon. The core spawns it with socket paths on the command line,
// dials the control socket for JSON-line requests and the event socket
// for asynchronous notices, and hands frame traffic over a shared-memory
// ring. A plugin fault is contained here: the runtime reloads the plugin
// in-process and the failure travels back as a response, never as a core
// crash.
//
// Exit codes:
//
//	0 - clean shutdown (control channel closed, signal, parent exited)
//	1 - runtime failure (socket setup, transport fault)
//	2 - usage error (missing or malformed flags; a respawn with the same
//	    arguments would fail identically, so the core gives up)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tracewire/tracewire-core/internal/host"
	"github.com/tracewire/tracewire-core/internal/infrastructure/logging"

	// Built-in plugins register their factories on import.
	_ "github.com/tracewire/tracewire-core/internal/plugins/loopback"
	_ "github.com/tracewire/tracewire-core/internal/plugins/mqttbridge"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		pipePath       = flag.String("pipe", "", "unix socket path for the control channel (required)")
		eventPipePath  = flag.String("event-pipe", "", "unix socket path for the event channel (required)")
		entry          = flag.String("entry", "", "registered plugin entry to load (required)")
		hostToken      = flag.String("host-token", "", "token correlating this process with core-side state")
		parentPID      = flag.Int("parent-pid", 0, "core daemon pid to watch; 0 disables the watch")
		parentStartUTC = flag.String("parent-start-utc", "", "core daemon start time (RFC3339) guarding against pid reuse")
		pluginPath     = flag.String("plugin", "", "manifest path the entry came from, for diagnostics")
	)
	flag.Parse()

	if *pipePath == "" || *eventPipePath == "" || *entry == "" {
		fmt.Fprintln(os.Stderr, "tracewire-host: --pipe, --event-pipe and --entry are required")
		flag.Usage()
		return exitUsage
	}

	var parentStart time.Time
	if *parentStartUTC != "" {
		t, err := time.Parse(time.RFC3339, *parentStartUTC)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tracewire-host: invalid --parent-start-utc %q: %v\n", *parentStartUTC, err)
			return exitUsage
		}
		parentStart = t
	}

	log := logging.NewHostLogger(logLevel(), *entry)
	log.Info("host starting",
		"entry", *entry,
		"pid", os.Getpid(),
		"token", *hostToken,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Runtime and event sink come up before the sockets so the
	// registered announcement is queued by the time the core connects.
	sink := host.NewEventSink(0)
	sink.SetLogger(log)

	runtime := host.NewRuntime(host.Config{
		Entry:      *entry,
		PluginPath: *pluginPath,
		HostToken:  *hostToken,
	})
	runtime.SetLogger(log)
	runtime.SetEventSink(sink)
	runtime.Load()
	runtime.AnnounceRegistered()

	controlLn, err := listenUnix(*pipePath)
	if err != nil {
		log.Error("control socket setup failed", "path", *pipePath, "error", err)
		return exitFailure
	}
	defer os.Remove(*pipePath)

	eventLn, err := listenUnix(*eventPipePath)
	if err != nil {
		controlLn.Close()
		log.Error("event socket setup failed", "path", *eventPipePath, "error", err)
		return exitFailure
	}
	defer os.Remove(*eventPipePath)

	server := host.NewServer(runtime)
	server.SetLogger(log)

	// The control loop ending means the process is done, whatever the
	// other loops are up to.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		return server.Serve(gctx, controlLn)
	})
	g.Go(func() error {
		return sink.Serve(gctx, eventLn)
	})
	if *parentPID > 0 {
		watch := host.NewParentWatch(*parentPID, parentStart, 0)
		watch.SetLogger(log)
		g.Go(func() error {
			return watch.Run(gctx)
		})
	}

	err = g.Wait()
	runtime.Close()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info("host stopped")
		return exitOK
	case errors.Is(err, host.ErrParentExited):
		// Nobody is left to talk to; exiting is the orderly outcome.
		log.Warn("parent gone, exiting", "error", err)
		return exitOK
	default:
		log.Error("host failed", "error", err)
		return exitFailure
	}
}

// listenUnix listens on a unix socket path, clearing any stale file a
// previous incarnation left behind.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return ln, nil
}

// logLevel reads the host log level from the environment, defaulting to
// info. The core passes its own environment through on spawn.
func logLevel() string {
	if v := os.Getenv("TRACEWIRE_HOST_LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}
