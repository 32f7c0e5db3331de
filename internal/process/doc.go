// Package process provides generic subprocess lifecycle management.
//
// This package is designed for managing long-running child processes,
// primarily the plugin host processes Tracewire spawns for each loaded
// plugin. It knows nothing about the plugin protocol; the workspace
// layer wires crash notifications to session teardown.
//
// Features:
//   - Start/stop subprocess with graceful shutdown
//   - Automatic restart on failure with exponential backoff
//   - Stable-run detection that resets the backoff
//   - Health monitoring and status reporting
//   - Log capture from subprocess stdout/stderr
//   - Context-based cancellation for clean shutdown
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:               "host:plugins/serial-classic",
//	    Binary:             "/usr/libexec/tracewire-host",
//	    Args:               []string{"--pipe", pipePath, "--plugin", dir, "--entry", entry},
//	    RestartOnFailure:   true,
//	    RestartDelay:       2 * time.Second,
//	    MaxRestartAttempts: 10,
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
package process
