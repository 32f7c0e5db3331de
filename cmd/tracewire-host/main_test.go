package main

import (
	"encoding/json"
	"flag"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracewire/tracewire-core/internal/hostproto"
)

// resetFlags gives each run() invocation a fresh flag set; the real
// process only ever parses once.
func resetFlags(args ...string) {
	os.Args = append([]string{"tracewire-host"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
}

func TestRun_MissingFlags(t *testing.T) {
	resetFlags()

	if got := run(); got != exitUsage {
		t.Errorf("run() = %d, want %d", got, exitUsage)
	}
}

func TestRun_BadParentStart(t *testing.T) {
	dir := t.TempDir()
	resetFlags(
		"--pipe", filepath.Join(dir, "ctl.sock"),
		"--event-pipe", filepath.Join(dir, "ev.sock"),
		"--entry", "loopback",
		"--parent-start-utc", "yesterday-ish",
	)

	if got := run(); got != exitUsage {
		t.Errorf("run() = %d, want %d", got, exitUsage)
	}
}

func TestListenUnix_ClearsStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")
	if err := os.WriteFile(path, []byte("stale"), 0600); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	ln, err := listenUnix(path)
	if err != nil {
		t.Fatalf("listenUnix() error: %v", err)
	}
	defer ln.Close()

	if ln.Addr().String() != path {
		t.Errorf("listener addr = %q, want %q", ln.Addr().String(), path)
	}
}

func TestLogLevel(t *testing.T) {
	original := os.Getenv("TRACEWIRE_HOST_LOG_LEVEL")
	defer os.Setenv("TRACEWIRE_HOST_LOG_LEVEL", original)

	os.Unsetenv("TRACEWIRE_HOST_LOG_LEVEL")
	if got := logLevel(); got != "info" {
		t.Errorf("logLevel() = %q, want info", got)
	}

	os.Setenv("TRACEWIRE_HOST_LOG_LEVEL", "debug")
	if got := logLevel(); got != "debug" {
		t.Errorf("logLevel() = %q, want debug", got)
	}
}

// dialRetry dials a unix socket that a concurrent run() is still setting
// up.
func dialRetry(t *testing.T, path string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", path, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestRun_ControlRoundTrip drives a full host lifecycle: spawn, read the
// registered announcement, ping over the control channel, shut down.
func TestRun_ControlRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctlPath := filepath.Join(dir, "ctl.sock")
	evPath := filepath.Join(dir, "ev.sock")

	resetFlags(
		"--pipe", ctlPath,
		"--event-pipe", evPath,
		"--entry", "loopback",
		"--host-token", "host-roundtrip",
	)

	done := make(chan int, 1)
	go func() { done <- run() }()

	// The registered announcement is queued before the sockets open, so
	// it is the first thing off the event channel.
	evConn := dialRetry(t, evPath)
	defer evConn.Close()

	evReader := hostproto.NewLineReader(evConn)
	var event hostproto.Event
	if err := evReader.Next(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != hostproto.EventHostRegistered {
		t.Errorf("event type = %s, want %s", event.Type, hostproto.EventHostRegistered)
	}
	var registered hostproto.HostRegisteredEvent
	if err := json.Unmarshal(event.Payload, &registered); err != nil {
		t.Fatalf("unmarshal registered payload: %v", err)
	}
	if registered.Token != "host-roundtrip" {
		t.Errorf("registered token = %q, want host-roundtrip", registered.Token)
	}

	ctlConn := dialRetry(t, ctlPath)
	defer ctlConn.Close()

	writer := hostproto.NewLineWriter(ctlConn)
	reader := hostproto.NewLineReader(ctlConn)

	if err := writer.Write(hostproto.Request{ID: "r1", Type: hostproto.TypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var resp hostproto.Response
	if err := reader.Next(&resp); err != nil {
		t.Fatalf("read ping response: %v", err)
	}
	if !resp.OK || resp.ID != "r1" {
		t.Errorf("ping response = %+v, want ok with id r1", resp)
	}

	if err := writer.Write(hostproto.Request{ID: "r2", Type: hostproto.TypeShutdown}); err != nil {
		t.Fatalf("write shutdown: %v", err)
	}
	if err := reader.Next(&resp); err != nil {
		t.Fatalf("read shutdown response: %v", err)
	}
	if !resp.OK {
		t.Errorf("shutdown response = %+v, want ok", resp)
	}

	select {
	case code := <-done:
		if code != exitOK {
			t.Errorf("run() = %d, want %d", code, exitOK)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not exit after shutdown")
	}
}
