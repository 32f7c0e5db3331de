package host

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracewire/tracewire-core/internal/hostproto"
)

// startServer listens on a unix socket in a temp dir, runs Serve in the
// background and returns a connected client side plus the serve result
// channel.
func startServer(t *testing.T, rt *Runtime) (net.Conn, <-chan error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- NewServer(rt).Serve(ctx, ln)
	}()

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, done
}

func writeLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		t.Fatalf("write line: %v", err)
	}
}

func readResponse(t *testing.T, scanner *bufio.Scanner) hostproto.Response {
	t.Helper()
	if !scanner.Scan() {
		t.Fatalf("no response line: %v", scanner.Err())
	}
	var resp hostproto.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", scanner.Text(), err)
	}
	return resp
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not exit")
		return nil
	}
}

func TestServer_RequestResponseOrder(t *testing.T) {
	rt := newTestRuntime(&fakePlugin{})
	conn, _ := startServer(t, rt)
	scanner := bufio.NewScanner(conn)

	for i := 1; i <= 3; i++ {
		writeLine(t, conn, fmt.Sprintf(`{"id":"r%d","type":"ping"}`, i))
	}
	for i := 1; i <= 3; i++ {
		resp := readResponse(t, scanner)
		if want := fmt.Sprintf("r%d", i); resp.ID != want {
			t.Errorf("response %d ID = %q, want %q", i, resp.ID, want)
		}
		if !resp.OK {
			t.Errorf("response %d OK = false, error = %q", i, resp.Error)
		}
	}
}

func TestServer_MalformedLineKeepsChannelAlive(t *testing.T) {
	rt := newTestRuntime(&fakePlugin{})
	conn, _ := startServer(t, rt)
	scanner := bufio.NewScanner(conn)

	writeLine(t, conn, `{"id":"r1","type":`)
	resp := readResponse(t, scanner)
	if resp.OK {
		t.Error("OK = true for malformed line")
	}
	if resp.ID != "" {
		t.Errorf("ID = %q for malformed line, want empty", resp.ID)
	}

	// The channel survives; a well-formed request still gets through.
	writeLine(t, conn, `{"id":"r2","type":"ping"}`)
	resp = readResponse(t, scanner)
	if resp.ID != "r2" || !resp.OK {
		t.Errorf("follow-up response = %+v, want ok r2", resp)
	}
}

func TestServer_CaseInsensitiveFields(t *testing.T) {
	rt := newTestRuntime(&fakePlugin{})
	conn, _ := startServer(t, rt)
	scanner := bufio.NewScanner(conn)

	writeLine(t, conn, `{"Id":"r1","TYPE":"ping"}`)
	resp := readResponse(t, scanner)
	if resp.ID != "r1" || !resp.OK {
		t.Errorf("response = %+v, want ok r1", resp)
	}
}

func TestServer_ShutdownEndsLoop(t *testing.T) {
	rt := newTestRuntime(&fakePlugin{})
	conn, done := startServer(t, rt)
	scanner := bufio.NewScanner(conn)

	writeLine(t, conn, `{"id":"s1","type":"shutdown"}`)
	resp := readResponse(t, scanner)
	if !resp.OK {
		t.Errorf("shutdown OK = false, error = %q", resp.Error)
	}
	if err := waitServe(t, done); err != nil {
		t.Errorf("Serve() error = %v, want nil after shutdown", err)
	}
}

func TestServer_PeerCloseEndsLoopCleanly(t *testing.T) {
	rt := newTestRuntime(&fakePlugin{})
	conn, done := startServer(t, rt)

	conn.Close()
	if err := waitServe(t, done); err != nil {
		t.Errorf("Serve() error = %v, want nil on peer close", err)
	}
}

func TestServer_ContextCancelEndsLoop(t *testing.T) {
	rt := newTestRuntime(&fakePlugin{})

	path := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewServer(rt).Serve(ctx, ln)
	}()

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	cancel()
	if err := waitServe(t, done); err == nil {
		t.Error("Serve() error = nil after cancellation, want context error")
	}
}
