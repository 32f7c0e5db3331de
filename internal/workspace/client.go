package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracewire/tracewire-core/internal/hostproto"
)

const (
	dialAttemptTimeout = 250 * time.Millisecond
	dialRetryDelay     = 100 * time.Millisecond
)

// dialRetry dials a unix socket until it answers or ctx expires. Host
// processes need a moment after spawn before their listeners exist, so
// connection refused and missing-socket errors are retried.
func dialRetry(ctx context.Context, path string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialAttemptTimeout}

	var lastErr error
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w (last: %v)", path, ctx.Err(), lastErr)
		case <-time.After(dialRetryDelay):
		}
	}
}

// controlClient wraps the request-response control socket of one plugin
// host. Calls are serialised; the host dispatches strictly in order, so
// interleaving requests from multiple goroutines would corrupt the
// id-matching.
type controlClient struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *hostproto.LineReader
	writer  *hostproto.LineWriter
	timeout time.Duration
}

// dialControl connects to the host's control socket.
func dialControl(ctx context.Context, path string, callTimeout time.Duration) (*controlClient, error) {
	conn, err := dialRetry(ctx, path)
	if err != nil {
		return nil, err
	}
	return &controlClient{
		conn:    conn,
		reader:  hostproto.NewLineReader(conn),
		writer:  hostproto.NewLineWriter(conn),
		timeout: callTimeout,
	}, nil
}

// call sends a request and waits for the matching response.
func (c *controlClient) call(ctx context.Context, typ hostproto.RequestType, payload any) (*hostproto.Response, error) {
	req := hostproto.Request{
		ID:   "req-" + uuid.NewString(),
		Type: typ,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		req.Payload = raw
	}
	return c.send(ctx, &req)
}

// notify sends a workspace notification. The host acks it like any
// other request.
func (c *controlClient) notify(ctx context.Context, kind string, data map[string]any) (*hostproto.Response, error) {
	req := hostproto.Request{
		ID:   "req-" + uuid.NewString(),
		Type: hostproto.TypeNotify,
		Notification: &hostproto.Notification{
			Kind: kind,
		},
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal notification data: %w", err)
		}
		req.Notification.Data = raw
	}
	return c.send(ctx, &req)
}

func (c *controlClient) send(ctx context.Context, req *hostproto.Request) (*hostproto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if err := c.writer.Write(req); err != nil {
		return nil, fmt.Errorf("write %s request: %w", req.Type, err)
	}

	var resp hostproto.Response
	if err := c.reader.Next(&resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Type, err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %q does not match request id %q", resp.ID, req.ID)
	}
	return &resp, nil
}

func (c *controlClient) Close() error {
	return c.conn.Close()
}
