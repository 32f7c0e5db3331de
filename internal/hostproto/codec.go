package hostproto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes bounds one serialized message on either channel. A line past
// the bound is a protocol violation by the peer, not a reason to allocate
// without limit.
const MaxLineBytes = 1 << 20

// LineWriter serializes messages as single JSON lines. Safe for concurrent
// use; each message reaches the underlying writer in one Write call so
// concurrent senders cannot interleave partial lines.
type LineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineWriter wraps w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// Write marshals v and appends a newline.
func (lw *LineWriter) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(data)+1 > MaxLineBytes {
		return fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(data))
	}
	data = append(data, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// LineReader decodes newline-delimited JSON messages.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps r with a MaxLineBytes scan buffer.
func NewLineReader(r io.Reader) *LineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxLineBytes)
	return &LineReader{scanner: s}
}

// Next reads one line into v. Returns io.EOF when the stream ends cleanly;
// empty lines are skipped.
func (lr *LineReader) Next(v any) error {
	for lr.scanner.Scan() {
		line := lr.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return nil
	}
	if err := lr.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w: %v", ErrLineTooLong, err)
		}
		return fmt.Errorf("read message: %w", err)
	}
	return io.EOF
}

// DecodePayload unmarshals a request or response payload into dst, mapping
// decode failures to the protocol-violation error.
func DecodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload", ErrMissingField)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
