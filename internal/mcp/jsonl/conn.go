// Package jsonl frames protocol envelopes as newline-delimited JSON over a
// byte stream, typically a subprocess's stdin/stdout pair.
//
// A [Conn] owns one background goroutine that reads lines from the stream.
// Writes and reads have separate locks, so a writer never waits for a slow
// reader and vice versa.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/toolhub/pkg/protocol"
)

// MaxLineSize bounds a single envelope. Tool catalogs with large schemas can
// exceed bufio's 64 KiB default by a wide margin.
const MaxLineSize = 16 << 20

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("jsonl: connection closed")

// Conn is a line-delimited JSON message channel.
type Conn struct {
	wmu sync.Mutex
	w   *bufio.Writer

	rmu   sync.Mutex
	lines chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{} // closed when the reader goroutine exits
	readErr   error         // valid after done is closed
}

// NewConn starts reading lines from r and returns a Conn that writes to w.
// The reader goroutine exits when r returns an error (io.EOF included).
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{
		w:      bufio.NewWriter(w),
		lines:  make(chan []byte, 16),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.done)
	defer close(c.lines)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		buf := make([]byte, len(line))
		copy(buf, line)
		select {
		case c.lines <- buf:
		case <-c.closed:
			c.readErr = ErrClosed
			return
		}
	}
	if err := sc.Err(); err != nil {
		c.readErr = fmt.Errorf("jsonl: read: %w", err)
		return
	}
	c.readErr = io.EOF
}

// Write encodes msg as one line and flushes it.
func (c *Conn) Write(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("jsonl: encode: %w", err)
	}
	return c.WriteRaw(data)
}

// WriteRaw writes data followed by a newline and flushes. data must not
// contain a newline.
func (c *Conn) WriteRaw(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("jsonl: write: %w", err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("jsonl: write: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("jsonl: flush: %w", err)
	}
	return nil
}

// ReadRaw returns the next non-empty line. It returns io.EOF once the stream
// has ended, or ctx.Err() if ctx is done first. A line left unread by a
// cancelled call is delivered to the next one.
func (c *Conn) ReadRaw(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	case line, ok := <-c.lines:
		if !ok {
			return nil, c.readErr
		}
		return line, nil
	}
}

// Read returns the next line that decodes as a valid envelope. Lines that are
// not protocol messages (debug output from a misbehaving provider, for
// example) are logged and skipped.
func (c *Conn) Read(ctx context.Context) (*protocol.Message, error) {
	for {
		line, err := c.ReadRaw(ctx)
		if err != nil {
			return nil, err
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			slog.Debug("jsonl: skipping non-protocol line", "err", err, "line", truncate(line, 200))
			continue
		}
		return msg, nil
	}
}

// Done is closed when the underlying reader has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close stops delivering lines. It does not close the underlying streams;
// their owner does that.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
