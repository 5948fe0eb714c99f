package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	event   string
	closed  bool
	last    time.Time
}

// SSEOption customizes an SSEClient.
type SSEOption func(*SSEClient)

// WithEventName tags every frame written by Send with an "event:" line.
func WithEventName(name string) SSEOption {
	return func(c *SSEClient) {
		c.event = name
	}
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger, opts ...SSEOption) *SSEClient {
	c := &SSEClient{writer: writer, flusher: flusher, log: logger, last: time.Now().UTC()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PrepareSSE sets the streaming headers and reports whether w can be flushed.
func PrepareSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return flusher, true
}

// Send emits a data event to the SSE stream, using the configured event name.
func (c *SSEClient) Send(payload []byte) error {
	return c.SendEvent(c.event, payload)
}

// SendEvent emits one named event. An empty name writes a bare data frame.
func (c *SSEClient) SendEvent(name string, payload []byte) error {
	if name == "" {
		return c.write("sse send failed", "data: %s\n\n", payload)
	}
	return c.write("sse send failed", "event: %s\ndata: %s\n\n", name, payload)
}

// Comment emits a comment frame such as a readiness marker.
func (c *SSEClient) Comment(text string) error {
	return c.write("sse comment failed", ": %s\n\n", text)
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write("sse heartbeat failed", ": ping\n\n")
}

func (c *SSEClient) write(failure, format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(c.writer, format, args...); err != nil {
		c.closed = true
		c.log.Warn(failure, "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
