// Package protocol implements the manager's line-oriented worker wire
// protocol plus inline raw-HTTP-GET status responses multiplexed on the
// same TCP listener. Both halves hand-roll stdlib net/bufio: there is no
// third-party codec for a custom text protocol sharing a socket with raw
// HTTP, so this stays low-level by necessity.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cuemby/dworq/pkg/log"
	"github.com/rs/zerolog"
)

// LineMax bounds a single protocol line, matching the wire format's
// historical limit.
const LineMax = 64 * 1024

// ShortTimeout bounds a single control-line read/write.
const ShortTimeout = 5 * time.Second

// OutputMax bounds how much of a task's captured stdout/stderr the manager
// retains; a worker reporting more is truncated to this many bytes.
const OutputMax = 1 << 20

// Conn wraps a worker's TCP connection with line-buffered I/O.
type Conn struct {
	ID     string
	Net    net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger zerolog.Logger
}

// NewConn wraps an accepted connection.
func NewConn(id string, nc net.Conn) *Conn {
	return &Conn{
		ID:     id,
		Net:    nc,
		reader: bufio.NewReaderSize(nc, LineMax),
		writer: bufio.NewWriterSize(nc, LineMax),
		logger: log.WithWorkerID(id),
	}
}

// ReadLine reads one LF-terminated line, stripped of its trailing newline
// and any trailing carriage return. It enforces ShortTimeout and LineMax.
func (c *Conn) ReadLine() (string, error) {
	c.Net.SetReadDeadline(time.Now().Add(ShortTimeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > LineMax {
		return "", fmt.Errorf("line exceeds LINE_MAX")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadN reads exactly n raw bytes (used after a `result`/`update` header
// to pull in a stdout/diff payload).
func (c *Conn) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	c.Net.SetReadDeadline(time.Now().Add(ShortTimeout))
	_, err := io.ReadFull(c.reader, buf)
	return buf, err
}

// WriteLine writes one line, appending the protocol's LF terminator.
func (c *Conn) WriteLine(format string, args ...interface{}) error {
	c.Net.SetWriteDeadline(time.Now().Add(ShortTimeout))
	if _, err := fmt.Fprintf(c.writer, format+"\n", args...); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.Net.Close()
}

// PeekIsHTTP reports whether the first line looks like an HTTP/1.x request
// line ("GET <path> HTTP/..."), so the caller can branch to the inline
// status responder instead of the line-protocol dispatcher.
func PeekIsHTTP(firstLine string) (method, path string, ok bool) {
	fields := strings.Fields(firstLine)
	if len(fields) != 3 {
		return "", "", false
	}
	if fields[0] != "GET" || !strings.HasPrefix(fields[2], "HTTP/") {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// DrainHTTPHeaders consumes and discards header lines up to the blank
// line terminating an HTTP request.
func (c *Conn) DrainHTTPHeaders() error {
	for {
		line, err := c.ReadLine()
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// WriteHTTPResponse writes a minimal HTTP/1.1 response body; the caller
// closes the connection afterward, matching plain HTTP/1.0-style
// respond-then-disconnect semantics.
func (c *Conn) WriteHTTPResponse(contentType string, body []byte) error {
	c.Net.SetWriteDeadline(time.Now().Add(ShortTimeout))
	header := fmt.Sprintf("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", contentType, len(body))
	if _, err := c.writer.WriteString(header); err != nil {
		return err
	}
	if _, err := c.writer.Write(body); err != nil {
		return err
	}
	return c.writer.Flush()
}
