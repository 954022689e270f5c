package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func pipeConns(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	return NewConn("test-conn", server), client
}

func TestReadLine_StripsCRLF(t *testing.T) {
	conn, client := pipeConns(t)
	defer client.Close()

	go client.Write([]byte("hello world\r\n"))

	line, err := conn.ReadLine()
	assert.NoError(t, err)
	assert.Equal(t, "hello world", line)
}

func TestWriteLine_AppendsNewline(t *testing.T) {
	conn, client := pipeConns(t)
	defer client.Close()

	go conn.WriteLine("result %s %d", "done", 42)

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, "result done 42\n", string(buf[:n]))
}

func TestReadN_ReadsExactBytes(t *testing.T) {
	conn, client := pipeConns(t)
	defer client.Close()

	go client.Write([]byte("0123456789"))

	data, err := conn.ReadN(5)
	assert.NoError(t, err)
	assert.Equal(t, "01234", string(data))
}

func TestPeekIsHTTP(t *testing.T) {
	method, path, ok := PeekIsHTTP("GET /queue_status HTTP/1.0")
	assert.True(t, ok)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "/queue_status", path)

	_, _, ok = PeekIsHTTP("dataswarm 1 host linux x86_64 1.0")
	assert.False(t, ok)

	_, _, ok = PeekIsHTTP("POST /foo HTTP/1.1")
	assert.False(t, ok, "only GET is recognized")
}

func TestDrainHTTPHeaders_StopsAtBlankLine(t *testing.T) {
	conn, client := pipeConns(t)
	defer client.Close()

	go client.Write([]byte("Host: x\r\nAccept: */*\r\n\r\n"))

	err := conn.DrainHTTPHeaders()
	assert.NoError(t, err)
}

func TestWriteHTTPResponse(t *testing.T) {
	conn, client := pipeConns(t)
	defer client.Close()

	go conn.WriteHTTPResponse("text/plain", []byte("[]"))

	buf := make([]byte, 256)
	n, err := client.Read(buf)
	assert.NoError(t, err)
	resp := string(buf[:n])
	assert.Contains(t, resp, "HTTP/1.1 200 OK")
	assert.Contains(t, resp, "Content-Type: text/plain")
	assert.Contains(t, resp, "Content-Length: 2")
	assert.Contains(t, resp, "[]")
}

func TestPayloadLen_Result(t *testing.T) {
	assert.Equal(t, 10, PayloadLen("result 0 0 10 500 7"))
	assert.Equal(t, 0, PayloadLen("result 0 0 0 500 7"), "zero-length output has no trailing payload")
}

func TestPayloadLen_Update(t *testing.T) {
	assert.Equal(t, 20, PayloadLen("update 7 out.txt 0 20"))
}

func TestPayloadLen_CacheInvalid(t *testing.T) {
	assert.Equal(t, 9, PayloadLen("cache-invalid foo.so 9"))
}

func TestPayloadLen_UnrecognizedVerbIsZero(t *testing.T) {
	assert.Equal(t, 0, PayloadLen("feature docker"))
	assert.Equal(t, 0, PayloadLen(""))
}
