package log

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// RawLogger records raw transport traffic.
type RawLogger interface {
	// Log records one chunk. in is true for bytes received by the proxy.
	Log(in bool, data []byte)
}

type rawLogger struct {
	w    io.Writer
	side string
	mu   *sync.Mutex
}

// NewRaw returns a RawLogger writing hex dumps to w, tagging every line with
// side ("host" or "device"). A nil w discards everything.
func NewRaw(w io.Writer, side string) RawLogger {
	return &rawLogger{w: w, side: side, mu: &sync.Mutex{}}
}

// Discard is a RawLogger that drops everything.
var Discard RawLogger = &rawLogger{mu: &sync.Mutex{}}

// WithSide returns a RawLogger sharing r's output but tagging lines with
// side. Loggers not created by NewRaw are returned unchanged.
func WithSide(r RawLogger, side string) RawLogger {
	rl, ok := r.(*rawLogger)
	if !ok {
		return r
	}
	return &rawLogger{w: rl.w, side: side, mu: rl.mu}
}

func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 || r.w == nil {
		return
	}

	dir := "proxy->" + r.side
	if in {
		dir = r.side + "->proxy"
	}
	line := fmt.Sprintf("%s %s %d bytes: % x\n",
		time.Now().Format("2006/01/02 15:04:05.000"), dir, len(data), data)

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}

// WrapConn returns c with every read and write recorded by raw.
func WrapConn(c net.Conn, raw RawLogger) net.Conn {
	return &rawConn{Conn: c, raw: raw}
}

type rawConn struct {
	net.Conn
	raw RawLogger
}

func (rc *rawConn) Read(p []byte) (int, error) {
	n, err := rc.Conn.Read(p)
	if n > 0 {
		rc.raw.Log(true, p[:n])
	}
	return n, err
}

func (rc *rawConn) Write(p []byte) (int, error) {
	n, err := rc.Conn.Write(p)
	if n > 0 {
		rc.raw.Log(false, p[:n])
	}
	return n, err
}
