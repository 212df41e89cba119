package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientConn serializes writes and guards read deadlines so that the
// session can interrupt a blocked reader.
type clientConn struct {
	rawConn *websocket.Conn
	mu      sync.Mutex

	readMu      sync.Mutex
	interrupted bool
}

func (c *clientConn) write(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteMessage(mt, data) // Text/Binary only
}

func (c *clientConn) ping() error {
	return c.rawConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// armRead pushes the read deadline idle into the future, unless the reader
// has been interrupted.
func (c *clientConn) armRead(idle time.Duration) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.interrupted {
		return c.rawConn.SetReadDeadline(time.Now())
	}
	return c.rawConn.SetReadDeadline(time.Now().Add(idle))
}

// interruptRead makes a blocked or future read fail immediately.
func (c *clientConn) interruptRead() {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	c.interrupted = true
	_ = c.rawConn.SetReadDeadline(time.Now())
}

// close sends a best-effort close frame and drops the connection.
func (c *clientConn) close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.rawConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	return c.rawConn.Close()
}
