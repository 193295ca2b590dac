package web

import (
	"sync"

	"github.com/gorilla/websocket"
)

// concurrentConn serializes writes to one websocket client. The event
// stream is one-way; the readloop only drains control frames and
// detects the close.
type concurrentConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newConn(c *websocket.Conn) *concurrentConn {
	return &concurrentConn{conn: c}
}

func (c *concurrentConn) writeMessage(b []byte) {
	c.mu.Lock()
	err := c.conn.WriteMessage(websocket.TextMessage, b)
	c.mu.Unlock()
	if err != nil {
		log.Error(err)
	}
}

func (c *concurrentConn) readloop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			log.Debug(err)
			break
		}
	}
}
