package manager

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is a node connection as the coordinator sees it.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(ev protocol.Event, payload any) error
	Connected() bool
	Close() error
}

// wsConn serializes writes; gorilla/websocket allows one concurrent writer.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

func newWSConn(id string, ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(maxMessageSize)
	return &wsConn{id: id, ws: ws}
}

func (c *wsConn) ID() string { return c.id }

// RemoteAddr returns the peer host without the port.
func (c *wsConn) RemoteAddr() string {
	addr := c.ws.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (c *wsConn) Send(ev protocol.Event, payload any) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	msg, err := protocol.Encode(ev, payload)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Connected() bool { return !c.closed.Load() }

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close()
}
