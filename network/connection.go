// network/connection.go
package network

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a control frame to the peer.
	writeWait = 5 * time.Second

	// Largest inbound frame accepted; a full snapshot for seven players fits easily.
	maxMessageSize = 1 << 20
)

// Close codes used when reporting a handle's final state.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseAbnormal = websocket.CloseAbnormalClosure
)

// Connection is one physical duplex connection.
type Connection interface {
	ReadMessage() ([]byte, error)
	Ping() error
	Close(code int, reason string) error
	RemoteAddr() net.Addr
}

// Dialer opens Connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

type WSConnection struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewWSConnection(conn *websocket.Conn) *WSConnection {
	conn.SetReadLimit(maxMessageSize)
	return &WSConnection{conn: conn}
}

func (c *WSConnection) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *WSConnection) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame with code and reason, then drops the socket.
// Only the first call has any effect.
func (c *WSConnection) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		switch code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			// Reserved codes never go on the wire.
			code = websocket.CloseGoingAway
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *WSConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// HandshakeError reports a dial the server answered with a non-upgrade
// HTTP response, e.g. an unknown room path.
type HandshakeError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed: %s", e.Status)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func NewWSDialer(header http.Header) *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Proxy:           http.ProxyFromEnvironment,
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
		},
		Header: header,
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Connection, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Status: resp.Status, Err: err}
		}
		return nil, err
	}
	return NewWSConnection(conn), nil
}
