package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes servers use to reject a token on an open socket.
var authCloseCodes = []int{
	websocket.ClosePolicyViolation,
	4001,
	4401,
	4403,
}

// WebsocketDialer dials gorilla websocket connections. The token travels both
// as the "token" query parameter and as an Authorization bearer header.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	// PongWait is the read deadline; each pong or frame extends it.
	PongWait  time.Duration
	WriteWait time.Duration
}

// NewWebsocketDialer returns a dialer whose read deadline tolerates one
// missed ping at the given interval.
func NewWebsocketDialer(pingInterval time.Duration) *WebsocketDialer {
	pongWait := 60 * time.Second
	if pingInterval > 0 {
		pongWait = 2*pingInterval + 5*time.Second
	}
	return &WebsocketDialer{
		HandshakeTimeout: 10 * time.Second,
		PongWait:         pongWait,
		WriteWait:        10 * time.Second,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	c := &wsConn{ws: ws, pongWait: d.PongWait, writeWait: d.WriteWait}
	if c.pongWait > 0 {
		ws.SetReadDeadline(time.Now().Add(c.pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.pongWait))
		})
	}
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	pongWait  time.Duration
	writeWait time.Duration
	closeOnce sync.Once
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, authCloseCodes...) {
				return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
			}
			return nil, err
		}
		if c.pongWait > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	if c.writeWait > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// Close sends a normal close frame and releases the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
