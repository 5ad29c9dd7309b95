package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 1 << 20

// Dialer opens a websocket to endpoint. The context bounds the handshake.
type Dialer func(ctx context.Context, endpoint string) (*websocket.Conn, error)

// DefaultDialer dials with gorilla/websocket.
func DefaultDialer() Dialer {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	return func(ctx context.Context, endpoint string) (*websocket.Conn, error) {
		header := http.Header{}
		header.Set("Accept", "application/json")

		conn, resp, err := dialer.DialContext(ctx, endpoint, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
			}
			return nil, err
		}
		return conn, nil
	}
}

// Endpoint derives the websocket target from the base address and the
// session token: <base>/ws?token=<token>.
func Endpoint(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// redact strips the query string so tokens never reach the logs.
func redact(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

// transport wraps one open websocket.
type transport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	closeOnce sync.Once
}

func newTransport(conn *websocket.Conn, writeTimeout time.Duration) *transport {
	conn.SetReadLimit(maxFrameSize)
	return &transport{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// write sends one text frame.
func (t *transport) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// read blocks for the next frame.
func (t *transport) read() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

// closeClean sends a normal-closure frame before closing the socket.
func (t *transport) closeClean() {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disconnecting"),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		t.conn.Close()
	})
}

// close drops the socket without a close frame.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		t.conn.Close()
	})
}
