package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WebSocketClient is the client side of the ws transport.
type WebSocketClient struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	url          string
	dialer       *websocket.Dialer
	headers      http.Header
	connected    bool
	readTimeout  time.Duration
	writeTimeout time.Duration
}

type WebSocketOption func(*WebSocketClient)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketClient) {
		t.headers = headers
	}
}

// WithReadTimeout bounds the wait for each inbound frame. Zero waits forever.
func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketClient) {
		t.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketClient) {
		t.writeTimeout = timeout
	}
}

// NewWebSocketClient returns a client transport for the portal endpoint at
// url, given with a ws or wss scheme.
func NewWebSocketClient(url string, opts ...WebSocketOption) *WebSocketClient {
	t := &WebSocketClient{
		url:          url,
		dialer:       websocket.DefaultDialer,
		headers:      make(http.Header),
		writeTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *WebSocketClient) Connect(ctx context.Context, session Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	target, err := withQuery(t.url, session.query(KindWebSocket, "open"))
	if err != nil {
		return errors.Wrap(err, "build websocket url")
	}

	dialer := *t.dialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, target, t.headers)
	if err != nil {
		return errors.Wrap(err, "dial websocket")
	}

	t.conn = conn
	t.connected = true

	return nil
}

func (t *WebSocketClient) Send(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return ErrClosed
	}

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}

	return t.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (t *WebSocketClient) Receive() (string, error) {
	t.mu.Lock()
	conn := t.conn
	if !t.connected || conn == nil {
		t.mu.Unlock()
		return "", ErrClosed
	}
	if t.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			t.mu.Unlock()
			return "", err
		}
	}
	t.mu.Unlock()

	_, message, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}

	return string(message), nil
}

func (t *WebSocketClient) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return nil
	}

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	err := t.conn.Close()
	t.connected = false

	return err
}
