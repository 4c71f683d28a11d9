package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kleeedolinux/portal.go/socket/mailbox"
)

// WebSocket is the full-duplex transport. Frames are delivered while the
// connection is open and lost when it drops.
type WebSocket struct {
	base

	conn         *websocket.Conn
	sendCh       chan []byte
	closeCh      chan struct{}
	closeOnce    sync.Once
	writeWg      sync.WaitGroup
	writeTimeout time.Duration
	readLimit    int64
}

type WebSocketConfig struct {
	WriteTimeout time.Duration
	BufferSize   int
	ReadLimit    int64
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout: 10 * time.Second,
		BufferSize:   100,
		ReadLimit:    1 << 20,
	}
}

func NewWebSocket(conn *websocket.Conn, mb *mailbox.Mailbox, config WebSocketConfig) *WebSocket {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultWebSocketConfig().BufferSize
	}

	return &WebSocket{
		base:         base{kind: KindWebSocket, mb: mb},
		conn:         conn,
		sendCh:       make(chan []byte, config.BufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: config.WriteTimeout,
		readLimit:    config.ReadLimit,
	}
}

func (t *WebSocket) Bind(l Listener) {
	t.listener = l

	if t.readLimit > 0 {
		t.conn.SetReadLimit(t.readLimit)
	}

	t.writeWg.Add(1)
	go t.writePump()
	go t.readPump()
}

func (t *WebSocket) readPump() {
	defer func() {
		t.stopWriter()
		t.conn.Close()
		t.mb.Post(func() {
			t.fireClose()
		})
	}()

	for {
		messageType, message, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		payload := string(message)
		t.mb.Post(func() {
			t.fireMessage(payload)
		})
	}
}

func (t *WebSocket) writePump() {
	defer t.writeWg.Done()

	for {
		select {
		case <-t.closeCh:
			return
		case message := <-t.sendCh:
			if t.writeTimeout > 0 {
				t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			}

			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				t.conn.Close()
				return
			}
		}
	}
}

func (t *WebSocket) stopWriter() {
	t.closeOnce.Do(func() {
		close(t.closeCh)
	})
}

func (t *WebSocket) Send(payload string) error {
	if t.isClosed() {
		return ErrClosed
	}

	select {
	case <-t.closeCh:
		return ErrClosed
	default:
	}

	select {
	case t.sendCh <- []byte(payload):
		return nil
	default:
		t.Close()
		return ErrBufferFull
	}
}

// Close stops the writer and returns. Queued frames, a normal closure frame
// and the connection teardown follow on their own goroutine, so a stalled peer
// never holds up the caller. Closure is reported once the read pump observes it.
func (t *WebSocket) Close() error {
	select {
	case <-t.closeCh:
		return nil
	default:
	}

	t.stopWriter()
	go t.flushAndClose()
	return nil
}

func (t *WebSocket) flushAndClose() {
	t.writeWg.Wait()

	for pending := len(t.sendCh); pending > 0; pending-- {
		message := <-t.sendCh
		if t.writeTimeout > 0 {
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		}
		if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.conn.Close()
}

// NewUpgrader returns the upgrader used for the ws transport. A nil
// checkOrigin accepts every origin.
func NewUpgrader(bufferSize int, checkOrigin func(r *http.Request) bool) websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool {
			return true
		}
	}

	return websocket.Upgrader{
		ReadBufferSize:  bufferSize,
		WriteBufferSize: bufferSize,
		CheckOrigin:     checkOrigin,
	}
}
