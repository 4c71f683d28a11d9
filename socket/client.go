package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kleeedolinux/portal.go/socket/transport"
	"github.com/pkg/errors"
)

// ClientTransport carries a client's events to a portal server.
// transport.WebSocketClient and transport.LongPollClient implement it.
type ClientTransport interface {
	Connect(ctx context.Context, session transport.Session) error
	Send(data string) error
	Receive() (string, error)
	Close() error
}

// Client is the application side of a socket, as a browser would hold it.
// Handlers run on the client's receive goroutine in arrival order.
type Client struct {
	mu        sync.RWMutex
	id        string
	conn      ClientTransport
	logger    Logger
	heartbeat time.Duration

	handlers  map[string][]func(Event)
	pending   map[EventID]chan Response
	connected bool

	ctx        context.Context
	cancelFunc context.CancelFunc
	done       chan struct{}
}

type ClientOption func(*Client)

// WithHeartbeat asks the server to close the socket when no heartbeat arrives
// within d. The client sends one every d/2.
func WithHeartbeat(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeat = d
	}
}

func WithClientLogger(logger Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithClientID(id string) ClientOption {
	return func(c *Client) {
		c.id = id
	}
}

func NewClient(conn ClientTransport, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		id:         generateID(),
		conn:       conn,
		logger:     defaultLogger(),
		handlers:   make(map[string][]func(Event)),
		pending:    make(map[EventID]chan Response),
		ctx:        ctx,
		cancelFunc: cancel,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func (c *Client) ID() string {
	return c.id
}

// Connect performs the open exchange and starts receiving. A client connects
// once; after it disconnects a new Client is needed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.ctx.Err() != nil {
		return ErrSocketClosed
	}

	session := transport.Session{ID: c.id, Heartbeat: c.heartbeat}
	if err := c.conn.Connect(ctx, session); err != nil {
		return errors.Wrap(err, "connect")
	}

	c.connected = true

	go c.receiveLoop()
	if c.heartbeat > 0 {
		go c.heartbeatLoop()
	}

	return nil
}

func (c *Client) receiveLoop() {
	defer close(c.done)

	for {
		raw, err := c.conn.Receive()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		e, err := decodeEvent(raw)
		if err != nil {
			c.logger.Warn("dropping malformed event", "socket", c.id, "error", err.Error())
			continue
		}

		if e.Type == EventReply {
			c.resolve(e.Data)
			continue
		}

		c.triggerEvent(e)
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(EventHeartbeat, nil); err != nil {
				c.logger.Debug("heartbeat not sent", "socket", c.id, "error", err.Error())
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false

	pending := c.pending
	c.pending = make(map[EventID]chan Response)
	c.mu.Unlock()

	c.cancelFunc()
	for _, ch := range pending {
		close(ch)
	}

	c.logger.Debug("client disconnected", "socket", c.id, "error", err.Error())
	c.triggerEvent(Event{Type: EventClose})
}

func (c *Client) resolve(data json.RawMessage) {
	var r replyData
	if err := json.Unmarshal(data, &r); err != nil {
		c.logger.Warn("dropping malformed reply", "socket", c.id, "error", err.Error())
		return
	}

	c.mu.Lock()
	ch, exists := c.pending[r.ID]
	delete(c.pending, r.ID)
	c.mu.Unlock()

	if exists {
		ch <- Response{Data: r.Data, Exception: r.Exception}
		close(ch)
	}
}

func (c *Client) On(typ string, handler func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[typ] = append(c.handlers[typ], handler)
}

func (c *Client) Off(typ string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.handlers, typ)
}

func (c *Client) triggerEvent(e Event) {
	c.mu.RLock()
	handlers := append([]func(Event){}, c.handlers[e.Type]...)
	c.mu.RUnlock()

	for _, handler := range handlers {
		handler(e)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// Send emits an event that expects no answer.
func (c *Client) Send(typ string, data any) error {
	_, err := c.send(typ, data, nil)
	return err
}

// Request emits an event that expects an answer and waits for it.
func (c *Client) Request(ctx context.Context, typ string, data any) (Response, error) {
	ch := make(chan Response, 1)

	id, err := c.send(typ, data, ch)
	if err != nil {
		return Response{}, err
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return Response{}, ErrSocketClosed
		}
		return r, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// Reply answers an event received with the reply flag set.
func (c *Client) Reply(e Event, data any, exception bool) error {
	if !e.Reply {
		return errors.Wrapf(ErrInvalidEvent, "event %q does not expect a reply", e.ID)
	}

	d, err := marshalData(data)
	if err != nil {
		return err
	}

	return c.Send(EventReply, replyData{ID: e.ID, Data: d, Exception: exception})
}

// send writes one event. A non-nil ch marks it as expecting a reply and
// receives the answer.
func (c *Client) send(typ string, data any, ch chan Response) (EventID, error) {
	d, err := marshalData(data)
	if err != nil {
		return "", err
	}

	e := Event{
		ID:     EventID(generateID()),
		Type:   typ,
		Data:   d,
		Reply:  ch != nil,
		Socket: c.id,
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "encode event")
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	if ch != nil {
		c.pending[e.ID] = ch
	}
	c.mu.Unlock()

	if err := c.conn.Send(string(raw)); err != nil {
		if ch != nil {
			c.mu.Lock()
			delete(c.pending, e.ID)
			c.mu.Unlock()
		}
		return "", errors.Wrapf(err, "send %q", typ)
	}

	return e.ID, nil
}

// Close ends the session and waits for the close handlers to run. It must not
// be called from a handler.
func (c *Client) Close() error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()

	if !connected {
		return nil
	}

	err := c.conn.Close()
	<-c.done
	return err
}
