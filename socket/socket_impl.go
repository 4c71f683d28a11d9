package socket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kleeedolinux/portal.go/socket/mailbox"
	"github.com/kleeedolinux/portal.go/socket/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Socket is one client session. It wraps a single transport and is open
// until that transport reports closure; it never reopens.
//
// Everything that touches session state runs on the socket's mailbox, so
// handlers for one socket never run concurrently with each other, with its
// timers, or with its transport's own bookkeeping. Handlers must not block
// waiting on another event of the same socket.
type Socket struct {
	id        string
	transport transport.Transport
	mb        *mailbox.Mailbox
	registry  *Registry
	logger    Logger
	metrics   *Metrics
	heartbeat time.Duration

	mu       sync.RWMutex
	handlers map[string][]Handler

	closed atomic.Bool
	done   chan struct{}

	// Requests are registered before their event is posted so that a close
	// already queued on the mailbox still abandons them.
	pendingMu sync.Mutex
	pending   map[EventID]pendingReply

	// Confined to the mailbox.
	hbTimer *time.Timer
	hbGen   uint64
}

type pendingReply struct {
	resolve func(Response)
	abandon func()
}

type socketConfig struct {
	logger    Logger
	metrics   *Metrics
	heartbeat time.Duration
}

func newSocket(id string, t transport.Transport, mb *mailbox.Mailbox, registry *Registry, config socketConfig) *Socket {
	if config.logger == nil {
		config.logger = defaultLogger()
	}
	if config.metrics == nil {
		config.metrics = NewMetrics(prometheus.NewRegistry())
	}

	return &Socket{
		id:        id,
		transport: t,
		mb:        mb,
		registry:  registry,
		logger:    config.logger,
		metrics:   config.metrics,
		heartbeat: config.heartbeat,
		handlers:  make(map[string][]Handler),
		done:      make(chan struct{}),
		pending:   make(map[EventID]pendingReply),
	}
}

// open registers the socket and starts its transport. hooks run before any
// inbound event is handled so they can install listeners.
func (s *Socket) open(hooks []func(*Socket)) error {
	var err error
	doErr := s.mb.Do(context.Background(), func() {
		if err = s.registry.Insert(s); err != nil {
			return
		}

		s.metrics.socketOpened(string(s.Kind()))
		s.logger.Debug("socket opened", "socket", s.id, "transport", s.Kind(), "heartbeat", s.heartbeat)

		s.transport.Bind(s.notify)
		s.armHeartbeat()

		for _, hook := range hooks {
			s.runHook(hook)
		}
	})
	if doErr != nil {
		return doErr
	}
	if err != nil {
		s.mb.Stop()
	}
	return err
}

func (s *Socket) ID() string {
	return s.id
}

func (s *Socket) Kind() transport.Kind {
	return s.transport.Kind()
}

func (s *Socket) Transport() transport.Transport {
	return s.transport
}

func (s *Socket) IsClosed() bool {
	return s.closed.Load()
}

// Done is closed once the socket has closed and its close handlers have run.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// On registers h for events of type typ. Handlers of one type run in
// registration order. The "close" type fires once when the socket closes.
func (s *Socket) On(typ string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[typ] = append(s.handlers[typ], h)
}

func (s *Socket) Off(typ string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.handlers, typ)
}

// Send emits an event that expects no answer.
func (s *Socket) Send(typ string, data any) error {
	e, err := s.newEvent(typ, data, false)
	if err != nil {
		return err
	}

	if !s.mb.Post(func() { s.write(e) }) {
		return ErrSocketClosed
	}
	return nil
}

// Request emits an event that expects an answer. The returned channel yields
// the answer once, or is closed without a value if the socket closes first.
func (s *Socket) Request(typ string, data any) (<-chan Response, error) {
	ch := make(chan Response, 1)

	err := s.sendWithReply(typ, data, pendingReply{
		resolve: func(r Response) {
			ch <- r
			close(ch)
		},
		abandon: func() {
			close(ch)
		},
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// SendFunc emits an event that expects an answer and calls fn with it on the
// socket's mailbox. fn is never called if the socket closes first.
func (s *Socket) SendFunc(typ string, data any, fn func(Response)) error {
	return s.sendWithReply(typ, data, pendingReply{resolve: fn})
}

func (s *Socket) sendWithReply(typ string, data any, p pendingReply) error {
	e, err := s.newEvent(typ, data, true)
	if err != nil {
		return err
	}

	s.pendingMu.Lock()
	if s.closed.Load() {
		s.pendingMu.Unlock()
		return ErrSocketClosed
	}
	s.pending[e.ID] = p
	s.pendingMu.Unlock()

	if !s.mb.Post(func() { s.write(e) }) {
		s.takePending(e.ID)
		return ErrSocketClosed
	}
	return nil
}

func (s *Socket) takePending(id EventID) (pendingReply, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	p, ok := s.pending[id]
	delete(s.pending, id)
	return p, ok
}

// Close asks the transport to close. The socket is closed, and removed from
// its registry, only once the transport reports it.
func (s *Socket) Close() error {
	if s.closed.Load() {
		return nil
	}

	s.mb.Post(func() {
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("transport close failed", "socket", s.id, "error", err.Error())
		}
	})
	return nil
}

func (s *Socket) newEvent(typ string, data any, reply bool) (Event, error) {
	if s.closed.Load() {
		return Event{}, ErrSocketClosed
	}

	d, err := marshalData(data)
	if err != nil {
		return Event{}, err
	}

	return Event{
		ID:    EventID(generateID()),
		Type:  typ,
		Data:  d,
		Reply: reply,
	}, nil
}

func (s *Socket) write(e Event) {
	raw, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("encode event failed", "socket", s.id, "type", e.Type, "error", err.Error())
		return
	}

	if err := s.transport.Send(string(raw)); err != nil {
		s.logger.Debug("send failed", "socket", s.id, "type", e.Type, "error", err.Error())
		return
	}
	s.metrics.sent.Inc()
}

func (s *Socket) notify(n transport.Notification) {
	switch n.Kind {
	case transport.Message:
		s.receive(n.Payload)
	case transport.Close:
		s.shutdown()
	}
}

func (s *Socket) receive(raw string) {
	e, err := decodeEvent(raw)
	if err != nil {
		s.metrics.malformed.Inc()
		s.logger.Warn("dropping malformed event", "socket", s.id, "error", err.Error())
		return
	}
	s.metrics.received.Inc()

	switch e.Type {
	case EventReply:
		s.resolve(e.Data)
		return
	case EventHeartbeat:
		if s.heartbeat > 0 {
			s.armHeartbeat()
			s.write(Event{ID: EventID(generateID()), Type: EventHeartbeat})
		}
	}

	var reply *Reply
	if e.Reply {
		reply = &Reply{socket: s, id: e.ID}
	}
	s.dispatch(e.Type, e.Data, reply)
}

func (s *Socket) resolve(data json.RawMessage) {
	var r replyData
	if err := json.Unmarshal(data, &r); err != nil {
		s.metrics.malformed.Inc()
		s.logger.Warn("dropping malformed reply", "socket", s.id, "error", err.Error())
		return
	}

	p, ok := s.takePending(r.ID)
	if !ok {
		return
	}

	if p.resolve != nil {
		p.resolve(Response{Data: r.Data, Exception: r.Exception})
	}
}

func (s *Socket) dispatch(typ string, data json.RawMessage, reply *Reply) {
	s.mu.RLock()
	handlers := append([]Handler(nil), s.handlers[typ]...)
	s.mu.RUnlock()

	for _, h := range handlers {
		s.invoke(typ, h, data, reply)
	}
}

func (s *Socket) invoke(typ string, h Handler, data json.RawMessage, reply *Reply) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", "socket", s.id, "type", typ, "panic", r)
		}
	}()

	h(data, reply)
}

func (s *Socket) runHook(hook func(*Socket)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("socket hook panicked", "socket", s.id, "panic", r)
		}
	}()

	hook(s)
}

func (s *Socket) armHeartbeat() {
	if s.heartbeat <= 0 {
		return
	}
	s.stopHeartbeat()

	gen := s.hbGen
	s.hbTimer = time.AfterFunc(s.heartbeat, func() {
		s.mb.Post(func() {
			if gen != s.hbGen || s.closed.Load() {
				return
			}
			s.logger.Info("heartbeat timed out", "socket", s.id, "interval", s.heartbeat)
			if err := s.transport.Close(); err != nil {
				s.logger.Debug("transport close failed", "socket", s.id, "error", err.Error())
			}
		})
	})
}

func (s *Socket) stopHeartbeat() {
	s.hbGen++
	if s.hbTimer != nil {
		s.hbTimer.Stop()
		s.hbTimer = nil
	}
}

func (s *Socket) shutdown() {
	if s.closed.Swap(true) {
		return
	}

	s.registry.Remove(s.id, s)
	s.stopHeartbeat()

	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[EventID]pendingReply)
	s.pendingMu.Unlock()

	for _, p := range pending {
		if p.abandon != nil {
			p.abandon()
		}
	}

	s.metrics.socketClosed(string(s.Kind()))
	s.logger.Debug("socket closed", "socket", s.id, "transport", s.Kind())

	s.dispatch(EventClose, nil, nil)

	close(s.done)
	s.mb.Stop()
}
