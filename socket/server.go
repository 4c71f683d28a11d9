package socket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kleeedolinux/portal.go/socket/mailbox"
	"github.com/kleeedolinux/portal.go/socket/transport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const maxPostSize = 1 << 20

// Server is the HTTP front end of the portal protocol. It creates sockets on
// open exchanges and routes later polls, aborts and posted events to them.
// Each Server owns its own registry.
type Server struct {
	registry *Registry
	rooms    *RoomManager
	logger   Logger
	metrics  *Metrics

	mu    sync.RWMutex
	hooks []func(*Socket)

	upgrader    websocket.Upgrader
	bufferSize  int
	checkOrigin func(r *http.Request) bool
	wsConfig    transport.WebSocketConfig
	pollConfig  transport.LongPollConfig
	openLimiter *rate.Limiter
	registerer  prometheus.Registerer
}

type ServerOption func(*Server)

func WithLogger(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegisterer sets where the server's metrics are registered. By default
// each server uses a private registry.
func WithRegisterer(reg prometheus.Registerer) ServerOption {
	return func(s *Server) {
		s.registerer = reg
	}
}

func WithLongPollIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pollConfig.IdleTimeout = d
	}
}

// WithLongPollBufferLimit caps the events a long-poll socket keeps for an
// unacknowledging client. A socket that exceeds it is closed.
func WithLongPollBufferLimit(n int) ServerOption {
	return func(s *Server) {
		s.pollConfig.BufferLimit = n
	}
}

func WithWebSocketConfig(config transport.WebSocketConfig) ServerOption {
	return func(s *Server) {
		s.wsConfig = config
	}
}

func WithBufferSize(size int) ServerOption {
	return func(s *Server) {
		s.bufferSize = size
	}
}

func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) {
		s.checkOrigin = fn
	}
}

// WithOpenRateLimit limits how fast new sockets may be opened across the
// server. Exchanges over the limit are answered with 429.
func WithOpenRateLimit(limit rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		s.openLimiter = rate.NewLimiter(limit, burst)
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		registry:   NewRegistry(),
		rooms:      NewRoomManager(),
		logger:     defaultLogger(),
		bufferSize: 1024,
		wsConfig:   transport.DefaultWebSocketConfig(),
		pollConfig: transport.DefaultLongPollConfig(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.registerer == nil {
		s.registerer = prometheus.NewRegistry()
	}
	s.metrics = NewMetrics(s.registerer)
	s.pollConfig.OnFlush = func(n int) {
		s.metrics.replayed.Add(float64(n))
	}
	s.upgrader = transport.NewUpgrader(s.bufferSize, s.checkOrigin)

	return s
}

// OnSocket registers fn to run for every new socket before its first inbound
// event is handled; it is the place to install event handlers. fn runs on the
// socket's mailbox and must not block.
func (s *Server) OnSocket(fn func(*Socket)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks = append(s.hooks, fn)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		noCache(w)
		cors(w, r)
		s.serveGet(w, r)
	case http.MethodPost:
		noCache(w)
		cors(w, r)
		s.servePost(w, r)
	default:
		s.reject(w, "method_not_allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch q.Get("when") {
	case "open":
		kind := transport.Kind(q.Get("transport"))
		switch {
		case kind.IsStream():
			s.openStream(w, r, kind)
		case kind.IsLongPoll():
			s.openLongPoll(w, r, kind)
		default:
			s.reject(w, "unknown_transport", http.StatusNotImplemented)
		}

	case "poll":
		socket, exists := s.registry.Get(q.Get("id"))
		if !exists {
			// An empty response tells the client its connection is gone.
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			return
		}

		lp, ok := socket.Transport().(*transport.LongPoll)
		if !ok {
			s.reject(w, "not_long_poll", http.StatusBadRequest)
			return
		}

		poll := transport.Poll{Ack: splitCSV(q.Get("lastEventIds"))}
		if err := lp.Serve(r.Context(), w, poll); err != nil {
			s.logger.Debug("poll not served", "socket", socket.ID(), "error", err.Error())
		}

	case "abort":
		if socket, exists := s.registry.Get(q.Get("id")); exists {
			socket.Close()
		}
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")

	default:
		s.reject(w, "unknown_phase", http.StatusNotImplemented)
	}
}

func (s *Server) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPostSize))
	if err != nil {
		s.reject(w, "unreadable_body", http.StatusBadRequest)
		return
	}

	text, ok := strings.CutPrefix(strings.TrimRight(string(body), "\r\n"), "data=")
	if !ok || text == "" {
		s.reject(w, "malformed_body", http.StatusBadRequest)
		return
	}

	var head struct {
		Socket string `json:"socket"`
	}
	if err := json.Unmarshal([]byte(text), &head); err != nil {
		s.reject(w, "malformed_body", http.StatusBadRequest)
		return
	}

	socket, exists := s.registry.Get(head.Socket)
	if !exists {
		s.logger.Debug("event for unknown socket", "socket", head.Socket)
		s.reject(w, "unknown_socket", http.StatusInternalServerError)
		return
	}

	socket.Transport().Deliver(text)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if !s.admit(w, id) {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	mb := mailbox.New()
	socket := newSocket(id, transport.NewWebSocket(conn, mb, s.wsConfig), mb, s.registry, s.socketConfig(r))

	if err := s.open(socket); err != nil {
		s.logger.Warn("socket rejected", "socket", id, "error", err.Error())
		s.metrics.rejected.WithLabelValues(openFailure(err)).Inc()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
}

func (s *Server) openStream(w http.ResponseWriter, r *http.Request, kind transport.Kind) {
	id := r.URL.Query().Get("id")
	if !s.admit(w, id) {
		return
	}

	mb := mailbox.New()
	stream := transport.NewStream(kind, w, r, mb)
	socket := newSocket(id, stream, mb, s.registry, s.socketConfig(r))

	if err := s.open(socket); err != nil {
		s.rejectOpen(w, id, err)
		return
	}

	stream.Wait(r.Context())
}

func (s *Server) openLongPoll(w http.ResponseWriter, r *http.Request, kind transport.Kind) {
	q := r.URL.Query()
	id := q.Get("id")
	callback := q.Get("callback")
	if kind == transport.KindLongPollJSONP && !transport.ValidCallback(callback) {
		s.reject(w, "invalid_callback", http.StatusBadRequest)
		return
	}
	if !s.admit(w, id) {
		return
	}

	mb := mailbox.New()
	lp := transport.NewLongPoll(kind, callback, mb, s.pollConfig)
	socket := newSocket(id, lp, mb, s.registry, s.socketConfig(r))

	if err := s.open(socket); err != nil {
		s.rejectOpen(w, id, err)
		return
	}

	if err := lp.Serve(r.Context(), w, transport.Poll{Open: true}); err != nil {
		s.logger.Debug("open exchange not served", "socket", id, "error", err.Error())
	}
}

func (s *Server) admit(w http.ResponseWriter, id string) bool {
	if id == "" {
		s.reject(w, "missing_id", http.StatusBadRequest)
		return false
	}
	if s.openLimiter != nil && !s.openLimiter.Allow() {
		s.reject(w, "rate_limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) socketConfig(r *http.Request) socketConfig {
	return socketConfig{
		logger:    s.logger,
		metrics:   s.metrics,
		heartbeat: parseHeartbeat(r.URL.Query().Get("heartbeat")),
	}
}

func (s *Server) open(socket *Socket) error {
	s.mu.RLock()
	hooks := make([]func(*Socket), 0, len(s.hooks)+1)
	hooks = append(hooks, func(socket *Socket) {
		socket.On(EventClose, func(json.RawMessage, *Reply) {
			s.rooms.LeaveAll(socket.ID())
			s.logger.Info("socket disconnected", "socket", socket.ID())
		})
	})
	hooks = append(hooks, s.hooks...)
	s.mu.RUnlock()

	if err := socket.open(hooks); err != nil {
		return errors.Wrapf(err, "open socket %q", socket.ID())
	}

	s.logger.Info("socket connected", "socket", socket.ID(), "transport", socket.Kind())
	return nil
}

func (s *Server) rejectOpen(w http.ResponseWriter, id string, err error) {
	s.logger.Warn("socket rejected", "socket", id, "error", err.Error())

	reason := openFailure(err)
	if reason == "duplicate_id" {
		s.reject(w, reason, http.StatusConflict)
		return
	}
	s.reject(w, reason, http.StatusInternalServerError)
}

func openFailure(err error) string {
	if errors.Is(err, ErrDuplicateID) {
		return "duplicate_id"
	}
	return "open_failed"
}

func (s *Server) reject(w http.ResponseWriter, reason string, status int) {
	s.metrics.rejected.WithLabelValues(reason).Inc()
	w.WriteHeader(status)
}

func noCache(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

func cors(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		h.Set("Access-Control-Allow-Headers", requested)
	}
}

// Socket returns the live socket with the given id.
func (s *Server) Socket(id string) (*Socket, bool) {
	return s.registry.Get(id)
}

func (s *Server) Sockets() []*Socket {
	return s.registry.Sockets()
}

func (s *Server) Count() int {
	return s.registry.Len()
}

func (s *Server) Broadcast(typ string, data any) error {
	return broadcast(s.registry.Sockets(), typ, data)
}

// Join adds a live socket to a room and reports whether the socket exists.
func (s *Server) Join(socketID string, room string) bool {
	socket, exists := s.registry.Get(socketID)
	if !exists {
		return false
	}
	s.rooms.Join(room, socket)
	return true
}

func (s *Server) Leave(socketID string, room string) {
	s.rooms.Leave(room, socketID)
}

func (s *Server) LeaveAll(socketID string) {
	s.rooms.LeaveAll(socketID)
}

func (s *Server) RoomsOf(socketID string) []string {
	return s.rooms.SocketRooms(socketID)
}

func (s *Server) BroadcastToRoom(room string, typ string, data any) error {
	return s.rooms.Broadcast(room, typ, data)
}

// Shutdown closes every socket and waits until all of them have reported
// closure or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, socket := range s.registry.Sockets() {
		socket.Close()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for s.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}
