package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/kleeedolinux/portal.go/socket/mailbox"
)

const DefaultIdleTimeout = 500 * time.Millisecond

type LongPollConfig struct {
	// IdleTimeout bridges the gap between one poll ending and the next
	// arriving. Closure is reported if no poll arrives in time.
	IdleTimeout time.Duration
	// BufferLimit caps unacknowledged events; 0 means no cap. Overflow closes
	// the transport.
	BufferLimit int
	// OnFlush is called with the number of replayed events whenever a poll
	// flushes the buffer.
	OnFlush func(n int)
}

func DefaultLongPollConfig() LongPollConfig {
	return LongPollConfig{
		IdleTimeout: DefaultIdleTimeout,
	}
}

var callbackPattern = regexp.MustCompile(`^[A-Za-z_$][\w$.]*$`)

// ValidCallback reports whether name can be used as a JSONP function name.
func ValidCallback(name string) bool {
	return callbackPattern.MatchString(name)
}

// Poll describes one long-poll exchange.
type Poll struct {
	// Open is set for the first exchange, which only confirms the connection.
	Open bool
	// Ack lists ids of events the client received since its previous poll.
	Ack []string
}

// LongPoll is the long-polling transport. Every poll request holds one
// response that carries at most one write; events sent while no response is
// held wait in the buffer and are replayed on the next poll.
type LongPoll struct {
	base

	callback string
	config   LongPollConfig
	buffer   *Buffer

	live      *pollCycle
	idleTimer *time.Timer
	idleGen   uint64
}

type pollCycle struct {
	w          http.ResponseWriter
	poll       bool
	written    bool
	ended      bool
	superseded bool
	released   chan struct{}
}

// NewLongPoll creates a long-poll transport. callback is the JSONP function
// name and only used by the longpolljsonp kind.
func NewLongPoll(kind Kind, callback string, mb *mailbox.Mailbox, config LongPollConfig) *LongPoll {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}

	return &LongPoll{
		base:     base{kind: kind, mb: mb},
		callback: callback,
		config:   config,
		buffer:   NewBuffer(config.BufferLimit),
	}
}

func (t *LongPoll) Bind(l Listener) {
	t.listener = l
}

// Serve runs one poll exchange on w. It returns once the response is complete:
// right away for the open exchange, otherwise after a write, a close, or the
// client going away.
func (t *LongPoll) Serve(ctx context.Context, w http.ResponseWriter, p Poll) error {
	var c *pollCycle
	if err := t.mb.Do(context.Background(), func() {
		c = t.refresh(w, p)
	}); err != nil {
		return err
	}
	if c == nil {
		return ErrClosed
	}

	select {
	case <-c.released:
	case <-ctx.Done():
	}

	t.mb.Do(context.Background(), func() {
		t.finish(c)
	})

	return nil
}

func (t *LongPoll) refresh(w http.ResponseWriter, p Poll) *pollCycle {
	if t.isClosed() {
		return nil
	}

	contentType := "text/plain; charset=utf-8"
	if t.kind == KindLongPollJSONP {
		contentType = "text/javascript; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)

	c := &pollCycle{
		w:        w,
		poll:     !p.Open,
		released: make(chan struct{}),
	}

	if p.Open {
		t.finish(c)
		return c
	}

	t.cancelIdle()
	if t.live != nil && !t.live.ended {
		t.live.superseded = true
		t.finish(t.live)
	}
	t.live = c

	t.buffer.Ack(p.Ack)
	if n := t.buffer.Len(); n > 0 {
		t.write(t.buffer.Flush())
		if t.config.OnFlush != nil {
			t.config.OnFlush(n)
		}
	}

	return c
}

func (t *LongPoll) Send(payload string) error {
	if t.isClosed() {
		return ErrClosed
	}

	if err := t.buffer.Push(payload); err != nil {
		t.shutdown()
		return err
	}

	if t.live != nil && !t.live.ended {
		t.write(payload)
	}

	return nil
}

// Close ends the held response, if any, which the client reads as closure.
func (t *LongPoll) Close() error {
	if t.live != nil && !t.live.ended {
		t.finish(t.live)
	}
	return nil
}

// Buffered returns the events waiting for acknowledgement, oldest first.
func (t *LongPoll) Buffered() []string {
	return t.buffer.Payloads()
}

func (t *LongPoll) write(payload string) {
	c := t.live

	body := payload
	if t.kind == KindLongPollJSONP {
		quoted, _ := json.Marshal(payload)
		body = t.callback + "(" + string(quoted) + ");"
	}

	c.w.Write([]byte(body))
	c.written = true
	t.finish(c)
}

// finish marks the end of a cycle's response. A poll that ends without data
// means the client is gone; anything else waits for the next poll.
func (t *LongPoll) finish(c *pollCycle) {
	if c.ended {
		return
	}
	c.ended = true
	close(c.released)

	if t.live == c {
		t.live = nil
	}
	if c.superseded || t.isClosed() {
		return
	}

	if c.poll && !c.written {
		t.shutdown()
		return
	}
	t.armIdle()
}

func (t *LongPoll) shutdown() {
	t.cancelIdle()
	if t.live != nil && !t.live.ended {
		t.live.superseded = true
		t.finish(t.live)
	}
	t.fireClose()
}

func (t *LongPoll) armIdle() {
	t.cancelIdle()

	gen := t.idleGen
	t.idleTimer = time.AfterFunc(t.config.IdleTimeout, func() {
		t.mb.Post(func() {
			if gen == t.idleGen {
				t.shutdown()
			}
		})
	})
}

func (t *LongPoll) cancelIdle() {
	t.idleGen++
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}
