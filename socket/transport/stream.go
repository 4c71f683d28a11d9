package transport

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/kleeedolinux/portal.go/socket/mailbox"
)

var (
	// Some proxies and browsers hold back the start of a response until they
	// have seen enough bytes, so every stream opens with whitespace padding.
	padding = strings.Repeat(" ", 2047)

	androidLowerThan3 = regexp.MustCompile(`Android [23].`)
	lineBreak         = regexp.MustCompile(`\r\n|[\r\n]`)
)

// Stream is the push-stream transport: server events are written to one
// response the client keeps open, client events arrive as separate POSTs.
type Stream struct {
	base

	w         http.ResponseWriter
	flusher   http.Flusher
	doublePad bool

	ended    bool
	released chan struct{}
}

func NewStream(kind Kind, w http.ResponseWriter, r *http.Request, mb *mailbox.Mailbox) *Stream {
	flusher, _ := w.(http.Flusher)

	return &Stream{
		base:      base{kind: kind, mb: mb},
		w:         w,
		flusher:   flusher,
		doublePad: androidLowerThan3.MatchString(r.UserAgent()),
		released:  make(chan struct{}),
	}
}

// Bind writes the stream preamble. The request goroutine must not touch the
// response until Wait returns.
func (t *Stream) Bind(l Listener) {
	t.listener = l

	contentType := "text/plain; charset=utf-8"
	if t.kind == KindSSE {
		contentType = "text/event-stream; charset=utf-8"
	}
	t.w.Header().Set("Content-Type", contentType)

	preamble := padding + "\n"
	if t.doublePad {
		preamble = padding + preamble
	}
	t.write(preamble)
}

// Wait holds the response open until the transport is closed or the client
// goes away, then reports closure.
func (t *Stream) Wait(ctx context.Context) {
	select {
	case <-t.released:
	case <-ctx.Done():
	}

	t.mb.Do(context.Background(), func() {
		t.end()
		t.fireClose()
	})
}

func (t *Stream) Send(payload string) error {
	if t.ended || t.isClosed() {
		return ErrClosed
	}

	var b strings.Builder
	if t.doublePad {
		b.WriteString(padding)
		b.WriteString(padding)
	}
	for _, line := range lineBreak.Split(payload, -1) {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	return t.write(b.String())
}

func (t *Stream) Close() error {
	t.end()
	return nil
}

func (t *Stream) write(s string) error {
	if _, err := t.w.Write([]byte(s)); err != nil {
		return err
	}
	if t.flusher != nil {
		t.flusher.Flush()
	}
	return nil
}

func (t *Stream) end() {
	if t.ended {
		return
	}
	t.ended = true
	close(t.released)
}
