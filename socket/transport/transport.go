// Package transport normalizes the network mechanisms a portal client can use
// (a WebSocket, an HTTP push stream, HTTP long polling) into one contract:
// send a payload, close, and notice messages and closure.
package transport

import (
	"sync/atomic"

	"github.com/kleeedolinux/portal.go/socket/mailbox"
	"github.com/pkg/errors"
)

var (
	ErrClosed     = errors.New("transport closed")
	ErrBufferFull = errors.New("transport buffer full")
)

// Kind is the transport name a client asks for in the transport query parameter.
type Kind string

const (
	KindWebSocket Kind = "ws"

	KindSSE          Kind = "sse"
	KindStreamXHR    Kind = "streamxhr"
	KindStreamXDR    Kind = "streamxdr"
	KindStreamIframe Kind = "streamiframe"

	KindLongPollAjax  Kind = "longpollajax"
	KindLongPollXDR   Kind = "longpollxdr"
	KindLongPollJSONP Kind = "longpolljsonp"
)

func (k Kind) IsStream() bool {
	switch k {
	case KindSSE, KindStreamXHR, KindStreamXDR, KindStreamIframe:
		return true
	}
	return false
}

func (k Kind) IsLongPoll() bool {
	switch k {
	case KindLongPollAjax, KindLongPollXDR, KindLongPollJSONP:
		return true
	}
	return false
}

func (k Kind) Valid() bool {
	return k == KindWebSocket || k.IsStream() || k.IsLongPoll()
}

type NotificationKind int

const (
	Message NotificationKind = iota
	Close
)

func (k NotificationKind) String() string {
	switch k {
	case Message:
		return "message"
	case Close:
		return "close"
	}
	return "unknown"
}

// Notification is what a transport reports to its owner. Payload is set for
// Message only.
type Notification struct {
	Kind    NotificationKind
	Payload string
}

// Listener receives notifications on the owning socket's mailbox.
type Listener func(Notification)

// Transport is one underlying delivery mechanism owned by exactly one socket.
//
// Send and Close must be called from a job running on the mailbox the
// transport was created with. Close is reported at most once; after that Send
// returns ErrClosed and no further notifications are delivered.
type Transport interface {
	Kind() Kind

	// Bind installs the listener and starts any I/O the transport performs.
	Bind(l Listener)

	Send(payload string) error

	Close() error

	// Deliver hands over a message that arrived out of band, such as the body
	// of a POST request correlated to this transport by socket id.
	Deliver(payload string)
}

type base struct {
	kind     Kind
	mb       *mailbox.Mailbox
	listener Listener
	closed   atomic.Bool
}

func (b *base) Kind() Kind {
	return b.kind
}

func (b *base) Deliver(payload string) {
	b.mb.Post(func() {
		b.fireMessage(payload)
	})
}

func (b *base) isClosed() bool {
	return b.closed.Load()
}

func (b *base) fireMessage(payload string) {
	if b.closed.Load() || b.listener == nil {
		return
	}
	b.listener(Notification{Kind: Message, Payload: payload})
}

// fireClose reports closure once and returns whether this call did so.
func (b *base) fireClose() bool {
	if b.closed.Swap(true) {
		return false
	}
	if b.listener != nil {
		b.listener(Notification{Kind: Close})
	}
	return true
}
