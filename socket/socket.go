// Package socket provides the session layer of the portal protocol: typed
// events with optional reply correlation and heartbeat liveness, carried over
// any transport from package transport, plus the HTTP front end that creates
// and routes sessions.
package socket

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Reserved event types.
const (
	EventClose     = "close"
	EventReply     = "reply"
	EventHeartbeat = "heartbeat"
)

var (
	ErrSocketClosed  = errors.New("socket closed")
	ErrDuplicateID   = errors.New("socket id already in use")
	ErrInvalidEvent  = errors.New("invalid event")
	ErrNotConnected  = errors.New("client not connected")
	ErrUnknownSocket = errors.New("unknown socket")
)

// Event is the wire envelope exchanged in both directions.
type Event struct {
	ID    EventID         `json:"id"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Reply bool            `json:"reply"`

	// Socket is set by clients on events sent over HTTP so the server can
	// route them to their session.
	Socket string `json:"socket,omitempty"`
}

// EventID accepts both string and numeric ids on input and always encodes as
// a string.
type EventID string

func (id *EventID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = EventID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(ErrInvalidEvent, "id must be a string or a number")
	}
	*id = EventID(n.String())
	return nil
}

// replyData is the payload of a reply event.
type replyData struct {
	ID        EventID         `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Exception bool            `json:"exception"`
}

// Response is the answer to an event sent with Request.
type Response struct {
	Data      json.RawMessage
	Exception bool
}

// Handler receives the data of an event. reply is non-nil only when the
// sender expects an answer.
type Handler func(data json.RawMessage, reply *Reply)

func decodeEvent(raw string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Event{}, errors.Wrap(ErrInvalidEvent, err.Error())
	}
	if e.Type == "" {
		return Event{}, errors.Wrap(ErrInvalidEvent, "missing type")
	}
	return e, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "encode event data")
	}
	return b, nil
}
