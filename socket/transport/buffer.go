package transport

import (
	"encoding/json"
	"strings"
)

// Buffer holds serialized events a long-poll client has not acknowledged yet.
// Entries leave only through Ack.
type Buffer struct {
	entries []bufferEntry
	limit   int
}

type bufferEntry struct {
	id      string
	payload string
}

// NewBuffer returns a buffer holding at most limit entries; limit <= 0 means
// no limit.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

func (b *Buffer) Push(payload string) error {
	if b.limit > 0 && len(b.entries) >= b.limit {
		return ErrBufferFull
	}
	b.entries = append(b.entries, bufferEntry{id: eventID(payload), payload: payload})
	return nil
}

// Ack removes the entries whose event id is in ids and returns how many were
// removed.
func (b *Buffer) Ack(ids []string) int {
	if len(ids) == 0 || len(b.entries) == 0 {
		return 0
	}

	acked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			acked[id] = struct{}{}
		}
	}

	kept := b.entries[:0]
	for _, e := range b.entries {
		if _, ok := acked[e.id]; ok && e.id != "" {
			continue
		}
		kept = append(kept, e)
	}
	removed := len(b.entries) - len(kept)
	for i := len(kept); i < len(b.entries); i++ {
		b.entries[i] = bufferEntry{}
	}
	b.entries = kept

	return removed
}

func (b *Buffer) Len() int {
	return len(b.entries)
}

func (b *Buffer) Payloads() []string {
	payloads := make([]string, len(b.entries))
	for i, e := range b.entries {
		payloads[i] = e.payload
	}
	return payloads
}

// Flush renders the buffered events for one response: a single entry as is,
// several as a JSON array of the serialized entries.
func (b *Buffer) Flush() string {
	switch len(b.entries) {
	case 0:
		return ""
	case 1:
		return b.entries[0].payload
	}
	return "[" + strings.Join(b.Payloads(), ",") + "]"
}

func eventID(payload string) string {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil || len(head.ID) == 0 {
		return ""
	}

	var id string
	if err := json.Unmarshal(head.ID, &id); err == nil {
		return id
	}
	return string(head.ID)
}
