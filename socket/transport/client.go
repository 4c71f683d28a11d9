package transport

import (
	"net/url"
	"strconv"
	"time"
)

// Session is what a client announces on the open exchange.
type Session struct {
	ID        string
	Heartbeat time.Duration
}

func (s Session) query(kind Kind, when string) url.Values {
	q := url.Values{}
	q.Set("when", when)
	q.Set("transport", string(kind))
	q.Set("id", s.ID)
	if s.Heartbeat > 0 {
		q.Set("heartbeat", strconv.FormatInt(s.Heartbeat.Milliseconds(), 10))
	} else {
		q.Set("heartbeat", "false")
	}
	return q
}

func withQuery(base string, q url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	existing := u.Query()
	for k, v := range q {
		existing[k] = v
	}
	u.RawQuery = existing.Encode()
	return u.String(), nil
}
