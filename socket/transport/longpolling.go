package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// LongPollClient is the client side of the longpollajax transport: one GET
// held per poll, one POST per outbound event.
type LongPollClient struct {
	mu        sync.Mutex
	client    *http.Client
	baseURL   string
	session   Session
	headers   http.Header
	connected bool

	incoming chan string
	pollErr  error

	ctx        context.Context
	cancelFunc context.CancelFunc
	pollDone   chan struct{}
}

type LongPollingOption func(*LongPollClient)

func WithLongPollingHeaders(headers http.Header) LongPollingOption {
	return func(t *LongPollClient) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

func WithHTTPClient(client *http.Client) LongPollingOption {
	return func(t *LongPollClient) {
		t.client = client
	}
}

func NewLongPollClient(baseURL string, opts ...LongPollingOption) *LongPollClient {
	t := &LongPollClient{
		client:   &http.Client{},
		baseURL:  baseURL,
		headers:  make(http.Header),
		incoming: make(chan string, 100),
		pollDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *LongPollClient) Connect(ctx context.Context, session Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	t.session = session
	t.ctx, t.cancelFunc = context.WithCancel(context.Background())

	resp, err := t.get(ctx, session.query(KindLongPollAjax, "open"))
	if err != nil {
		t.cancelFunc()
		return errors.Wrap(err, "open long poll")
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.cancelFunc()
		return errors.Errorf("open long poll: %s", resp.Status)
	}

	t.connected = true
	go t.poll()

	return nil
}

func (t *LongPollClient) poll() {
	defer close(t.pollDone)
	defer close(t.incoming)

	var ack []string
	for {
		q := t.session.query(KindLongPollAjax, "poll")
		if len(ack) > 0 {
			q.Set("lastEventIds", strings.Join(ack, ","))
		}

		body, err := t.fetch(q)
		if err != nil {
			t.setErr(err)
			return
		}
		if body == "" {
			t.setErr(ErrClosed)
			return
		}

		events, err := splitBatch(body)
		if err != nil {
			t.setErr(err)
			return
		}

		ack = ack[:0]
		for _, e := range events {
			if id := eventID(e); id != "" {
				ack = append(ack, id)
			}
			select {
			case t.incoming <- e:
			case <-t.ctx.Done():
				t.setErr(ErrClosed)
				return
			}
		}
	}
}

func (t *LongPollClient) fetch(q url.Values) (string, error) {
	resp, err := t.get(t.ctx, q)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("poll: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *LongPollClient) get(ctx context.Context, q url.Values) (*http.Response, error) {
	target, err := withQuery(t.baseURL, q)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for k, values := range t.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	return t.client.Do(req)
}

// splitBatch turns a poll body into the events it carries.
func splitBatch(body string) ([]string, error) {
	if !strings.HasPrefix(body, "[") {
		return []string{body}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, errors.Wrap(err, "decode poll batch")
	}

	events := make([]string, len(raw))
	for i, r := range raw {
		events[i] = string(r)
	}
	return events, nil
}

func (t *LongPollClient) setErr(err error) {
	t.mu.Lock()
	if t.pollErr == nil {
		t.pollErr = err
	}
	t.mu.Unlock()
}

func (t *LongPollClient) Send(data string) error {
	t.mu.Lock()
	connected := t.connected
	ctx := t.ctx
	t.mu.Unlock()

	if !connected {
		return ErrClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, strings.NewReader("data="+data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=UTF-8")
	for k, values := range t.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post event")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("post event: %s", resp.Status)
	}

	return nil
}

func (t *LongPollClient) Receive() (string, error) {
	msg, ok := <-t.incoming
	if !ok {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.pollErr != nil {
			return "", t.pollErr
		}
		return "", ErrClosed
	}
	return msg, nil
}

// Close asks the server to abort the session and stops polling.
func (t *LongPollClient) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := t.get(ctx, t.session.query(KindLongPollAjax, "abort"))
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	t.cancelFunc()
	<-t.pollDone

	return err
}
