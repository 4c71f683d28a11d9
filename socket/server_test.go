package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()

	srv := NewServer(opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})

	return srv, ts
}

func echoHandlers(s *Socket) {
	s.On("echo", func(data json.RawMessage, _ *Reply) {
		s.Send("echo", data)
	})
}

func doRequest(t *testing.T, method, url string, body string, header http.Header) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func get(t *testing.T, ts *httptest.Server, query string) (*http.Response, string) {
	t.Helper()
	return doRequest(t, http.MethodGet, ts.URL+"/test?"+query, "", nil)
}

func post(t *testing.T, ts *httptest.Server, body string) (*http.Response, string) {
	t.Helper()
	return doRequest(t, http.MethodPost, ts.URL+"/test", body, nil)
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/test?" + query
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestServerWebSocketEcho(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.OnSocket(echoHandlers)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "when=open&transport=ws&id=S1&heartbeat=5000"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","type":"echo","data":"hi","reply":false}`)))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	e, err := decodeEvent(string(msg))
	require.NoError(t, err)
	assert.Equal(t, "echo", e.Type)
	assert.Equal(t, `"hi"`, string(e.Data))
	assert.False(t, e.Reply)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	socket, ok := srv.Socket("S1")
	require.True(t, ok)
	assert.Equal(t, "ws", string(socket.Kind()))
	assert.Equal(t, 1, srv.Count())
}

func TestServerWebSocketClientCloseDeregisters(t *testing.T) {
	srv, ts := newTestServer(t)

	closed := make(chan struct{})
	srv.OnSocket(func(s *Socket) {
		s.On(EventClose, func(json.RawMessage, *Reply) { close(closed) })
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "when=open&transport=ws&id=S1&heartbeat=false"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Count() == 1 }, time.Second, 10*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close listener did not run")
	}
	assert.Zero(t, srv.Count())
}

func TestServerLongPollFirstPollUnbatched(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.OnSocket(func(s *Socket) {
		assert.NoError(t, s.Transport().Send("x"))
	})

	resp, body := get(t, ts, "when=open&transport=longpollajax&id=S2&heartbeat=false")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	resp, body = get(t, ts, "when=poll&transport=longpollajax&id=S2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "x", body)
	assert.Equal(t, 1, srv.Count())
}

func TestServerLongPollPostAndPoll(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.OnSocket(echoHandlers)

	resp, _ := get(t, ts, "when=open&transport=longpollajax&id=S3&heartbeat=false")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = post(t, ts, `data={"id":"1","type":"echo","data":"hi","reply":false,"socket":"S3"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := get(t, ts, "when=poll&transport=longpollajax&id=S3")
	e, err := decodeEvent(body)
	require.NoError(t, err)
	assert.Equal(t, "echo", e.Type)
	assert.Equal(t, `"hi"`, string(e.Data))

	socket, ok := srv.Socket("S3")
	require.True(t, ok)

	resp, body = get(t, ts, "when=abort&transport=longpollajax&id=S3")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "text/javascript; charset=utf-8", resp.Header.Get("Content-Type"))

	select {
	case <-socket.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("socket not closed after abort")
	}
	assert.Zero(t, srv.Count())
}

func TestServerLongPollJSONP(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.OnSocket(func(s *Socket) {
		s.Transport().Send(`{"id":"1","type":"t"}`)
	})

	resp, _ := get(t, ts, "when=open&transport=longpolljsonp&id=J&callback=cb")
	assert.Equal(t, "text/javascript; charset=utf-8", resp.Header.Get("Content-Type"))

	_, body := get(t, ts, "when=poll&transport=longpolljsonp&id=J&callback=cb")
	assert.Equal(t, `cb("{\"id\":\"1\",\"type\":\"t\"}");`, body)
}

func TestServerLongPollJSONPRejectsBadCallback(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, ts := newTestServer(t, WithRegisterer(reg))

	for _, q := range []string{
		"when=open&transport=longpolljsonp&id=J1",
		"when=open&transport=longpolljsonp&id=J2&callback=alert(document.cookie)%2F%2F",
		"when=open&transport=longpolljsonp&id=J3&callback=cb%3Bfetch",
	} {
		resp, _ := get(t, ts, q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}

	assert.Zero(t, srv.Count())
	assert.Equal(t, 3.0, metricValue(t, reg, "portal_requests_rejected_total", map[string]string{"reason": "invalid_callback"}))
}

func TestServerStream(t *testing.T) {
	srv, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/test?when=open&transport=sse&id=S4&heartbeat=false", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "http://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))

	reader := bufio.NewReader(resp.Body)
	preamble, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Len(t, preamble, 2048)

	socket, ok := srv.Socket("S4")
	require.True(t, ok)
	require.NoError(t, socket.Send("news", "hi"))

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	payload, ok := strings.CutPrefix(strings.TrimSuffix(line, "\n"), "data: ")
	require.True(t, ok)
	e, err := decodeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "news", e.Type)

	blank, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\n", blank)

	pollResp, _ := get(t, ts, "when=poll&transport=sse&id=S4")
	assert.Equal(t, http.StatusBadRequest, pollResp.StatusCode)

	get(t, ts, "when=abort&transport=sse&id=S4")
	rest, err := io.ReadAll(reader)
	assert.NoError(t, err)
	assert.Empty(t, rest)

	require.Eventually(t, func() bool { return srv.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerRejections(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, ts := newTestServer(t, WithRegisterer(reg))

	resp, _ := doRequest(t, http.MethodPut, ts.URL+"/test", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = get(t, ts, "when=open&transport=carrier-pigeon&id=a")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, _ = get(t, ts, "when=later&id=a")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, _ = get(t, ts, "when=open&transport=longpollajax")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, ts, "when=open&transport=longpollajax&id=dup")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, ts, "when=open&transport=longpollajax&id=dup")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := get(t, ts, "when=poll&transport=longpollajax&id=nobody")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)

	resp, _ = post(t, ts, "hello")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, ts, "data=not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, ts, `data={"id":"1","type":"echo","socket":"nobody"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	assert.Equal(t, 1.0, metricValue(t, reg, "portal_requests_rejected_total", map[string]string{"reason": "duplicate_id"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "portal_requests_rejected_total", map[string]string{"reason": "unknown_socket"}))
	assert.Equal(t, 2.0, metricValue(t, reg, "portal_requests_rejected_total", map[string]string{"reason": "malformed_body"}))
}

func TestServerOpenRateLimit(t *testing.T) {
	_, ts := newTestServer(t, WithOpenRateLimit(rate.Every(time.Hour), 1))

	resp, _ := get(t, ts, "when=open&transport=longpollajax&id=a")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, ts, "when=open&transport=longpollajax&id=b")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServerLongPollIdleClose(t *testing.T) {
	srv, ts := newTestServer(t, WithLongPollIdleTimeout(100*time.Millisecond))

	get(t, ts, "when=open&transport=longpollajax&id=idle")
	socket, ok := srv.Socket("idle")
	require.True(t, ok)

	select {
	case <-socket.Done():
	case <-time.After(time.Second):
		t.Fatal("idle socket not closed")
	}
	assert.Zero(t, srv.Count())
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, ts := newTestServer(t, WithRegisterer(reg))
	srv.OnSocket(echoHandlers)

	get(t, ts, "when=open&transport=longpollajax&id=m")
	post(t, ts, `data={"socket":"m","id":"1"}`)
	post(t, ts, `data={"socket":"m","id":"2","type":"echo","data":1}`)
	get(t, ts, "when=poll&transport=longpollajax&id=m")

	assert.Equal(t, 1.0, metricValue(t, reg, "portal_sockets_active", map[string]string{"transport": "longpollajax"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "portal_sockets_opened_total", map[string]string{"transport": "longpollajax"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "portal_events_malformed_total", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "portal_events_received_total", nil))
	assert.Eventually(t, func() bool {
		return metricValue(t, reg, "portal_events_sent_total", nil) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerRooms(t *testing.T) {
	srv, ts := newTestServer(t)

	dial := func(id string) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "when=open&transport=ws&id="+id), nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	a := dial("a")
	b := dial("b")
	require.Eventually(t, func() bool { return srv.Count() == 2 }, time.Second, 10*time.Millisecond)

	assert.True(t, srv.Join("a", "lobby"))
	assert.True(t, srv.Join("b", "lobby"))
	assert.False(t, srv.Join("ghost", "lobby"))
	srv.Leave("b", "lobby")
	assert.Equal(t, []string{"lobby"}, srv.RoomsOf("a"))
	assert.Empty(t, srv.RoomsOf("b"))

	require.NoError(t, srv.BroadcastToRoom("lobby", "news", "room"))
	require.NoError(t, srv.Broadcast("news", "all"))

	read := func(conn *websocket.Conn) string {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		e, err := decodeEvent(string(msg))
		require.NoError(t, err)
		return string(e.Data)
	}
	assert.Equal(t, `"room"`, read(a))
	assert.Equal(t, `"all"`, read(a))
	assert.Equal(t, `"all"`, read(b))

	a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	require.Eventually(t, func() bool { return len(srv.RoomsOf("a")) == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerShutdown(t *testing.T) {
	srv := NewServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "when=open&transport=ws&id=s"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Count() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Zero(t, srv.Count())

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
