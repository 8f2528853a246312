package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gallery-proxy/internal/config"
	"gallery-proxy/internal/metrics"
)

func configFor(t *testing.T, rawURL string) *config.Config {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return &config.Config{Backend: config.BackendConfig{Host: host, Port: port}}
}

// newEchoBackend starts a WebSocket server that echoes every data frame and
// reports the path, query and subprotocols of each handshake.
func newEchoBackend(t *testing.T, handshakes chan<- *http.Request) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{"streamlit"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handshakes != nil {
			handshakes <- r
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProxy(t *testing.T, backendURL string, m *metrics.Metrics) (*Relay, *httptest.Server) {
	t.Helper()
	rl := New(configFor(t, backendURL), slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	srv := httptest.NewServer(rl)
	t.Cleanup(srv.Close)
	return rl, srv
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func waitActive(t *testing.T, rl *Relay, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rl.Active() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Active() = %d, want %d", rl.Active(), want)
}

func TestRelay_RoundTrip(t *testing.T) {
	handshakes := make(chan *http.Request, 1)
	backend := newEchoBackend(t, handshakes)
	m := metrics.New()
	rl, proxy := newProxy(t, backend.URL, m)

	dialer := websocket.Dialer{Subprotocols: []string{"streamlit", "token-abc"}}
	conn, _, err := dialer.Dial(wsURL(proxy.URL, "/_stcore/stream?session=42"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	hs := <-handshakes
	if hs.URL.Path != "/_stcore/stream" {
		t.Errorf("backend path = %q, want %q", hs.URL.Path, "/_stcore/stream")
	}
	if hs.URL.RawQuery != "session=42" {
		t.Errorf("backend query = %q, want %q", hs.URL.RawQuery, "session=42")
	}
	if got := websocket.Subprotocols(hs); len(got) != 2 || got[1] != "token-abc" {
		t.Errorf("backend subprotocols = %v, want [streamlit token-abc]", got)
	}
	if conn.Subprotocol() != "streamlit" {
		t.Errorf("negotiated subprotocol = %q, want %q", conn.Subprotocol(), "streamlit")
	}

	waitActive(t, rl, 1)

	frames := []struct {
		mt   int
		data []byte
	}{
		{websocket.TextMessage, []byte(`{"rerun":true}`)},
		{websocket.BinaryMessage, []byte{0x00, 0xff, 0x10, 0x80}},
		{websocket.TextMessage, []byte("")},
	}
	for _, f := range frames {
		if err := conn.WriteMessage(f.mt, f.data); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if mt != f.mt {
			t.Errorf("message type = %d, want %d", mt, f.mt)
		}
		if string(data) != string(f.data) {
			t.Errorf("payload = %q, want %q", data, f.data)
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	_ = conn.Close()

	waitActive(t, rl, 0)
}

func TestRelay_BackendCloseReachesClient(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session expired"),
			time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(backend.Close)

	rl, proxy := newProxy(t, backend.URL, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL, "/_stcore/stream"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()

	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadMessage error = %v, want close error", err)
	}
	if ce.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}

	waitActive(t, rl, 0)
}

func TestRelay_BackendUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := "http://" + ln.Addr().String()
	_ = ln.Close()

	m := metrics.New()
	rl, proxy := newProxy(t, addr, m)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL, "/_stcore/stream"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()

	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadMessage error = %v, want close error", err)
	}
	if ce.Code != websocket.CloseTryAgainLater {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseTryAgainLater)
	}

	waitActive(t, rl, 0)
}

func TestRelay_SilentBackendBoundedByDialTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	// Accept connections but never answer the handshake.
	held := make(chan net.Conn, 8)
	t.Cleanup(func() {
		_ = ln.Close()
		for {
			select {
			case conn := <-held:
				_ = conn.Close()
			default:
				return
			}
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			held <- conn
		}
	}()

	rl := New(configFor(t, "http://"+ln.Addr().String()), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	rl.dialer.HandshakeTimeout = 200 * time.Millisecond
	proxy := httptest.NewServer(rl)
	t.Cleanup(proxy.Close)

	start := time.Now()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL, "/_stcore/stream"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()

	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseTryAgainLater {
		t.Fatalf("ReadMessage error = %v, want close %d", err, websocket.CloseTryAgainLater)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("client waited %v, want the dial timeout to bound the handshake", elapsed)
	}
}

func TestRelay_ConcurrentSessionsAreIndependent(t *testing.T) {
	backend := newEchoBackend(t, nil)
	rl, proxy := newProxy(t, backend.URL, nil)

	a, _, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL, "/_stcore/stream"), nil)
	if err != nil {
		t.Fatalf("Dial a: %v", err)
	}
	defer func() { _ = a.Close() }()
	b, _, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL, "/_stcore/stream"), nil)
	if err != nil {
		t.Fatalf("Dial b: %v", err)
	}
	defer func() { _ = b.Close() }()

	waitActive(t, rl, 2)

	if err := a.WriteMessage(websocket.TextMessage, []byte("from-a")); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteMessage(websocket.TextMessage, []byte("from-b")); err != nil {
		t.Fatal(err)
	}

	for name, c := range map[string]*websocket.Conn{"from-a": a, "from-b": b} {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if string(data) != name {
			t.Errorf("payload = %q, want %q", data, name)
		}
	}

	_ = a.Close()
	waitActive(t, rl, 1)

	// b keeps working after a is gone.
	if err := b.WriteMessage(websocket.TextMessage, []byte("still-here")); err != nil {
		t.Fatal(err)
	}
	_ = b.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, data, err := b.ReadMessage(); err != nil || string(data) != "still-here" {
		t.Errorf("ReadMessage = %q, %v; want %q", data, err, "still-here")
	}
}

func TestForwardHeaders(t *testing.T) {
	src := http.Header{
		"Cookie":                   {"session=abc"},
		"Origin":                   {"http://gallery.example.com"},
		"Upgrade":                  {"websocket"},
		"Connection":               {"Upgrade"},
		"Sec-Websocket-Key":        {"dGhlIHNhbXBsZSBub25jZQ=="},
		"Sec-Websocket-Version":    {"13"},
		"Sec-Websocket-Protocol":   {"streamlit"},
		"Sec-Websocket-Extensions": {"permessage-deflate"},
	}

	dst := forwardHeaders(src)

	for _, k := range []string{"Cookie", "Origin"} {
		if dst.Get(k) == "" {
			t.Errorf("%s dropped, want forwarded", k)
		}
	}
	for _, k := range []string{"Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Protocol", "Sec-Websocket-Extensions"} {
		if dst.Get(k) != "" {
			t.Errorf("%s = %q, want dropped", k, dst.Get(k))
		}
	}
}

func TestCloseFrameFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"normal", &websocket.CloseError{Code: websocket.CloseNormalClosure}, websocket.CloseNormalClosure},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, websocket.CloseGoingAway},
		{"no status", &websocket.CloseError{Code: websocket.CloseNoStatusReceived}, websocket.CloseNormalClosure},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, websocket.CloseNormalClosure},
		{"network error", io.ErrUnexpectedEOF, websocket.CloseGoingAway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := closeFrameFor(tt.err)
			if len(frame) < 2 {
				t.Fatalf("frame too short: %v", frame)
			}
			if got := int(frame[0])<<8 | int(frame[1]); got != tt.code {
				t.Errorf("code = %d, want %d", got, tt.code)
			}
		})
	}
}
