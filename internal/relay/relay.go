// Package relay bridges client WebSocket sessions to the backend.
package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gallery-proxy/internal/config"
	"gallery-proxy/internal/metrics"
)

const (
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 5 * time.Second
	closeWait        = time.Second
)

// Relay upgrades client connections and pipes frames to and from a fresh
// backend connection, one backend connection per client session.
type Relay struct {
	backendURL string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer

	active atomic.Int64
}

// New creates a Relay for the configured backend. The metrics parameter is
// optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		backendURL: cfg.Backend.WebSocketURL(),
		logger:     logger.With("component", "relay"),
		metrics:    m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			// Origin policy belongs to the backend; the proxy is transparent.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            nil,
			HandshakeTimeout: dialTimeout,
		},
	}
}

// IsWebSocketUpgrade reports whether r asks to switch to the WebSocket
// protocol.
func IsWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Active returns the number of sessions currently being relayed.
func (rl *Relay) Active() int64 {
	return rl.active.Load()
}

// ServeHTTP dials the backend at the same path and query, completes the
// client handshake with the subprotocol the backend selected, and relays
// frames until either side closes. If the backend cannot be reached the
// client handshake still completes and is closed with code 1013.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	log := rl.logger.With("session", id, "path", r.URL.Path)

	target := rl.backendURL + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	dialer := *rl.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	// The client handshake waits on this dial, at most dialTimeout, so the
	// backend's subprotocol choice can be returned to the client.
	backend, resp, dialErr := dialer.DialContext(r.Context(), target, forwardHeaders(r.Header))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	var responseHeader http.Header
	if dialErr == nil && backend.Subprotocol() != "" {
		responseHeader = http.Header{"Sec-Websocket-Protocol": {backend.Subprotocol()}}
	}

	client, err := rl.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		log.Debug("client upgrade failed", "err", err)
		if backend != nil {
			_ = backend.Close()
		}
		rl.observeSession("upgrade_failed")
		return
	}
	defer func() { _ = client.Close() }()

	rl.track(1)
	defer rl.track(-1)

	if dialErr != nil {
		log.Warn("backend websocket dial failed", "err", dialErr)
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "backend unavailable"),
			time.Now().Add(closeWait))
		rl.observeSession("backend_unavailable")
		return
	}
	defer func() { _ = backend.Close() }()

	log.Debug("websocket session opened", "subprotocol", backend.Subprotocol())

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = backend.Close()
		})
	}

	errc := make(chan error, 2)
	go func() { errc <- rl.pump(backend, client, "client_to_backend"); closeBoth() }()
	go func() { errc <- rl.pump(client, backend, "backend_to_client"); closeBoth() }()

	first := <-errc
	<-errc

	log.Debug("websocket session closed", "reason", first)
	rl.observeSession("relayed")
}

// pump copies data frames from src to dst until src stops delivering them,
// then forwards the close to dst. Control frames are handled by gorilla's
// default ping and close handlers on each side.
func (rl *Relay) pump(dst, src *websocket.Conn, direction string) error {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteControl(websocket.CloseMessage, closeFrameFor(err), time.Now().Add(closeWait))
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return err
		}
		if rl.metrics != nil {
			rl.metrics.WebSocketMessages.WithLabelValues(direction, messageTypeLabel(msgType)).Inc()
		}
	}
}

// closeFrameFor converts a read error into the close payload sent to the
// other side. Codes that must not appear on the wire become a normal close.
func closeFrameFor(err error) []byte {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		default:
			return websocket.FormatCloseMessage(ce.Code, ce.Text)
		}
	}
	return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
}

func messageTypeLabel(t int) string {
	if t == websocket.BinaryMessage {
		return "binary"
	}
	return "text"
}

func (rl *Relay) track(delta int64) {
	rl.active.Add(delta)
	if rl.metrics != nil {
		rl.metrics.WebSocketSessionsActive.Add(float64(delta))
	}
}

func (rl *Relay) observeSession(outcome string) {
	if rl.metrics != nil {
		rl.metrics.WebSocketSessionsTotal.WithLabelValues(outcome).Inc()
	}
}

// forwardHeaders copies client handshake headers for the backend dial,
// dropping the ones the dialer generates itself.
func forwardHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vv := range src {
		switch {
		case strings.EqualFold(k, "Upgrade"),
			strings.EqualFold(k, "Connection"),
			strings.EqualFold(k, "Host"),
			strings.HasPrefix(http.CanonicalHeaderKey(k), "Sec-Websocket-"):
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
	return dst
}
