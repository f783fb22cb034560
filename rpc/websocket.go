package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/hpool-dev/ironfish/logging"
)

// DefaultStreamSuffix is the route name suffix this transport requires.
const DefaultStreamSuffix = "Stream"

// WSConfig contains WebSocket listener configuration.
type WSConfig struct {
	// StreamSuffix is the required route name suffix. Routes without it
	// are rejected, since this transport only serves long-lived streaming
	// routes.
	StreamSuffix string

	// UpgradeTimeout bounds the upgrade handshake.
	UpgradeTimeout time.Duration
}

// WSListener serves persistent bidirectional streaming RPC, one route
// invocation per socket. Uses gobwas/ws for zero-allocation upgrades.
type WSListener struct {
	cfg      WSConfig
	deps     Deps
	logger   *logging.Logger
	upgrader ws.HTTPUpgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[ConnID]net.Conn
}

// NewWSListener creates a WebSocket listener.
func NewWSListener(cfg WSConfig, deps Deps) *WSListener {
	if cfg.StreamSuffix == "" {
		cfg.StreamSuffix = DefaultStreamSuffix
	}
	if cfg.UpgradeTimeout <= 0 {
		cfg.UpgradeTimeout = 10 * time.Second
	}
	deps = deps.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &WSListener{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.WithComponent("websocket"),
		upgrader: ws.HTTPUpgrader{
			Timeout: cfg.UpgradeTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[ConnID]net.Conn),
	}
}

// Handler returns the HTTP handler that upgrades and serves WebSocket
// connections.
func (l *WSListener) Handler() http.Handler {
	return http.HandlerFunc(l.serveWS)
}

// Close force-disconnects every live socket and waits for their handlers.
// Hijacked connections are not covered by http.Server shutdown, so the
// adapter calls this explicitly.
func (l *WSListener) Close() {
	l.cancel()

	l.mu.Lock()
	for _, conn := range l.conns {
		_ = conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *WSListener) serveWS(w http.ResponseWriter, r *http.Request) {
	route := strings.TrimPrefix(r.URL.Path, "/")
	query := r.URL.Query()

	conn, _, _, err := l.upgrader.Upgrade(r, w)
	if err != nil {
		return // Upgrader already wrote the error response
	}

	l.wg.Add(1)
	defer l.wg.Done()
	defer conn.Close()

	// This transport only serves streaming routes.
	if !strings.HasSuffix(route, l.cfg.StreamSuffix) {
		l.logger.Debug("rejecting non-stream route", logging.Route(route))
		body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "route is not a stream")
		_ = wsutil.WriteServerMessage(conn, ws.OpClose, body)
		return
	}

	id := NewConnID()
	logger := l.logger.WithConn(string(id)).With(logging.Route(route))

	l.mu.Lock()
	l.conns[id] = conn
	active := len(l.conns)
	l.mu.Unlock()

	l.deps.Metrics.IncConnections(TransportWS)
	l.deps.Metrics.SetActiveConnections(TransportWS, active)
	logger.Debug("socket opened", logging.Address(r.RemoteAddr))

	defer func() {
		l.deps.Registry.CloseAll(id)

		l.mu.Lock()
		delete(l.conns, id)
		active := len(l.conns)
		l.mu.Unlock()

		l.deps.Metrics.SetActiveConnections(TransportWS, active)
		logger.Debug("socket closed")
	}()

	var params json.RawMessage
	if m := flattenQuery(query); len(m) > 0 {
		params, _ = json.Marshal(m)
	}
	l.deps.Inbound.Add(len(r.URL.RawQuery))
	l.deps.Metrics.AddBytesIn(len(r.URL.RawQuery))

	writeMu := &sync.Mutex{}

	// The socket represents one logical request: Respond ends it and the
	// stream chunks carry no envelope.
	req := NewRequest(RequestConfig{
		Route:    route,
		Params:   params,
		Conn:     id,
		Registry: l.deps.Registry,
		Meter:    l.deps.Outbound,
		Respond: func(status int, data json.RawMessage) error {
			l.deps.Metrics.IncResponses(TransportWS, status)
			body, err := json.Marshal(httpEnvelope{Status: status, Data: data})
			if err != nil {
				return err
			}
			return l.writeMessage(conn, writeMu, body)
		},
		Stream: func(data json.RawMessage) error {
			l.deps.Metrics.IncStreamChunks(TransportWS)
			return l.writeMessage(conn, writeMu, data)
		},
	})

	l.deps.Registry.Register(id, req)
	l.deps.Metrics.IncRequests(TransportWS)

	ctx, cancel := context.WithCancel(l.ctx)
	defer cancel()
	go func() {
		select {
		case <-req.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	// Reader: the client sends nothing meaningful after the handshake, but
	// control frames must be consumed and a close must cancel the request.
	go l.readLoop(conn, req)

	start := time.Now()
	err = l.deps.Router.Route(ctx, route, req)
	l.deps.Metrics.ObserveRequestDuration(TransportWS, time.Since(start))

	if err != nil {
		var respErr *ResponseError
		if errors.As(err, &respErr) {
			// Terminal error payload, then the socket closes.
			_ = req.Respond(respErr.Status, RenderError(err))
		} else {
			l.deps.Fault(TransportWS, fmt.Errorf("route %s: %w", route, err))
		}
		return
	}

	// Route finished; the deferred teardown closes the socket.
	req.Close()
}

// readLoop consumes inbound frames until the socket dies, force-closing the
// request so the handler observes cancellation.
func (l *WSListener) readLoop(conn net.Conn, req *Request) {
	defer req.Close()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}
		l.deps.Inbound.Add(len(data))
		l.deps.Metrics.AddBytesIn(len(data))
	}
}

// writeMessage writes one text frame with proper locking.
func (l *WSListener) writeMessage(conn net.Conn, writeMu *sync.Mutex, data []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	err := wsutil.WriteServerMessage(conn, ws.OpText, data)
	l.deps.Metrics.AddBytesOut(len(data))
	return err
}
