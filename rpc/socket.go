package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpool-dev/ironfish/logging"
	"github.com/hpool-dev/ironfish/memory"
)

// SocketConfig contains socket listener configuration.
type SocketConfig struct {
	// Network is "unix" for a local domain socket or "tcp".
	Network string

	// Address is the socket path or host:port.
	Address string

	// MaxMessageBytes bounds a single inbound frame.
	MaxMessageBytes int64

	// MaxPendingPerConn bounds in-flight requests per connection.
	// Zero disables the bound.
	MaxPendingPerConn int
}

// SocketListener bridges a message-oriented local socket, or its networked
// TCP twin, into request contexts. Frames are newline-delimited JSON.
type SocketListener struct {
	cfg       SocketConfig
	deps      Deps
	transport string
	logger    *logging.Logger

	ln      net.Listener
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[ConnID]net.Conn
}

// NewSocketListener creates a socket listener. The transport label is "ipc"
// for unix sockets and "tcp" otherwise.
func NewSocketListener(cfg SocketConfig, deps Deps) *SocketListener {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 16 * 1024 * 1024
	}

	transport := TransportTCP
	if cfg.Network == "unix" {
		transport = TransportIPC
	}

	ctx, cancel := context.WithCancel(context.Background())
	deps = deps.withDefaults()

	return &SocketListener{
		cfg:       cfg,
		deps:      deps,
		transport: transport,
		logger:    deps.Logger.WithComponent("socket").With(logging.Transport(transport)),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[ConnID]net.Conn),
	}
}

// Start binds the socket and begins accepting connections. Idempotent.
func (s *SocketListener) Start() error {
	if s.running.Swap(true) {
		return nil // Already running
	}

	if s.cfg.Network == "unix" {
		// Remove a stale socket file from an unclean shutdown.
		_ = os.Remove(s.cfg.Address)
	}

	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s %s: %w", s.cfg.Network, s.cfg.Address, err)
	}
	s.ln = ln

	s.logger.Info("listening", logging.Address(ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, force-disconnects every live connection, and
// waits for all connection goroutines to exit. Idempotent.
func (s *SocketListener) Stop() error {
	if !s.running.Swap(false) {
		return nil // Already stopped
	}

	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	if s.cfg.Network == "unix" {
		_ = os.Remove(s.cfg.Address)
	}
	return nil
}

// IsRunning returns true if the listener is accepting connections.
func (s *SocketListener) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound address, nil before Start.
func (s *SocketListener) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *SocketListener) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", logging.Error(err))
			return
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn owns one connection: it assigns the connection identity, reads
// frames in arrival order, and on teardown force-closes every request still
// pending for the connection.
func (s *SocketListener) handleConn(conn net.Conn) {
	defer s.wg.Done()

	id := NewConnID()
	logger := s.logger.WithConn(string(id))

	s.mu.Lock()
	s.conns[id] = conn
	active := len(s.conns)
	s.mu.Unlock()

	s.deps.Metrics.IncConnections(s.transport)
	s.deps.Metrics.SetActiveConnections(s.transport, active)
	logger.Debug("connection opened", logging.Address(conn.RemoteAddr().String()))

	// Serializes frame writes from concurrently completing requests.
	writeMu := &sync.Mutex{}

	defer func() {
		closed := s.deps.Registry.CloseAll(id)

		s.mu.Lock()
		delete(s.conns, id)
		active := len(s.conns)
		s.mu.Unlock()

		s.deps.Metrics.SetActiveConnections(s.transport, active)
		_ = conn.Close()
		logger.Debug("connection closed", logging.Count(closed))
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), int(s.cfg.MaxMessageBytes))

	for scanner.Scan() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)

		msg, merr := DecodeRequestMessage(raw)
		if merr != nil {
			s.handleMalformed(conn, writeMu, logger, merr)
			continue
		}

		s.deps.Inbound.Add(len(raw))
		s.deps.Metrics.AddBytesIn(len(raw))

		if s.cfg.MaxPendingPerConn > 0 {
			if pending := s.deps.Registry.Pending(id); pending >= s.cfg.MaxPendingPerConn {
				s.rejectOverload(conn, writeMu, logger, msg, pending)
				continue
			}
		}

		req := s.newRequest(conn, writeMu, id, msg)
		s.deps.Registry.Register(id, req)
		s.deps.Metrics.IncRequests(s.transport)

		s.wg.Add(1)
		go s.dispatch(conn, logger, msg.Type, req)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("read loop ended", logging.Error(err))
	}
}

// newRequest binds a request context to this connection's wire format:
// Respond emits a response frame, Stream a stream frame, both correlated by
// the request's mid.
func (s *SocketListener) newRequest(conn net.Conn, writeMu *sync.Mutex, id ConnID, msg *RequestMessage) *Request {
	mid := msg.Mid
	return NewRequest(RequestConfig{
		Mid:      mid,
		Route:    msg.Type,
		Params:   msg.Data,
		Conn:     id,
		Registry: s.deps.Registry,
		Meter:    s.deps.Outbound,
		Respond: func(status int, data json.RawMessage) error {
			s.deps.Metrics.IncResponses(s.transport, status)
			return s.writeFrame(conn, writeMu, KindMessage, ResponseMessage{
				ID:     mid,
				Status: status,
				Data:   data,
			})
		},
		Stream: func(data json.RawMessage) error {
			s.deps.Metrics.IncStreamChunks(s.transport)
			return s.writeFrame(conn, writeMu, KindStream, StreamMessage{
				ID:   mid,
				Data: data,
			})
		},
	})
}

// dispatch runs the router against one request. Structured errors become
// terminal error responses; anything else is a fault that tears the
// connection down.
func (s *SocketListener) dispatch(conn net.Conn, logger *logging.Logger, route string, req *Request) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-req.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	err := s.deps.Router.Route(ctx, route, req)
	elapsed := time.Since(start)
	s.deps.Metrics.ObserveRequestDuration(s.transport, elapsed)

	if err == nil {
		logger.Debug("request handled",
			logging.RequestID(req.Mid()), logging.Route(route), logging.Duration(elapsed))
		return
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) {
		logger.Debug("request failed",
			logging.RequestID(req.Mid()), logging.Route(route),
			logging.Status(respErr.Status), logging.Duration(elapsed))
		if werr := req.Respond(respErr.Status, RenderError(err)); werr != nil {
			logger.Debug("failed to write error response",
				logging.Route(route), logging.Error(werr))
		}
		return
	}

	// Programming error in a route handler. Surface it loudly and drop the
	// connection rather than masking it as a client error.
	s.deps.Fault(s.transport, fmt.Errorf("route %s: %w", route, err))
	req.Close()
	_ = conn.Close()
}

// handleMalformed answers a frame that failed validation: a targeted error
// response when the request id was recoverable, a connection-scoped
// malformedRequest event otherwise.
func (s *SocketListener) handleMalformed(conn net.Conn, writeMu *sync.Mutex, logger *logging.Logger, merr *MalformedMessageError) {
	s.deps.Metrics.IncMalformed(s.transport)
	logger.Debug("malformed message", logging.Reason(merr.Reason))

	payload := RenderError(merr)
	if merr.Mid != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_ = s.writeFrame(conn, writeMu, KindMessage, rawIDResponse{
			ID:     merr.Mid,
			Status: http.StatusBadRequest,
			Data:   data,
		})
		return
	}
	_ = s.writeFrame(conn, writeMu, KindMalformedRequest, payload)
}

// rejectOverload answers a request past the per-connection pending bound.
func (s *SocketListener) rejectOverload(conn net.Conn, writeMu *sync.Mutex, logger *logging.Logger, msg *RequestMessage, pending int) {
	logger.Debug("rejecting request over pending bound",
		logging.RequestID(msg.Mid), logging.Count(pending))

	respErr := newTooManyRequestsError(pending)
	data, err := json.Marshal(RenderError(respErr))
	if err != nil {
		return
	}
	s.deps.Metrics.IncResponses(s.transport, respErr.Status)
	_ = s.writeFrame(conn, writeMu, KindMessage, ResponseMessage{
		ID:     msg.Mid,
		Status: respErr.Status,
		Data:   data,
	})
}

// writeFrame assembles one newline-terminated frame in a pooled buffer and
// writes it with a single conn.Write, so frames from concurrently
// completing requests never interleave.
func (s *SocketListener) writeFrame(conn net.Conn, writeMu *sync.Mutex, kind string, payload any) error {
	frame, err := EncodeEnvelope(kind, payload)
	if err != nil {
		return err
	}

	buf := memory.GetBuffer(len(frame) + 1)
	defer memory.PutBuffer(buf)
	buf.Write(frame)
	buf.WriteByte('\n')

	writeMu.Lock()
	_, err = conn.Write(buf.Bytes())
	writeMu.Unlock()

	s.deps.Metrics.AddBytesOut(buf.Len())
	s.logger.Debug("frame written",
		logging.Size(buf.Len()), logging.Direction(true))
	return err
}
