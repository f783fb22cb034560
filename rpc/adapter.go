package rpc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hpool-dev/ironfish/config"
	"github.com/hpool-dev/ironfish/logging"
	"github.com/hpool-dev/ironfish/metrics"
)

// Adapter is the root server component. It owns the four transport
// listeners, the connection registry, and the traffic meters, and wires
// them all to one Router.
//
// Listener layout follows the config: the unix socket and the raw TCP
// listener serve the framed message protocol directly; when TCP is
// enabled a companion HTTP/WebSocket server binds the same host one port
// above the actual bound port; an optional standalone HTTP/WebSocket
// server binds its own address.
type Adapter struct {
	cfg    config.RPCConfig
	router Router

	logger  *logging.Logger
	metrics metrics.Metrics
	fault   FaultFunc

	registry *ConnRegistry
	inbound  *metrics.Meter
	outbound *metrics.Meter

	running atomic.Bool

	ipc  *SocketListener
	tcp  *SocketListener
	http *HTTPListener
	ws   *WSListener

	mu      sync.Mutex
	servers []*http.Server
	lns     map[string]net.Addr
	srvWg   sync.WaitGroup
}

// NewAdapter creates an adapter serving the given router on the transports
// the config enables.
func NewAdapter(cfg config.RPCConfig, router Router) *Adapter {
	return &Adapter{
		cfg:      cfg,
		router:   router,
		logger:   logging.NewNopLogger(),
		metrics:  metrics.NewNopMetrics(),
		registry: NewConnRegistry(),
		inbound:  metrics.NewMeter(),
		outbound: metrics.NewMeter(),
		lns:      make(map[string]net.Addr),
	}
}

// SetLogger sets the logger. Must be called before Start.
func (a *Adapter) SetLogger(logger *logging.Logger) {
	a.logger = logger.WithComponent("rpc")
}

// SetMetrics sets the metrics implementation. Must be called before Start.
func (a *Adapter) SetMetrics(m metrics.Metrics) {
	a.metrics = m
}

// SetFault sets the hook receiving unstructured route faults. Must be
// called before Start.
func (a *Adapter) SetFault(f FaultFunc) {
	a.fault = f
}

// Registry exposes the shared connection registry.
func (a *Adapter) Registry() *ConnRegistry {
	return a.registry
}

// InboundMeter exposes the inbound traffic meter.
func (a *Adapter) InboundMeter() *metrics.Meter {
	return a.inbound
}

// OutboundMeter exposes the outbound traffic meter.
func (a *Adapter) OutboundMeter() *metrics.Meter {
	return a.outbound
}

// IsRunning returns true between a successful Start and Stop.
func (a *Adapter) IsRunning() bool {
	return a.running.Load()
}

// SocketAddr returns the bound unix socket address, nil when disabled.
func (a *Adapter) SocketAddr() net.Addr { return a.boundAddr("ipc") }

// TCPAddr returns the bound TCP address, nil when disabled.
func (a *Adapter) TCPAddr() net.Addr { return a.boundAddr("tcp") }

// CompanionAddr returns the bound companion HTTP/WS address, nil when TCP
// is disabled.
func (a *Adapter) CompanionAddr() net.Addr { return a.boundAddr("companion") }

// HTTPAddr returns the bound standalone HTTP/WS address, nil when disabled.
func (a *Adapter) HTTPAddr() net.Addr { return a.boundAddr("http") }

func (a *Adapter) boundAddr(name string) net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lns[name]
}

// Start binds every configured listener and begins serving. Idempotent.
// On any bind failure the listeners already started are stopped again.
func (a *Adapter) Start() error {
	if a.running.Swap(true) {
		return nil // Already running
	}

	a.inbound.Start()
	a.outbound.Start()

	deps := Deps{
		Router:   a.router,
		Registry: a.registry,
		Inbound:  a.inbound,
		Outbound: a.outbound,
		Metrics:  a.metrics,
		Logger:   a.logger,
		Fault:    a.fault,
	}.withDefaults()

	a.http = NewHTTPListener(HTTPConfig{MaxBodyBytes: a.cfg.MaxBodyBytes}, deps)
	a.ws = NewWSListener(WSConfig{UpgradeTimeout: a.cfg.WSUpgradeTimeout.Duration()}, deps)

	if err := a.startListeners(deps); err != nil {
		_ = a.Stop()
		return err
	}
	return nil
}

func (a *Adapter) startListeners(deps Deps) error {
	if a.cfg.SocketPath != "" {
		a.ipc = NewSocketListener(SocketConfig{
			Network:           "unix",
			Address:           a.cfg.SocketPath,
			MaxMessageBytes:   a.cfg.MaxMessageBytes,
			MaxPendingPerConn: a.cfg.MaxPendingPerConn,
		}, deps)
		if err := a.ipc.Start(); err != nil {
			return err
		}
		a.recordAddr("ipc", a.ipc.Addr())
	}

	if a.cfg.TCPAddr != "" {
		a.tcp = NewSocketListener(SocketConfig{
			Network:           "tcp",
			Address:           a.cfg.TCPAddr,
			MaxMessageBytes:   a.cfg.MaxMessageBytes,
			MaxPendingPerConn: a.cfg.MaxPendingPerConn,
		}, deps)
		if err := a.tcp.Start(); err != nil {
			return err
		}
		a.recordAddr("tcp", a.tcp.Addr())

		// The companion HTTP/WS server binds one port above the port the
		// TCP listener actually got, so port 0 configs stay coherent.
		companion, err := companionAddr(a.tcp.Addr())
		if err != nil {
			return err
		}
		if err := a.serveHTTP("companion", companion); err != nil {
			return err
		}
	}

	if a.cfg.HTTPAddr != "" {
		if err := a.serveHTTP("http", a.cfg.HTTPAddr); err != nil {
			return err
		}
	}

	return nil
}

// serveHTTP binds one HTTP server that splits WebSocket upgrades off to
// the WebSocket listener and serves everything else as plain HTTP RPC.
func (a *Adapter) serveHTTP(name, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	a.recordAddr(name, ln.Addr())

	httpHandler := a.http.Handler()
	wsHandler := a.ws.Handler()
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWebSocketUpgrade(r) {
				wsHandler.ServeHTTP(w, r)
				return
			}
			httpHandler.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.servers = append(a.servers, srv)
	a.mu.Unlock()

	a.logger.Info("listening", logging.Transport(name), logging.Address(ln.Addr().String()))

	a.srvWg.Add(1)
	go func() {
		defer a.srvWg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server exited", logging.Address(addr), logging.Error(err))
		}
	}()
	return nil
}

// Stop tears the server down: meters stop, every listener shuts down in
// parallel, all live connections are force-disconnected, and the call
// blocks until every connection handler has returned. Idempotent.
func (a *Adapter) Stop() error {
	if !a.running.Swap(false) {
		return nil // Already stopped
	}

	a.inbound.Stop()
	a.outbound.Stop()

	var g errgroup.Group
	if a.ipc != nil {
		g.Go(a.ipc.Stop)
	}
	if a.tcp != nil {
		g.Go(a.tcp.Stop)
	}

	a.mu.Lock()
	servers := a.servers
	a.servers = nil
	a.mu.Unlock()
	for _, srv := range servers {
		g.Go(srv.Close)
	}

	err := g.Wait()

	// Hijacked WebSocket connections outlive http.Server.Close, and
	// in-flight requests must observe cancellation before we return.
	closed := a.registry.CloseAllConns()
	a.ws.Close()
	a.http.Wait()
	a.srvWg.Wait()

	a.logger.Info("stopped", logging.Count(closed))
	return err
}

// recordAddr remembers a bound address for the accessor methods.
func (a *Adapter) recordAddr(name string, addr net.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lns[name] = addr
}

// companionAddr derives the companion HTTP/WS address: same host, one
// port above the actually bound TCP port.
func companionAddr(tcpAddr net.Addr) (string, error) {
	host, portStr, err := net.SplitHostPort(tcpAddr.String())
	if err != nil {
		return "", fmt.Errorf("invalid tcp address %q: %w", tcpAddr.String(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid tcp port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}

// isWebSocketUpgrade reports whether a request asks for a WebSocket
// upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
