package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hpool-dev/ironfish/logging"
)

// HTTPConfig contains HTTP listener configuration.
type HTTPConfig struct {
	// MaxBodyBytes bounds an HTTP request body.
	MaxBodyBytes int64
}

// HTTPListener serves one-shot request/response RPC over plain HTTP. The
// route name is the URL path with the leading slash stripped; GET/DELETE
// take query-string parameters, POST/PUT merge a JSON body over them.
type HTTPListener struct {
	cfg    HTTPConfig
	deps   Deps
	logger *logging.Logger
	wg     sync.WaitGroup
}

// NewHTTPListener creates an HTTP listener.
func NewHTTPListener(cfg HTTPConfig, deps Deps) *HTTPListener {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1024 * 1024
	}
	deps = deps.withDefaults()
	return &HTTPListener{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.WithComponent("http"),
	}
}

// Handler returns the HTTP handler for RPC requests.
func (l *HTTPListener) Handler() http.Handler {
	return http.HandlerFunc(l.serveHTTP)
}

// Wait blocks until every in-flight request handler has returned.
func (l *HTTPListener) Wait() {
	l.wg.Wait()
}

// httpEnvelope is the JSON shape of a terminal HTTP response.
type httpEnvelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (l *HTTPListener) serveHTTP(w http.ResponseWriter, r *http.Request) {
	l.wg.Add(1)
	defer l.wg.Done()

	route := strings.TrimPrefix(r.URL.Path, "/")

	rw := &httpResponder{listener: l, w: w}

	if route == "" {
		notFound := NewRouteNotFoundError(route)
		_ = rw.writeFinal(notFound.Status, mustMarshal(RenderError(notFound)))
		return
	}

	params, merr := l.decodeParams(w, r)
	if merr != nil {
		l.deps.Metrics.IncMalformed(TransportHTTP)
		l.logger.Debug("malformed request", logging.Route(route), logging.Reason(merr.Reason))
		_ = rw.writeFinal(http.StatusBadRequest, mustMarshal(RenderError(merr)))
		return
	}

	id := NewConnID()
	req := NewRequest(RequestConfig{
		Route:    route,
		Params:   params,
		Conn:     id,
		Registry: l.deps.Registry,
		Meter:    l.deps.Outbound,
		Respond: func(status int, data json.RawMessage) error {
			l.deps.Metrics.IncResponses(TransportHTTP, status)
			return rw.writeFinal(status, data)
		},
		Stream: func(data json.RawMessage) error {
			l.deps.Metrics.IncStreamChunks(TransportHTTP)
			return rw.writeChunk(data)
		},
	})

	l.deps.Registry.Register(id, req)
	l.deps.Metrics.IncRequests(TransportHTTP)
	l.deps.Metrics.IncConnections(TransportHTTP)

	// Client disconnect force-closes the request so handlers observe
	// cancellation.
	ctx := r.Context()
	go func() {
		select {
		case <-ctx.Done():
			req.Close()
		case <-req.Done():
		}
	}()

	// The request context is closed on every exit path, ending the single
	// use this transport allows.
	defer req.Close()

	start := time.Now()
	err := l.deps.Router.Route(ctx, route, req)
	l.deps.Metrics.ObserveRequestDuration(TransportHTTP, time.Since(start))

	if err == nil {
		return
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) {
		_ = req.Respond(respErr.Status, RenderError(err))
		return
	}

	// Programming error in a route handler: surface it as a server-level
	// fault and abort the response without writing.
	l.deps.Fault(TransportHTTP, fmt.Errorf("route %s: %w", route, err))
	req.Close()
	panic(http.ErrAbortHandler)
}

// decodeParams builds the parameter payload from the query string, merging
// a JSON body over it for POST and PUT.
func (l *HTTPListener) decodeParams(w http.ResponseWriter, r *http.Request) (json.RawMessage, *MalformedMessageError) {
	params := flattenQuery(r.URL.Query())
	inBytes := len(r.URL.RawQuery)

	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.cfg.MaxBodyBytes))
		if err != nil {
			return nil, &MalformedMessageError{Reason: "reading request body: " + err.Error()}
		}
		inBytes += len(body)

		if len(bytes.TrimSpace(body)) > 0 {
			var bodyParams map[string]any
			if err := json.Unmarshal(body, &bodyParams); err != nil {
				return nil, &MalformedMessageError{Reason: "request body is not a json object"}
			}
			for k, v := range bodyParams {
				params[k] = v
			}
		}
	}

	l.deps.Inbound.Add(inBytes)
	l.deps.Metrics.AddBytesIn(inBytes)

	if len(params) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &MalformedMessageError{Reason: "encoding parameters: " + err.Error()}
	}
	return raw, nil
}

// httpResponder writes chunks and the terminal envelope to one HTTP
// response. Respond/Stream callbacks run under the request lock, so no
// extra synchronization is needed.
type httpResponder struct {
	listener    *HTTPListener
	w           http.ResponseWriter
	wroteHeader bool
}

// writeChunk writes one raw JSON chunk, sending status 200 on first write.
func (h *httpResponder) writeChunk(data json.RawMessage) error {
	if !h.wroteHeader {
		h.w.Header().Set("Content-Type", "application/json")
		h.w.WriteHeader(http.StatusOK)
		h.wroteHeader = true
	}

	n, err := h.w.Write(append(data, '\n'))
	h.listener.deps.Metrics.AddBytesOut(n)
	if err != nil {
		return err
	}
	if f, ok := h.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// writeFinal writes the terminal {status, data} envelope. If chunks were
// already streamed the 200 header stands and only the body is appended.
func (h *httpResponder) writeFinal(status int, data json.RawMessage) error {
	body, err := json.Marshal(httpEnvelope{Status: status, Data: data})
	if err != nil {
		return err
	}

	if !h.wroteHeader {
		h.w.Header().Set("Content-Type", "application/json")
		h.w.WriteHeader(status)
		h.wroteHeader = true
	}

	n, werr := h.w.Write(body)
	h.listener.deps.Metrics.AddBytesOut(n)
	return werr
}

// flattenQuery converts query values into the parameter map shape: single
// values as strings, repeated keys as string slices.
func flattenQuery(q url.Values) map[string]any {
	params := make(map[string]any)
	for k, vs := range q {
		if len(vs) == 1 {
			params[k] = vs[0]
		} else {
			params[k] = vs
		}
	}
	return params
}

// mustMarshal serializes a value that cannot fail to marshal.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
