package rpc

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/hpool-dev/ironfish/metrics"
)

// ConnID identifies one transport-level connection. Transports that have no
// native identity get one assigned on first contact.
type ConnID string

// NewConnID generates a fresh connection id.
func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

// RequestConfig configures a new Request. Respond and Stream bind the
// request to its transport; Registry and Meter are optional collaborators.
type RequestConfig struct {
	// Mid is the transport-scoped correlation id.
	Mid uint64

	// Route is the requested route name.
	Route string

	// Params is the decoded, still-opaque parameter payload.
	Params json.RawMessage

	// Conn is the owning connection.
	Conn ConnID

	// Registry tracks this request until it closes. Optional.
	Registry *ConnRegistry

	// Meter receives the serialized byte length of every payload emitted
	// through Respond or Stream. Optional.
	Meter *metrics.Meter

	// Respond emits the terminal response over the wire.
	Respond func(status int, data json.RawMessage) error

	// Stream emits one non-terminal chunk over the wire.
	Stream func(data json.RawMessage) error
}

// Request is the normalized unit of work passed to the router. It wraps a
// transport-specific responder that can emit exactly one terminal response,
// or any number of stream chunks followed by one terminal event. Once
// closed, further Respond/Stream calls are silent no-ops.
type Request struct {
	mid    uint64
	route  string
	params json.RawMessage
	conn   ConnID

	registry *ConnRegistry
	meter    *metrics.Meter
	respond  func(status int, data json.RawMessage) error
	stream   func(data json.RawMessage) error

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewRequest creates a request context bound to its transport callbacks.
func NewRequest(cfg RequestConfig) *Request {
	return &Request{
		mid:      cfg.Mid,
		route:    cfg.Route,
		params:   cfg.Params,
		conn:     cfg.Conn,
		registry: cfg.Registry,
		meter:    cfg.Meter,
		respond:  cfg.Respond,
		stream:   cfg.Stream,
		done:     make(chan struct{}),
	}
}

// Mid returns the transport-scoped correlation id.
func (r *Request) Mid() uint64 {
	return r.mid
}

// Route returns the requested route name.
func (r *Request) Route() string {
	return r.route
}

// Params returns the raw parameter payload.
func (r *Request) Params() json.RawMessage {
	return r.params
}

// DecodeParams unmarshals the parameter payload into v. A decode failure is
// returned as a structured validation error.
func (r *Request) DecodeParams(v any) error {
	if len(r.params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.params, v); err != nil {
		return NewValidationError("invalid request parameters: " + err.Error())
	}
	return nil
}

// Conn returns the owning connection id.
func (r *Request) Conn() ConnID {
	return r.conn
}

// Done returns a channel closed when the request ends, either by Respond or
// by a transport-driven force close. Route handlers treat it as a
// cooperative cancellation signal.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Closed reports whether the request has reached its terminal state.
func (r *Request) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Respond emits the terminal response and closes the request. At most one
// Respond takes effect; calls after close are silent no-ops. The serialized
// byte length of data is added to the outbound traffic meter.
func (r *Request) Respond(status int, data any) error {
	raw, err := marshalPayload(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)

	if r.registry != nil {
		r.registry.Remove(r.conn, r)
	}
	if r.meter != nil {
		r.meter.Add(len(raw))
	}
	if r.respond == nil {
		return nil
	}
	return r.respond(status, raw)
}

// Stream emits one non-terminal chunk. Calls after close are silent no-ops;
// the request stays open. Chunks are delivered in emission order.
func (r *Request) Stream(data any) error {
	raw, err := marshalPayload(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	if r.meter != nil {
		r.meter.Add(len(raw))
	}
	if r.stream == nil {
		return nil
	}
	return r.stream(raw)
}

// Close force-closes the request without writing to the wire. Used on
// transport disconnect so pending handlers observe cancellation. Idempotent.
func (r *Request) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)

	if r.registry != nil {
		r.registry.Remove(r.conn, r)
	}
}

// marshalPayload serializes a payload, passing through pre-encoded JSON and
// mapping nil to an absent payload.
func marshalPayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(data)
	}
}
