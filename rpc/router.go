package rpc

import (
	"context"
)

// Router resolves a route name to a handler and runs it against a request
// context. It is an external collaborator: the server core only consumes
// this contract.
//
// A Router may fail with a *ResponseError to signal a deliberate,
// client-facing failure; listeners translate it into the transport's error
// envelope. Any other error is treated as a programming fault: it is handed
// to the server's fault hook and tears down the request's transport path
// instead of being masked as a client error.
type Router interface {
	Route(ctx context.Context, route string, req *Request) error
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(ctx context.Context, route string, req *Request) error

// Route implements Router.
func (f RouterFunc) Route(ctx context.Context, route string, req *Request) error {
	return f(ctx, route, req)
}

// FaultFunc receives unstructured faults from routing or transport code.
// Faults are never swallowed: the default hook logs them loudly and the
// offending connection is torn down.
type FaultFunc func(transport string, err error)
