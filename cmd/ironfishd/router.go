package main

import (
	"context"
	"net/http"
	"time"

	"github.com/hpool-dev/ironfish/rpc"
)

// nodeRouter serves the built-in node routes. Real deployments plug their
// own rpc.Router in; this one exists so a freshly initialized server
// answers something useful.
type nodeRouter struct {
	started time.Time
}

func newNodeRouter(started time.Time) *nodeRouter {
	return &nodeRouter{started: started}
}

func (n *nodeRouter) Route(ctx context.Context, route string, req *rpc.Request) error {
	switch route {
	case "node/getVersion":
		return req.Respond(http.StatusOK, map[string]string{
			"version": Version,
			"commit":  GitCommit,
		})

	case "node/getStatus":
		return req.Respond(http.StatusOK, map[string]any{
			"version": Version,
			"started": n.started.UTC().Format(time.RFC3339),
			"uptime":  time.Since(n.started).String(),
		})

	case "node/uptimeStream":
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return req.Respond(http.StatusOK, nil)
			case <-ticker.C:
				err := req.Stream(map[string]string{
					"uptime": time.Since(n.started).String(),
				})
				if err != nil {
					return err
				}
			}
		}

	default:
		return rpc.NewRouteNotFoundError(route)
	}
}
