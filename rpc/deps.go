package rpc

import (
	"github.com/hpool-dev/ironfish/logging"
	"github.com/hpool-dev/ironfish/metrics"
)

// Transport labels used in logs and metrics.
const (
	TransportIPC  = "ipc"
	TransportTCP  = "tcp"
	TransportHTTP = "http"
	TransportWS   = "ws"
)

// Deps are the collaborators injected into every listener: the external
// router, the shared connection registry, the two traffic meters, metrics,
// logging, and the fault hook.
type Deps struct {
	Router   Router
	Registry *ConnRegistry
	Inbound  *metrics.Meter
	Outbound *metrics.Meter
	Metrics  metrics.Metrics
	Logger   *logging.Logger
	Fault    FaultFunc
}

// withDefaults fills in nil collaborators so listeners never have to check.
func (d Deps) withDefaults() Deps {
	if d.Registry == nil {
		d.Registry = NewConnRegistry()
	}
	if d.Inbound == nil {
		d.Inbound = metrics.NewMeter()
	}
	if d.Outbound == nil {
		d.Outbound = metrics.NewMeter()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNopMetrics()
	}
	if d.Logger == nil {
		d.Logger = logging.NewNopLogger()
	}
	if d.Fault == nil {
		logger := d.Logger
		d.Fault = func(transport string, err error) {
			logger.Error("unhandled route fault",
				logging.Transport(transport), logging.Error(err))
		}
	}
	return d
}
