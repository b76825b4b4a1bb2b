package core

import "net"

// ControlMessage travels on a worker's dedicated control channel or, for
// telemetry, from a worker back to the supervisor.
type ControlMessage interface {
	controlMessage()
}

// RouteConnection hands an already taken-over connection to a worker.
type RouteConnection struct {
	Conn net.Conn
}

// Shutdown asks a worker to stop. Graceful shutdowns stop accepting new
// connections and let the event loop drain; forced ones raise the
// termination flag as well.
type Shutdown struct {
	Reason   string
	Graceful bool
}

// TelemetryReport carries one CPU metric from a worker to the supervisor.
type TelemetryReport struct {
	WorkerKey string
	Metrics   CPUUsageMetrics
}

func (RouteConnection) controlMessage() {}
func (Shutdown) controlMessage()        {}
func (TelemetryReport) controlMessage() {}
