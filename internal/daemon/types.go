package daemon

import "github.com/taskcopilot/taskcopilot/internal/config"

// StartOptions configures the daemon (home, listen address, pprof, metrics).
type StartOptions struct {
	Home       string
	Config     *config.Config
	Dev        bool
	PprofAddr  string
	EnableOtel bool // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE/task instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
