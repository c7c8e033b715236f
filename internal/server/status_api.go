package server

import (
	"net/http"

	"github.com/syncmesh/syncmesh/internal/metrics"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "healthy", "service": "syncmesh"}`))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.store.IsReady(r.Context()) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status": "not ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ready", "service": "syncmesh"}`))
}

// statusBody aggregates process and host statistics for operators.
type statusBody struct {
	Status   string                `json:"status"`
	Backend  string                `json:"storage_backend"`
	Uptime   int64                 `json:"uptime_seconds"`
	CPU      *metrics.CPUStats     `json:"cpu,omitempty"`
	Memory   *metrics.MemoryStats  `json:"memory,omitempty"`
	Disk     *metrics.DiskStats    `json:"disk,omitempty"`
	Requests *metrics.RequestStats `json:"requests"`
	Runtime  *metrics.RuntimeStats `json:"runtime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := statusBody{
		Status:   "ok",
		Backend:  s.config.Storage.Backend,
		Uptime:   s.systemMetrics.GetUptime(),
		Requests: s.systemMetrics.GetRequestStats(),
		Runtime:  s.systemMetrics.GetRuntimeStats(),
	}

	// Host probes are best effort; a failed one just leaves its field out.
	if cpu, err := s.systemMetrics.GetCPUStats(); err == nil {
		status.CPU = cpu
	}
	if memory, err := s.systemMetrics.GetMemoryUsage(); err == nil {
		status.Memory = memory
	}
	if s.config.DataDir != "" {
		if disk, err := s.systemMetrics.GetDiskUsage(); err == nil {
			status.Disk = disk
		}
	}

	s.writeJSON(w, http.StatusOK, status)
}
