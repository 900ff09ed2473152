package proxy

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// statusResponse is the read-only introspection surface. The first three
// fields are the stable contract consumed by dashboards; the rest is
// operator candy.
type statusResponse struct {
	Status            string  `json:"status"`
	ActiveConnections int64   `json:"activeConnections"`
	Uptime            float64 `json:"uptime"`

	ActiveUpstreams int     `json:"activeUpstreams"`
	Goroutines      int     `json:"goroutines"`
	MemoryMB        float64 `json:"memoryMB"`
	CPUPercent      float64 `json:"cpuPercent"`
}

// handleStatus serves GET /status. Lock-free snapshot: counters may be
// momentarily inconsistent with each other, which is fine for a health
// readout.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:            "running",
		ActiveConnections: s.clientCount.Load(),
		Uptime:            s.Uptime().Seconds(),
		ActiveUpstreams:   s.registry.SessionCount(),
		Goroutines:        runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write status response")
	}
}
