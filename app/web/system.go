package web

import (
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// APISystemResponse is the JSON response for /api/v1/system. Artifact scans
// and backend rendering are disk and cpu heavy, operators watch this alongside
// the queue stats.
type APISystemResponse struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	DiskPercent float64   `json:"disk_percent"`
	LoadAvg1    float64   `json:"load_avg_1"`
	Timestamp   time.Time `json:"timestamp"`
}

// handleSystem returns a point-in-time system metrics snapshot. Individual
// collector failures are logged and zeroed, the endpoint itself never fails.
func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	resp := APISystemResponse{Timestamp: time.Now()}

	if cpuPercent, err := cpu.Percent(0, false); err != nil {
		log.Printf("[WARN] failed to get CPU: %v", err)
	} else if len(cpuPercent) > 0 {
		resp.CPUPercent = cpuPercent[0]
	}

	if v, err := mem.VirtualMemory(); err != nil {
		log.Printf("[WARN] failed to get memory: %v", err)
	} else {
		resp.MemPercent = v.UsedPercent
	}

	if usage, err := disk.Usage("/"); err != nil {
		log.Printf("[WARN] failed to get disk usage: %v", err)
	} else {
		resp.DiskPercent = usage.UsedPercent
	}

	if loads, err := load.Avg(); err != nil {
		log.Printf("[WARN] failed to get load average: %v", err)
	} else {
		resp.LoadAvg1 = loads.Load1
	}

	s.writeJSON(w, http.StatusOK, resp)
}
