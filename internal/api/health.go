package api

import (
	"net/http"
	"time"

	"github.com/snarg/scribed/internal/database"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Backends      []string          `json:"backends"`
}

type HealthHandler struct {
	db        *database.DB
	backends  []string
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, backends []string, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		backends:  backends,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        map[string]string{},
		Backends:      h.backends,
	}

	if err := h.db.HealthCheck(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Checks["database"] = "failed: " + err.Error()
	} else {
		resp.Checks["database"] = "ok"
	}

	if len(h.backends) == 0 {
		resp.Status = "degraded"
		resp.Checks["backends"] = "none configured"
	} else {
		resp.Checks["backends"] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}
