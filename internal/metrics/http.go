package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health 健康检查快照
type Health struct {
	Status            string `json:"status"`
	UpstreamConnected bool   `json:"upstream_connected"`
	ActiveSessions    int    `json:"active_sessions"`
	Devices           int    `json:"devices"`
}

// HealthFunc 生成健康检查快照
type HealthFunc func() Health

// NewHandler /metrics 和 /healthz；上行断开时 status 为 degraded，仍返回 200
func NewHandler(health HealthFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := health()
		if h.Status == "" {
			h.Status = "ok"
			if !h.UpstreamConnected {
				h.Status = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(h)
	})
	return mux
}
