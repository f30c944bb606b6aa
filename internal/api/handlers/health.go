package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxline-ai/callplane/pkg/logging"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness of the service and its backing stores.
type HealthHandler struct {
	db     pinger
	rdb    *redis.Client
	logger *logging.Logger
}

// NewHealthHandler builds the health handler. The Redis client is optional.
func NewHealthHandler(db pinger, rdb *redis.Client, logger *logging.Logger) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{db: db, rdb: rdb, logger: logger}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Check handles GET /health.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("postgres health check failed", "error", err)
		resp.Status = "degraded"
		resp.Checks["postgres"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Checks["postgres"] = "ok"
	}

	if h.rdb != nil {
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			h.logger.Error("redis health check failed", "error", err)
			resp.Status = "degraded"
			resp.Checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["redis"] = "ok"
		}
	}

	respondJSON(w, status, resp)
}
