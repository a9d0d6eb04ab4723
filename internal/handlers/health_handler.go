package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// HealthHandler reports whether the ledger can reach its stores. Redis is
// optional; without it notifications are delivered synchronously.
type HealthHandler struct {
	db  *sql.DB
	rdb *redis.Client
}

func NewHealthHandler(db *sql.DB, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb}
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// Health reports service health
// @Summary Health check
// @Description Ping PostgreSQL and Redis
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Database: "up", Redis: "disabled"}
	status := http.StatusOK

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status, resp.Database = "degraded", "down"
		status = http.StatusServiceUnavailable
	}

	if h.rdb != nil {
		resp.Redis = "up"
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			// Notifications fall back to synchronous delivery, so this alone
			// does not make the service unavailable.
			resp.Status, resp.Redis = "degraded", "down"
		}
	}

	writeJSON(w, status, resp)
}
