// Package handlers implements the HTTP surface: request parsing,
// validation, and response shaping over the uploadmgr/clipservice/
// sweeper components. It is the sole layer touching protocol bytes.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthResponse is the payload for GET /api/health.
type HealthResponse struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// Pinger is the subset of *storage.DB the health handler depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageChecker reports whether the configured storage root is
// writable.
type StorageChecker interface {
	CheckWritable() error
}

// HealthHandler handles GET/HEAD /api/health, checking MetadataStore
// connectivity and storage-root writability in parallel.
type HealthHandler struct {
	db      Pinger
	storage StorageChecker
}

func NewHealthHandler(db Pinger, storage StorageChecker) *HealthHandler {
	return &HealthHandler{db: db, storage: storage}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		status := h.checkDatabase(r.Context())
		mu.Lock()
		checks["database"] = status
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		status := h.checkStorage()
		mu.Lock()
		checks["storage"] = status
		mu.Unlock()
	}()
	wg.Wait()

	allHealthy := checks["database"] == "ok" && checks["storage"] == "ok"
	resp := HealthResponse{Status: "ok", Checks: checks}
	if !allHealthy {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("handler: failed to encode health response")
	}
}

func (h *HealthHandler) checkDatabase(ctx context.Context) string {
	if h.db == nil {
		return "error: metadata store not initialized"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health: database ping failed")
		return "error: " + err.Error()
	}
	return "ok"
}

func (h *HealthHandler) checkStorage() string {
	if h.storage == nil {
		return "error: storage not initialized"
	}
	if err := h.storage.CheckWritable(); err != nil {
		log.Warn().Err(err).Msg("health: storage check failed")
		return "error: " + err.Error()
	}
	return "ok"
}
