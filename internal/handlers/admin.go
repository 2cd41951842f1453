package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/accessguard"
	"github.com/Dropicx/qopy-sub004/internal/clipservice"
	"github.com/Dropicx/qopy-sub004/internal/storage"
	"github.com/Dropicx/qopy-sub004/internal/sweeper"
)

// AdminHandler implements the operator surface: aggregate statistics, a
// manual sweep trigger, and clip takedown. Every endpoint requires a
// bearer token matching the configured ADMIN_TOKEN, compared in constant
// time.
type AdminHandler struct {
	db         *storage.DB
	sweep      *sweeper.Sweeper
	clips      *clipservice.Service
	guard      *accessguard.Guard
	adminToken string
	production bool
}

func NewAdminHandler(db *storage.DB, sweep *sweeper.Sweeper, clips *clipservice.Service, guard *accessguard.Guard, adminToken string, production bool) *AdminHandler {
	return &AdminHandler{db: db, sweep: sweep, clips: clips, guard: guard, adminToken: adminToken, production: production}
}

// RequireAdminToken is middleware gating every /api/admin/* route.
func (h *AdminHandler) RequireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			respondError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type limiterStatResponse struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type statsResponse struct {
	TotalClipsCreated         int64                  `json:"totalClipsCreated"`
	TotalClipsExpired         int64                  `json:"totalClipsExpired"`
	TotalClipsOneTimeConsumed int64                  `json:"totalClipsOneTimeConsumed"`
	TotalBytesStored          int64                  `json:"totalBytesStored"`
	TotalDownloads            int64                  `json:"totalDownloads"`
	RateLimiters              []limiterStatResponse `json:"rateLimiters,omitempty"`
}

// Stats handles GET /api/admin/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetStatistics(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("admin: failed to load statistics")
		respondError(w, "failed to load statistics", http.StatusInternalServerError)
		return
	}

	var limiters []limiterStatResponse
	for _, s := range h.guard.LimiterStats() {
		limiters = append(limiters, limiterStatResponse{Name: s.Name, Entries: s.Entries})
	}

	respondJSON(w, statsResponse{
		TotalClipsCreated:         stats.TotalClipsCreated,
		TotalClipsExpired:         stats.TotalClipsExpired,
		TotalClipsOneTimeConsumed: stats.TotalClipsOneTimeConsumed,
		TotalBytesStored:          stats.TotalBytesStored,
		TotalDownloads:            stats.TotalDownloads,
		RateLimiters:              limiters,
	}, http.StatusOK)
}

// Sweep handles POST /api/admin/sweep, running one reconciliation pass
// synchronously and reporting success/failure.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if err := h.sweep.Pass(r.Context()); err != nil {
		log.Error().Err(err).Msg("admin: manual sweep pass failed")
		respondError(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// DeleteClip handles DELETE /api/admin/clip/{id}, an operator takedown
// distinct from one-time consumption.
func (h *AdminHandler) DeleteClip(w http.ResponseWriter, r *http.Request) {
	clipID := chi.URLParam(r, "id")
	if err := h.clips.DeleteClip(r.Context(), clipID); err != nil {
		respondError(w, "clip not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
