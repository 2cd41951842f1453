package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// respondError sends a JSON error envelope with the given message and code.
// Handlers that surface a *qopyerr.Error use qopyerr.Respond instead; this
// is for ad-hoc errors that don't carry a Kind (e.g. admin auth failures).
func respondError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": msg, "code": code}); err != nil {
		log.Error().Err(err).Msg("handler: failed to encode error response")
	}
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("handler: failed to encode response")
	}
}
