package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/accessguard"
	"github.com/Dropicx/qopy-sub004/internal/clipservice"
	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
	"github.com/Dropicx/qopy-sub004/internal/storage"
)

// FileHandler implements the file-clip download surface: POST
// /file/{clipId}, GET /file/{clipId}/info, and the legacy GET
// /file/{clipId} path which is always 410.
type FileHandler struct {
	clips      *clipservice.Service
	production bool
}

func NewFileHandler(clips *clipservice.Service, production bool) *FileHandler {
	return &FileHandler{clips: clips, production: production}
}

// Info handles GET /file/{clipId}/info.
func (h *FileHandler) Info(w http.ResponseWriter, r *http.Request) {
	logger := log.Logger
	clipID := chi.URLParam(r, "clipId")

	info, err := h.clips.GetInfo(r.Context(), clipID)
	if err != nil {
		qopyerr.Respond(w, &logger, err, h.production)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, infoFromService(info), http.StatusOK)
}

// Download handles POST /file/{clipId}, streaming the assembled
// ciphertext blob back to the client.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	logger := log.Logger
	clipID := chi.URLParam(r, "clipId")
	ip := accessguard.ExtractIP(r)

	var body fetchBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			qopyerr.Respond(w, &logger, qopyerr.New(qopyerr.KindValidation, "INVALID_BODY"), h.production)
			return
		}
	}

	payload, err := h.clips.GetClip(r.Context(), clipID, ip, body.AccessCode, storage.ContentTypeFile)
	if err != nil {
		qopyerr.Respond(w, &logger, err, h.production)
		return
	}
	defer payload.Stream.Close()

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", contentTypeOrDefault(payload.Info.MimeType))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filenameOrDefault(payload.Info.Filename)))
	if payload.Info.Filesize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(payload.Info.Filesize, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, payload.Stream); err != nil {
		log.Warn().Err(err).Str("clip_id", clipID).Msg("client disconnected mid-download")
	}
}

// LegacyDownload handles GET /file/{clipId}: retired in favor of the
// access-code-aware POST path, always 410.
func (h *FileHandler) LegacyDownload(w http.ResponseWriter, r *http.Request) {
	logger := log.Logger
	qopyerr.Respond(w, &logger, qopyerr.New(qopyerr.KindGone, "GONE").WithHint("unauthenticated GET download has been retired; use POST /file/{clipId}"), h.production)
}

func contentTypeOrDefault(mime string) string {
	if mime == "" {
		return "application/octet-stream"
	}
	return mime
}

func filenameOrDefault(name string) string {
	if name == "" {
		return "download"
	}
	return name
}
