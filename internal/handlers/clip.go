package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/accessguard"
	"github.com/Dropicx/qopy-sub004/internal/clipservice"
	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
	"github.com/Dropicx/qopy-sub004/internal/storage"
)

// ClipHandler implements GET /clip/{clipId}/info and POST /clip/{clipId}
// for text clips.
type ClipHandler struct {
	clips      *clipservice.Service
	production bool
}

func NewClipHandler(clips *clipservice.Service, production bool) *ClipHandler {
	return &ClipHandler{clips: clips, production: production}
}

type infoResponse struct {
	HasPassword        bool   `json:"hasPassword"`
	RequiresAccessCode bool   `json:"requiresAccessCode"`
	ContentType        string `json:"contentType"`
	Filename           string `json:"filename,omitempty"`
	Filesize           int64  `json:"filesize,omitempty"`
	MimeType           string `json:"mimeType,omitempty"`
	ExpirationTime     int64  `json:"expirationTime"`
	OneTime            bool   `json:"oneTime"`
}

func infoFromService(info clipservice.Info) infoResponse {
	return infoResponse{
		HasPassword:        info.HasPassword,
		RequiresAccessCode: info.RequiresAccessCode,
		ContentType:        info.ContentType,
		Filename:           info.Filename,
		Filesize:           info.Filesize,
		MimeType:           info.MimeType,
		ExpirationTime:     info.ExpirationTime,
		OneTime:            info.OneTime,
	}
}

// Info handles GET /clip/{clipId}/info.
func (h *ClipHandler) Info(w http.ResponseWriter, r *http.Request) {
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

type fetchBody struct {
	AccessCode string `json:"accessCode"`
}

type fetchResponse struct {
	Info infoResponse `json:"info"`
	Text string       `json:"text,omitempty"`
}

// Fetch handles POST /clip/{clipId}, returning the inline ciphertext for a
// text clip. File clips live under /file/{clipId}; GetClip rejects a file
// clip requested here with NOT_FOUND before it touches one-time
// consumption or the blob, so hitting the wrong endpoint never destroys a
// payload meant for the other one.
func (h *ClipHandler) Fetch(w http.ResponseWriter, r *http.Request) {
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

	payload, err := h.clips.GetClip(r.Context(), clipID, ip, body.AccessCode, storage.ContentTypeText)
	if err != nil {
		qopyerr.Respond(w, &logger, err, h.production)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, fetchResponse{Info: infoFromService(payload.Info), Text: string(payload.Text)}, http.StatusOK)
}
