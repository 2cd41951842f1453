package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/accessguard"
	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
	"github.com/Dropicx/qopy-sub004/internal/storage"
	"github.com/Dropicx/qopy-sub004/internal/uploadmgr"
)

// UploadHandler implements POST /upload/init, POST /upload/{id}/chunk/{n},
// POST /upload/{id}/complete, and DELETE /upload/{id}.
type UploadHandler struct {
	mgr        *uploadmgr.Manager
	guard      *accessguard.Guard
	baseURL    string
	production bool
}

func NewUploadHandler(mgr *uploadmgr.Manager, guard *accessguard.Guard, baseURL string, production bool) *UploadHandler {
	return &UploadHandler{mgr: mgr, guard: guard, baseURL: baseURL, production: production}
}

type initiateBody struct {
	Filename       string `json:"filename"`
	Filesize       int64  `json:"filesize"`
	MimeType       string `json:"mimeType"`
	ChunkSize      int64  `json:"chunkSize"`
	OneTime        bool   `json:"oneTime"`
	QuickShare     bool   `json:"quickShare"`
	HasPassword    bool   `json:"hasPassword"`
	IsTextContent  bool   `json:"isTextContent"`
	AccessCodeHash string `json:"accessCodeHash"`
	Retention      string `json:"retention"`
}

type initiateResponse struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int64  `json:"chunkSize"`
}

// Initiate handles POST /upload/init.
func (h *UploadHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	logger := log.Logger
	ip := accessguard.ExtractIP(r)
	if err := h.guard.CheckCreationRate(ip); err != nil {
		qopyerr.Respond(w, &logger, err, h.production)
		return
	}

	var body initiateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		qopyerr.Respond(w, &logger, qopyerr.New(qopyerr.KindValidation, "INVALID_BODY"), h.production)
		return
	}

	info, err := h.mgr.Initiate(r.Context(), uploadmgr.InitiateRequest{
		Filename:       body.Filename,
		Filesize:       body.Filesize,
		MimeType:       body.MimeType,
		ChunkSize:      body.ChunkSize,
		OneTime:        body.OneTime,
		QuickShare:     body.QuickShare,
		HasPassword:    body.HasPassword,
		IsTextContent:  body.IsTextContent,
		AccessCodeHash: body.AccessCodeHash,
		RetentionToken: body.Retention,
	})
	if err != nil {
		qopyerr.Respond(w, &logger, err, h.production)
		return
	}

	respondJSON(w, initiateResponse{UploadID: info.UploadID, TotalChunks: info.TotalChunks, ChunkSize: info.ChunkSize}, http.StatusOK)
}

type chunkResponse struct {
	Uploaded int `json:"uploaded"`
	Total    int `json:"total"`
}

// ReceiveChunk handles POST /upload/{uploadId}/chunk/{n}.
func (h *UploadHandler) ReceiveChunk(w http.ResponseWriter, r *http.Request) {
	logger := log.Logger
	uploadID := chi.URLParam(r, "uploadId")
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 0 {
		qopyerr.Respond(w, &logger, qopyerr.New(qopyerr.KindValidation, "INVALID_CHUNK_SIZE").WithHint("chunk index must be a non-negative integer"), h.production)
		return
	}

	declaredSize := r.ContentLength
	result, err := h.mgr.ReceiveChunk(r.Context(), uploadID, n, declaredSize, r.Body)
	if err != nil {
		qopyerr.Respond(w, &logger, err, h.production)
		return
	}

	respondJSON(w, chunkResponse{Uploaded: result.UploadedChunks, Total: result.TotalChunks}, http.StatusOK)
}

type completeResponse struct {
	ClipID string `json:"clipId"`
	URL    string `json:"url"`
}

// Complete handles POST /upload/{uploadId}/complete.
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	logger := log.Logger
	uploadID := chi.URLParam(r, "uploadId")

	result, err := h.mgr.Complete(r.Context(), uploadID)
	if err != nil {
		qopyerr.Respond(w, &logger, err, h.production)
		return
	}

	path := "/clip/"
	if result.ContentType == storage.ContentTypeFile {
		path = "/file/"
	}
	respondJSON(w, completeResponse{ClipID: result.ClipID, URL: h.baseURL + path + result.ClipID}, http.StatusOK)
}

// Abort handles DELETE /upload/{uploadId}.
func (h *UploadHandler) Abort(w http.ResponseWriter, r *http.Request) {
	logger := log.Logger
	uploadID := chi.URLParam(r, "uploadId")

	if err := h.mgr.Abort(r.Context(), uploadID); err != nil {
		qopyerr.Respond(w, &logger, err, h.production)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
