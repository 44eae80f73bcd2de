package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/teamline/internal/fileserver"
)

// BlobHandler routes blob traffic to the fileserver service.
type BlobHandler struct {
	svc *fileserver.Service
}

func NewBlobHandler(svc *fileserver.Service) *BlobHandler {
	return &BlobHandler{svc: svc}
}

func (h *BlobHandler) Put(w http.ResponseWriter, r *http.Request) {
	h.svc.Put(w, r, chi.URLParam(r, "bucket"), chi.URLParam(r, "*"))
}

func (h *BlobHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.svc.Serve(w, r, chi.URLParam(r, "bucket"), chi.URLParam(r, "*"))
}
