package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path"

	"orderwizard/internal/fsm"
	"orderwizard/internal/storage"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const defaultMaxUpload = 16 << 20

// uploadPhoto stores one multipart "file" part for a live wizard. The
// returned reference is what the client sends with PHOTOS_COMPLETED.
func (d Dependencies) uploadPhoto(w http.ResponseWriter, r *http.Request) {
	wizardID := chi.URLParam(r, "wizardId")
	if d.Photos == nil {
		WriteError(w, http.StatusNotImplemented, "photos_disabled", "Photo storage is not configured", d.Log)
		return
	}

	// uploads are only accepted while the wizard can still use them
	if _, err := d.Wizards.GetState(r.Context(), wizardID); err != nil {
		writeServiceError(w, err, d.Log)
		return
	}

	limit := d.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	reader, err := r.MultipartReader()
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Expected a multipart/form-data body", d.Log)
		return
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			writeServiceError(w, fsm.Validation("file", "is required"), d.Log)
			return
		}
		if err != nil {
			writeServiceError(w, err, d.Log)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		ref, err := d.Photos.Save(r.Context(), wizardID, part.FileName(), part.Header.Get("Content-Type"), part)
		part.Close()
		if err != nil {
			writeServiceError(w, err, d.Log)
			return
		}
		writeJSON(w, http.StatusCreated, ref)
		return
	}
}

func (d Dependencies) getPhoto(w http.ResponseWriter, r *http.Request) {
	if d.Photos == nil {
		WriteError(w, http.StatusNotFound, "not_found", "Photo not found", d.Log)
		return
	}
	ref := chi.URLParam(r, "wizardId") + "/" + chi.URLParam(r, "name")

	rc, err := d.Photos.Open(r.Context(), ref)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrInvalidObjectName) {
			WriteError(w, http.StatusNotFound, "not_found", "Photo not found", d.Log)
			return
		}
		d.Log.Error("Failed to open photo", zap.String("ref", ref), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal", "Internal server error", d.Log)
		return
	}
	defer rc.Close()

	if ct := mime.TypeByExtension(path.Ext(ref)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}
