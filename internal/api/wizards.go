package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"orderwizard/internal/auth"
	"orderwizard/internal/fsm"
	"orderwizard/internal/model"

	"github.com/go-chi/chi/v5"
)

const (
	maxEventBody     = 1 << 20
	maxExtendMinutes = 24 * 60
)

type FireEventRequest struct {
	Event   model.Event     `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ExtendRequest struct {
	Minutes int `json:"minutes"`
}

type ExtendResponse struct {
	WizardID  string    `json:"wizardId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Version   int64     `json:"version"`
}

func (d Dependencies) startWizard(w http.ResponseWriter, r *http.Request) {
	operatorID := auth.GetOperatorID(r.Context())
	if operatorID == "" {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "An operator is required to start a wizard", d.Log)
		return
	}

	snap, err := d.Wizards.Start(r.Context(), operatorID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (d Dependencies) getWizard(w http.ResponseWriter, r *http.Request) {
	snap, err := d.Wizards.GetState(r.Context(), chi.URLParam(r, "wizardId"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d Dependencies) fireEvent(w http.ResponseWriter, r *http.Request) {
	var req FireEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}
	if req.Event == "" {
		writeServiceError(w, fsm.Validation("event", "is required"), d.Log)
		return
	}

	snap, err := d.Wizards.Fire(r.Context(), chi.URLParam(r, "wizardId"), req.Event, req.Payload)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d Dependencies) cancelWizard(w http.ResponseWriter, r *http.Request) {
	snap, err := d.Wizards.Cancel(r.Context(), chi.URLParam(r, "wizardId"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d Dependencies) extendWizard(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	if req.Minutes < 1 || req.Minutes > maxExtendMinutes {
		writeServiceError(w, fsm.Validation("minutes", fmt.Sprintf("must be between 1 and %d", maxExtendMinutes)), d.Log)
		return
	}

	session, err := d.Lifecycle.Extend(r.Context(), chi.URLParam(r, "wizardId"), time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, ExtendResponse{
		WizardID:  session.WizardID,
		ExpiresAt: session.ExpiresAt,
		Version:   session.Version,
	})
}

func (d Dependencies) resetStage(w http.ResponseWriter, r *http.Request) {
	stage, err := strconv.Atoi(chi.URLParam(r, "stage"))
	if err != nil {
		writeServiceError(w, fsm.Validation("stage", "must be a number"), d.Log)
		return
	}

	snap, err := d.Wizards.ResetStage(r.Context(), chi.URLParam(r, "wizardId"), stage)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
