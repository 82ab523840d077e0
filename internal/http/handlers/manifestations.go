package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"manifestme/internal/domain"
	"manifestme/internal/manifest"
)

type submitRequest struct {
	Prompt string `json:"prompt"`
}

type submitResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

type statusResponse struct {
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	VideoURL  *string          `json:"video_url"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type listResponse struct {
	Items []statusResponse `json:"items"`
}

func toStatusResponse(v manifest.View) statusResponse {
	resp := statusResponse{JobID: v.JobID, Status: v.Status, CreatedAt: v.CreatedAt, UpdatedAt: v.UpdatedAt}
	if v.VideoURL != "" {
		url := v.VideoURL
		resp.VideoURL = &url
	}
	return resp
}

func (a *App) SubmitManifestation(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	job, err := a.Manifests.Submit(r.Context(), userID, req.Prompt)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
}

func (a *App) ManifestationStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	view, err := a.Manifests.Status(r.Context(), jobID, userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toStatusResponse(view))
}

func (a *App) ListManifestations(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		limit = 0
	}
	views, err := a.Manifests.List(r.Context(), userID, limit)
	if err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
			return
		}
		a.fail(w, r, err)
		return
	}
	resp := listResponse{Items: make([]statusResponse, 0, len(views))}
	for _, v := range views {
		resp.Items = append(resp.Items, toStatusResponse(v))
	}
	a.json(w, http.StatusOK, resp)
}
