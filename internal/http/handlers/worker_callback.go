package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"manifestme/internal/domain"
	"manifestme/internal/middleware"
)

type callbackResponse struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// WorkerCallback receives task queue deliveries. 2xx tells the queue to stop
// redelivering; 5xx asks it to retry.
func (a *App) WorkerCallback(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		a.error(w, http.StatusForbidden, "forbidden", "forbidden")
		return
	}
	var payload domain.TaskPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&payload); err != nil || payload.JobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	// the pipeline runs inside this request and outlasts the server write
	// timeout; it keeps going if the relay hangs up
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	out, err := a.Callbacks.Handle(r.Context(), token, payload)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, callbackResponse{Status: "success", Note: out.Note})
}
