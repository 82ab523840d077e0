package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"manifestme/internal/domain"
	"manifestme/internal/infra"
	"manifestme/internal/manifest"
	"manifestme/internal/middleware"
	"manifestme/internal/worker"
)

// Manifests is the caller-facing job service.
type Manifests interface {
	Submit(ctx context.Context, ownerID, prompt string) (*domain.Job, error)
	Status(ctx context.Context, jobID, ownerID string) (manifest.View, error)
	List(ctx context.Context, ownerID string, limit int) ([]manifest.View, error)
}

// Callbacks handles task queue deliveries.
type Callbacks interface {
	Handle(ctx context.Context, token string, payload domain.TaskPayload) (worker.Outcome, error)
}

type App struct {
	Manifests Manifests
	Callbacks Callbacks
	// Checks are run by Health, keyed by dependency name.
	Checks map[string]HealthCheck
	Logger *infra.Logger
}

func NewApp(manifests Manifests, callbacks Callbacks, logger *infra.Logger) *App {
	if logger == nil {
		l := infra.Logger(zerolog.Nop())
		logger = &l
	}
	return &App{Manifests: manifests, Callbacks: callbacks, Logger: logger}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorResponse{Error: errCode, Message: message})
}

// fail maps domain errors to responses. Pipeline detail stays in the logs.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidPrompt):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, domain.ErrDispatchFailed):
		a.error(w, http.StatusBadGateway, "dispatch_failed", err.Error())
	case errors.Is(err, context.Canceled):
		a.error(w, http.StatusServiceUnavailable, "canceled", "request canceled")
	default:
		a.logger(r).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// logger prefers the request scoped logger carrying the request id.
func (a *App) logger(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return a.Logger
}
