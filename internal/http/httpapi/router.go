package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"manifestme/internal/http/handlers"
	"manifestme/internal/infra"
	"manifestme/internal/middleware"
)

type Options struct {
	JWTSecret       string
	AllowedOrigins  []string
	RateLimitPerMin int
	// Static serves signed result URLs when the filesystem object store is
	// in use. Nil disables the /static mount.
	Static http.Handler
	Logger infra.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		chimw.RealIP,
		middleware.RequestID(opts.Logger),
		middleware.Logger(opts.Logger),
		chimw.Recoverer,
		middleware.CORS(opts.AllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/manifestations", func(r chi.Router) {
		if opts.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
		}
		r.Use(middleware.AuthJWT(opts.JWTSecret))
		r.Post("/", app.SubmitManifestation)
		r.Get("/", app.ListManifestations)
		r.Get("/{job_id}", app.ManifestationStatus)
	})

	// Authenticated by the callback token inside the handler.
	r.Post("/v1/worker/callback", app.WorkerCallback)

	if opts.Static != nil {
		r.Handle("/static/*", http.StripPrefix("/static", opts.Static))
	}

	return r
}
