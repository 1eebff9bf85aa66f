package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"studio/internal/http/handlers"
	"studio/internal/infra"
	"studio/internal/middleware"
)

// RouterOptions carries the cross-cutting settings of the HTTP surface.
type RouterOptions struct {
	Logger          infra.Logger
	RateLimitPerMin int
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))

		r.Route("/v1/entities", func(r chi.Router) {
			r.Get("/", app.ListEntities)
			r.Post("/", app.CreateEntity)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", app.GetEntity)
				r.Delete("/", app.DeleteEntity)
				r.Post("/generate", app.GenerateEntity)
				r.Post("/stop", app.StopEntity)
				r.Get("/artifact", app.EntityArtifact)
			})
		})

		r.Post("/v1/generate-all", app.GenerateAll)
		r.Get("/v1/batch", app.BatchStatus)
		r.Get("/v1/export.zip", app.Export)
	})

	return r
}
