package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"comicstudio/internal/http/handlers"
	"comicstudio/internal/middleware"
	"comicstudio/internal/ratelimit"
)

// Options configures the router.
type Options struct {
	Logger         zerolog.Logger
	JWTSecret      string
	Limiter        ratelimit.Limiter
	AllowedOrigins []string
	// StaticDir, when set, is served under /static for the file artifact store.
	StaticDir string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)

	if opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir))))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(opts.JWTSecret))
		if opts.Limiter != nil {
			r.Use(middleware.RateLimit(opts.Limiter, opts.Logger))
		}

		r.Route("/v1/comics", func(r chi.Router) {
			r.Post("/", app.StartComic)
			r.Get("/ws", app.ComicsWebSocket)
			r.Post("/{comic_id}/scenes/{order}/retry", app.RetryScene)
		})
		r.Post("/v1/images", app.StartImage)
	})

	return r
}
