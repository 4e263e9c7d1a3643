package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"comicstudio/internal/domain"
	"comicstudio/internal/generation"
	"comicstudio/internal/middleware"
	"comicstudio/internal/pipeline"
	"comicstudio/internal/stream"
)

type sceneInput struct {
	Order       int    `json:"order"`
	Description string `json:"description"`
}

type comicRequest struct {
	Title      string             `json:"title"`
	Style      string             `json:"style"`
	Characters []domain.Character `json:"characters"`
	Scenes     []sceneInput       `json:"scenes"`
	Units      *int               `json:"units"`
	Parallel   bool               `json:"parallel"`
}

func (c comicRequest) toGeneration() (generation.ComicRequest, error) {
	scenes := make([]pipeline.UnitInput, len(c.Scenes))
	for i, s := range c.Scenes {
		scenes[i] = pipeline.UnitInput{Order: s.Order, Description: s.Description}
	}
	req := generation.ComicRequest{
		Title:      c.Title,
		Style:      c.Style,
		Characters: c.Characters,
		Scenes:     scenes,
		Parallel:   c.Parallel,
	}
	if c.Units != nil {
		if *c.Units < 1 {
			return req, domain.Invalid("units", "must be >= 1")
		}
		req.Units = *c.Units
	}
	return req, nil
}

type imageRequest struct {
	Description string             `json:"description"`
	Style       string             `json:"style"`
	Characters  []domain.Character `json:"characters"`
}

type retryRequest struct {
	Description string `json:"description"`
}

type retryResponse struct {
	Scene         *domain.Scene `json:"scene"`
	CreditWarning string        `json:"credit_warning,omitempty"`
}

// sseOpener defers committing the event-stream headers until the service
// has accepted the request.
func sseOpener(w http.ResponseWriter) generation.Opener {
	return func() (generation.Transport, error) {
		return stream.NewSSE(w), nil
	}
}

// StartComic streams a comic run as server-sent events.
func (a *App) StartComic(w http.ResponseWriter, r *http.Request) {
	var req comicRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	greq, err := req.toGeneration()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	rid := middleware.RequestIDFromContext(r.Context())
	if err := a.Generation.StartComic(r.Context(), rid, credentialsFrom(r), greq, sseOpener(w)); err != nil {
		a.fail(w, r, err)
	}
}

// StartImage streams a single-image run as server-sent events.
func (a *App) StartImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	rid := middleware.RequestIDFromContext(r.Context())
	err := a.Generation.StartImage(r.Context(), rid, credentialsFrom(r), generation.ImageRequest{
		Description: req.Description,
		Style:       req.Style,
		Characters:  req.Characters,
	}, sseOpener(w))
	if err != nil {
		a.fail(w, r, err)
	}
}

// RetryScene regenerates one scene and answers with its new state.
func (a *App) RetryScene(w http.ResponseWriter, r *http.Request) {
	order, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil {
		a.fail(w, r, domain.Invalid("order", "must be a number"))
		return
	}
	var req retryRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		a.fail(w, r, err)
		return
	}
	res, err := a.Generation.RetryScene(r.Context(), middleware.RequestIDFromContext(r.Context()), credentialsFrom(r), generation.RetryRequest{
		ComicID:     chi.URLParam(r, "comic_id"),
		Order:       order,
		Description: req.Description,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, retryResponse{Scene: res.Scene, CreditWarning: res.CreditWarning})
}
