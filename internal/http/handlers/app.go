package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"comicstudio/internal/domain"
	"comicstudio/internal/generation"
	"comicstudio/internal/middleware"
)

const maxBodyBytes = 1 << 20

// App holds what the generation handlers need.
type App struct {
	Generation *generation.Service
	Logger     zerolog.Logger
	Upgrader   websocket.Upgrader
}

// NewApp builds the handlers. Browser WebSocket clients must come from one
// of allowedOrigins.
func NewApp(svc *generation.Service, logger zerolog.Logger, allowedOrigins []string) *App {
	allow := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allow[o] = struct{}{}
	}
	return &App{
		Generation: svc,
		Logger:     logger,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allow[origin]
				return ok
			},
		},
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errCode, Message: message})
}

// fail answers a request rejected before streaming started.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, errCode, message := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.Logger.Error().Err(err).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("request failed")
	}
	a.error(w, code, errCode, message)
}

// statusFor maps an error onto an HTTP status, a stable code and a message
// that is safe to show to the client.
func statusFor(err error) (int, string, string) {
	var ve *domain.ValidationError
	var ae *generation.AuthError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "bad_request", ve.Error()
	case errors.As(err, &ae):
		return http.StatusUnauthorized, "unauthorized", ae.Reason
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "bad_request", "invalid request"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "authorization required"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits", "not enough credits for this request"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "conflict", "scene cannot be retried in its current state"
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable, "ledger_unavailable", "billing is temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

func credentialsFrom(r *http.Request) generation.Credentials {
	c := middleware.CredentialsFromContext(r.Context())
	return generation.Credentials{Present: c.Present, UserID: c.UserID, Err: c.Err}
}

var errEmptyBody = domain.Invalid("", "request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return domain.Invalid("", "invalid payload")
	}
	return nil
}
