package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"comicstudio/internal/domain"
	"comicstudio/internal/generation"
	"comicstudio/internal/poller"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		key  string
	}{
		{"validation", domain.Invalid("title", "is required"), http.StatusBadRequest, "bad_request"},
		{"auth", &generation.AuthError{Reason: "authorization required"}, http.StatusUnauthorized, "unauthorized"},
		{"credits", fmt.Errorf("preflight: %w", domain.ErrInsufficientCredits), http.StatusPaymentRequired, "insufficient_credits"},
		{"not found", fmt.Errorf("comic x: %w", domain.ErrNotFound), http.StatusNotFound, "not_found"},
		{"transition", domain.ErrInvalidTransition, http.StatusConflict, "conflict"},
		{"ledger", fmt.Errorf("check credits: %w", domain.ErrLedgerUnavailable), http.StatusServiceUnavailable, "ledger_unavailable"},
		{"job failed", &poller.JobFailedError{JobID: "j1", Message: "content policy"}, http.StatusInternalServerError, "internal"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, key, msg := statusFor(tt.err)
			if code != tt.code || key != tt.key {
				t.Fatalf("statusFor(%v) = %d %s, want %d %s", tt.err, code, key, tt.code, tt.key)
			}
			if msg == "" {
				t.Fatal("empty message")
			}
		})
	}
}

func TestStatusForHidesInternalDetail(t *testing.T) {
	_, _, msg := statusFor(errors.New("pq: password authentication failed"))
	if msg != "internal error" {
		t.Fatalf("message = %q", msg)
	}
}
