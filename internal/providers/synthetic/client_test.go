package synthetic

import (
	"bytes"
	"context"
	"image/png"
	"testing"

	"comicstudio/internal/domain"
)

func TestJobLifecycle(t *testing.T) {
	c := NewClient(Options{PollsUntilReady: 2, Width: 64, Height: 32})
	ctx := context.Background()
	h, err := c.Submit(ctx, domain.JobRequest{Prompt: "a lighthouse", RequestID: "r1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	want := []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusReady}
	var last domain.ExternalJob
	for i, status := range want {
		last, err = c.Poll(ctx, h)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if last.Status != status {
			t.Fatalf("poll %d status = %q, want %q", i, last.Status, status)
		}
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(last.Result.Data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 32 {
		t.Fatalf("size = %dx%d, want 64x32", cfg.Width, cfg.Height)
	}

	again, err := c.Poll(ctx, h)
	if err != nil {
		t.Fatalf("poll after ready: %v", err)
	}
	if again.Status != domain.JobStatusError {
		t.Fatalf("status after ready = %q, want error", again.Status)
	}
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	if _, err := NewClient(Options{}).Submit(context.Background(), domain.JobRequest{Prompt: "  "}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	seed := deterministicSeed("r1", "prompt")
	if !bytes.Equal(renderImage(16, 16, seed), renderImage(16, 16, seed)) {
		t.Fatal("render differs for the same seed")
	}
}
