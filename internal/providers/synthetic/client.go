// Package synthetic renders deterministic placeholder artwork behind the
// asynchronous job contract so the pipeline runs without provider keys.
package synthetic

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"comicstudio/internal/domain"
	"comicstudio/internal/infra"
)

// Options configures the synthetic client.
type Options struct {
	// PollsUntilReady is how many reads a job stays non-terminal.
	PollsUntilReady int
	Width           int
	Height          int
	BaseURL         string
	Logger          *infra.Logger
}

type job struct {
	req   domain.JobRequest
	seed  string
	polls int
}

// Client implements domain.JobClient entirely in memory.
type Client struct {
	mu      sync.Mutex
	jobs    map[string]*job
	steps   int
	width   int
	height  int
	baseURL string
	logger  *infra.Logger
}

// NewClient returns a synthetic job client.
func NewClient(opts Options) *Client {
	c := &Client{
		jobs:    make(map[string]*job),
		steps:   opts.PollsUntilReady,
		width:   opts.Width,
		height:  opts.Height,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  opts.Logger,
	}
	if c.steps <= 0 {
		c.steps = 2
	}
	if c.width <= 0 {
		c.width = 512
	}
	if c.height <= 0 {
		c.height = 512
	}
	if c.baseURL == "" {
		c.baseURL = "synthetic://jobs"
	}
	if c.logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		c.logger = &l
	}
	return c
}

func (c *Client) Submit(ctx context.Context, req domain.JobRequest) (domain.JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.JobHandle{}, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return domain.JobHandle{}, fmt.Errorf("synthetic: prompt is required")
	}
	id := uuid.NewString()
	c.mu.Lock()
	c.jobs[id] = &job{req: req, seed: deterministicSeed(req.RequestID, req.Prompt, req.Style)}
	c.mu.Unlock()
	c.logger.Debug().Str("job_id", id).Str("request_id", req.RequestID).Msg("synthetic: job submitted")
	return domain.JobHandle{JobID: id, PollRef: c.baseURL + "/" + id}, nil
}

func (c *Client) Poll(ctx context.Context, handle domain.JobHandle) (domain.ExternalJob, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExternalJob{}, err
	}
	c.mu.Lock()
	j, ok := c.jobs[handle.JobID]
	if !ok {
		c.mu.Unlock()
		return domain.ExternalJob{ID: handle.JobID, Status: domain.JobStatusError, ErrorMessage: "unknown job"}, nil
	}
	j.polls++
	polls := j.polls
	if polls > c.steps {
		delete(c.jobs, handle.JobID)
	}
	c.mu.Unlock()

	if polls <= c.steps {
		status := domain.JobStatusProcessing
		if polls == 1 {
			status = domain.JobStatusPending
		}
		return domain.ExternalJob{ID: handle.JobID, Status: status, Progress: polls * 100 / (c.steps + 1)}, nil
	}

	data := renderImage(c.width, c.height, j.seed)
	c.logger.Debug().Str("job_id", handle.JobID).Int("bytes", len(data)).Msg("synthetic: job ready")
	return domain.ExternalJob{
		ID:     handle.JobID,
		Status: domain.JobStatusReady,
		Result: &domain.JobResult{
			URL:    fmt.Sprintf("%s/%s.png", c.baseURL, j.seed),
			Data:   data,
			Format: "image/png",
			Width:  c.width,
			Height: c.height,
		},
	}, nil
}

func renderImage(width, height int, seed string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{colorFromSeed(seed, 0)}, image.Point{}, draw.Src)

	accent := colorFromSeed(seed, 1)
	stripe := max(16, height/12)
	for y := 0; y < height; y += stripe * 2 {
		draw.Draw(img, image.Rect(0, y, width, min(height, y+stripe)), &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	r, _ := strconv.ParseUint(segment[0:2], 16, 8)
	g, _ := strconv.ParseUint(segment[2:4], 16, 8)
	b, _ := strconv.ParseUint(segment[4:6], 16, 8)
	return color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 255}
}

func deterministicSeed(parts ...string) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(part))
		hasher.Write([]byte{'|'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

var _ domain.JobClient = (*Client)(nil)
