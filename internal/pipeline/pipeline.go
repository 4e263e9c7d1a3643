// Package pipeline generates the scenes of a comic, or a single image, as
// external jobs. Each scene is submitted, polled to a terminal state,
// persisted and billed on its own; a failed scene never stops its siblings
// and can later be regenerated without touching them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/panjf2000/ants/v2"

	"comicstudio/internal/billing"
	"comicstudio/internal/domain"
	"comicstudio/internal/infra"
	"comicstudio/internal/poller"
	"comicstudio/internal/progress"
	"comicstudio/internal/stream"
)

const (
	DefaultMaxUnits  = 12
	DefaultWorkers   = 8
	DefaultCacheSize = 256
)

// Client-facing messages for failed scenes. Upstream detail stays in logs.
const (
	msgUnitFailed    = "scene generation failed"
	msgUnitTimedOut  = "scene generation timed out"
	msgUnitAbandoned = "scene generation abandoned"
)

// Events is where a run reports progress and per-scene results.
// *stream.Stream satisfies it.
type Events interface {
	progress.Emitter
	Send(ctx context.Context, ev stream.Event) error
}

// Awaiter drives a submitted job to a terminal state.
type Awaiter interface {
	Await(ctx context.Context, handle domain.JobHandle, onProgress poller.ProgressFunc) (domain.ExternalJob, error)
}

// Costs are the credit prices per billable unit.
type Costs struct {
	Scene int
	Image int
	Retry int
}

// Deps are the collaborators of a pipeline.
type Deps struct {
	Jobs    domain.JobClient
	Poller  Awaiter
	Store   domain.ArtifactStore
	Scenes  domain.SceneRepository
	Billing *billing.Reconciler
	Logger  *infra.Logger
}

// Options tunes a pipeline. Zero values fall back to the defaults.
type Options struct {
	MaxUnits  int
	Workers   int
	CacheSize int
	Costs     Costs
}

// Pipeline is shared by every request of the process.
type Pipeline struct {
	jobs     domain.JobClient
	poller   Awaiter
	store    domain.ArtifactStore
	scenes   domain.SceneRepository
	billing  *billing.Reconciler
	logger   *infra.Logger
	pool     *ants.Pool
	runs     *registry
	locks    *keyedMutex
	maxUnits int
	costs    Costs
}

// New wires a pipeline. Close releases its worker pool.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Jobs == nil || deps.Poller == nil || deps.Store == nil || deps.Scenes == nil || deps.Billing == nil {
		return nil, errors.New("pipeline: jobs, poller, store, scenes and billing are required")
	}
	if opts.MaxUnits <= 0 {
		opts.MaxUnits = DefaultMaxUnits
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Costs == (Costs{}) {
		opts.Costs = Costs{Scene: 1, Image: 1, Retry: 1}
	}
	logger := deps.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("pipeline: worker pool: %w", err)
	}
	runs, err := newRegistry(opts.CacheSize)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("pipeline: registry: %w", err)
	}
	return &Pipeline{
		jobs:     deps.Jobs,
		poller:   deps.Poller,
		store:    deps.Store,
		scenes:   deps.Scenes,
		billing:  deps.Billing,
		logger:   logger,
		pool:     pool,
		runs:     runs,
		locks:    newKeyedMutex(),
		maxUnits: opts.MaxUnits,
		costs:    opts.Costs,
	}, nil
}

// Close releases the worker pool.
func (p *Pipeline) Close() {
	p.pool.Release()
}

// MaxUnits is the largest number of scenes one comic may have.
func (p *Pipeline) MaxUnits() int { return p.maxUnits }

// Costs returns the configured prices.
func (p *Pipeline) Costs() Costs { return p.costs }

// Cost is the credit amount a run needs up front.
func (p *Pipeline) Cost(run *Run) int {
	if run.Kind == domain.KindImage {
		return p.costs.Image * len(run.Units)
	}
	return p.costs.Scene * len(run.Units)
}

// Summary is the data object of the terminal complete event.
type Summary struct {
	ComicID   string          `json:"comic_id"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title,omitempty"`
	Style     string          `json:"style,omitempty"`
	ImageURL  string          `json:"image_url,omitempty"`
	Scenes    []*domain.Scene `json:"scenes"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
}

// Result is what a finished run hands back to its caller.
type Result struct {
	Summary       Summary
	CreditWarning string
	Charges       int
}

func summarize(run *Run) Summary {
	s := Summary{ComicID: run.ID, Kind: run.Kind, Title: run.Title, Style: run.Style.Style()}
	for _, u := range run.Units {
		c := u.Clone()
		s.Scenes = append(s.Scenes, c)
		switch c.Status {
		case domain.SceneStatusCompleted:
			s.Completed++
		case domain.SceneStatusFailed:
			s.Failed++
		}
	}
	if run.Kind == domain.KindImage && len(s.Scenes) == 1 {
		s.ImageURL = s.Scenes[0].ArtifactURL
	}
	return s
}

// hooks let the caller map a unit's phases onto its progress steps.
type hooks struct {
	submitted func(ctx context.Context) error
	polled    func(ctx context.Context, percent int) error
	saving    func(ctx context.Context) error
}

// unitJob is one attempt at producing a unit's artifact.
type unitJob struct {
	run         *Run
	unit        *domain.Scene
	description string
	continuity  string
	reason      string
	entity      string
	cost        int
	hooks       hooks
}

// UnitError is a failure confined to one unit. Message is safe to show to
// the client; Err carries the detail for logs.
type UnitError struct {
	Message string
	Err     error
}

func (e *UnitError) Error() string { return e.Message + ": " + e.Err.Error() }
func (e *UnitError) Unwrap() error { return e.Err }

// runUnit submits, polls, persists and charges one unit. On success the unit
// is completed and saved. On a *UnitError the unit is left as it was;
// any other error, a recovered panic included, means the run must be
// abandoned.
func (p *Pipeline) runUnit(ctx context.Context, j unitJob) (_ billing.Outcome, err error) {
	log := p.logger.With().Str("comic_id", j.run.ID).Int("scene_order", j.unit.Order).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("pipeline: scene panicked")
			err = fmt.Errorf("pipeline: scene %d panicked: %v", j.unit.Order, r)
		}
	}()

	req := domain.JobRequest{
		Prompt:     composePrompt(j.run.Style, j.description, j.continuity != ""),
		Style:      j.run.Style.Style(),
		References: references(j.run.Style, j.continuity),
		RequestID:  j.unit.ID,
	}
	handle, err := p.jobs.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return billing.Outcome{}, ctx.Err()
		}
		log.Error().Err(err).Msg("pipeline: submit failed")
		return billing.Outcome{}, &UnitError{Message: msgUnitFailed, Err: err}
	}
	log = log.With().Str("job_id", handle.JobID).Logger()
	if err := call(ctx, j.hooks.submitted); err != nil {
		return billing.Outcome{}, err
	}

	var emitErr error
	job, err := p.poller.Await(ctx, handle, func(ctx context.Context, percent int, _ domain.ExternalJob) error {
		if j.hooks.polled == nil {
			return nil
		}
		emitErr = j.hooks.polled(ctx, percent)
		return emitErr
	})
	switch {
	case emitErr != nil:
		return billing.Outcome{}, emitErr
	case err != nil && ctx.Err() != nil:
		return billing.Outcome{}, ctx.Err()
	case errors.Is(err, domain.ErrPollingTimeout):
		log.Warn().Err(err).Msg("pipeline: job timed out")
		return billing.Outcome{}, &UnitError{Message: msgUnitTimedOut, Err: err}
	case err != nil:
		log.Warn().Err(err).Msg("pipeline: job failed")
		return billing.Outcome{}, &UnitError{Message: msgUnitFailed, Err: err}
	}
	if err := call(ctx, j.hooks.saving); err != nil {
		return billing.Outcome{}, err
	}

	// The job produced an artifact: commit it even if the client leaves now.
	commitCtx := context.WithoutCancel(ctx)
	url, err := p.persistArtifact(commitCtx, j, job.Result)
	if err != nil {
		log.Error().Err(err).Msg("pipeline: persist artifact failed")
		return billing.Outcome{}, &UnitError{Message: msgUnitFailed, Err: err}
	}

	before := *j.unit
	j.unit.ArtifactURL = url
	j.unit.Description = j.description
	j.unit.Status = domain.SceneStatusCompleted
	j.unit.ErrorMessage = ""
	j.unit.UpdatedAt = time.Now().UTC()
	if err := p.scenes.SaveScene(commitCtx, j.unit); err != nil {
		*j.unit = before
		log.Error().Err(err).Msg("pipeline: persist scene failed")
		return billing.Outcome{}, &UnitError{Message: msgUnitFailed, Err: err}
	}

	outcome := p.billing.Charge(commitCtx, j.run.Owner, j.cost, j.reason, j.entity)
	log.Info().Str("artifact_url", url).Bool("charged", outcome.Charged).Msg("pipeline: scene completed")
	return outcome, nil
}

func (p *Pipeline) persistArtifact(ctx context.Context, j unitJob, res *domain.JobResult) (string, error) {
	if res == nil {
		return "", errors.New("job returned no result")
	}
	if len(res.Data) == 0 {
		if res.URL == "" {
			return "", errors.New("job returned an empty result")
		}
		return res.URL, nil
	}
	format := res.Format
	if format == "" {
		format = "image/png"
	}
	key := fmt.Sprintf("comics/%s/scene-%02d-r%d%s", j.run.ID, j.unit.Order, j.unit.RetryCount, extensionFor(format))
	return p.store.Put(ctx, key, res.Data, format)
}

// failUnit records a unit failure. Saving is best effort: the unit stays
// addressable in the run either way.
func (p *Pipeline) failUnit(ctx context.Context, unit *domain.Scene, message string) {
	unit.Status = domain.SceneStatusFailed
	unit.ErrorMessage = message
	unit.UpdatedAt = time.Now().UTC()
	if err := p.scenes.SaveScene(context.WithoutCancel(ctx), unit); err != nil {
		p.logger.Error().Err(err).Str("comic_id", unit.ComicID).Int("scene_order", unit.Order).Msg("pipeline: persist failed scene")
	}
}

func (p *Pipeline) sendScene(ctx context.Context, events Events, unit *domain.Scene) error {
	return events.Send(ctx, stream.Custom(stream.TypeScene, map[string]any{"scene": unit.Clone()}))
}

func call(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
