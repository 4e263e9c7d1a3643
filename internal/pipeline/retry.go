package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"comicstudio/internal/billing"
	"comicstudio/internal/domain"
	"comicstudio/internal/progress"
)

// RetryRequest addresses one unit of a stored run.
type RetryRequest struct {
	ComicID     string
	Order       int
	Description string
	Owner       domain.Identity
}

// RetryResult is the unit after the attempt and any billing warning.
type RetryResult struct {
	Scene         *domain.Scene
	CreditWarning string
}

// RetryUnit regenerates one completed or failed unit. Sibling units are never
// read for writing. On success the new artifact and description replace the
// old ones; on failure the unit keeps its previous artifact, description and
// retry count and is marked failed. A failed attempt is not an error: the
// returned scene carries the outcome. events may be nil.
func (p *Pipeline) RetryUnit(ctx context.Context, req RetryRequest, events progress.Emitter) (RetryResult, error) {
	if req.Order < 1 {
		return RetryResult{}, domain.Invalid("order", "must be >= 1")
	}
	if events == nil {
		events = progress.Discard
	}
	unlock := p.locks.lock(req.ComicID)
	defer unlock()

	run, err := p.lookup(ctx, req.ComicID)
	if err != nil {
		return RetryResult{}, err
	}
	if !run.Owner.Billable() || run.Owner.UserID != req.Owner.UserID {
		return RetryResult{}, fmt.Errorf("comic %s: %w", req.ComicID, domain.ErrNotFound)
	}
	unit, ok := run.Unit(req.Order)
	if !ok {
		return RetryResult{}, fmt.Errorf("scene %d: %w", req.Order, domain.ErrNotFound)
	}
	if !unit.Status.Retryable() {
		return RetryResult{}, fmt.Errorf("scene %d is %s: %w", req.Order, unit.Status, domain.ErrInvalidTransition)
	}

	agg, err := progress.New([]progress.Step{
		{Name: stepSubmitting, Message: fmt.Sprintf("Resubmitting scene %d", unit.Order), Weight: 10},
		{Name: stepGenerating, Message: fmt.Sprintf("Redrawing scene %d", unit.Order), Weight: 80},
		{Name: stepSaving, Message: "Saving scene", Weight: 10},
	}, events)
	if err != nil {
		return RetryResult{}, err
	}

	previous := unit.Clone()
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = unit.Description
	}

	log := p.logger.With().Str("comic_id", run.ID).Int("scene_order", unit.Order).Logger()
	unit.Status = domain.SceneStatusRetry
	unit.RetryCount++
	unit.UpdatedAt = time.Now().UTC()
	if err := p.scenes.SaveScene(ctx, unit); err != nil {
		*unit = *previous
		return RetryResult{}, fmt.Errorf("persist scene: %w", err)
	}
	log.Debug().Int("retry_count", unit.RetryCount).Msg("pipeline: retry accepted")
	unit.Status = domain.SceneStatusProcessing

	if err := agg.StartStep(ctx, stepSubmitting, ""); err != nil {
		p.restore(ctx, unit, previous, msgUnitAbandoned)
		return RetryResult{Scene: unit.Clone()}, err
	}
	outcome, err := p.runUnit(ctx, unitJob{
		run:         run,
		unit:        unit,
		description: description,
		continuity:  continuityFor(run, unit),
		reason:      domain.ReasonSceneRetry,
		entity:      billing.RetryEntity(unit.ID, unit.RetryCount),
		cost:        p.costs.Retry,
		hooks: hooks{
			submitted: func(ctx context.Context) error { return agg.StartStep(ctx, stepGenerating, "") },
			polled:    func(ctx context.Context, percent int) error { return agg.UpdateStep(ctx, float64(percent), "") },
			saving:    func(ctx context.Context) error { return agg.StartStep(ctx, stepSaving, "") },
		},
	})
	var ue *UnitError
	switch {
	case errors.As(err, &ue):
		p.restore(ctx, unit, previous, ue.Message)
		log.Warn().Err(ue.Err).Int("retry_count", unit.RetryCount).Msg("pipeline: retry failed")
		return RetryResult{Scene: unit.Clone()}, nil
	case err != nil:
		p.restore(ctx, unit, previous, msgUnitAbandoned)
		return RetryResult{Scene: unit.Clone()}, err
	}
	if err := agg.Finish(ctx, ""); err != nil {
		log.Debug().Err(err).Msg("pipeline: retry progress not delivered")
	}
	log.Info().Int("retry_count", unit.RetryCount).Msg("pipeline: retry completed")
	return RetryResult{Scene: unit.Clone(), CreditWarning: outcome.Warning}, nil
}

// restore puts back what a failed attempt may not change and marks the
// unit failed.
func (p *Pipeline) restore(ctx context.Context, unit, previous *domain.Scene, message string) {
	unit.RetryCount = previous.RetryCount
	unit.ArtifactURL = previous.ArtifactURL
	unit.Description = previous.Description
	p.failUnit(ctx, unit, message)
}

func (p *Pipeline) lookup(ctx context.Context, comicID string) (*Run, error) {
	if run, ok := p.runs.get(comicID); ok {
		return run, nil
	}
	comic, err := p.scenes.LoadComic(ctx, comicID)
	if err != nil {
		return nil, err
	}
	run := runFromComic(comic)
	p.runs.add(run)
	return run, nil
}

// continuityFor returns the artifact of the closest earlier completed unit.
func continuityFor(run *Run, unit *domain.Scene) string {
	if run.Kind != domain.KindComic {
		return ""
	}
	best := 0
	ref := ""
	for _, u := range run.Units {
		if u.Order < unit.Order && u.Order > best && u.Status == domain.SceneStatusCompleted && u.ArtifactURL != "" {
			best, ref = u.Order, u.ArtifactURL
		}
	}
	return ref
}
