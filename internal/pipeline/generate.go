package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"comicstudio/internal/domain"
	"comicstudio/internal/progress"
)

const (
	stepPreparing  = "preparing"
	stepScenes     = "scenes"
	stepFinalizing = "finalizing"

	stepSubmitting = "submitting"
	stepGenerating = "generating"
	stepSaving     = "saving"
)

func sceneStep(order int) string { return fmt.Sprintf("scene-%d", order) }

func comicSteps(run *Run) []progress.Step {
	steps := []progress.Step{{Name: stepPreparing, Message: "Preparing your comic", Weight: 5}}
	if run.Parallel {
		steps = append(steps, progress.Step{Name: stepScenes, Message: fmt.Sprintf("Drawing %d scenes", len(run.Units)), Weight: 90})
	} else {
		w := 90.0 / float64(len(run.Units))
		for _, u := range run.Units {
			steps = append(steps, progress.Step{
				Name:    sceneStep(u.Order),
				Message: fmt.Sprintf("Drawing scene %d of %d", u.Order, len(run.Units)),
				Weight:  w,
			})
		}
	}
	return append(steps, progress.Step{Name: stepFinalizing, Message: "Putting the pages together", Weight: 5})
}

// GenerateAll attempts every unit of run and returns once each is completed
// or failed. A failed unit does not stop the others. The returned error is
// non-nil only when the run as a whole failed: its metadata could not be
// persisted, or events could no longer be delivered.
func (p *Pipeline) GenerateAll(ctx context.Context, run *Run, events Events) (Result, error) {
	agg, err := progress.New(comicSteps(run), events)
	if err != nil {
		return Result{}, err
	}
	unlock := p.locks.lock(run.ID)
	defer unlock()

	if err := agg.StartStep(ctx, stepPreparing, ""); err != nil {
		return Result{}, err
	}
	if err := p.scenes.CreateComic(ctx, run.comic()); err != nil {
		return Result{}, fmt.Errorf("persist comic: %w", err)
	}
	p.runs.add(run)
	if err := agg.UpdateStep(ctx, 100, ""); err != nil {
		return Result{}, err
	}

	var warnings warningSet
	var charges int
	if run.Parallel {
		charges, err = p.generateParallel(ctx, run, agg, events, &warnings)
	} else {
		charges, err = p.generateSeries(ctx, run, agg, events, &warnings)
	}
	if err != nil {
		run.terminal = true
		return Result{}, err
	}

	if err := agg.StartStep(ctx, stepFinalizing, ""); err != nil {
		return Result{}, err
	}
	if err := agg.Finish(ctx, ""); err != nil {
		return Result{}, err
	}
	run.terminal = true
	sum := summarize(run)
	p.logger.Info().
		Str("comic_id", run.ID).
		Int("completed", sum.Completed).
		Int("failed", sum.Failed).
		Int("charges", charges).
		Msg("pipeline: run finished")
	return Result{Summary: sum, CreditWarning: warnings.first(), Charges: charges}, nil
}

// generateSeries runs units in order. Each unit gets the artifact of the
// last completed unit as a continuity reference.
func (p *Pipeline) generateSeries(ctx context.Context, run *Run, agg *progress.Aggregator, events Events, warnings *warningSet) (int, error) {
	var previous string
	charges := 0
	for _, unit := range run.Units {
		if err := agg.StartStep(ctx, sceneStep(unit.Order), ""); err != nil {
			return charges, err
		}
		unit.Status = domain.SceneStatusProcessing
		outcome, err := p.runUnit(ctx, unitJob{
			run:         run,
			unit:        unit,
			description: unit.Description,
			continuity:  previous,
			reason:      domain.ReasonComicScene,
			entity:      unit.ID,
			cost:        p.costs.Scene,
			hooks: hooks{
				submitted: func(ctx context.Context) error { return agg.UpdateStep(ctx, 5, "") },
				polled: func(ctx context.Context, percent int) error {
					return agg.UpdateStep(ctx, 5+float64(percent)*0.85, "")
				},
				saving: func(ctx context.Context) error { return agg.UpdateStep(ctx, 95, "") },
			},
		})
		var ue *UnitError
		switch {
		case errors.As(err, &ue):
			p.failUnit(ctx, unit, ue.Message)
		case err != nil:
			p.failUnit(ctx, unit, msgUnitAbandoned)
			return charges, err
		default:
			previous = unit.ArtifactURL
			warnings.add(outcome.Warning)
			if outcome.Charged {
				charges++
			}
		}
		if err := agg.UpdateStep(ctx, 100, ""); err != nil {
			return charges, err
		}
		if err := p.sendScene(ctx, events, unit); err != nil {
			return charges, err
		}
	}
	return charges, nil
}

// generateParallel runs every unit on the worker pool. Progress of the
// single scenes step is the mean of the units' progress.
func (p *Pipeline) generateParallel(ctx context.Context, run *Run, agg *progress.Aggregator, events Events, warnings *warningSet) (int, error) {
	if err := agg.StartStep(ctx, stepScenes, ""); err != nil {
		return 0, err
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		mu       sync.Mutex
		percents = make([]float64, len(run.Units))
		charges  int
		wg       sync.WaitGroup
	)
	report := func(ctx context.Context, i int, percent float64) error {
		mu.Lock()
		defer mu.Unlock()
		percents[i] = percent
		var sum float64
		for _, v := range percents {
			sum += v
		}
		return agg.UpdateStep(ctx, sum/float64(len(percents)), "")
	}

	for i, unit := range run.Units {
		unit.Status = domain.SceneStatusProcessing
		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					if unit.Status == domain.SceneStatusProcessing {
						p.failUnit(runCtx, unit, msgUnitAbandoned)
					}
					cancel(fmt.Errorf("pipeline: scene %d panicked: %v", unit.Order, r))
				}
			}()
			if runCtx.Err() != nil {
				p.failUnit(runCtx, unit, msgUnitAbandoned)
				return
			}
			outcome, err := p.runUnit(runCtx, unitJob{
				run:         run,
				unit:        unit,
				description: unit.Description,
				reason:      domain.ReasonComicScene,
				entity:      unit.ID,
				cost:        p.costs.Scene,
				hooks: hooks{
					polled: func(ctx context.Context, percent int) error { return report(ctx, i, float64(percent)) },
				},
			})
			var ue *UnitError
			switch {
			case errors.As(err, &ue):
				p.failUnit(runCtx, unit, ue.Message)
			case err != nil:
				p.failUnit(runCtx, unit, msgUnitAbandoned)
				cancel(err)
				return
			default:
				warnings.add(outcome.Warning)
				if outcome.Charged {
					mu.Lock()
					charges++
					mu.Unlock()
				}
			}
			if err := report(runCtx, i, 100); err != nil {
				cancel(err)
				return
			}
			if err := p.sendScene(runCtx, events, unit); err != nil {
				cancel(err)
			}
		}
		if err := p.pool.Submit(task); err != nil {
			wg.Done()
			p.failUnit(runCtx, unit, msgUnitAbandoned)
			cancel(fmt.Errorf("pipeline: schedule scene %d: %w", unit.Order, err))
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if cause := context.Cause(runCtx); cause != nil {
		return charges, cause
	}
	return charges, nil
}

// GenerateSingle produces one standalone image. It is a one-unit run with
// submitting, generating and saving steps.
func (p *Pipeline) GenerateSingle(ctx context.Context, owner domain.Identity, description string, style domain.StyleContext, events Events) (Result, error) {
	run, err := newImageRun(owner, description, style)
	if err != nil {
		return Result{}, err
	}
	return p.GenerateImageRun(ctx, run, events)
}

// NewImageRun validates a single-image request.
func (p *Pipeline) NewImageRun(owner domain.Identity, description string, style domain.StyleContext) (*Run, error) {
	return newImageRun(owner, description, style)
}

// GenerateImageRun drives a run built by NewImageRun.
func (p *Pipeline) GenerateImageRun(ctx context.Context, run *Run, events Events) (Result, error) {
	agg, err := progress.New([]progress.Step{
		{Name: stepSubmitting, Message: "Sending your request", Weight: 10},
		{Name: stepGenerating, Message: "Generating image", Weight: 80},
		{Name: stepSaving, Message: "Saving image", Weight: 10},
	}, events)
	if err != nil {
		return Result{}, err
	}
	unlock := p.locks.lock(run.ID)
	defer unlock()

	if err := agg.StartStep(ctx, stepSubmitting, ""); err != nil {
		return Result{}, err
	}
	if err := p.scenes.CreateComic(ctx, run.comic()); err != nil {
		return Result{}, fmt.Errorf("persist image run: %w", err)
	}
	p.runs.add(run)

	unit := run.Units[0]
	unit.Status = domain.SceneStatusProcessing
	outcome, err := p.runUnit(ctx, unitJob{
		run:         run,
		unit:        unit,
		description: unit.Description,
		reason:      domain.ReasonImageGeneration,
		entity:      unit.ID,
		cost:        p.costs.Image,
		hooks: hooks{
			submitted: func(ctx context.Context) error { return agg.StartStep(ctx, stepGenerating, "") },
			polled:    func(ctx context.Context, percent int) error { return agg.UpdateStep(ctx, float64(percent), "") },
			saving:    func(ctx context.Context) error { return agg.StartStep(ctx, stepSaving, "") },
		},
	})
	run.terminal = true
	var ue *UnitError
	switch {
	case errors.As(err, &ue):
		p.failUnit(ctx, unit, ue.Message)
		return Result{Summary: summarize(run)}, ue
	case err != nil:
		p.failUnit(ctx, unit, msgUnitAbandoned)
		return Result{}, err
	}
	if err := agg.Finish(ctx, ""); err != nil {
		return Result{}, err
	}
	res := Result{Summary: summarize(run), CreditWarning: outcome.Warning}
	if outcome.Charged {
		res.Charges = 1
	}
	return res, nil
}

// warningSet keeps the first non-empty credit warning of a run.
type warningSet struct {
	mu  sync.Mutex
	msg string
}

func (w *warningSet) add(msg string) {
	if msg == "" {
		return
	}
	w.mu.Lock()
	if w.msg == "" {
		w.msg = msg
	}
	w.mu.Unlock()
}

func (w *warningSet) first() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.msg
}
