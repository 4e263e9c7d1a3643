// Package generation is the request boundary of a generation run. It checks
// a request, the caller and the caller's credit before any stream is opened,
// then drives the pipeline and ends the stream exactly once.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"comicstudio/internal/billing"
	"comicstudio/internal/domain"
	"comicstudio/internal/infra"
	"comicstudio/internal/pipeline"
	"comicstudio/internal/poller"
	"comicstudio/internal/stream"
)

// State is a step of the request lifecycle. Every transition is logged.
type State string

const (
	StateValidating      State = "validating"
	StateAuthorizing     State = "authorizing"
	StatePreflight       State = "preflight"
	StatePipelineRunning State = "pipeline-running"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateRejected        State = "rejected"
)

// Client-facing messages. Upstream details only reach the logs.
const (
	MsgGenerationFailed = "generation failed"
	MsgComicComplete    = "Your comic is ready"
	MsgComicPartial     = "Your comic is ready; some scenes failed and can be retried"
	MsgImageComplete    = "Your image is ready"
)

// AuthMode says whether a route needs a signed-in caller.
type AuthMode int

const (
	AuthRequired AuthMode = iota
	AuthOptional
)

// Credentials is what the transport layer learned about the caller.
type Credentials struct {
	Present bool
	UserID  string
	Err     error
}

// AuthError is returned when credentials are missing or invalid.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "unauthorized: " + e.Reason }
func (e *AuthError) Unwrap() error { return domain.ErrUnauthorized }
func authError(reason string) error { return &AuthError{Reason: reason} }

// Transport is the opened event channel of one request.
type Transport interface {
	pipeline.Events
	Close() error
}

// Opener commits the response to streaming. It is only called once every
// check has passed, so a rejected request can still be answered with a
// plain status code.
type Opener func() (Transport, error)

// ComicRequest starts a multi-scene run. Units asks for that many numbered
// scenes drawn from the style alone and excludes Scenes.
type ComicRequest struct {
	Title      string
	Style      string
	Characters []domain.Character
	Scenes     []pipeline.UnitInput
	Units      int
	Parallel   bool
}

func (r ComicRequest) unitInputs(maxUnits int) ([]pipeline.UnitInput, error) {
	if r.Units == 0 {
		return r.Scenes, nil
	}
	switch {
	case len(r.Scenes) > 0:
		return nil, domain.Invalid("units", "cannot be combined with scenes")
	case r.Units < 0:
		return nil, domain.Invalid("units", "must be >= 1")
	case r.Units > maxUnits:
		return nil, domain.Invalid("units", fmt.Sprintf("at most %d scenes are allowed", maxUnits))
	}
	inputs := make([]pipeline.UnitInput, r.Units)
	for i := range inputs {
		inputs[i] = pipeline.UnitInput{Order: i + 1, Description: fmt.Sprintf("scene %d of %d", i+1, r.Units)}
	}
	return inputs, nil
}

// ImageRequest starts a single-image run.
type ImageRequest struct {
	Description string
	Style       string
	Characters  []domain.Character
}

// RetryRequest regenerates one scene of an existing comic.
type RetryRequest struct {
	ComicID     string
	Order       int
	Description string
}

// Service routes generation requests into the pipeline.
type Service struct {
	pipeline *pipeline.Pipeline
	billing  *billing.Reconciler
	logger   *infra.Logger
}

// New builds a Service. A nil logger discards output.
func New(p *pipeline.Pipeline, b *billing.Reconciler, logger *infra.Logger) *Service {
	return &Service{pipeline: p, billing: b, logger: infra.Component(logger, "generation")}
}

// Authorize resolves creds under mode. An invalid token is rejected in both
// modes; a missing token is anonymous when auth is optional.
func Authorize(mode AuthMode, creds Credentials) (domain.Identity, error) {
	switch {
	case creds.Err != nil:
		return domain.Identity{}, authError(creds.Err.Error())
	case creds.Present && strings.TrimSpace(creds.UserID) != "":
		return domain.Identity{UserID: creds.UserID}, nil
	case creds.Present:
		return domain.Identity{}, authError("token has no subject")
	case mode == AuthOptional:
		return domain.AnonymousIdentity(), nil
	default:
		return domain.Identity{}, authError("authorization required")
	}
}

type tracker struct {
	log   infra.Logger
	state State
}

func (s *Service) track(kind, requestID string) *tracker {
	t := &tracker{log: s.logger.With().Str("run_kind", kind).Str("request_id", requestID).Logger()}
	t.to(StateValidating)
	return t
}

func (t *tracker) to(next State) {
	t.log.Debug().Str("from", string(t.state)).Str("state", string(next)).Msg("generation: state")
	t.state = next
}

func (t *tracker) reject(err error) error {
	t.to(StateRejected)
	t.log.Info().Err(err).Msg("generation: rejected")
	return err
}

// StartComic checks the request and, once every check passed, opens the
// stream and runs the comic through the pipeline. A non-nil error means the
// request was rejected before the stream opened; afterwards every outcome
// is delivered on the stream.
func (s *Service) StartComic(ctx context.Context, requestID string, creds Credentials, req ComicRequest, open Opener) error {
	t := s.track(domain.KindComic, requestID)

	inputs, err := req.unitInputs(s.pipeline.MaxUnits())
	if err != nil {
		return t.reject(err)
	}
	style := domain.NewStyleContext(req.Style, req.Characters)
	run, err := s.pipeline.NewComicRun(domain.Identity{}, req.Title, style, inputs, req.Parallel)
	if err != nil {
		return t.reject(err)
	}

	t.to(StateAuthorizing)
	owner, err := Authorize(AuthRequired, creds)
	if err != nil {
		return t.reject(err)
	}
	run.Owner = owner
	t.log = t.log.With().Str("comic_id", run.ID).Str("user_id", owner.UserID).Logger()

	t.to(StatePreflight)
	if err := s.billing.Preflight(ctx, owner, s.pipeline.Cost(run)); err != nil {
		return t.reject(err)
	}

	tr, err := open()
	if err != nil {
		return t.reject(fmt.Errorf("open stream: %w", err))
	}
	defer tr.Close()
	defer s.recoverRun(ctx, t, tr)

	t.to(StatePipelineRunning)
	res, err := s.pipeline.GenerateAll(ctx, run, tr)
	if err != nil {
		s.fail(ctx, t, tr, err, MsgGenerationFailed)
		return nil
	}
	msg := MsgComicComplete
	if res.Summary.Failed > 0 {
		msg = MsgComicPartial
	}
	s.complete(ctx, t, tr, res, msg)
	return nil
}

// StartImage is StartComic for a single image. Auth is optional: anonymous
// callers are served and never billed.
func (s *Service) StartImage(ctx context.Context, requestID string, creds Credentials, req ImageRequest, open Opener) error {
	t := s.track(domain.KindImage, requestID)

	style := domain.NewStyleContext(req.Style, req.Characters)
	run, err := s.pipeline.NewImageRun(domain.Identity{}, req.Description, style)
	if err != nil {
		return t.reject(err)
	}

	t.to(StateAuthorizing)
	owner, err := Authorize(AuthOptional, creds)
	if err != nil {
		return t.reject(err)
	}
	run.Owner = owner
	t.log = t.log.With().Str("comic_id", run.ID).Bool("anonymous", owner.Anonymous).Logger()

	t.to(StatePreflight)
	if err := s.billing.Preflight(ctx, owner, s.pipeline.Cost(run)); err != nil {
		return t.reject(err)
	}

	tr, err := open()
	if err != nil {
		return t.reject(fmt.Errorf("open stream: %w", err))
	}
	defer tr.Close()
	defer s.recoverRun(ctx, t, tr)

	t.to(StatePipelineRunning)
	res, err := s.pipeline.GenerateImageRun(ctx, run, tr)
	var ue *pipeline.UnitError
	switch {
	case errors.As(err, &ue):
		s.fail(ctx, t, tr, err, ue.Message)
	case err != nil:
		s.fail(ctx, t, tr, err, MsgGenerationFailed)
	default:
		s.complete(ctx, t, tr, res, MsgImageComplete)
	}
	return nil
}

// RetryScene regenerates one scene and answers synchronously. A failed
// attempt is not an error: the returned scene is marked failed.
func (s *Service) RetryScene(ctx context.Context, requestID string, creds Credentials, req RetryRequest) (pipeline.RetryResult, error) {
	t := s.track("retry", requestID)

	if _, err := uuid.Parse(req.ComicID); err != nil {
		return pipeline.RetryResult{}, t.reject(domain.Invalid("comic_id", "must be a uuid"))
	}
	if req.Order < 1 {
		return pipeline.RetryResult{}, t.reject(domain.Invalid("order", "must be >= 1"))
	}

	t.to(StateAuthorizing)
	owner, err := Authorize(AuthRequired, creds)
	if err != nil {
		return pipeline.RetryResult{}, t.reject(err)
	}
	t.log = t.log.With().Str("comic_id", req.ComicID).Int("scene_order", req.Order).Str("user_id", owner.UserID).Logger()

	t.to(StatePreflight)
	if err := s.billing.Preflight(ctx, owner, s.pipeline.Costs().Retry); err != nil {
		return pipeline.RetryResult{}, t.reject(err)
	}

	t.to(StatePipelineRunning)
	res, err := s.pipeline.RetryUnit(ctx, pipeline.RetryRequest{
		ComicID:     req.ComicID,
		Order:       req.Order,
		Description: req.Description,
		Owner:       owner,
	}, nil)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrValidation) {
			return pipeline.RetryResult{}, t.reject(err)
		}
		t.to(StateFailed)
		t.log.Error().Err(err).Msg("generation: retry failed")
		return pipeline.RetryResult{}, err
	}
	if res.Scene != nil && res.Scene.Status == domain.SceneStatusFailed {
		t.to(StateFailed)
	} else {
		t.to(StateCompleted)
	}
	return res, nil
}

func (s *Service) complete(ctx context.Context, t *tracker, tr Transport, res pipeline.Result, msg string) {
	err := tr.Send(ctx, stream.Complete(res.Summary, msg, res.CreditWarning))
	if err != nil {
		t.to(StateFailed)
		t.log.Warn().Err(err).Msg("generation: complete event not delivered")
		return
	}
	t.to(StateCompleted)
	t.log.Info().
		Int("completed", res.Summary.Completed).
		Int("failed", res.Summary.Failed).
		Int("charges", res.Charges).
		Bool("credit_warning", res.CreditWarning != "").
		Msg("generation: completed")
}

// recoverRun turns a panic after the stream opened into the generic error
// event. It must be deferred directly.
func (s *Service) recoverRun(ctx context.Context, t *tracker, tr Transport) {
	if r := recover(); r != nil {
		s.fail(ctx, t, tr, fmt.Errorf("panic: %v", r), MsgGenerationFailed)
	}
}

// fail ends the stream with a safe message. A client that went away gets
// nothing; the run is only logged.
func (s *Service) fail(ctx context.Context, t *tracker, tr Transport, cause error, msg string) {
	t.to(StateFailed)
	if stream.IsClientGone(cause) {
		t.log.Info().Err(cause).Msg("generation: client gone")
		return
	}
	ev := t.log.Error()
	var jf *poller.JobFailedError
	if errors.As(cause, &jf) {
		ev = t.log.Warn().Str("job_id", jf.JobID)
	}
	ev.Err(cause).Msg("generation: failed")
	if err := tr.Send(ctx, stream.Failure(msg)); err != nil {
		t.log.Debug().Err(err).Msg("generation: error event not delivered")
	}
}
