// Package poller drives an external asynchronous job to a terminal state.
package poller

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"comicstudio/internal/domain"
	"comicstudio/internal/infra"
)

const (
	DefaultInterval           = time.Second
	DefaultTimeout            = 5 * time.Minute
	DefaultMaxTransportErrors = 5
	DefaultBackoffStart       = time.Second
	DefaultBackoffMax         = 10 * time.Second
)

var (
	ErrPollingTimeout   = fmt.Errorf("poller: %w", domain.ErrPollingTimeout)
	ErrPollingExhausted = fmt.Errorf("poller: %w", domain.ErrPollingExhausted)
)

// JobFailedError reports a job that reached Error or Failed.
type JobFailedError struct {
	JobID   string
	Status  domain.JobStatus
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s %s", e.JobID, e.Status)
	}
	return fmt.Sprintf("job %s %s: %s", e.JobID, e.Status, e.Message)
}

func (e *JobFailedError) Unwrap() error { return domain.ErrExternalJobFailed }

// ProgressFunc receives the synthetic percentage after every successful read.
// Returning an error stops polling and the error is returned by Await.
type ProgressFunc func(ctx context.Context, percent int, job domain.ExternalJob) error

// Options tunes polling. Zero values fall back to the defaults.
type Options struct {
	Interval           time.Duration
	Timeout            time.Duration
	MaxTransportErrors int
	BackoffStart       time.Duration
	BackoffMax         time.Duration
	Logger             *infra.Logger
}

// Poller is stateless between Await calls and safe for concurrent use.
type Poller struct {
	reader    jobReader
	interval  time.Duration
	timeout   time.Duration
	maxErrors int
	backoff   time.Duration
	maxDelay  time.Duration
	logger    *infra.Logger
}

type jobReader interface {
	Poll(ctx context.Context, handle domain.JobHandle) (domain.ExternalJob, error)
}

// New builds a poller reading through client.
func New(client jobReader, opts Options) *Poller {
	p := &Poller{
		reader:    client,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		maxErrors: opts.MaxTransportErrors,
		backoff:   opts.BackoffStart,
		maxDelay:  opts.BackoffMax,
		logger:    opts.Logger,
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.maxErrors <= 0 {
		p.maxErrors = DefaultMaxTransportErrors
	}
	if p.backoff <= 0 {
		p.backoff = DefaultBackoffStart
	}
	if p.maxDelay <= 0 {
		p.maxDelay = DefaultBackoffMax
	}
	if p.logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		p.logger = &l
	}
	return p
}

// Timeout returns the wall-clock bound applied to every job.
func (p *Poller) Timeout() time.Duration { return p.timeout }

// Await polls handle until the job is terminal. It returns the Ready job,
// a *JobFailedError, ErrPollingTimeout, ErrPollingExhausted, the error of
// onProgress, or the parent context's error.
func (p *Poller) Await(ctx context.Context, handle domain.JobHandle, onProgress ProgressFunc) (domain.ExternalJob, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log := p.logger.With().Str("job_id", handle.JobID).Logger()
	for {
		job, err := p.read(deadlineCtx, handle)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return domain.ExternalJob{}, ctx.Err()
			case deadlineCtx.Err() != nil:
				log.Warn().Dur("timeout", p.timeout).Msg("poller: job timed out")
				return domain.ExternalJob{}, ErrPollingTimeout
			default:
				log.Error().Err(err).Int("attempts", p.maxErrors).Msg("poller: giving up after transport errors")
				return domain.ExternalJob{}, fmt.Errorf("%w: %v", ErrPollingExhausted, err)
			}
		}
		if job.ID == "" {
			job.ID = handle.JobID
		}
		if onProgress != nil {
			if err := onProgress(ctx, Percent(job), job); err != nil {
				return job, err
			}
		}
		switch job.Status {
		case domain.JobStatusReady:
			return job, nil
		case domain.JobStatusError, domain.JobStatusFailed:
			return job, &JobFailedError{JobID: job.ID, Status: job.Status, Message: job.ErrorMessage}
		}

		timer := time.NewTimer(p.interval)
		select {
		case <-deadlineCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return domain.ExternalJob{}, ctx.Err()
			}
			log.Warn().Dur("timeout", p.timeout).Msg("poller: job timed out")
			return domain.ExternalJob{}, ErrPollingTimeout
		case <-timer.C:
		}
	}
}

// read performs one logical poll, retrying transport errors with
// exponential backoff. Only consecutive failures count: every Await
// iteration starts a fresh retry budget.
func (p *Poller) read(ctx context.Context, handle domain.JobHandle) (domain.ExternalJob, error) {
	return retry.DoWithData(
		func() (domain.ExternalJob, error) {
			return p.reader.Poll(ctx, handle)
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.maxErrors)),
		retry.Delay(p.backoff),
		retry.MaxDelay(p.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		// Request timeouts wrap context.DeadlineExceeded; only the poll
		// context ends the retries.
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Debug().Err(err).Uint("attempt", n+1).Str("job_id", handle.JobID).Msg("poller: transport error, backing off")
		}),
	)
}

// Percent maps a job snapshot to caller feedback. Reported numeric progress
// refines the non-terminal states.
func Percent(job domain.ExternalJob) int {
	switch job.Status {
	case domain.JobStatusReady:
		return 100
	case domain.JobStatusError, domain.JobStatusFailed:
		return 0
	case domain.JobStatusProcessing:
		if job.Progress > 0 && job.Progress < 100 {
			return job.Progress
		}
		return 50
	default:
		if job.Progress > 0 && job.Progress < 100 {
			return job.Progress
		}
		return 10
	}
}
