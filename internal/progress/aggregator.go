// Package progress projects a list of weighted steps onto a single 0-100
// value and reports every change through an Emitter.
package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
)

// Step is a named phase of work with a relative share of total progress.
type Step struct {
	Name    string
	Message string
	Weight  float64
}

// Update is what the aggregator reports after each call.
type Update struct {
	Step     string
	Message  string
	Progress int
}

// Emitter receives progress updates. Implementations typically write to a
// client stream and return an error once the client is gone.
type Emitter interface {
	EmitProgress(ctx context.Context, u Update) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, u Update) error

func (f EmitterFunc) EmitProgress(ctx context.Context, u Update) error { return f(ctx, u) }

// Discard drops every update.
var Discard Emitter = EmitterFunc(func(context.Context, Update) error { return nil })

// UnknownStepError is returned by StartStep for a name that was not declared.
type UnknownStepError struct {
	Name string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("progress: unknown step %q", e.Name)
}

var errNoStepStarted = errors.New("progress: no step started")

// Aggregator tracks the current step and emits overall progress. It is safe
// for concurrent use; emission happens under the lock so updates leave in
// the order they were computed.
type Aggregator struct {
	mu       sync.Mutex
	steps    []Step
	index    map[string]int
	total    float64
	emitter  Emitter
	current  int
	percent  float64
	lastSent int
}

// New validates steps and returns an aggregator with no step started.
func New(steps []Step, emitter Emitter) (*Aggregator, error) {
	if len(steps) == 0 {
		return nil, errors.New("progress: at least one step is required")
	}
	if emitter == nil {
		emitter = Discard
	}
	a := &Aggregator{
		steps:    make([]Step, len(steps)),
		index:    make(map[string]int, len(steps)),
		emitter:  emitter,
		current:  -1,
		lastSent: 0,
	}
	for i, s := range steps {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return nil, fmt.Errorf("progress: step %d has no name", i)
		}
		if _, dup := a.index[s.Name]; dup {
			return nil, fmt.Errorf("progress: duplicate step %q", s.Name)
		}
		if !(s.Weight > 0) || math.IsInf(s.Weight, 0) {
			return nil, fmt.Errorf("progress: step %q needs a positive weight", s.Name)
		}
		a.steps[i] = s
		a.index[s.Name] = i
		a.total += s.Weight
	}
	return a, nil
}

// StartStep makes name the current step at 0% and emits an update. When
// message is empty the step's declared message is used.
func (a *Aggregator) StartStep(ctx context.Context, name, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.index[strings.TrimSpace(name)]
	if !ok {
		return &UnknownStepError{Name: name}
	}
	a.current = i
	a.percent = 0
	return a.emitLocked(ctx, message)
}

// UpdateStep reports percent (0-100) within the current step.
func (a *Aggregator) UpdateStep(ctx context.Context, percent float64, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current < 0 {
		return errNoStepStarted
	}
	a.percent = clamp(percent)
	return a.emitLocked(ctx, message)
}

// Finish drives the last declared step to 100%.
func (a *Aggregator) Finish(ctx context.Context, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = len(a.steps) - 1
	a.percent = 100
	return a.emitLocked(ctx, message)
}

// Reset forgets the monotonic floor so the same steps can be driven again.
// It is the only way progress goes backwards.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.current = -1
	a.percent = 0
	a.lastSent = 0
	a.mu.Unlock()
}

// Overall returns the last emitted overall value.
func (a *Aggregator) Overall() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSent
}

func (a *Aggregator) emitLocked(ctx context.Context, message string) error {
	step := a.steps[a.current]
	overall := a.computeLocked()
	if overall < a.lastSent {
		overall = a.lastSent
	}
	a.lastSent = overall
	if message == "" {
		message = step.Message
	}
	return a.emitter.EmitProgress(ctx, Update{Step: step.Name, Message: message, Progress: overall})
}

func (a *Aggregator) computeLocked() int {
	var done float64
	for i := 0; i < a.current; i++ {
		done += a.steps[i].Weight
	}
	done += a.percent / 100 * a.steps[a.current].Weight
	return int(math.Round(done / a.total * 100))
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
