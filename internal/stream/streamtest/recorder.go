// Package streamtest provides an in-memory stream for tests.
package streamtest

import (
	"errors"
	"sync"

	"comicstudio/internal/stream"
)

// Recorder is a Sink that keeps every event written to it. Set FailAfter to
// simulate a client that disconnects after that many events.
type Recorder struct {
	*stream.Stream

	mu        sync.Mutex
	events    []stream.Event
	closes    int
	FailAfter int
}

// NewRecorder returns a recorder wrapped in a guarded stream.
func NewRecorder() *Recorder {
	r := &Recorder{FailAfter: -1}
	r.Stream = stream.New(&sink{r: r})
	return r
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(typ string) []stream.Event {
	var out []stream.Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Progress returns the sequence of progress values.
func (r *Recorder) Progress() []int {
	var out []int
	for _, ev := range r.OfType(stream.TypeProgress) {
		out = append(out, ev.Progress)
	}
	return out
}

// Last returns the final recorded event, if any.
func (r *Recorder) Last() (stream.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return stream.Event{}, false
	}
	return r.events[len(r.events)-1], true
}

// Closes reports how many times the underlying sink was closed.
func (r *Recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

var errDisconnected = errors.New("streamtest: disconnected")

type sink struct {
	r *Recorder
}

func (s *sink) WriteEvent(ev stream.Event) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.FailAfter >= 0 && len(s.r.events) >= s.r.FailAfter {
		return errDisconnected
	}
	s.r.events = append(s.r.events, ev)
	return nil
}

func (s *sink) Close() error {
	s.r.mu.Lock()
	s.r.closes++
	s.r.mu.Unlock()
	return nil
}
