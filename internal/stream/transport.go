// Package stream is the server-to-client event channel of a generation run.
//
// A Stream has one producer (the orchestrating goroutine, or parallel unit
// workers that share it) and one consumer (the client connection). Writes
// are serialized, delivered in the order they were produced, and the channel
// closes exactly once: after a complete or error event, or on Close. Any send
// after that fails with ErrClosed instead of reaching the client.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"comicstudio/internal/progress"
)

var (
	// ErrClosed is returned by Send once the stream reached a terminal state.
	ErrClosed = errors.New("stream: closed")
	// ErrClientGone is returned when the consumer stopped reading.
	ErrClientGone = errors.New("stream: client gone")
)

// Transport is the producer side of a run's event channel.
type Transport interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// Sink writes one encoded event to the underlying connection.
type Sink interface {
	WriteEvent(ev Event) error
}

// Stream guards a Sink with ordering and close-once semantics.
type Stream struct {
	mu     sync.Mutex
	sink   Sink
	closed bool
	once   sync.Once
	cerr   error
}

// New wraps sink. If sink implements io.Closer it is closed with the stream.
func New(sink Sink) *Stream {
	return &Stream{sink: sink}
}

// Send delivers ev. A failed write or a cancelled context marks the client
// as gone and closes the stream.
func (s *Stream) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		s.closeLocked()
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	if err := s.sink.WriteEvent(ev); err != nil {
		s.closeLocked()
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	if ev.Terminal() {
		s.closeLocked()
	}
	return nil
}

// EmitProgress lets a Stream back a progress.Aggregator.
func (s *Stream) EmitProgress(ctx context.Context, u progress.Update) error {
	return s.Send(ctx, Progress(u.Step, u.Progress, u.Message))
}

// Close ends the stream without a terminal event. Safe to call repeatedly.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return s.cerr
}

// Closed reports whether further sends are rejected.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) closeLocked() {
	s.closed = true
	s.once.Do(func() {
		if c, ok := s.sink.(io.Closer); ok {
			s.cerr = c.Close()
		}
	})
}

// IsClientGone reports whether err means the consumer disconnected or the
// stream can no longer be written.
func IsClientGone(err error) bool {
	return errors.Is(err, ErrClientGone) || errors.Is(err, ErrClosed)
}

var _ progress.Emitter = (*Stream)(nil)
var _ Transport = (*Stream)(nil)
