package stream

import (
	"net/http"
)

type sseSink struct {
	rc  *http.ResponseController
	enc *Encoder
}

// NewSSE switches w to text/event-stream and returns a Stream writing to it.
// Headers are committed immediately, so call it only after every check that
// could still answer with a plain JSON error.
func NewSSE(w http.ResponseWriter) *Stream {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()
	return New(&sseSink{rc: rc, enc: NewEncoder(w)})
}

func (s *sseSink) WriteEvent(ev Event) error {
	if err := s.enc.Encode(ev); err != nil {
		return err
	}
	return s.rc.Flush()
}
