package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/donovanhide/eventsource"
)

// frame is a data-only SSE event: the wire format carries the JSON object on
// a single "data:" line and nothing else.
type frame string

func (f frame) Id() string    { return "" }
func (f frame) Event() string { return "" }
func (f frame) Data() string  { return string(f) }

// Encoder writes events as "data: {json}\n\n" frames.
type Encoder struct {
	enc *eventsource.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: eventsource.NewEncoder(w, false)}
}

func (e *Encoder) Encode(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream: encode %s event: %w", ev.Type, err)
	}
	return e.enc.Encode(frame(payload))
}

// Decoder reads frames produced by Encoder. Frames whose data is not a JSON
// object with a type are reported as errors; unknown types are returned
// as custom events for the caller to ignore.
type Decoder struct {
	dec *eventsource.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: eventsource.NewDecoder(r)}
}

// Decode returns io.EOF once the stream ended.
func (d *Decoder) Decode() (Event, error) {
	for {
		raw, err := d.dec.Decode()
		if err != nil {
			return Event{}, err
		}
		data := raw.Data()
		if data == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return Event{}, fmt.Errorf("stream: decode frame: %w", err)
		}
		return ev, nil
	}
}
