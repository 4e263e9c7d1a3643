package stream

import (
	"encoding/json"
	"fmt"
)

// Event types understood by clients. Anything else is a custom event that
// consumers may ignore.
const (
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeError    = "error"
	TypeScene    = "scene"
)

// Event is one server-to-client message. Only the fields relevant to Type
// are encoded; Payload carries the fields of custom events.
type Event struct {
	Type          string
	Step          string
	Progress      int
	Message       string
	Data          any
	Error         string
	CreditWarning string
	Payload       map[string]any
}

// Progress builds a progress event.
func Progress(step string, percent int, message string) Event {
	return Event{Type: TypeProgress, Step: step, Progress: percent, Message: message}
}

// Complete builds the terminal success event.
func Complete(data any, message, creditWarning string) Event {
	return Event{Type: TypeComplete, Data: data, Message: message, CreditWarning: creditWarning}
}

// Failure builds the terminal error event.
func Failure(message string) Event {
	return Event{Type: TypeError, Error: message}
}

// Custom builds an event of an arbitrary type with a flat payload.
func Custom(typ string, payload map[string]any) Event {
	return Event{Type: typ, Payload: payload}
}

// Terminal reports whether the stream must end after this event.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// DecodeData unmarshals the data of a decoded complete event into v.
func (e Event) DecodeData(v any) error {
	switch d := e.Data.(type) {
	case nil:
		return fmt.Errorf("stream: event %q has no data", e.Type)
	case json.RawMessage:
		return json.Unmarshal(d, v)
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	switch e.Type {
	case TypeProgress:
		out["step"] = e.Step
		out["progress"] = e.Progress
		out["message"] = e.Message
	case TypeComplete:
		out["data"] = e.Data
		out["message"] = e.Message
		if e.CreditWarning != "" {
			out["creditWarning"] = e.CreditWarning
		}
	case TypeError:
		out["error"] = e.Error
	}
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event{}
	if err := unmarshalField(raw, "type", &e.Type); err != nil {
		return err
	}
	if e.Type == "" {
		return fmt.Errorf("stream: event without type")
	}
	delete(raw, "type")
	switch e.Type {
	case TypeProgress:
		if err := unmarshalFields(raw, map[string]any{"step": &e.Step, "progress": &e.Progress, "message": &e.Message}); err != nil {
			return err
		}
	case TypeComplete:
		if d, ok := raw["data"]; ok {
			e.Data = d
			delete(raw, "data")
		}
		if err := unmarshalFields(raw, map[string]any{"message": &e.Message, "creditWarning": &e.CreditWarning}); err != nil {
			return err
		}
	case TypeError:
		if err := unmarshalField(raw, "error", &e.Error); err != nil {
			return err
		}
		delete(raw, "error")
	}
	if len(raw) == 0 {
		return nil
	}
	e.Payload = make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("stream: decode %s: %w", k, err)
		}
		e.Payload[k] = val
	}
	return nil
}

func unmarshalFields(raw map[string]json.RawMessage, fields map[string]any) error {
	for key, dst := range fields {
		if err := unmarshalField(raw, key, dst); err != nil {
			return err
		}
		delete(raw, key)
	}
	return nil
}

func unmarshalField(raw map[string]json.RawMessage, key string, dst any) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("stream: decode %s: %w", key, err)
	}
	return nil
}
