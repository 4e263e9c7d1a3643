package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"comicstudio/internal/stream"
)

func TestParseCharacters(t *testing.T) {
	chars, err := parseCharacters([]string{"Fox: a small red fox", "Owl"})
	if err != nil {
		t.Fatalf("parseCharacters: %v", err)
	}
	if len(chars) != 2 || chars[0].Name != "Fox" || chars[0].Description != "a small red fox" || chars[1].Name != "Owl" {
		t.Fatalf("chars = %+v", chars)
	}
	if _, err := parseCharacters([]string{": nameless"}); err == nil {
		t.Fatal("expected error for a character without name")
	}
}

func encodeAll(t *testing.T, events ...stream.Event) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc := stream.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	return &buf
}

func TestConsumeWritesResult(t *testing.T) {
	in := encodeAll(t,
		stream.Progress("preparing", 5, "Preparing your comic"),
		stream.Custom("heartbeat", map[string]any{"n": 1}),
		stream.Complete(map[string]any{"comic_id": "c1"}, "done", ""),
	)
	var out bytes.Buffer
	log := zerolog.Nop()
	if err := consume(in, &log, &out); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !strings.Contains(out.String(), `"comic_id": "c1"`) {
		t.Fatalf("output = %s", out.String())
	}
}

func TestConsumeReportsFailure(t *testing.T) {
	in := encodeAll(t, stream.Failure("scene generation failed"))
	log := zerolog.Nop()
	err := consume(in, &log, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "scene generation failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestConsumeTruncatedStream(t *testing.T) {
	in := encodeAll(t, stream.Progress("preparing", 5, ""))
	log := zerolog.Nop()
	if err := consume(in, &log, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for a stream without terminal event")
	}
}
