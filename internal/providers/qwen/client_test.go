package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"comicstudio/internal/domain"
)

func TestSubmitPayload(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client, err := NewClient(Options{
		APIKey:       "test",
		BaseURL:      "https://dashscope.example/api/v1",
		PromptExtend: true,
		HTTPClient:   &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	transport.setJSONResponse("/api/v1/services/aigc/text2image/image-synthesis", map[string]any{
		"output":     map[string]any{"task_id": "task-1", "task_status": "PENDING"},
		"request_id": "req-1",
	})

	handle, err := client.Submit(context.Background(), domain.JobRequest{
		Prompt:     "a fox in a library",
		References: []string{"", "https://cdn.example.com/prev.png"},
		RequestID:  "run-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle.JobID != "task-1" {
		t.Fatalf("job id = %q, want task-1", handle.JobID)
	}
	if handle.PollRef != "https://dashscope.example/api/v1/tasks/task-1" {
		t.Fatalf("poll ref = %q", handle.PollRef)
	}
	if got := transport.lastHeader.Get("X-DashScope-Async"); got != "enable" {
		t.Fatalf("X-DashScope-Async = %q, want enable", got)
	}
	if got := transport.lastHeader.Get("Authorization"); got != "Bearer test" {
		t.Fatalf("Authorization = %q", got)
	}

	var payload map[string]any
	if err := json.Unmarshal(transport.lastBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	input := payload["input"].(map[string]any)
	if input["prompt"] != "a fox in a library" {
		t.Fatalf("prompt = %v", input["prompt"])
	}
	if input["ref_img"] != "https://cdn.example.com/prev.png" {
		t.Fatalf("ref_img = %v", input["ref_img"])
	}
	params := payload["parameters"].(map[string]any)
	if params["prompt_extend"] != true {
		t.Fatalf("prompt_extend = %v, want true", params["prompt_extend"])
	}
	if params["watermark"] != false {
		t.Fatalf("watermark = %v, want false", params["watermark"])
	}
}

func TestSubmitRequiresCredentials(t *testing.T) {
	client, _ := NewClient(Options{})
	if _, err := client.Submit(context.Background(), domain.JobRequest{Prompt: "x"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestPollStatusMapping(t *testing.T) {
	tests := []struct {
		status string
		want   domain.JobStatus
	}{
		{"PENDING", domain.JobStatusPending},
		{"RUNNING", domain.JobStatusProcessing},
		{"FAILED", domain.JobStatusFailed},
		{"CANCELED", domain.JobStatusError},
		{"UNKNOWN", domain.JobStatusError},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			transport := &captureTransport{responses: map[string]responseStub{}}
			client, _ := NewClient(Options{APIKey: "k", HTTPClient: &http.Client{Transport: transport}})
			transport.setJSONResponse("https://dashscope-intl.aliyuncs.com/api/v1/tasks/t1", map[string]any{
				"output": map[string]any{"task_id": "t1", "task_status": tt.status, "message": "upstream said no"},
			})
			job, err := client.Poll(context.Background(), domain.JobHandle{JobID: "t1"})
			if err != nil {
				t.Fatalf("poll: %v", err)
			}
			if job.Status != tt.want {
				t.Fatalf("status = %q, want %q", job.Status, tt.want)
			}
			if tt.want.Terminal() && job.ErrorMessage == "" {
				t.Fatalf("expected error message for %s", tt.status)
			}
		})
	}
}

func TestPollSucceededDownloadsImage(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client, _ := NewClient(Options{APIKey: "k", HTTPClient: &http.Client{Transport: transport}})
	handle := domain.JobHandle{JobID: "t2", PollRef: "https://dashscope.example/api/v1/tasks/t2"}
	transport.setJSONResponse(handle.PollRef, map[string]any{
		"output": map[string]any{
			"task_id":     "t2",
			"task_status": "SUCCEEDED",
			"results":     []any{map[string]any{"url": "https://example.com/generated/out.png"}},
		},
	})
	transport.setBinaryResponse("https://example.com/generated/out.png", []byte{0x89, 'P', 'N', 'G'})

	job, err := client.Poll(context.Background(), handle)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job.Status != domain.JobStatusReady {
		t.Fatalf("status = %q, want ready", job.Status)
	}
	if job.Result == nil || len(job.Result.Data) != 4 {
		t.Fatalf("expected downloaded image data, got %+v", job.Result)
	}
	if job.Result.Format != "image/png" {
		t.Fatalf("format = %q", job.Result.Format)
	}
}

func TestPollTransportErrorIsReturned(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client, _ := NewClient(Options{APIKey: "k", HTTPClient: &http.Client{Transport: transport}})
	transport.responses["https://dashscope-intl.aliyuncs.com/api/v1/tasks/t3"] = responseStub{
		status: http.StatusServiceUnavailable,
		body:   []byte(`{"code":"Throttling","message":"slow down"}`),
	}
	_, err := client.Poll(context.Background(), domain.JobHandle{JobID: "t3"})
	if err == nil || !strings.Contains(err.Error(), "slow down") {
		t.Fatalf("err = %v, want upstream message", err)
	}
}

type captureTransport struct {
	mu         sync.Mutex
	responses  map[string]responseStub
	lastBody   []byte
	lastHeader http.Header
}

type responseStub struct {
	status int
	header http.Header
	body   []byte
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.Method == http.MethodPost {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		c.lastBody = body
		c.lastHeader = req.Header.Clone()
		if stub, ok := c.responses[req.URL.Path]; ok {
			return stub.toResponse(), nil
		}
	}
	if req.Method == http.MethodGet {
		if stub, ok := c.responses[req.URL.String()]; ok {
			return stub.toResponse(), nil
		}
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

func (c *captureTransport) setJSONResponse(path string, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{
		status: http.StatusOK,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   body,
	}
}

func (c *captureTransport) setBinaryResponse(url string, data []byte) {
	c.responses[url] = responseStub{
		status: http.StatusOK,
		header: http.Header{"Content-Type": []string{"image/png"}},
		body:   data,
	}
}

func (s responseStub) toResponse() *http.Response {
	header := http.Header{}
	for k, values := range s.header {
		cloned := make([]string, len(values))
		copy(cloned, values)
		header[k] = cloned
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}
