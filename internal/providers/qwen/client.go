package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"comicstudio/internal/domain"
	"comicstudio/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("qwen: api key is required")

// Options configures the DashScope client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	DefaultSize    string
	PromptExtend   bool
	Watermark      bool
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client submits asynchronous text-to-image tasks to DashScope and reads
// their status back. It implements domain.JobClient.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	defaultSize  string
	promptExtend bool
	watermark    bool
	httpClient   *http.Client
	logger       *infra.Logger
}

type taskRequest struct {
	Model      string     `json:"model"`
	Input      taskInput  `json:"input"`
	Parameters taskParams `json:"parameters"`
}

type taskInput struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	RefImage       string `json:"ref_img,omitempty"`
}

type taskParams struct {
	Size         string `json:"size,omitempty"`
	N            int    `json:"n"`
	PromptExtend *bool  `json:"prompt_extend,omitempty"`
	Watermark    *bool  `json:"watermark,omitempty"`
}

type taskResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Results    []struct {
			URL     string `json:"url"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"results"`
		TaskMetrics struct {
			Total     int `json:"TOTAL"`
			Succeeded int `json:"SUCCEEDED"`
			Failed    int `json:"FAILED"`
		} `json:"task_metrics"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "wanx2.1-t2i-turbo"
	}
	defaultSize := strings.TrimSpace(opts.DefaultSize)
	if defaultSize == "" {
		defaultSize = "1024*1024"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      baseURL,
		model:        model,
		defaultSize:  defaultSize,
		promptExtend: opts.PromptExtend,
		watermark:    opts.Watermark,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit starts one image task and returns its handle.
func (c *Client) Submit(ctx context.Context, req domain.JobRequest) (domain.JobHandle, error) {
	if !c.HasCredentials() {
		return domain.JobHandle{}, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return domain.JobHandle{}, errors.New("qwen: prompt is required")
	}
	payload := taskRequest{
		Model:      c.model,
		Input:      taskInput{Prompt: prompt},
		Parameters: taskParams{Size: c.defaultSize, N: 1},
	}
	for _, ref := range req.References {
		if ref = strings.TrimSpace(ref); ref != "" {
			payload.Input.RefImage = ref
			break
		}
	}
	if extend := c.promptExtend; extend {
		payload.Parameters.PromptExtend = &extend
	}
	watermark := c.watermark
	payload.Parameters.Watermark = &watermark

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("qwen: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/services/aigc/text2image/image-synthesis", bytes.NewReader(body))
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("qwen: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-DashScope-Async", "enable")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-Id", req.RequestID)
	}

	decoded, err := c.do(httpReq)
	if err != nil {
		return domain.JobHandle{}, err
	}
	if decoded.Output.TaskID == "" {
		return domain.JobHandle{}, errors.New("qwen: empty task id")
	}
	c.logger.Debug().
		Str("model", c.model).
		Str("request_id", decoded.RequestID).
		Str("task_id", decoded.Output.TaskID).
		Msg("qwen: task submitted")
	return domain.JobHandle{JobID: decoded.Output.TaskID, PollRef: c.baseURL + "/tasks/" + url.PathEscape(decoded.Output.TaskID)}, nil
}

// Poll reads the task status once. A succeeded task is returned with its
// image downloaded.
func (c *Client) Poll(ctx context.Context, handle domain.JobHandle) (domain.ExternalJob, error) {
	if !c.HasCredentials() {
		return domain.ExternalJob{}, ErrMissingAPIKey
	}
	endpoint := handle.PollRef
	if endpoint == "" {
		endpoint = c.baseURL + "/tasks/" + url.PathEscape(handle.JobID)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.ExternalJob{}, fmt.Errorf("qwen: build request: %w", err)
	}
	decoded, err := c.do(httpReq)
	if err != nil {
		return domain.ExternalJob{}, err
	}

	job := domain.ExternalJob{ID: handle.JobID, Status: mapStatus(decoded.Output.TaskStatus)}
	if m := decoded.Output.TaskMetrics; m.Total > 0 && job.Status == domain.JobStatusProcessing {
		job.Progress = (m.Succeeded + m.Failed) * 100 / m.Total
	}
	switch job.Status {
	case domain.JobStatusFailed, domain.JobStatusError:
		job.ErrorMessage = strings.TrimSpace(decoded.Output.Message)
		if job.ErrorMessage == "" {
			job.ErrorMessage = strings.ToLower(decoded.Output.TaskStatus)
		}
	case domain.JobStatusReady:
		imageURL := firstResultURL(decoded)
		if imageURL == "" {
			job.Status = domain.JobStatusFailed
			job.ErrorMessage = "empty image url"
			return job, nil
		}
		data, format, err := c.download(ctx, imageURL)
		if err != nil {
			return domain.ExternalJob{}, err
		}
		result := &domain.JobResult{URL: imageURL, Data: data, Format: format}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			result.Width, result.Height = cfg.Width, cfg.Height
		}
		job.Result = result
		c.logger.Debug().
			Str("task_id", handle.JobID).
			Str("url", imageURL).
			Msg("qwen: task succeeded")
	}
	return job, nil
}

func (c *Client) do(req *http.Request) (*taskResponse, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qwen: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("qwen: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return nil, fmt.Errorf("qwen: %s (%s)", detail.Message, detail.Code)
		}
		return nil, fmt.Errorf("qwen: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded taskResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("qwen: decode response: %w", err)
	}
	if decoded.Code != "" {
		return nil, fmt.Errorf("qwen: %s (%s)", decoded.Message, decoded.Code)
	}
	return &decoded, nil
}

func (c *Client) download(ctx context.Context, imageURL string) ([]byte, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(imageURL))
	if err != nil || parsed.Scheme == "" {
		return nil, "", fmt.Errorf("qwen: invalid image url: %s", imageURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("qwen: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("qwen: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("qwen: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("qwen: read image: %w", err)
	}
	format := resp.Header.Get("Content-Type")
	if format == "" {
		format = "image/png"
	}
	return data, format, nil
}

func mapStatus(s string) domain.JobStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return domain.JobStatusPending
	case "RUNNING":
		return domain.JobStatusProcessing
	case "SUCCEEDED":
		return domain.JobStatusReady
	case "FAILED":
		return domain.JobStatusFailed
	default:
		// CANCELED, UNKNOWN (expired task id)
		return domain.JobStatusError
	}
}

func firstResultURL(resp *taskResponse) string {
	for _, r := range resp.Output.Results {
		if u := strings.TrimSpace(r.URL); u != "" {
			return u
		}
	}
	return ""
}

var _ domain.JobClient = (*Client)(nil)
