package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// HTTPConfig configures the HTTP agent invoker.
type HTTPConfig struct {
	Timeout         time.Duration
	MaxResponseBody int64
}

const (
	defaultInvokeTimeout   = 120 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// HTTPInvoker calls OpenAI-compatible chat completion endpoints, one per
// agent profile. Network failures and backend overload surface as transient
// errors so the scheduler's retry policy applies; client-side mistakes
// (bad model, bad auth) are fatal.
type HTTPInvoker struct {
	directory *Directory
	config    HTTPConfig
	client    *http.Client
}

// NewHTTPInvoker creates an invoker backed by the given agent directory.
func NewHTTPInvoker(dir *Directory, cfg HTTPConfig) *HTTPInvoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultInvokeTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPInvoker{
		directory: dir,
		config:    cfg,
		client:    &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Invoke resolves the agent profile and executes a chat completion request.
func (inv *HTTPInvoker) Invoke(ctx context.Context, call Invocation) (*Completion, error) {
	if call.Prompt == "" {
		return nil, schema.NewErrorf(schema.ErrCodeFatal, "agent %q: empty prompt", call.AgentID)
	}

	profile, err := inv.directory.Get(call.AgentID)
	if err != nil {
		// Validation rejects unknown agents before a run starts, so a miss
		// here means the directory changed underneath a running workflow.
		return nil, schema.AsEngineError(err, schema.ErrCodeFatal)
	}

	model := profile.Model
	if call.Model != "" {
		model = call.Model
	}
	temperature := profile.Temperature
	if call.Temperature != nil {
		temperature = call.Temperature
	}
	systemPrompt := profile.SystemPrompt
	if call.SystemPrompt != "" {
		systemPrompt = call.SystemPrompt
	}

	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: call.Prompt})

	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   call.MaxTokens,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"agent %q: marshal request: %v", call.AgentID, err).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, inv.config.Timeout)
	defer cancel()

	endpoint := strings.TrimSuffix(profile.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"agent %q: build request: %v", call.AgentID, err).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if profile.APIKeyEnv != "" {
		if key := os.Getenv(profile.APIKeyEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		// Timeouts, refused connections, DNS failures: all retryable.
		return nil, schema.NewErrorf(schema.ErrCodeTransient,
			"agent %q: request failed: %v", call.AgentID, err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, inv.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransient,
			"agent %q: read response: %v", call.AgentID, err).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(call.AgentID, resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransient,
			"agent %q: malformed response: %v", call.AgentID, err).WithCause(err)
	}
	if len(parsed.Choices) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"agent %q: response contained no choices", call.AgentID)
	}

	completedModel := parsed.Model
	if completedModel == "" {
		completedModel = model
	}
	return &Completion{
		Text:  parsed.Choices[0].Message.Content,
		Model: completedModel,
		Usage: schema.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// classifyStatus maps non-200 responses to the error taxonomy: overload and
// server-side failures are transient, everything else fatal.
func classifyStatus(agentID string, status int, body []byte) error {
	code := schema.ErrCodeFatal
	if status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500 {
		code = schema.ErrCodeTransient
	}

	msg := backendErrorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return schema.NewErrorf(code, "agent %q: backend returned %d: %s", agentID, status, msg).
		WithDetails(map[string]any{"status_code": status})
}

// backendErrorMessage pulls the error message out of an OpenAI-style error
// body, if present.
func backendErrorMessage(body []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Error != nil {
		return parsed.Error.Message
	}
	return ""
}

var _ AgentInvoker = (*HTTPInvoker)(nil)
