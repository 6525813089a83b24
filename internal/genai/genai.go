// Package genai wraps the OpenAI chat completions API for intent
// classification, routine drafting, and conversational replies.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Defaults for the chat completions client.
const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 60 * time.Second
)

// ErrNoChoicesReturned is returned when the API answers without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService is the subset of the OpenAI chat completions service used here.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client wraps the OpenAI chat completions service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
	timeout             time.Duration
	debugMode           bool
	stateDir            string
}

// Opts holds configuration for NewClient.
type Opts struct {
	APIKey              string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	Timeout             time.Duration
	DebugMode           bool
	StateDir            string
}

// Option mutates Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature for free-form replies.
// Structured calls always use temperature 0.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens caps the reply length.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithTimeout bounds every API call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDebugMode writes every request/response pair under StateDir/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug logs are written to.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// NewClient builds a client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: 0.7,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cli := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(1),
	)
	slog.Debug("GenAI client created", "model", cfg.Model, "timeout", cfg.Timeout, "debug", cfg.DebugMode)
	return &Client{
		chat:                &cli.Chat.Completions,
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		timeout:             cfg.Timeout,
		debugMode:           cfg.DebugMode,
		stateDir:            cfg.StateDir,
	}, nil
}

// complete sends one chat completion and returns the first choice's content.
// jsonReply asks the model for a JSON object and pins temperature to 0.
func (c *Client) complete(ctx context.Context, method string, messages []openai.ChatCompletionMessageParamUnion, jsonReply bool) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if jsonReply {
		params.Temperature = openai.Float(0)
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	} else {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("GenAI."+method+": API call failed", "model", c.model, "error", err, "latency", time.Since(start))
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("GenAI."+method+": completed", "model", c.model, "responseLength", len(content), "latency", time.Since(start))
	if c.debugMode {
		c.writeDebugLog(method, params, content)
	}
	return content, nil
}

// writeDebugLog stores one request/response pair as JSON. Failures are logged only.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, response string) {
	if c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("GenAI.writeDebugLog: mkdir failed", "dir", dir, "error", err)
		return
	}
	now := time.Now()
	entry := map[string]any{
		"timestamp": now.Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  response,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("GenAI.writeDebugLog: write failed", "error", err)
	}
}

// decodeJSON unmarshals a model reply, tolerating Markdown code fences,
// prose around the JSON object, and the syntax slips jsonrepair can fix
// (trailing commas, single quotes, unclosed braces).
func decodeJSON(content string, v any) error {
	raw := strings.TrimSpace(content)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimPrefix(raw, "json")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	start := strings.Index(raw, "{")
	if start == -1 {
		return fmt.Errorf("no JSON object in reply %q", truncate(content, 80))
	}
	candidate := raw[start:]
	if end := strings.LastIndex(candidate, "}"); end > 0 {
		if err := json.Unmarshal([]byte(candidate[:end+1]), v); err == nil {
			return nil
		}
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("malformed JSON reply: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("malformed JSON reply: %w", err)
	}
	slog.Debug("GenAI.decodeJSON: reply needed repair", "reply", truncate(content, 120))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
