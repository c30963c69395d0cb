// Package genai wraps the OpenAI chat completion API behind a small text-generation client.
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

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default generation parameters.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 1000
)

var (
	// ErrNoChoicesReturned is returned when the provider answers without any choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrConfiguration is matched by every ConfigurationError.
	ErrConfiguration = errors.New("genai configuration error")
)

// ConfigurationError reports a client that cannot be constructed, such as a missing API key.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "genai configuration error: " + e.Reason
}

// Is lets errors.Is(err, ErrConfiguration) match.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// GenerationError wraps a provider or transport failure with the operation that hit it.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("genai %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// chunkStream is the subset of an SSE completion stream the client consumes.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// streamService is implemented by chat services that can stream completions.
type streamService interface {
	Stream(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream
}

// completions adapts the SDK completion service to chatService and streamService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

func (c completions) Stream(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream {
	return c.svc.NewStreaming(ctx, params)
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	DebugMode   bool
	StateDir    string
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the API key. When unset, OPENAI_API_KEY is used.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model identifier.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode writes every request and response under <stateDir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug logs are written to.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client generates text from a system and a user prompt.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// NewClient builds a client. It fails with a ConfigurationError when no API key is available.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, &ConfigurationError{Reason: "OPENAI_API_KEY not set"}
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "temperature", cfg.Temperature, "max_tokens", cfg.MaxTokens, "debug", cfg.DebugMode)
	return &Client{
		chat:        completions{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		p.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}
	return p
}

// Generate returns the completion for a system and a user prompt.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, "Generate", []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	})
}

// GenerateWithHistory sends prior conversation turns between the system prompt and the final
// user prompt. Client messages map to user turns; system and AI messages map to assistant turns.
func (c *Client) GenerateWithHistory(ctx context.Context, systemPrompt string, history []models.ConversationMessage, userPrompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.IsClient() {
			messages = append(messages, openai.UserMessage(m.Content))
		} else {
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userPrompt))
	return c.complete(ctx, "GenerateWithHistory", messages)
}

func (c *Client) complete(ctx context.Context, method string, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := c.params(messages)
	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client."+method+": completion failed", "model", c.model, "error", err)
		c.writeDebug(method, params, nil, err)
		return "", &GenerationError{Op: method, Err: err}
	}
	c.writeDebug(method, params, &resp, nil)
	if len(resp.Choices) == 0 {
		slog.Warn("Client."+method+": no choices returned", "model", c.model)
		return "", &GenerationError{Op: method, Err: ErrNoChoicesReturned}
	}
	slog.Debug("Client."+method+": completion received", "model", c.model, "duration", time.Since(start), "total_tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

// GenerateStream streams the completion, handing every content delta to sink as it arrives,
// and returns the full text. Services without streaming fall back to a single sink call.
func (c *Client) GenerateStream(ctx context.Context, systemPrompt, userPrompt string, sink func(string)) (string, error) {
	streamer, ok := c.chat.(streamService)
	if !ok {
		text, err := c.Generate(ctx, systemPrompt, userPrompt)
		if err == nil && sink != nil && text != "" {
			sink(text)
		}
		return text, err
	}

	params := c.params([]openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	})
	stream := streamer.Stream(ctx, params)
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if sink != nil {
			sink(delta)
		}
	}
	if err := stream.Err(); err != nil {
		slog.Error("Client.GenerateStream: stream failed", "model", c.model, "error", err)
		return "", &GenerationError{Op: "GenerateStream", Err: err}
	}
	slog.Debug("Client.GenerateStream: stream complete", "model", c.model, "length", b.Len())
	return b.String(), nil
}

type debugEntry struct {
	Timestamp string                         `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  *openai.ChatCompletion         `json:"response"`
	Error     string                         `json:"error,omitempty"`
}

// writeDebug records a request/response pair when debug mode is on. Failures are logged only.
func (c *Client) writeDebug(method string, params openai.ChatCompletionNewParams, resp *openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Client.writeDebug: failed to create debug directory", "dir", dir, "error", err)
		return
	}
	now := time.Now()
	entry := debugEntry{
		Timestamp: now.Format(time.RFC3339Nano),
		Method:    method,
		Model:     c.model,
		Params:    params,
		Response:  resp,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebug: failed to marshal debug entry", "error", err)
		return
	}
	name := fmt.Sprintf("genai_%s_%d.json", now.Format("20060102_150405"), now.UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("Client.writeDebug: failed to write debug entry", "error", err)
	}
}
