package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/theimaginaryfoundation/incremental-analyzer/analysis"
	"github.com/theimaginaryfoundation/incremental-analyzer/analysis/fileutils"
)

// Config configures Client.
type Config struct {
	APIKey string
	// BaseURL points the SDK at any OpenAI-compatible endpoint (e.g. https://open.bigmodel.cn/api/paas/v4/).
	BaseURL string
	Model   string
	// Timeout bounds a single remote call.
	Timeout         time.Duration
	MaxOutputTokens int64
	// StructuredOutput requests a strict JSON-schema response format.
	StructuredOutput bool
	// RequestsPerSecond limits call starts across all workers; 0 disables limiting.
	RequestsPerSecond float64
	// Prompt overrides DefaultPrompt.
	Prompt string
	// HTTPClient overrides the SDK's default client.
	HTTPClient *http.Client
}

// chatCompleter is the part of openai.ChatCompletionService the client uses.
type chatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client is a single-attempt analysis.Analyzer over the chat completions API.
// Every call is a fresh one-message conversation.
type Client struct {
	chat    chatCompleter
	model   string
	timeout time.Duration
	maxOut  int64
	prompt  string
	schema  bool
	limiter *rate.Limiter
}

var _ analysis.Analyzer = (*Client)(nil)

// wireResult is the JSON shape the model is asked to return.
type wireResult struct {
	HotWords      flexList `json:"hot_words" jsonschema:"description=Frequent words or phrases, most frequent first"`
	Mood          string   `json:"mood" jsonschema:"description=One-sentence mood summary or 无"`
	Health        flexList `json:"health" jsonschema:"description=Body part and problem pairs"`
	Economic      string   `json:"economic" jsonschema:"description=One-sentence economic summary or 无"`
	ShoppingNeeds flexList `json:"shopping_needs" jsonschema:"description=Potential shopping needs"`
}

var resultSchema = GenerateSchema[wireResult]()

func New(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("provider.New: model is empty")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("provider.New: api key is empty")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are owned by analysis.CallWithRetry.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)
	return newClient(&client.Chat.Completions, cfg), nil
}

func newClient(chat chatCompleter, cfg Config) *Client {
	c := &Client{
		chat:    chat,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		maxOut:  cfg.MaxOutputTokens,
		prompt:  cfg.Prompt,
		schema:  cfg.StructuredOutput,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// Analyze sends chunk for analysis once. Failures are classified as analysis.ErrTimeout,
// analysis.ErrTransient, analysis.ErrRemote or analysis.ErrMalformedResponse.
func (c *Client) Analyze(ctx context.Context, chunk string) (analysis.Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return analysis.Result{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.chat.New(callCtx, c.params(chunk))
	if err != nil {
		return analysis.Result{}, c.classify(ctx, callCtx, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return analysis.Result{}, fmt.Errorf("%w: no choices in response", analysis.ErrMalformedResponse)
	}
	return DecodeResult(resp.Choices[0].Message.Content)
}

func (c *Client) params(chunk string) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(BuildPrompt(c.prompt, chunk)),
		},
	}
	if c.maxOut > 0 {
		params.MaxTokens = openai.Int(c.maxOut)
	}
	if c.schema {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "DeviceChatAnalysis",
					Schema:      resultSchema,
					Strict:      openai.Bool(true),
					Description: openai.String("Structured findings for a batch of chat records"),
				},
			},
		}
	}
	return params
}

// classify maps an SDK error onto the analysis taxonomy. A cancelled parent context is
// returned as-is so callers can tell shutdown from a remote timeout.
func (c *Client) classify(parent, call context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		return fmt.Errorf("remote call: %w", perr)
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", analysis.ErrTimeout, c.timeout, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if isRetryableStatus(apiErr.StatusCode) {
			return fmt.Errorf("%w: status %d: %w", analysis.ErrTransient, apiErr.StatusCode, err)
		}
		return fmt.Errorf("%w: status %d: %w", analysis.ErrRemote, apiErr.StatusCode, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", analysis.ErrTimeout, err)
	}
	// Connection refused/reset, EOF mid-body and similar transport failures.
	return fmt.Errorf("%w: %w", analysis.ErrTransient, err)
}

func isRetryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusConflict, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// DecodeResult parses a model reply (optionally wrapped in a markdown code fence) into a partial result.
func DecodeResult(outputText string) (analysis.Result, error) {
	var out wireResult
	if err := fileutils.DecodeModelJSON(outputText, &out); err != nil {
		return analysis.Result{}, fmt.Errorf("%w: %w (reply: %q)", analysis.ErrMalformedResponse, err, fileutils.Truncate(outputText, 200))
	}
	return analysis.Result{
		HotWords:        []string(out.HotWords),
		Mood:            strings.TrimSpace(out.Mood),
		HealthNotes:     []string(out.Health),
		EconomicSummary: strings.TrimSpace(out.Economic),
		ShoppingNeeds:   []string(out.ShoppingNeeds),
	}, nil
}

// flexList accepts a JSON array of strings, a single string, or null.
// Models occasionally answer "无" where a list was asked for.
type flexList []string

func (l *flexList) UnmarshalJSON(b []byte) error {
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("expected string list, got %s", fileutils.Truncate(string(b), 40))
	}
	if analysis.IsNone(s) {
		*l = nil
		return nil
	}
	*l = flexList{strings.TrimSpace(s)}
	return nil
}
