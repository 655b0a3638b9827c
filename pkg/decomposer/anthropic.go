package decomposer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/observability"
)

// Tool names advertised to the model.
const (
	toolOrderLookup       = "order_lookup"
	toolReturnEligibility = "return_eligibility_check"
)

const (
	// DefaultModel is the Claude model used when none is configured.
	DefaultModel = "claude-sonnet-4-5-20250929"
	// DefaultMaxTokens bounds the structured response.
	DefaultMaxTokens = 1024
	// DefaultTimeout bounds one full decomposition attempt, tool rounds
	// included.
	DefaultTimeout = 8 * time.Second
	// DefaultRetryJitter is the maximum pause before the single retry.
	DefaultRetryJitter = 250 * time.Millisecond

	// maxToolRounds bounds the tool-use conversation so a looping model
	// cannot hold the pipeline.
	maxToolRounds = 4

	defaultFailureThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
	defaultMaxHalfOpen      = 2
)

// AnthropicConfig configures the Claude-backed decomposer.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	RetryJitter time.Duration

	// Circuit breaker over the model endpoint. Zero values take defaults.
	FailureThreshold int
	BreakerTimeout   time.Duration
	MaxHalfOpen      int

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
	Logger  observability.Logger
}

// AnthropicDecomposer implements Decomposer against the Anthropic Messages
// API. Transport failures are retried once with jitter; validation failures
// and an open breaker are returned immediately.
type AnthropicDecomposer struct {
	client       anthropic.Client
	model        string
	maxTokens    int64
	temperature  float64
	timeout      time.Duration
	jitter       time.Duration
	breaker      *gobreaker.CircuitBreaker
	systemPrompt string
	logger       observability.Logger
}

// NewAnthropic creates the Claude-backed decomposer.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicDecomposer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("decomposer: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryJitter <= 0 {
		cfg.RetryJitter = DefaultRetryJitter
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	if cfg.MaxHalfOpen <= 0 {
		cfg.MaxHalfOpen = defaultMaxHalfOpen
	}
	logger := observability.OrNoop(cfg.Logger)

	// SDK-internal retries are disabled; the retry policy lives here.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic-decomposer",
		MaxRequests: uint32(cfg.MaxHalfOpen),
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return &AnthropicDecomposer{
		client:       anthropic.NewClient(opts...),
		model:        cfg.Model,
		maxTokens:    int64(cfg.MaxTokens),
		temperature:  cfg.Temperature,
		timeout:      cfg.Timeout,
		jitter:       cfg.RetryJitter,
		breaker:      breaker,
		systemPrompt: buildSystemPrompt(),
		logger:       logger,
	}, nil
}

// Decompose runs one decomposition. Transport errors get a single retry
// after a jittered pause; validation failures and an open circuit do not.
func (d *AnthropicDecomposer) Decompose(ctx context.Context, in Input) (*Output, error) {
	out, err := d.attempt(ctx, in)
	if err == nil {
		return out, nil
	}
	if !retryable(ctx, err) {
		return nil, err
	}
	if serr := sleepJitter(ctx, d.jitter); serr != nil {
		return nil, err
	}
	d.logger.Warn("retrying decomposition after transport error", map[string]interface{}{
		"error": err.Error(),
	})
	return d.attempt(ctx, in)
}

// retryable keeps the retry to transport-class failures.
func retryable(ctx context.Context, err error) bool {
	if errors.Is(err, ErrInvalidResponse) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return ctx.Err() == nil
}

func sleepJitter(ctx context.Context, max time.Duration) error {
	pause := time.Duration(rand.Int63n(int64(max)))
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attempt runs one full conversation: prompt, tool rounds, final parse.
func (d *AnthropicDecomposer) attempt(ctx context.Context, in Input) (*Output, error) {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	params := d.buildParams(in)
	for round := 0; round < maxToolRounds; round++ {
		message, err := d.callModel(cctx, params)
		if err != nil {
			return nil, err
		}

		if string(message.StopReason) == "tool_use" {
			if in.Tools == nil {
				return nil, fmt.Errorf("%w: model invoked tools but none were offered", ErrInvalidResponse)
			}
			params.Messages = append(params.Messages, assistantTurn(message))
			results, err := d.runTools(cctx, in.Tools, message)
			if err != nil {
				return nil, err
			}
			params.Messages = append(params.Messages, anthropic.NewUserMessage(results...))
			continue
		}

		return parseOutput(textContent(message))
	}
	return nil, fmt.Errorf("%w: tool loop exceeded %d rounds", ErrInvalidResponse, maxToolRounds)
}

func (d *AnthropicDecomposer) buildParams(in Input) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(d.model),
		MaxTokens:   d.maxTokens,
		Temperature: anthropic.Float(d.temperature),
		System:      []anthropic.TextBlockParam{{Text: d.systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildUserPrompt(in))),
		},
	}
	if in.Tools != nil {
		params.Tools = toolParams()
	}
	return params
}

// callModel makes one Messages API call through the circuit breaker. Only
// transport outcomes count against the breaker.
func (d *AnthropicDecomposer) callModel(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	ctx, span := observability.StartSpan(ctx, "decomposer.messages")
	defer span.End()
	span.SetAttribute("model", string(params.Model))

	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.client.Messages.New(ctx, params)
	})
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "decomposer circuit open")
		case errors.Is(err, context.DeadlineExceeded):
			return nil, apperrors.Wrap(err, apperrors.KindUpstreamTimeout, "model call timed out")
		}
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	message := result.(*anthropic.Message)
	span.SetAttribute("stop_reason", string(message.StopReason))
	return message, nil
}

// assistantTurn rebuilds the model's turn so tool results can follow it.
func assistantTurn(message *anthropic.Message) anthropic.MessageParam {
	var content []anthropic.ContentBlockParamUnion
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				content = append(content, anthropic.NewTextBlock(block.Text))
			}
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			if input == nil {
				input = map[string]interface{}{}
			}
			content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
		}
	}
	return anthropic.NewAssistantMessage(content...)
}

// runTools relays every tool_use block to its callback. Callback errors
// become error tool results; the model decides how to proceed.
func (d *AnthropicDecomposer) runTools(ctx context.Context, tools *Tools, message *anthropic.Message) ([]anthropic.ContentBlockParamUnion, error) {
	var results []anthropic.ContentBlockParamUnion
	for _, block := range message.Content {
		if block.Type != "tool_use" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var args struct {
			OrderID string `json:"order_id"`
			ItemID  string `json:"item_id"`
		}
		_ = json.Unmarshal(block.Input, &args)

		payload, err := d.dispatch(ctx, tools, block.Name, args.OrderID, args.ItemID)
		if err != nil {
			d.logger.Warn("tool callback failed", map[string]interface{}{
				"tool":  block.Name,
				"error": err.Error(),
			})
			results = append(results, anthropic.NewToolResultBlock(block.ID, fmt.Sprintf(`{"error": %q}`, err.Error()), true))
			continue
		}
		results = append(results, anthropic.NewToolResultBlock(block.ID, payload, false))
	}
	return results, nil
}

func (d *AnthropicDecomposer) dispatch(ctx context.Context, tools *Tools, name, orderID, itemID string) (string, error) {
	switch name {
	case toolOrderLookup:
		if tools.OrderLookup == nil {
			return "", fmt.Errorf("order_lookup is not available")
		}
		summary, err := tools.OrderLookup(ctx, orderID)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(summary)
		if err != nil {
			return "", fmt.Errorf("failed to encode order summary: %w", err)
		}
		return string(data), nil

	case toolReturnEligibility:
		if tools.ReturnEligibilityCheck == nil {
			return "", fmt.Errorf("return_eligibility_check is not available")
		}
		decision, err := tools.ReturnEligibilityCheck(ctx, orderID, itemID)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(decision)
		if err != nil {
			return "", fmt.Errorf("failed to encode eligibility decision: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

func textContent(message *anthropic.Message) string {
	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

func toolParams() []anthropic.ToolUnionParam {
	order := anthropic.ToolParam{
		Name:        toolOrderLookup,
		Description: anthropic.String("Look up the current status of an order by its id."),
		InputSchema: inputSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"order_id": map[string]interface{}{
					"type":        "string",
					"description": "Normalized order id, e.g. ORD-98765.",
				},
			},
			"required": []string{"order_id"},
		}),
	}
	eligibility := anthropic.ToolParam{
		Name:        toolReturnEligibility,
		Description: anthropic.String("Check whether an order, or one item in it, is eligible for return."),
		InputSchema: inputSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"order_id": map[string]interface{}{
					"type":        "string",
					"description": "Normalized order id.",
				},
				"item_id": map[string]interface{}{
					"type":        "string",
					"description": "Optional item id within the order.",
				},
			},
			"required": []string{"order_id"},
		}),
	}
	return []anthropic.ToolUnionParam{{OfTool: &order}, {OfTool: &eligibility}}
}

// inputSchema converts a plain schema map into the SDK's schema param via a
// JSON round-trip.
func inputSchema(schema map[string]interface{}) anthropic.ToolInputSchemaParam {
	data, _ := json.Marshal(schema)
	var out anthropic.ToolInputSchemaParam
	_ = json.Unmarshal(data, &out)
	return out
}

var _ Decomposer = (*AnthropicDecomposer)(nil)
