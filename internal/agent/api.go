package agent

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// API calls the Messages endpoint directly.
type API struct {
	client     anthropic.Client
	maxTokens  int64
	maxRetries uint64
	timeout    time.Duration
	initial    time.Duration
	logger     *zap.Logger
}

// APIOptions configures the API adapter.
type APIOptions struct {
	APIKey     string
	BaseURL    string
	MaxTokens  int
	MaxRetries int
	Timeout    time.Duration
	// InitialBackoff defaults to one second.
	InitialBackoff time.Duration
	Logger         *zap.Logger
}

// NewAPI builds an API adapter. Retries are handled here rather than by the SDK.
func NewAPI(opts APIOptions) *API {
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 16000
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &API{
		client:     anthropic.NewClient(reqOpts...),
		maxTokens:  maxTokens,
		maxRetries: uint64(retries),
		timeout:    opts.Timeout,
		initial:    initial,
		logger:     logger,
	}
}

// Invoke sends the system prompt and stage input as a single user turn.
func (a *API) Invoke(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := withDeadline(ctx, a.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	var msg *anthropic.Message
	attempt := 0
	op := func() error {
		attempt++
		m, err := a.client.Messages.New(ctx, params)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			a.logger.Warn("agent call failed, retrying",
				zap.String("stage", req.Stage), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		msg = m
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.initial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, a.maxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return Result{}, &TransportError{Stage: req.Stage, Err: err}
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return Result{}, &TransportError{Stage: req.Stage, Detail: "empty response"}
	}
	return Result{
		Text:      text.String(),
		TokensIn:  intPtr(int(msg.Usage.InputTokens)),
		TokensOut: intPtr(int(msg.Usage.OutputTokens)),
	}, nil
}

// isRetryable reports rate limits, server errors and network timeouts.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
