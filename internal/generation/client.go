package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loom/internal/artifact"
	"loom/internal/config"
	"loom/internal/services"
)

const defaultHTTPTimeout = 60 * time.Second

// Client is a chat-completion backed Collaborator. It issues exactly one
// provider call per Generate; retry and backoff live in the consensus
// executor so redundant samples stay independent.
type Client struct {
	cfg        config.Generation
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a provider client from generation settings.
func NewClient(cfg config.Generation, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// HTTPStatusError reports a non-2xx provider response. RetryAfter carries the
// provider's requested delay when present.
type HTTPStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("generation request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Generate issues a single chat-completion request for the node.
func (c *Client) Generate(ctx context.Context, spec NodeSpec) (*Result, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, services.Wrap(services.ErrPermanent, "generation", "generate", "api key required", nil)
	}
	prompt := strings.TrimSpace(spec.Params["prompt"])
	if prompt == "" {
		return nil, services.Wrap(services.ErrPermanent, "generation", "generate",
			fmt.Sprintf("node %s has no prompt parameter", spec.NodeID), nil)
	}

	payload := chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(spec)},
			{Role: "user", Content: prompt},
		},
		Temperature: samplingTemperature(spec.Output),
	}

	content, err := c.sendChatRequest(ctx, payload)
	if err != nil {
		return nil, classify(err)
	}

	return &Result{
		Payload:  []byte(content),
		Value:    voteValue(spec.Output, content),
		Producer: c.cfg.Model,
	}, nil
}

func systemPrompt(spec NodeSpec) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are generating the %s artifact %s for a visual story pipeline.\n", spec.Kind, spec.NodeID)
	switch spec.Output {
	case artifact.OutputCategorical:
		sb.WriteString("Respond with a single lowercase label and nothing else.\n")
	case artifact.OutputNumeric:
		sb.WriteString("Respond with a single integer and nothing else.\n")
	}
	if len(spec.Dependencies) > 0 {
		sb.WriteString("Upstream artifacts:\n")
		for _, dep := range spec.Dependencies {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", dep.ID, dep.Kind, dep.PayloadRef)
		}
	}
	return sb.String()
}

func samplingTemperature(output artifact.OutputKind) float64 {
	// Redundant samples need variance for voting to mean anything; opaque
	// single-shot nodes stay deterministic.
	if output == artifact.OutputOpaque {
		return 0
	}
	return 0.7
}

func voteValue(output artifact.OutputKind, content string) string {
	value := strings.ToLower(strings.TrimSpace(content))
	if output == artifact.OutputNumeric {
		fields := strings.Fields(value)
		if len(fields) > 0 {
			value = fields[0]
		}
	}
	return value
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) sendChatRequest(ctx context.Context, payload chatCompletionRequest) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("generation request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("generation request: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("generation request: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("generation request: decode body: %w", err)
	}
	if completion.Error != nil {
		return "", fmt.Errorf("generation request: provider error: %s", completion.Error.Message)
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", errors.New("generation request: empty content")
}

// classify tags provider failures for the executor: network trouble and
// throttling are transient, everything else is permanent.
func classify(err error) error {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode >= 500 {
			return services.Wrap(services.ErrTransient, "generation", "generate", "", err)
		}
		return services.Wrap(services.ErrPermanent, "generation", "generate", "", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTransient, "generation", "generate", "", err)
	}
	return services.Wrap(services.ErrPermanent, "generation", "generate", "", err)
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay
		}
	}
	return 0
}
