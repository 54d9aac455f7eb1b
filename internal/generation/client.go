package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 60 * time.Second
	maxAttempts    = 3
	initialBackoff = 100 * time.Millisecond
)

// Client sends text-generation requests to an OpenAI-compatible chat
// completions endpoint, routing each request to a model chosen by tier.
type Client struct {
	apiKey     string
	baseURL    string
	models     Models
	httpClient *http.Client
}

// NewClient creates a generation client with the given API key and tier
// model mapping.
func NewClient(apiKey string, models Models) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		models:  models,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey string, models Models, baseURL string) *Client {
	c := NewClient(apiKey, models)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// apiError is returned for non-2xx responses.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("generation API error (HTTP %d)", e.status)
	}
	return fmt.Sprintf("generation API error (HTTP %d): %s", e.status, e.body)
}

// IsRetryable reports whether a generation error is transient: rate limits,
// server-side failures, and network timeouts. Client-side errors such as bad
// requests or invalid credentials are permanent and fail immediately.
func IsRetryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status == http.StatusTooManyRequests || ae.status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Generate sends prompt to the model configured for tier and returns the
// completion text. Transient failures are retried up to 3 attempts with
// exponential backoff (100ms, 200ms); the sleep is abandoned as soon as ctx
// is canceled.
func (c *Client) Generate(ctx context.Context, prompt string, tier Tier) (string, error) {
	model := c.models.ForTier(tier)
	if model == "" {
		return "", fmt.Errorf("no model configured for tier %q", tier)
	}

	var lastErr error
	for attempt := range maxAttempts {
		text, err := c.doGenerate(ctx, model, prompt)
		if err == nil {
			return text, nil
		}

		if !IsRetryable(err) {
			return "", err
		}

		lastErr = err
		if attempt < maxAttempts-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", fmt.Errorf("generation failed after %d attempts: %w", maxAttempts, lastErr)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) doGenerate(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}

	return result.Choices[0].Message.Content, nil
}
