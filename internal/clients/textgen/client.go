package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atenova/sintesi/internal/platform/envutil"
	"github.com/atenova/sintesi/internal/platform/logger"
)

// Client is the external text-generation collaborator. It is stateless
// request/response; retry policy belongs to the caller.
type Client interface {
	// Generate produces one completion for the given instruction/input pair.
	// The call is bounded by the client's per-request timeout.
	Generate(ctx context.Context, req Request) (*Result, error)
	Model() string
}

type Request struct {
	System    string
	User      string
	MaxTokens int
}

type Result struct {
	Text  string
	Model string
}

// HTTPError preserves the upstream status so httpx can classify
// retryability (408/429/5xx).
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("textgen http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func New(log *logger.Logger) (Client, error) {
	apiKey := envutil.GetEnv("TEXTGEN_API_KEY", "", log)
	if apiKey == "" {
		return nil, fmt.Errorf("missing TEXTGEN_API_KEY")
	}
	baseURL := strings.TrimRight(envutil.GetEnv("TEXTGEN_BASE_URL", "https://api.openai.com", log), "/")
	model := envutil.GetEnv("TEXTGEN_MODEL", "gpt-4o-mini", log)
	timeoutSec := envutil.GetEnvAsInt("TEXTGEN_TIMEOUT_SECONDS", 120, log)

	return &client{
		log:        log.With("client", "TextGen"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

func (c *client) Model() string { return c.model }

type chatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *client) Generate(ctx context.Context, req Request) (*Result, error) {
	payload := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens: req.MaxTokens,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var decoded chatCompletionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("textgen decode error: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("textgen returned no choices")
	}
	model := decoded.Model
	if model == "" {
		model = c.model
	}
	return &Result{Text: decoded.Choices[0].Message.Content, Model: model}, nil
}
