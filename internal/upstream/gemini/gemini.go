// Package gemini is the default upstream backend, built on the official
// Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-batcher/internal/upstream"
)

const clientName = "gemini"

// Client implements upstream.Client for the Gemini API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *genai.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates a Gemini Client for the given key and model.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("gemini: context must not be nil")
	}
	c := &Client{apiKey: apiKey, model: model}
	for _, o := range opts {
		o(c)
	}

	cfg := &genai.ClientConfig{
		APIKey:     c.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: upstream.CallTimeout},
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	c.client = client
	return c, nil
}

func (c *Client) Name() string { return clientName }

func (c *Client) Generate(ctx context.Context, req *upstream.GenerateRequest) (*upstream.GenerateResponse, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](req.Temperature),
		MaxOutputTokens: int32(req.MaxOutputTokens),
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, toClientError(err)
	}

	text := ""
	if resp != nil {
		text = resp.Text()
	}
	// Some replies carry text only in candidate parts.
	if text == "" && resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		text = candidateText(resp.Candidates[0])
	}

	total := 0
	if resp != nil && resp.UsageMetadata != nil {
		total = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &upstream.GenerateResponse{
		Text:        strings.TrimSpace(text),
		TotalTokens: total,
	}, nil
}

func candidateText(cand *genai.Candidate) string {
	if cand.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ClientError is a structured error returned by the Gemini API.
type ClientError struct {
	StatusCode int
	Message    string
	Status     string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Status)
}

// HTTPStatus implements upstream.StatusCoder.
func (e *ClientError) HTTPStatus() int { return e.StatusCode }

func toClientError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ClientError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Status:     apiErr.Status,
		}
	}
	return err
}
