// Package anthropic is the upstream backend for the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-batcher/internal/upstream"
)

const clientName = "anthropic"

// Client implements upstream.Client via the Messages API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  anthropicSDK.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates an Anthropic Client for the given key and model.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{apiKey: apiKey, model: model}
	for _, o := range opts {
		o(c)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(c.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: upstream.CallTimeout}),
	}
	if c.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(c.baseURL))
	}
	c.client = anthropicSDK.NewClient(sdkOpts...)
	return c
}

func (c *Client) Name() string { return clientName }

func (c *Client) Generate(ctx context.Context, req *upstream.GenerateRequest) (*upstream.GenerateResponse, error) {
	params := anthropicSDK.MessageNewParams{
		Model:       anthropicSDK.Model(c.model),
		MaxTokens:   int64(req.MaxOutputTokens),
		Temperature: anthropicSDK.Float(float64(req.Temperature)),
		Messages: []anthropicSDK.MessageParam{
			{
				Role: anthropicSDK.MessageParamRoleUser,
				Content: []anthropicSDK.ContentBlockParamUnion{
					{OfText: &anthropicSDK.TextBlockParam{Text: req.Prompt}},
				},
			},
		},
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toClientError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &upstream.GenerateResponse{
		Text:        strings.TrimSpace(sb.String()),
		TotalTokens: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}

// ClientError is a structured error returned by the Anthropic API.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements upstream.StatusCoder.
func (e *ClientError) HTTPStatus() int { return e.StatusCode }

func toClientError(err error) error {
	var apiErr *anthropicSDK.Error
	if errors.As(err, &apiErr) {
		return &ClientError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return err
}
