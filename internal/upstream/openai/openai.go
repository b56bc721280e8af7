// Package openai is the upstream backend for OpenAI and OpenAI-compatible
// vendors, built on the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-batcher/internal/upstream"
)

const clientName = "openai"

// Client implements upstream.Client via the chat completions API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Use this to point the backend at
// any OpenAI-compatible vendor or a local mock.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates an OpenAI Client for the given key and model.
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
	c.client = openaiSDK.NewClient(sdkOpts...)
	return c
}

func (c *Client) Name() string { return clientName }

func (c *Client) Generate(ctx context.Context, req *upstream.GenerateRequest) (*upstream.GenerateResponse, error) {
	params := openaiSDK.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(req.Prompt),
		},
		Temperature:         openaiSDK.Float(float64(req.Temperature)),
		MaxCompletionTokens: openaiSDK.Int(int64(req.MaxOutputTokens)),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toClientError(err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	return &upstream.GenerateResponse{
		Text:        strings.TrimSpace(text),
		TotalTokens: int(resp.Usage.TotalTokens),
	}, nil
}

// ClientError is a structured error returned by the OpenAI API.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements upstream.StatusCoder.
func (e *ClientError) HTTPStatus() int { return e.StatusCode }

func toClientError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &ClientError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return err
}
