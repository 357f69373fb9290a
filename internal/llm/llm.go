package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/papercheck/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrMissingCredential is returned when no API key is configured.
	ErrMissingCredential = errors.New("AI model credential is not configured: set --llm-key or PAPERCHECK_LLM_KEY")
	// ErrUnsupportedDocument is returned for documents the model cannot take.
	ErrUnsupportedDocument = errors.New("unsupported document type")
)

// DefaultTimeout bounds a single AI call unless configured otherwise.
const DefaultTimeout = 120 * time.Second

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
}

// New creates a new LLM client. A zero timeout disables the per-call deadline.
func New(baseURL, apiKey, modelName string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingCredential
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		timeout: timeout,
	}, nil
}

// Ping checks that the endpoint is reachable and accepts the credential.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Extract sends the instruction together with all documents as one request
// and returns the model's raw reply.
func (c *Client) Extract(ctx context.Context, instruction string, docs []model.Document) (string, error) {
	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: instruction},
	}
	for _, d := range docs {
		docParts, err := documentParts(d)
		if err != nil {
			return "", err
		}
		parts = append(parts, docParts...)
	}

	return c.chat(ctx, openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}, 0.1)
}

// Complete sends a text-only instruction and returns the model's raw reply.
func (c *Client) Complete(ctx context.Context, instruction string) (string, error) {
	return c.chat(ctx, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: instruction,
	}, 0.1)
}

func (c *Client) chat(ctx context.Context, msg openai.ChatCompletionMessage, temperature float32) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    []openai.ChatCompletionMessage{msg},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "model", c.model, "raw", raw)
	return raw, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func documentParts(d model.Document) ([]openai.ChatMessagePart, error) {
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(d.MIMEType, ";", 2)[0]))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: "Document: " + d.Name},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(d.Data),
					Detail: openai.ImageURLDetailHigh,
				},
			},
		}, nil
	case strings.HasPrefix(mime, "text/"), mime == "application/json":
		return []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: "Document: " + d.Name + "\n\n" + string(d.Data)},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedDocument, d.Name, d.MIMEType)
	}
}
