package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaHost = "http://localhost:11434"
	// ollamaTimeout bounds a non-streaming completion. Streams run until the
	// caller's context ends.
	ollamaTimeout = 60 * time.Second
)

type ollamaClient struct {
	host    string
	model   string
	options ollamaOptions
	client  *http.Client
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ollamaOptions       `json:"options"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

// NewOllamaClient talks to the /api/chat endpoint of a local Ollama server.
func NewOllamaClient(opts Options) StreamClient {
	opts = opts.withDefaults()
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = defaultOllamaHost
	}

	return &ollamaClient{
		host:  host,
		model: opts.Model,
		options: ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
		client: &http.Client{},
	}
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ollamaTimeout)
	defer cancel()

	body, err := c.post(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama chat error: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

// GenerateStream reads the newline-delimited JSON objects Ollama sends when
// streaming. Each object's message content is handed to fn as it arrives;
// the stream ends at the first object with done set or at EOF. An error
// object, a decode failure or an error from fn stops the stream.
func (c *ollamaClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error {
	body, err := c.post(ctx, messages, true)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var part ollamaChatResponse
		if err := dec.Decode(&part); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode ollama stream response: %w", err)
		}
		if part.Error != "" {
			return fmt.Errorf("ollama chat error: %s", part.Error)
		}
		if part.Message.Content != "" {
			if err := fn(part.Message.Content); err != nil {
				return err
			}
		}
		if part.Done {
			return nil
		}
	}
}

// post sends a chat request and returns the response body of a successful
// call. The caller closes it.
func (c *ollamaClient) post(ctx context.Context, messages []Message, stream bool) (io.ReadCloser, error) {
	payload, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
		Options:  c.options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama chat API: %w", err)
	}
	if resp.StatusCode < 400 {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama chat error body: %w", err)
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return nil, fmt.Errorf("ollama chat API error (%s): %s", resp.Status, msg)
	}
	return nil, fmt.Errorf("ollama chat API returned status %s", resp.Status)
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	if len(messages) == 0 {
		return nil
	}
	converted := make([]ollamaChatMessage, len(messages))
	for i := range messages {
		converted[i] = ollamaChatMessage(messages[i])
	}
	return converted
}
