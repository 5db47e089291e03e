package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
)

type anthropicClient struct {
	client      *anthropic.Client
	model       string
	temperature float32
	maxTokens   int
}

func NewAnthropicClient(opts Options) Client {
	opts = opts.withDefaults()
	return &anthropicClient{
		client:      anthropic.NewClient(opts.AnthropicAPIKey),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}
}

// Generate sends system messages through the dedicated system field; the
// remaining turns keep their order.
func (c *anthropicClient) Generate(ctx context.Context, messages []Message) (string, error) {
	var system []string
	turns := make([]anthropic.Message, 0, len(messages))
	for _, msg := range messages {
		text := msg.Content
		switch msg.Role {
		case RoleSystem:
			system = append(system, text)
		case RoleAssistant:
			turns = append(turns, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: []anthropic.MessageContent{{Type: "text", Text: &text}},
			})
		default:
			turns = append(turns, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{{Type: "text", Text: &text}},
			})
		}
	}

	temperature := c.temperature
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(c.model),
		System:      strings.Join(system, "\n\n"),
		Messages:    turns,
		MaxTokens:   c.maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("create anthropic message: %w", err)
	}

	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			return *block.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic message returned no text content")
}
