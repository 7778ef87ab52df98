package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lysyi3m/ingest-comb/internal/fault"
)

const (
	defaultClaudeModel = "claude-sonnet-4-20250514"
	claudeMaxTokens    = 2048
)

type ClaudeCompleter struct {
	client anthropic.Client
	model  string
}

func NewClaudeCompleter(apiKey, model string) (*ClaudeCompleter, error) {
	if apiKey == "" {
		return nil, fault.Configurationf("anthropic API key is required for the claude classifier (set ANTHROPIC_API_KEY)")
	}
	if model == "" {
		model = defaultClaudeModel
	}

	return &ClaudeCompleter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (c *ClaudeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: claudeMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("Claude API call failed: %w", err)
	}

	var response strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			response.WriteString(block.Text)
		}
	}

	if response.Len() == 0 {
		return "", fmt.Errorf("no response generated from Claude API")
	}

	return response.String(), nil
}

func (c *ClaudeCompleter) Close() error {
	return nil
}
