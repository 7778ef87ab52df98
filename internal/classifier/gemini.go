package classifier

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/lysyi3m/ingest-comb/internal/fault"
)

const defaultGeminiModel = "gemini-2.0-flash"

type GeminiCompleter struct {
	client *genai.Client
	model  string
}

func NewGeminiCompleter(ctx context.Context, apiKey, model string) (*GeminiCompleter, error) {
	if apiKey == "" {
		return nil, fault.Configurationf("gemini API key is required for the gemini classifier (set GEMINI_API_KEY)")
	}
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiCompleter{client: client, model: model}, nil
}

func (c *GeminiCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "application/json",
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(user), config)
	if err != nil {
		return "", fmt.Errorf("Gemini API call failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("no response generated from Gemini API")
	}

	return text, nil
}

// Close releases the client reference; genai clients hold no resources
// that need explicit shutdown.
func (c *GeminiCompleter) Close() error {
	c.client = nil
	return nil
}
