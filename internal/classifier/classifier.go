// Package classifier produces compliance analyses for revision text using a
// language model. Responses are parsed tolerantly: anything the model returns
// ends up as an AnalysisOutput, falling back to UNCERTAIN.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lysyi3m/ingest-comb/internal/fault"
)

type ComplianceStatus string

const (
	StatusCompliant    ComplianceStatus = "COMPLIANT"
	StatusNonCompliant ComplianceStatus = "NON_COMPLIANT"
	StatusUncertain    ComplianceStatus = "UNCERTAIN"
)

type Violation struct {
	Rule        string `json:"rule,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

type AnalysisOutput struct {
	ComplianceStatus   ComplianceStatus
	Violations         []Violation
	LanguageDetected   string
	LanguageConfidence *float64
	Raw                string
	ParseError         string
}

// Classifier analyses one piece of text.
type Classifier interface {
	Classify(ctx context.Context, text string) (AnalysisOutput, error)
	Close() error
}

// Completer sends one system+user prompt pair to a model and returns its text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Close() error
}

const (
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

type Options struct {
	Provider        string
	Model           string
	AnthropicAPIKey string
	GeminiAPIKey    string
	Timeout         time.Duration
}

// New builds the classifier selected by opts.Provider.
func New(ctx context.Context, opts Options) (Classifier, error) {
	switch strings.ToLower(opts.Provider) {
	case "", ProviderNone:
		return Disabled{}, nil
	case ProviderClaude:
		c, err := NewClaudeCompleter(opts.AnthropicAPIKey, opts.Model)
		if err != nil {
			return nil, err
		}
		return NewLLMClassifier(c, opts.Timeout), nil
	case ProviderGemini:
		c, err := NewGeminiCompleter(ctx, opts.GeminiAPIKey, opts.Model)
		if err != nil {
			return nil, err
		}
		return NewLLMClassifier(c, opts.Timeout), nil
	default:
		return nil, fault.Configurationf("unknown classifier provider %q", opts.Provider)
	}
}

const maxInputRunes = 24000

const systemPrompt = `You review marketing content for regulatory compliance.
Reply with a single JSON object and nothing else:
{
  "complianceStatus": "COMPLIANT" | "NON_COMPLIANT" | "UNCERTAIN",
  "violations": [{"rule": "...", "severity": "low|medium|high", "excerpt": "...", "explanation": "..."}],
  "languageDetected": "ISO 639-1 code",
  "languageConfidence": 0.0-1.0
}
Use UNCERTAIN when the text is too short or ambiguous to judge.`

// LLMClassifier prompts a Completer and parses the reply.
type LLMClassifier struct {
	completer Completer
	timeout   time.Duration
}

func NewLLMClassifier(c Completer, timeout time.Duration) *LLMClassifier {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMClassifier{completer: c, timeout: timeout}
}

func (c *LLMClassifier) Classify(ctx context.Context, text string) (AnalysisOutput, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.completer.Complete(timeoutCtx, systemPrompt, "Content to review:\n\n"+truncate(text, maxInputRunes))
	if err != nil {
		return AnalysisOutput{}, fmt.Errorf("classifier request failed: %w", err)
	}

	return ParseResponse(raw), nil
}

func (c *LLMClassifier) Close() error {
	return c.completer.Close()
}

// Disabled is used when no provider is configured.
type Disabled struct{}

func (Disabled) Classify(ctx context.Context, text string) (AnalysisOutput, error) {
	return AnalysisOutput{ComplianceStatus: StatusUncertain, Violations: []Violation{}}, nil
}

func (Disabled) Close() error { return nil }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
