package provider

import (
	"context"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"google.golang.org/genai"
)

// GenkitAdapter calls any Genkit-registered model behind the Adapter
// contract. One adapter instance per configured provider; the same type
// covers googleai/, openai/, and ollama/ qualified model names.
type GenkitAdapter struct {
	g     *genkit.Genkit
	id    string
	model string // provider-qualified model name, e.g. "googleai/gemini-2.5-flash"
}

// NewGenkitAdapter wraps a Genkit model as a provider Adapter.
func NewGenkitAdapter(g *genkit.Genkit, id, model string) *GenkitAdapter {
	return &GenkitAdapter{g: g, id: id, model: model}
}

// ID implements Adapter.
func (a *GenkitAdapter) ID() string { return a.id }

// Model implements Adapter.
func (a *GenkitAdapter) Model() string { return a.model }

// Send implements Adapter. SDK errors are categorized; a well-formed call
// that yields no usable text is reported as FailureInvalidResponse.
func (a *GenkitAdapter) Send(ctx context.Context, prompt string, params Params) (*Reply, error) {
	start := time.Now()

	cfg := &genai.GenerateContentConfig{}
	if params.Temperature > 0 {
		cfg.Temperature = genai.Ptr(params.Temperature)
	}
	if params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxTokens)
	}

	resp, err := genkit.Generate(ctx, a.g,
		ai.WithModelName(a.model),
		ai.WithPrompt(prompt),
		ai.WithConfig(cfg),
	)
	if err != nil {
		return nil, Categorize(a.id, err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, &Error{Provider: a.id, Kind: FailureInvalidResponse, Err: errEmptyModelOutput}
	}

	reply := &Reply{
		Text:    text,
		Latency: time.Since(start),
	}
	if resp.Usage != nil {
		reply.TokensUsed = resp.Usage.TotalTokens
	}
	return reply, nil
}
