// Package assist generates assistant replies through a language-model
// provider. Two provider families are supported and selected by model-name
// prefix: claude* models go to the Anthropic-style messages API, everything
// else to the OpenAI-style chat completions API. Both stream partial text.
package assist

import (
	"context"
	"fmt"
	"strings"
)

// Image is an AI-analyzable attachment forwarded inline with the prompt.
type Image struct {
	MediaType string
	Base64    string
}

// Request is one generation request.
type Request struct {
	Prompt string
	Images []Image
}

// Provider produces a reply for a request. onPartial, when non-nil, receives
// the accumulated text after each streamed chunk, in strictly
// increasing-length order for one request.
type Provider interface {
	Generate(ctx context.Context, model string, req Request, onPartial func(string)) (string, error)
}

// Router picks a provider family by model-name prefix. Providers whose API
// key is not configured are nil and yield an error when selected.
type Router struct {
	openAI    *OpenAIClient
	anthropic *AnthropicClient
}

func NewRouter(openAIKey, anthropicKey string) *Router {
	r := &Router{}
	if openAIKey != "" {
		r.openAI = NewOpenAIClient(openAIKey)
	}
	if anthropicKey != "" {
		r.anthropic = NewAnthropicClient(anthropicKey)
	}
	return r
}

func (r *Router) Generate(ctx context.Context, model string, req Request, onPartial func(string)) (string, error) {
	if strings.HasPrefix(model, "claude") {
		if r.anthropic == nil {
			return "", fmt.Errorf("assist: no Anthropic API key configured for model %q", model)
		}
		return r.anthropic.Generate(ctx, model, req, onPartial)
	}
	if r.openAI == nil {
		return "", fmt.Errorf("assist: no OpenAI API key configured for model %q", model)
	}
	return r.openAI.Generate(ctx, model, req, onPartial)
}
