package provider

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiProvider implements Provider using the Gemini API through the
// google.golang.org/genai SDK.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, baseURL, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string         { return "gemini" }
func (p *GeminiProvider) DefaultModel() string { return p.model }

func (p *GeminiProvider) Generate(ctx context.Context, req *GenerateRequest) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	config := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	ch := make(chan Event, 16)
	go p.processStream(ctx, model, contents, config, ch)
	return ch, nil
}

// processStream ranges over the SDK's response iterator. Every response chunk
// carries the text produced since the previous one; usage metadata is
// cumulative, so the last value seen is reported with EventDone.
func (p *GeminiProvider) processStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, ch chan<- Event) {
	defer close(ch)

	usage := &Usage{}
	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			send(ctx, ch, Event{Type: EventError, Error: fmt.Errorf("gemini streaming error: %w", err)})
			return
		}
		if resp == nil {
			continue
		}
		if md := resp.UsageMetadata; md != nil {
			usage.InputTokens = int(md.PromptTokenCount)
			usage.OutputTokens = int(md.CandidatesTokenCount)
		}
		if text := resp.Text(); text != "" {
			if !send(ctx, ch, Event{Type: EventTextDelta, TextDelta: text}) {
				return
			}
		}
	}
	if err := ctx.Err(); err != nil {
		send(ctx, ch, Event{Type: EventError, Error: err})
		return
	}
	send(ctx, ch, Event{Type: EventDone, Usage: usage})
}
