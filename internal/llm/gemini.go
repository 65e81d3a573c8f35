package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

type geminiGenerator struct {
	client        *genai.Client
	modelFast     string
	modelBalanced string
}

func NewGeminiGenerator(ctx context.Context, apiKey, fastModel, balancedModel string) (Generator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiGenerator{client: client, modelFast: fastModel, modelBalanced: balancedModel}, nil
}

func (g *geminiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := modelForTier(req.Tier, g.modelFast, g.modelBalanced, "gemini-2.0-flash")
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return &StatusError{Backend: "gemini", Code: apiErr.Code, Status: apiErr.Status, Body: apiErr.Message}
		}
		return fmt.Errorf("gemini generate: %w", err)
	}
	chunk := Chunk{
		JobID:   req.JobID,
		Content: resp.Text(),
		Latency: time.Since(start),
	}
	if resp.UsageMetadata != nil {
		chunk.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		chunk.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return consumer(chunk)
}
