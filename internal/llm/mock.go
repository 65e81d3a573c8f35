package llm

import (
	"context"
	"strings"
	"time"
)

// mockGenerator echoes the last paragraph of the prompt (the unit text
// when an instruction is prepended) one word per chunk, so pipelines can
// be exercised end to end without a model.
type mockGenerator struct {
	wordDelay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{wordDelay: 2 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	prompt := req.Prompt
	if i := strings.LastIndex(prompt, "\n\n"); i >= 0 {
		prompt = prompt[i+2:]
	}
	words := strings.Fields(prompt)
	if req.MaxTokens > 0 && len(words) > req.MaxTokens {
		words = words[:req.MaxTokens]
	}
	promptTokens := len(strings.Fields(req.Prompt))

	start := time.Now()
	for i, w := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.wordDelay):
		}
		if i > 0 {
			w = " " + w
		}
		if err := consumer(Chunk{
			JobID:            req.JobID,
			Content:          w,
			Partial:          i < len(words)-1,
			PromptTokens:     promptTokens,
			CompletionTokens: i + 1,
			Latency:          time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
