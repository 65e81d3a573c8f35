package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/loqalabs/loqa-render/internal/assemble"
	"github.com/loqalabs/loqa-render/internal/dispatch"
)

const OperationComplete = "llm.complete"

// Processor runs one completion per unit. The unit text is appended to the
// instruction to form the prompt.
type Processor struct {
	gen         Generator
	base        Request
	backend     string
	instruction string
}

func NewProcessor(gen Generator, backend string, base Request, instruction string) *Processor {
	return &Processor{gen: gen, base: base, backend: backend, instruction: strings.TrimSpace(instruction)}
}

func (p *Processor) Identity() dispatch.Identity {
	return dispatch.Identity{
		Operation: OperationComplete,
		Params: map[string]string{
			"backend":     p.backend,
			"tier":        p.base.Tier,
			"temperature": strconv.FormatFloat(p.base.Temperature, 'f', -1, 64),
			"max_tokens":  strconv.Itoa(p.base.MaxTokens),
			"system":      p.base.System,
			"instruction": p.instruction,
		},
	}
}

func (p *Processor) Output() assemble.Output {
	return assemble.Output{Kind: assemble.KindText, Format: "text", Separator: "\n\n"}
}

func (p *Processor) Process(ctx context.Context, content string) ([]byte, error) {
	req := p.base
	req.Prompt = content
	if p.instruction != "" {
		req.Prompt = p.instruction + "\n\n" + content
	}
	var sb strings.Builder
	err := p.gen.Generate(ctx, req, func(c Chunk) error {
		sb.WriteString(c.Content)
		return nil
	})
	if err != nil {
		if retryable(err) {
			return nil, dispatch.Retryable(err)
		}
		return nil, err
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return nil, fmt.Errorf("%s returned an empty completion", p.backend)
	}
	return []byte(out), nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Temporary()
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
