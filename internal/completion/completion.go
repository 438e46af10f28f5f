package completion

import (
	"context"
	"fmt"
	"strings"

	"enclava/internal/config"
)

type Request struct {
	Model       string
	Preamble    string
	Prompt      string
	Temperature float64
}

// Model produces a text completion for a prompt.
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// New returns the provider selected by cfg.
func New(cfg config.Models) (Model, error) {
	switch cfg.Provider {
	case "gemini":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("models.api_key is required for the gemini provider")
		}
		return NewGemini(cfg.APIKey), nil
	case "echo":
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// Echo answers with the prompt it was given. Used for local runs without a model key.
type Echo struct{}

func (Echo) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] %s", req.Model, req.Prompt), nil
}

// StripFences removes a surrounding markdown code fence from model output.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
