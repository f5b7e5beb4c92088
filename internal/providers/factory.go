package providers

import (
	"context"
	"fmt"
)

// Settings selects and configures a backend.
type Settings struct {
	Provider    string // registry name; empty means auto-detect
	Model       string
	APIKey      string
	APIBase     string
	MaxTokens   int
	Temperature float64
}

// Build creates the generator described by s. Offline mode returns a nil
// generator and no error.
func Build(ctx context.Context, s Settings, getenv func(string) string) (Generator, *ProviderSpec, error) {
	var spec *ProviderSpec
	if s.Provider != "" {
		spec = FindByName(s.Provider)
		if spec == nil {
			return nil, nil, fmt.Errorf("unknown ai provider %q", s.Provider)
		}
	} else {
		spec = Detect(s.APIBase, getenv)
	}

	apiKey := s.APIKey
	if apiKey == "" {
		apiKey = spec.APIKeyFromEnv(getenv)
	}
	apiBase := s.APIBase
	if apiBase == "" {
		apiBase = spec.DefaultAPIBase
	}
	model := s.Model
	if model == "" {
		model = spec.DefaultModel
	}

	switch spec.Kind {
	case KindOffline:
		return nil, spec, nil
	case KindGemini:
		g, err := NewGemini(ctx, apiKey, s.APIBase, model)
		if err != nil {
			return nil, spec, err
		}
		if s.MaxTokens > 0 {
			g.maxTokens = int32(s.MaxTokens)
		}
		if s.Temperature > 0 {
			g.temperature = float32(s.Temperature)
		}
		return g, spec, nil
	default:
		p := NewOpenAI(apiKey, apiBase, model)
		if s.MaxTokens > 0 {
			p.MaxTokens = s.MaxTokens
		}
		if s.Temperature > 0 {
			p.Temperature = s.Temperature
		}
		return p, spec, nil
	}
}
