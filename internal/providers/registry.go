package providers

import "strings"

// Kind is the wire protocol a backend speaks.
type Kind string

const (
	KindOpenAI  Kind = "openai" // OpenAI-compatible /chat/completions
	KindGemini  Kind = "gemini" // Google Gemini API via google.golang.org/genai
	KindOffline Kind = "offline"
)

// ProviderSpec holds metadata for one backend.
type ProviderSpec struct {
	Name           string
	DisplayName    string
	Kind           Kind
	EnvKeys        []string // env vars checked for the API key, in order
	DefaultAPIBase string
	DefaultModel   string
	DetectByBaseKW string // match substring in api_base URL
}

// Providers is the registry. Order = priority for auto-detection.
var Providers = []*ProviderSpec{
	{
		Name: "gemini", DisplayName: "Google Gemini", Kind: KindGemini,
		EnvKeys:      []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		DefaultModel: "gemini-2.0-flash",
	},
	{
		Name: "openai", DisplayName: "OpenAI", Kind: KindOpenAI,
		EnvKeys:        []string{"OPENAI_API_KEY"},
		DefaultAPIBase: "https://api.openai.com/v1",
		DefaultModel:   "gpt-4o-mini",
	},
	{
		Name: "openrouter", DisplayName: "OpenRouter", Kind: KindOpenAI,
		EnvKeys:        []string{"OPENROUTER_API_KEY"},
		DefaultAPIBase: "https://openrouter.ai/api/v1",
		DefaultModel:   "google/gemini-2.0-flash-001",
		DetectByBaseKW: "openrouter",
	},
	{
		Name: "deepseek", DisplayName: "DeepSeek", Kind: KindOpenAI,
		EnvKeys:        []string{"DEEPSEEK_API_KEY"},
		DefaultAPIBase: "https://api.deepseek.com/v1",
		DefaultModel:   "deepseek-chat",
		DetectByBaseKW: "deepseek",
	},
	{
		Name: "ollama", DisplayName: "Ollama", Kind: KindOpenAI,
		DefaultAPIBase: "http://localhost:11434/v1",
		DefaultModel:   "llama3.1",
		DetectByBaseKW: "11434",
	},
	{
		Name: "offline", DisplayName: "Offline templates", Kind: KindOffline,
	},
}

// Label returns a display label.
func (s *ProviderSpec) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// FindByName finds a provider spec by config name (case-insensitive).
func FindByName(name string) *ProviderSpec {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, spec := range Providers {
		if spec.Name == name {
			return spec
		}
	}
	return nil
}

// Detect picks a spec when the config names none: first by api_base keyword,
// then by which API key env var is present.
func Detect(apiBase string, getenv func(string) string) *ProviderSpec {
	if apiBase != "" {
		for _, spec := range Providers {
			if spec.DetectByBaseKW != "" && strings.Contains(apiBase, spec.DetectByBaseKW) {
				return spec
			}
		}
		return FindByName("openai")
	}
	for _, spec := range Providers {
		for _, env := range spec.EnvKeys {
			if getenv(env) != "" {
				return spec
			}
		}
	}
	return FindByName("offline")
}

// APIKeyFromEnv returns the first non-empty env key of the spec.
func (s *ProviderSpec) APIKeyFromEnv(getenv func(string) string) string {
	for _, env := range s.EnvKeys {
		if v := getenv(env); v != "" {
			return v
		}
	}
	return ""
}
