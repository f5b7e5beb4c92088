package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nbuy/shopchat/internal/assistant"
	"github.com/nbuy/shopchat/internal/config"
	"github.com/nbuy/shopchat/internal/providers"
	"github.com/nbuy/shopchat/internal/store"
	"github.com/nbuy/shopchat/internal/transcript"
	"github.com/nbuy/shopchat/internal/utils"
)

// loadConfig resolves settings: config file, then environment.
// Command flags are applied by each command on top.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ApplyEnv(&cfg, os.Getenv); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = config.DefaultStorePath()
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(cfg config.Config, logger *zap.Logger) (*store.Store, error) {
	st, err := store.Open(utils.ExpandHome(cfg.Store.Path), logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

// makeRecorder picks the transcript backend.
func makeRecorder(cfg config.Config, st *store.Store) (transcript.Recorder, error) {
	if cfg.Transcript.Backend != config.TranscriptJSONL {
		return st.Transcripts(), nil
	}
	dir := cfg.Transcript.Dir
	if dir == "" {
		dir = utils.GetDataPath()
	}
	return transcript.NewFileRecorder(utils.ExpandHome(dir))
}

// makeGenerator creates the text generator from the AI settings. A nil
// generator means offline answers.
func makeGenerator(ctx context.Context, cfg config.Config) (providers.Generator, *providers.ProviderSpec, error) {
	return providers.Build(ctx, providers.Settings{
		Provider:    cfg.AI.Provider,
		Model:       cfg.AI.Model,
		APIKey:      cfg.AI.APIKey,
		APIBase:     cfg.AI.APIBase,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
	}, os.Getenv)
}

func loadTemplates(cfg config.Config) (*assistant.Templates, error) {
	if cfg.AI.PromptsFile == "" {
		return assistant.DefaultTemplates(), nil
	}
	return assistant.LoadTemplates(cfg.AI.PromptsFile)
}

// generateSecret creates a random 64-char hex signing key.
func generateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func resolveConfigPath() string {
	if configPath != "" {
		return utils.ExpandHome(configPath)
	}
	return config.GetConfigPath()
}

func readCatalog(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Clean(utils.ExpandHome(path)))
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return data, nil
}
