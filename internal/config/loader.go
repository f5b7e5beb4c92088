package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nbuy/shopchat/internal/utils"
)

// GetConfigPath returns the default config file path (~/.shopchat/config.json).
func GetConfigPath() string {
	return filepath.Join(utils.GetDataPath(), "config.json")
}

// DefaultStorePath returns the default SQLite database path.
func DefaultStorePath() string {
	return filepath.Join(utils.GetDataPath(), "shopchat.db")
}

// Load reads configuration from a JSON file.
// If path is empty, uses the default config path.
// If the file doesn't exist, returns DefaultConfig().
func Load(path string) (Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	data, err := os.ReadFile(utils.ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, err
	}

	cfg := DefaultConfig() // start with defaults so zero-value fields get filled
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes configuration to a JSON file.
// If path is empty, uses the default config path.
func Save(cfg Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}
	path = utils.ExpandHome(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ApplyEnv overrides file values with environment variables that are set.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("SHOPCHAT_HOST", &cfg.Server.Host)
	str("SHOPCHAT_API_KEY", &cfg.Server.APIKey)
	str("SHOPCHAT_INSTANCE_ID", &cfg.Server.InstanceID)
	str("SHOPCHAT_JWT_SECRET", &cfg.Auth.Secret)
	str("SHOPCHAT_DB", &cfg.Store.Path)
	str("SHOPCHAT_TRANSCRIPTS", &cfg.Transcript.Backend)
	str("SHOPCHAT_AI_PROVIDER", &cfg.AI.Provider)
	str("SHOPCHAT_AI_MODEL", &cfg.AI.Model)
	str("SHOPCHAT_AI_BASE", &cfg.AI.APIBase)
	str("SHOPCHAT_PROMPTS", &cfg.AI.PromptsFile)
	str("REDIS_URL", &cfg.Redis.URL)
	str("REDIS_PASSWORD", &cfg.Redis.Password)

	return errors.Join(
		num("SHOPCHAT_PORT", &cfg.Server.Port),
		num("SHOPCHAT_AI_TIMEOUT", &cfg.AI.TimeoutSeconds),
		num("SHOPCHAT_CACHE_TTL", &cfg.Cache.TTLSeconds),
	)
}

// Validate checks the settings needed to serve.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is not set (SHOPCHAT_JWT_SECRET)"))
	}
	switch c.Transcript.Backend {
	case "", TranscriptSQL, TranscriptJSONL:
	default:
		errs = append(errs, fmt.Errorf("transcript.backend %q: want %q or %q", c.Transcript.Backend, TranscriptSQL, TranscriptJSONL))
	}
	if c.AI.TimeoutSeconds < 0 || c.Cache.TTLSeconds < 0 || c.Auth.LeewaySeconds < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}
