// Package config handles configuration loading, saving, and schema definition.
package config

import "time"

// Config is the top-level shopchat configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Store      StoreConfig      `json:"store"`
	Transcript TranscriptConfig `json:"transcript"`
	AI         AIConfig         `json:"ai"`
	Cache      CacheConfig      `json:"cache"`
	Redis      RedisConfig      `json:"redis"`
}

// ServerConfig holds gateway listener settings.
type ServerConfig struct {
	Host                string   `json:"host,omitempty"`
	Port                int      `json:"port,omitempty"`
	APIKey              string   `json:"apiKey,omitempty"` // Bearer key for /api/status
	InstanceID          string   `json:"instanceId,omitempty"`
	AllowedOrigins      []string `json:"allowedOrigins,omitempty"`
	PingIntervalSeconds int      `json:"pingIntervalSeconds,omitempty"`
	ReadTimeoutSeconds  int      `json:"readTimeoutSeconds,omitempty"`
}

// PingInterval returns the keepalive ping interval.
func (c ServerConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// ReadTimeout returns the socket read deadline.
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// AuthConfig holds token validation settings.
type AuthConfig struct {
	Secret          string `json:"secret,omitempty"` // HS256 signing key shared with the user directory
	LeewaySeconds   int    `json:"leewaySeconds,omitempty"`
	TokenTTLMinutes int    `json:"tokenTtlMinutes,omitempty"` // for `shopchat token issue`
}

// StoreConfig holds the relational store location.
type StoreConfig struct {
	Path string `json:"path,omitempty"`
}

// TranscriptConfig selects where conversations are recorded.
type TranscriptConfig struct {
	Backend string `json:"backend,omitempty"` // "sql" or "jsonl"
	Dir     string `json:"dir,omitempty"`     // jsonl data dir
}

// Transcript backends.
const (
	TranscriptSQL   = "sql"
	TranscriptJSONL = "jsonl"
)

// AIConfig holds generator settings.
type AIConfig struct {
	Provider       string  `json:"provider,omitempty"` // registry name; empty auto-detects
	Model          string  `json:"model,omitempty"`
	APIKey         string  `json:"apiKey,omitempty"`
	APIBase        string  `json:"apiBase,omitempty"`
	TimeoutSeconds int     `json:"timeoutSeconds,omitempty"`
	MaxTokens      int     `json:"maxTokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	PromptsFile    string  `json:"promptsFile,omitempty"`
	BotName        string  `json:"botName,omitempty"`
}

// Timeout returns the hard answer deadline.
func (c AIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheConfig holds context cache settings.
type CacheConfig struct {
	TTLSeconds int  `json:"ttlSeconds,omitempty"`
	CacheSales bool `json:"cacheSales,omitempty"`
}

// TTL returns the snapshot lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RedisConfig holds the optional cross-instance relay settings.
type RedisConfig struct {
	URL           string `json:"url,omitempty"`
	Password      string `json:"password,omitempty"`
	DB            int    `json:"db,omitempty"`
	ChannelPrefix string `json:"channelPrefix,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8000,
			PingIntervalSeconds: 30,
			ReadTimeoutSeconds:  60,
		},
		Auth: AuthConfig{
			TokenTTLMinutes: 60,
		},
		Transcript: TranscriptConfig{
			Backend: TranscriptSQL,
		},
		AI: AIConfig{
			TimeoutSeconds: 5,
			MaxTokens:      1024,
			Temperature:    0.7,
			BotName:        "Buy n Large",
		},
		Cache: CacheConfig{
			TTLSeconds: 300,
		},
		Redis: RedisConfig{
			ChannelPrefix: "shopchat:",
		},
	}
}
