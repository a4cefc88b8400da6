// Package config loads relay configuration from the environment and an optional YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Account store backends.
const (
	StoreSurrealDB = "surrealdb"
	StoreSQLite    = "sqlite"
	StoreMemory    = "memory"
)

// Config holds all configuration values.
type Config struct {
	// HTTP server
	Port            string
	ShutdownTimeout time.Duration

	// Platform provider keys. An empty key disables the platform client for that provider.
	OpenAIAPIKey          string
	AnthropicAPIKey       string
	AnthropicMaxTokens    int
	AzureOpenAIKey        string
	AzureOpenAIEndpoint   string
	AzureOpenAIAPIVersion string
	MistralAPIKey         string
	GroqAPIKey            string
	GroqBaseURL           string

	// Relay
	RequestTimeout time.Duration

	// Real-time transports
	EnableWebSockets bool
	EnableSocketIO   bool
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	MaxMessageSize   int64
	SendBufferSize   int

	// Auth
	JWTSecret   string
	JWTAudience string

	// Account store
	AccountStore             string
	SQLitePath               string
	CharactersReserveDefault int

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		Port:            getEnv("PORT", "3000"),
		ShutdownTimeout: getEnvDuration("RELAY_SHUTDOWN_TIMEOUT", 10*time.Second),

		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicMaxTokens:    getEnvInt("ANTHROPIC_MAX_TOKENS", 4096),
		AzureOpenAIKey:        os.Getenv("AZURE_OPENAI_KEY"),
		AzureOpenAIEndpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureOpenAIAPIVersion: getEnv("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		MistralAPIKey:         os.Getenv("MISTRAL_API_KEY"),
		GroqAPIKey:            os.Getenv("GROQ_API_KEY"),
		GroqBaseURL:           getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),

		RequestTimeout: getEnvDuration("RELAY_REQUEST_TIMEOUT", 5*time.Minute),

		EnableWebSockets: getEnvBool("RELAY_ENABLE_WEBSOCKETS", true),
		EnableSocketIO:   getEnvBool("RELAY_ENABLE_SOCKETIO", true),
		PingInterval:     getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WriteTimeout:     getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		ReadTimeout:      getEnvDuration("WS_READ_TIMEOUT", 60*time.Second),
		MaxMessageSize:   int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		SendBufferSize:   getEnvInt("WS_SEND_BUFFER", 256),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTAudience: getEnv("JWT_AUDIENCE", "OSAIL-LIASO-NODE"),

		AccountStore:             strings.ToLower(getEnv("RELAY_ACCOUNT_STORE", StoreSurrealDB)),
		SQLitePath:               getEnv("RELAY_SQLITE_PATH", "relay.db"),
		CharactersReserveDefault: getEnvInt("CHARACTERS_RESERVE_DEFAULT", 100000),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "relay"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "accounts"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LogFile:  getEnv("RELAY_LOG_FILE", "/tmp/relay.log"),
		LogLevel: parseLogLevel(getEnv("RELAY_LOG_LEVEL", "INFO")),
	}
}

// fileConfig is the YAML layout of RELAY_CONFIG_FILE.
type fileConfig struct {
	Providers struct {
		OpenAI struct {
			APIKey string `yaml:"api_key"`
		} `yaml:"openAi"`
		Anthropic struct {
			APIKey    string `yaml:"api_key"`
			MaxTokens int    `yaml:"max_tokens"`
		} `yaml:"anthropic"`
		AzureOpenAI struct {
			APIKey     string `yaml:"api_key"`
			Endpoint   string `yaml:"endpoint"`
			APIVersion string `yaml:"api_version"`
		} `yaml:"azureOpenAi"`
		Mistral struct {
			APIKey string `yaml:"api_key"`
		} `yaml:"mistral"`
		Groq struct {
			APIKey  string `yaml:"api_key"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"groq"`
	} `yaml:"providers"`
	JWTSecret      string `yaml:"jwt_secret"`
	RequestTimeout string `yaml:"request_timeout"`
}

// ApplyFile fills provider settings that the environment left empty from a YAML file.
// Environment variables always win.
func ApplyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	fill(&cfg.OpenAIAPIKey, fc.Providers.OpenAI.APIKey)
	fill(&cfg.AnthropicAPIKey, fc.Providers.Anthropic.APIKey)
	fill(&cfg.AzureOpenAIKey, fc.Providers.AzureOpenAI.APIKey)
	fill(&cfg.AzureOpenAIEndpoint, fc.Providers.AzureOpenAI.Endpoint)
	fill(&cfg.MistralAPIKey, fc.Providers.Mistral.APIKey)
	fill(&cfg.GroqAPIKey, fc.Providers.Groq.APIKey)
	fill(&cfg.JWTSecret, fc.JWTSecret)

	if os.Getenv("AZURE_OPENAI_API_VERSION") == "" && fc.Providers.AzureOpenAI.APIVersion != "" {
		cfg.AzureOpenAIAPIVersion = fc.Providers.AzureOpenAI.APIVersion
	}
	if os.Getenv("GROQ_BASE_URL") == "" && fc.Providers.Groq.BaseURL != "" {
		cfg.GroqBaseURL = fc.Providers.Groq.BaseURL
	}
	if os.Getenv("ANTHROPIC_MAX_TOKENS") == "" && fc.Providers.Anthropic.MaxTokens > 0 {
		cfg.AnthropicMaxTokens = fc.Providers.Anthropic.MaxTokens
	}
	if os.Getenv("RELAY_REQUEST_TIMEOUT") == "" && fc.RequestTimeout != "" {
		d, err := time.ParseDuration(fc.RequestTimeout)
		if err != nil {
			return fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	return nil
}

// LoadAll reads the environment, then RELAY_CONFIG_FILE when it is set.
func LoadAll() (Config, error) {
	cfg := Load()
	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := ApplyFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func fill(dst *string, val string) {
	if *dst == "" {
		*dst = val
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
