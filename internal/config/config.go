package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the research engine.
type Config struct {
	Port    string
	GinMode string

	// Search providers
	SerperAPIKey    string
	SerperSearchURL string
	ExaAPIKey       string

	// Completion provider (OpenAI-compatible)
	CompletionAPIKey  string
	CompletionBaseURL string
	CompletionModel   string

	// Research execution
	MaxScrapePages     int
	ScrapeTimeout      time.Duration
	ScrapeMinContent   int
	ScrapeContentLimit int
	SearchMaxResults   int

	// Streaming
	StreamSigningKey   string `yaml:"stream_signing_key"`
	PersistMinInterval time.Duration
	RunStoreDir        string
	NatsURL            string
	NatsSubjectPrefix  string

	// Maintenance
	SweepInterval time.Duration
	RunRetention  time.Duration

	// HTTP transport connection pool
	HTTPMaxIdleConns        int
	HTTPMaxIdleConnsPerHost int
	HTTPIdleConnTimeout     time.Duration

	// Server
	ServerShutdownTimeout time.Duration
	CORSAllowedOrigins    string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment (with .env support) and an
// optional YAML config file overlay.
func Load() *Config {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		SerperAPIKey:    getEnvOrDefault("SERPER_API_KEY", ""),
		SerperSearchURL: getEnvOrDefault("SERPER_SEARCH_URL", "https://google.serper.dev/search"),
		ExaAPIKey:       getEnvOrDefault("EXA_API_KEY", ""),

		CompletionAPIKey:  getEnvOrDefault("COMPLETION_API_KEY", ""),
		CompletionBaseURL: getEnvOrDefault("COMPLETION_BASE_URL", "https://api.openai.com/v1"),
		CompletionModel:   getEnvOrDefault("COMPLETION_MODEL", "gpt-4o-mini"),

		MaxScrapePages:     getEnvAsInt("MAX_SCRAPE_PAGES", 5),
		ScrapeTimeout:      getEnvAsDuration("SCRAPE_TIMEOUT", 10*time.Second),
		ScrapeMinContent:   getEnvAsInt("SCRAPE_MIN_CONTENT", 200),
		ScrapeContentLimit: getEnvAsInt("SCRAPE_CONTENT_LIMIT", 8000),
		SearchMaxResults:   getEnvAsInt("SEARCH_MAX_RESULTS", 10),

		StreamSigningKey:   getEnvOrDefault("STREAM_SIGNING_KEY", ""),
		PersistMinInterval: getEnvAsDuration("PERSIST_MIN_INTERVAL", 75*time.Millisecond),
		RunStoreDir:        getEnvOrDefault("RUN_STORE_DIR", "./data/runs"),
		NatsURL:            getEnvOrDefault("NATS_URL", ""),
		NatsSubjectPrefix:  getEnvOrDefault("NATS_SUBJECT_PREFIX", "meridian.events"),

		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", 10*time.Minute),
		RunRetention:  getEnvAsDuration("RUN_RETENTION", 7*24*time.Hour),

		HTTPMaxIdleConns:        getEnvAsInt("HTTP_MAX_IDLE_CONNS", 100),
		HTTPMaxIdleConnsPerHost: getEnvAsInt("HTTP_MAX_IDLE_CONNS_PER_HOST", 50),
		HTTPIdleConnTimeout:     getEnvAsDuration("HTTP_IDLE_CONN_TIMEOUT", 90*time.Second),

		ServerShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSAllowedOrigins:    getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Optional config file overlay for settings that should not be driven by
	// environment variables.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "")
	if configFilePath != "" {
		f, err := os.Open(configFilePath)
		if err != nil {
			log.Fatalf("Failed to open config file: %v", err)
		}
		defer f.Close()

		if err := LoadConfigFile(f, cfg); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if cfg.SerperAPIKey == "" {
		log.Println("Warning: Serper API key is missing. Please set SERPER_API_KEY environment variable.")
	}
	if cfg.ExaAPIKey == "" {
		log.Println("Warning: Exa AI API key is missing. Please set EXA_API_KEY environment variable.")
	}
	if cfg.CompletionAPIKey == "" {
		log.Println("Warning: completion API key is missing; planner runs heuristic-only. Set COMPLETION_API_KEY to enable model-assisted planning.")
	}
	if cfg.StreamSigningKey == "" {
		log.Println("Warning: STREAM_SIGNING_KEY is missing; persisted-event confirmations are disabled.")
	}

	return cfg
}

// LoadConfigFile decodes a YAML config overlay into cfg.
func LoadConfigFile(reader io.Reader, cfg *Config) error {
	return yaml.NewDecoder(reader).Decode(cfg)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
