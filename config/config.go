package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestration engine
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Retrieval    RetrievalConfig    `mapstructure:"retrieval"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
	Embedding EmbeddingConfig        `mapstructure:"embedding"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, anthropic, local, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model handles each capability
type LLMRoutingConfig struct {
	Planning  string `mapstructure:"planning"`  // next-step planning
	Selection string `mapstructure:"selection"` // endpoint selection
	Synthesis string `mapstructure:"synthesis"` // request synthesis
	Summary   string `mapstructure:"summary"`   // natural-language responses
	Rephrase  string `mapstructure:"rephrase"`  // optional query rephrasing
	Fallback  string `mapstructure:"fallback"`
}

// EmbeddingConfig declares the embedding models used by the endpoint index.
type EmbeddingConfig struct {
	DenseModel string `mapstructure:"dense_model"`
	LateModel  string `mapstructure:"late_model"` // empty disables late-interaction re-ranking
}

// RetrievalConfig tunes the hybrid endpoint index and the retriever.
type RetrievalConfig struct {
	TopK          int     `mapstructure:"top_k"`          // candidates handed to the selector
	CandidatePool int     `mapstructure:"candidate_pool"` // first-pass pool per strategy
	DenseWeight   float64 `mapstructure:"dense_weight"`
	LexicalWeight float64 `mapstructure:"lexical_weight"`
	LateWeight    float64 `mapstructure:"late_weight"`
}

func (r RetrievalConfig) Validate() error {
	if r.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be > 0")
	}
	if r.CandidatePool < r.TopK {
		return fmt.Errorf("retrieval.candidate_pool must be >= retrieval.top_k")
	}
	if r.DenseWeight < 0 || r.LexicalWeight < 0 || r.LateWeight < 0 {
		return fmt.Errorf("retrieval fusion weights must be >= 0")
	}
	if r.DenseWeight+r.LexicalWeight+r.LateWeight == 0 {
		return fmt.Errorf("at least one retrieval fusion weight must be > 0")
	}
	return nil
}

// OrchestratorConfig bounds session processing.
type OrchestratorConfig struct {
	MaxSteps        int           `mapstructure:"max_steps"`
	SelectorTimeout time.Duration `mapstructure:"selector_timeout"`
	StepTimeout     time.Duration `mapstructure:"step_timeout"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

func (o OrchestratorConfig) Validate() error {
	if o.MaxSteps <= 0 {
		return fmt.Errorf("orchestrator.max_steps must be > 0")
	}
	return nil
}

// StorageConfig groups persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Manuals  ManualsConfig  `mapstructure:"manuals"`
}

// PostgresConfig contains catalog database settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string from either the url or discrete fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains manual-store settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ManualsConfig selects where per-integration manuals live.
type ManualsConfig struct {
	Backend string `mapstructure:"backend"` // redis or filesystem
	Dir     string `mapstructure:"dir"`     // filesystem backend root
}

func (m ManualsConfig) Validate() error {
	switch m.Backend {
	case "", "redis", "filesystem":
		return nil
	}
	return fmt.Errorf("storage.manuals.backend must be redis or filesystem")
}

// IngestConfig controls the OpenAPI ingestion pipeline.
type IngestConfig struct {
	RefreshCron string `mapstructure:"refresh_cron"` // empty disables scheduled re-ingestion
	MaxDepth    int    `mapstructure:"max_depth"`    // schema flattening recursion guard
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("orchestrator.max_steps", 7)
	viper.SetDefault("orchestrator.selector_timeout", "20s")
	viper.SetDefault("orchestrator.step_timeout", "2m")
	viper.SetDefault("orchestrator.event_buffer", 0)
	viper.SetDefault("retrieval.top_k", 3)
	viper.SetDefault("retrieval.candidate_pool", 20)
	viper.SetDefault("retrieval.dense_weight", 0.5)
	viper.SetDefault("retrieval.lexical_weight", 0.3)
	viper.SetDefault("retrieval.late_weight", 0.2)
	viper.SetDefault("ingest.max_depth", 200)
	viper.SetDefault("storage.manuals.backend", "redis")
	viper.SetDefault("storage.manuals.dir", "manuals")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("CONDUIT")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Retrieval.Validate(); err != nil {
		panic(err)
	}
	if err := config.Orchestrator.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Manuals.Validate(); err != nil {
		panic(err)
	}
	return &config
}
