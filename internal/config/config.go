// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	LLM() LLMConfig
	Gym() GymConfig
	Store() StoreConfig
	Server() ServerConfig

	// Gym Setters
	SetGymMaxCycles(int)
	SetGymBatchSize(int)
	SetGymMaxTurns(int)
	SetGymThresholds(schemas.ThresholdSet)

	// LLM Setters
	SetLLMProvider(LLMProvider)
	SetLLMModel(string)
	SetLLMAPIKey(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg LoggerConfig `mapstructure:"logger" yaml:"logger"`
	LLMCfg    LLMConfig    `mapstructure:"llm" yaml:"llm"`
	GymCfg    GymConfig    `mapstructure:"gym" yaml:"gym"`
	StoreCfg  StoreConfig  `mapstructure:"store" yaml:"store"`
	ServerCfg ServerConfig `mapstructure:"server" yaml:"server"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig { return c.LoggerCfg }
func (c *Config) LLM() LLMConfig       { return c.LLMCfg }
func (c *Config) Gym() GymConfig       { return c.GymCfg }
func (c *Config) Store() StoreConfig   { return c.StoreCfg }
func (c *Config) Server() ServerConfig { return c.ServerCfg }

// --- Interface Method Implementations (Setters) ---

// Gym Setters
func (c *Config) SetGymMaxCycles(n int) { c.GymCfg.MaxCycles = n }
func (c *Config) SetGymBatchSize(n int) { c.GymCfg.BatchSize = n }
func (c *Config) SetGymMaxTurns(n int)  { c.GymCfg.MaxTurns = n }
func (c *Config) SetGymThresholds(t schemas.ThresholdSet) {
	c.GymCfg.Thresholds = t
}

// LLM Setters
func (c *Config) SetLLMProvider(p LLMProvider) { c.LLMCfg.Default.Provider = p }
func (c *Config) SetLLMModel(m string)         { c.LLMCfg.Default.Model = m }
func (c *Config) SetLLMAPIKey(k string)        { c.LLMCfg.Default.APIKey = k }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderGroq   LLMProvider = "groq"
	ProviderOpenAI LLMProvider = "openai"
	ProviderLocal  LLMProvider = "local"
	ProviderVertex LLMProvider = "vertex"
)

// LLMConfig configures the default completion client and optional per-role overrides.
type LLMConfig struct {
	Default LLMModelConfig            `mapstructure:"default" yaml:"default"`
	Roles   map[string]LLMModelConfig `mapstructure:"roles" yaml:"roles"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	RateLimitWait     time.Duration `mapstructure:"rate_limit_wait" yaml:"rate_limit_wait"`
	Project           string        `mapstructure:"project" yaml:"project"`
	Location          string        `mapstructure:"location" yaml:"location"`
}

// ForRole returns the effective model config for a role: the role override with
// any unset field inherited from the default.
func (l LLMConfig) ForRole(role schemas.AgentRole) LLMModelConfig {
	override, ok := l.Roles[string(role)]
	if !ok {
		return l.Default
	}
	return override.inherit(l.Default)
}

// HasOverride reports whether a role has its own model configuration.
func (l LLMConfig) HasOverride(role schemas.AgentRole) bool {
	_, ok := l.Roles[string(role)]
	return ok
}

func (m LLMModelConfig) inherit(base LLMModelConfig) LLMModelConfig {
	if m.Provider == "" {
		m.Provider = base.Provider
	}
	if m.Model == "" {
		m.Model = base.Model
	}
	// Credentials only carry over when the provider matches.
	if m.APIKey == "" && m.Provider == base.Provider {
		m.APIKey = base.APIKey
	}
	if m.Endpoint == "" && m.Provider == base.Provider {
		m.Endpoint = base.Endpoint
	}
	if m.APITimeout == 0 {
		m.APITimeout = base.APITimeout
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = base.MaxTokens
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = base.MaxAttempts
	}
	if m.RequestsPerSecond == 0 {
		m.RequestsPerSecond = base.RequestsPerSecond
	}
	if m.RateLimitWait == 0 {
		m.RateLimitWait = base.RateLimitWait
	}
	if m.Project == "" {
		m.Project = base.Project
	}
	if m.Location == "" {
		m.Location = base.Location
	}
	return m
}

// Validate checks a single model configuration.
func (m LLMModelConfig) Validate() error {
	switch m.Provider {
	case ProviderGemini, ProviderGroq, ProviderOpenAI, ProviderLocal, ProviderVertex:
	default:
		return fmt.Errorf("unsupported provider %q", m.Provider)
	}
	if m.Model == "" {
		return fmt.Errorf("model is required for provider %s", m.Provider)
	}
	if m.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	return nil
}

// GymConfig holds the defaults for an optimisation run.
type GymConfig struct {
	MaxCycles      int                  `mapstructure:"max_cycles" yaml:"max_cycles"`
	BatchSize      int                  `mapstructure:"batch_size" yaml:"batch_size"`
	MaxTurns       int                  `mapstructure:"max_turns" yaml:"max_turns"`
	Thresholds     schemas.ThresholdSet `mapstructure:"thresholds" yaml:"thresholds"`
	BaseScriptPath string               `mapstructure:"base_script_path" yaml:"base_script_path"`
	StopPhrases    []string             `mapstructure:"stop_phrases" yaml:"stop_phrases"`
	PersistTimeout time.Duration        `mapstructure:"persist_timeout" yaml:"persist_timeout"`
}

// Validate checks the GymConfig settings.
func (g *GymConfig) Validate() error {
	if g.MaxCycles <= 0 {
		return fmt.Errorf("max_cycles must be greater than 0")
	}
	if g.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be greater than 0")
	}
	if g.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be greater than 0")
	}
	if g.PersistTimeout <= 0 {
		return fmt.Errorf("persist_timeout must be a positive duration")
	}
	return g.Thresholds.Validate()
}

// RunConfig builds the per-run input from the configured defaults.
func (g GymConfig) RunConfig(baseScript string) schemas.RunConfig {
	return schemas.RunConfig{
		BaseScript: baseScript,
		MaxCycles:  g.MaxCycles,
		BatchSize:  g.BatchSize,
		MaxTurns:   g.MaxTurns,
		Thresholds: g.Thresholds,
	}
}

// StoreType selects the run history backend.
type StoreType string

const (
	StoreSQLite   StoreType = "sqlite"
	StorePostgres StoreType = "postgres"
	StoreRedis    StoreType = "redis"
	StoreMemory   StoreType = "memory"
)

// StoreConfig holds the run history backend settings.
type StoreConfig struct {
	Type     StoreType      `mapstructure:"type" yaml:"type"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
}

// SQLiteConfig holds the sqlite file location.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig holds the connection details for the postgres history store.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the connection string understood by pgxpool.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// RedisConfig holds the connection details for the redis history store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// Validate checks the StoreConfig settings.
func (s *StoreConfig) Validate() error {
	switch s.Type {
	case StoreSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
	case StorePostgres:
		if s.Postgres.Host == "" || s.Postgres.DBName == "" {
			return fmt.Errorf("store.postgres.host and store.postgres.dbname are required")
		}
	case StoreRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported store type %q", s.Type)
	}
	return nil
}

// ServerConfig configures the HTTP and websocket server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scriptgym")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- LLM --
	v.SetDefault("llm.default.provider", string(ProviderGroq))
	v.SetDefault("llm.default.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.default.api_timeout", "60s")
	v.SetDefault("llm.default.max_attempts", 3)
	v.SetDefault("llm.default.requests_per_second", 0.5)
	v.SetDefault("llm.default.rate_limit_wait", "20s")
	v.SetDefault("llm.default.location", "us-central1")

	// -- Gym --
	v.SetDefault("gym.max_cycles", 5)
	v.SetDefault("gym.batch_size", 5)
	v.SetDefault("gym.max_turns", 10)
	v.SetDefault("gym.thresholds.repetition", 7.0)
	v.SetDefault("gym.thresholds.negotiation", 7.0)
	v.SetDefault("gym.thresholds.empathy", 7.0)
	v.SetDefault("gym.thresholds.overall", 7.0)
	v.SetDefault("gym.stop_phrases", []string{"goodbye", "bye"})
	v.SetDefault("gym.persist_timeout", "10s")

	// -- Store --
	v.SetDefault("store.type", string(StoreSQLite))
	v.SetDefault("store.sqlite.path", "history.db")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "postgres")
	v.SetDefault("store.postgres.password", "") // Should be set via env var
	v.SetDefault("store.postgres.dbname", "scriptgym")
	v.SetDefault("store.postgres.sslmode", "disable")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "scriptgym:")

	// -- Server --
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "15s")
}

// providerKeyEnv maps a provider to the conventional environment variable holding its key.
var providerKeyEnv = map[LLMProvider]string{
	ProviderGroq:   "GROQ_API_KEY",
	ProviderGemini: "GEMINI_API_KEY",
	ProviderOpenAI: "OPENAI_API_KEY",
}

// APIKeyFromEnv returns the provider's conventional API key from the environment, if any.
func APIKeyFromEnv(p LLMProvider) string {
	if name, ok := providerKeyEnv[p]; ok {
		return os.Getenv(name)
	}
	return ""
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("llm.default.api_key", "GYM_LLM_API_KEY")
	v.BindEnv("store.postgres.password", "GYM_STORE_POSTGRES_PASSWORD")
	v.BindEnv("store.redis.password", "GYM_STORE_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the provider's conventional key variable.
	if cfg.LLMCfg.Default.APIKey == "" {
		cfg.LLMCfg.Default.APIKey = APIKeyFromEnv(cfg.LLMCfg.Default.Provider)
	}
	for role, m := range cfg.LLMCfg.Roles {
		if m.APIKey == "" && m.Provider != "" && m.Provider != cfg.LLMCfg.Default.Provider {
			m.APIKey = APIKeyFromEnv(m.Provider)
			cfg.LLMCfg.Roles[role] = m
		}
	}

	if path := strings.TrimSpace(cfg.StoreCfg.SQLite.Path); path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("could not expand store.sqlite.path: %w", err)
		}
		cfg.StoreCfg.SQLite.Path = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.GymCfg.Validate(); err != nil {
		return fmt.Errorf("gym configuration invalid: %w", err)
	}
	if err := c.StoreCfg.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	if err := c.LLMCfg.Default.Validate(); err != nil {
		return fmt.Errorf("llm.default configuration invalid: %w", err)
	}
	for role := range c.LLMCfg.Roles {
		if !knownRole(role) {
			return fmt.Errorf("llm.roles: unknown role %q", role)
		}
		if err := c.LLMCfg.ForRole(schemas.AgentRole(role)).Validate(); err != nil {
			return fmt.Errorf("llm.roles.%s configuration invalid: %w", role, err)
		}
	}
	return nil
}

func knownRole(name string) bool {
	for _, r := range schemas.AllAgentRoles {
		if string(r) == name {
			return true
		}
	}
	return false
}
