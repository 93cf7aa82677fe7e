package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
	mu       sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Columns     ColumnsConfig     `mapstructure:"columns"`
	Converter   ConverterConfig   `mapstructure:"converter"`
	Staging     StagingConfig     `mapstructure:"staging"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	InFlight    InFlightConfig    `mapstructure:"inflight"`
	Log         LogConfig         `mapstructure:"log"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// RequestTimeout applies to non-streaming requests only.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RateLimit      int           `mapstructure:"rate_limit"`
}

// StoreConfig points at the Bitable table.
type StoreConfig struct {
	AppID             string        `mapstructure:"app_id"`
	AppSecret         string        `mapstructure:"app_secret"`
	AppToken          string        `mapstructure:"app_token"`
	PersonalBaseToken string        `mapstructure:"personal_base_token"`
	TableID           string        `mapstructure:"table_id"`
	PageSize          int           `mapstructure:"page_size"`
	BaseURL           string        `mapstructure:"base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// ColumnsConfig names the table columns the service reads and writes.
type ColumnsConfig struct {
	Name          string `mapstructure:"name"`
	Origin        string `mapstructure:"origin"`
	TargetFile    string `mapstructure:"target_file"`
	TargetContext string `mapstructure:"target_context"`
}

// ConverterConfig configures the Doc2X client.
type ConverterConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// StagingConfig contains the local working directory.
type StagingConfig struct {
	Root string `mapstructure:"root"`
}

// ConcurrencyConfig contains concurrency settings
type ConcurrencyConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueSize  int `mapstructure:"queue_size"`
	MaxBatches int `mapstructure:"max_batches"`
}

// InFlightConfig sizes the table of records currently being processed.
type InFlightConfig struct {
	Shards int `mapstructure:"shards"`
	TTL    int `mapstructure:"ttl"` // TTL in seconds
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

// envBindings maps each key to its APP_ variable, followed by the bare names
// used by earlier deployments.
var envBindings = map[string][]string{
	"server.host":            {"APP_SERVER_HOST"},
	"server.port":            {"APP_SERVER_PORT"},
	"server.request_timeout": {"APP_SERVER_REQUEST_TIMEOUT"},
	"server.read_timeout":    {"APP_SERVER_READ_TIMEOUT"},
	"server.idle_timeout":    {"APP_SERVER_IDLE_TIMEOUT"},
	"server.rate_limit":      {"APP_SERVER_RATE_LIMIT"},

	"store.app_id":              {"APP_STORE_APP_ID"},
	"store.app_secret":          {"APP_STORE_APP_SECRET"},
	"store.app_token":           {"APP_STORE_APP_TOKEN", "APP_TOKEN"},
	"store.personal_base_token": {"APP_STORE_PERSONAL_BASE_TOKEN", "PERSONAL_BASE_TOKEN"},
	"store.table_id":            {"APP_STORE_TABLE_ID", "TABLE_ID"},
	"store.page_size":           {"APP_STORE_PAGE_SIZE", "SINGLE_PAGE_SIZE"},
	"store.base_url":            {"APP_STORE_BASE_URL"},
	"store.request_timeout":     {"APP_STORE_REQUEST_TIMEOUT"},

	"columns.name":           {"APP_COLUMNS_NAME", "NAME_COLUMN"},
	"columns.origin":         {"APP_COLUMNS_ORIGIN", "ORIGIN_COLUMN"},
	"columns.target_file":    {"APP_COLUMNS_TARGET_FILE", "TARGET_FILE_COLUMN"},
	"columns.target_context": {"APP_COLUMNS_TARGET_CONTEXT", "TARGET_CONTEXT_COLUMN"},

	"converter.api_key":       {"APP_CONVERTER_API_KEY", "PDFDEAL_TOKEN"},
	"converter.base_url":      {"APP_CONVERTER_BASE_URL"},
	"converter.poll_interval": {"APP_CONVERTER_POLL_INTERVAL"},
	"converter.timeout":       {"APP_CONVERTER_TIMEOUT"},
	"converter.http_timeout":  {"APP_CONVERTER_HTTP_TIMEOUT"},
	"converter.max_retries":   {"APP_CONVERTER_MAX_RETRIES"},

	"staging.root": {"APP_STAGING_ROOT"},

	"concurrency.workers":     {"APP_CONCURRENCY_WORKERS"},
	"concurrency.queue_size":  {"APP_CONCURRENCY_QUEUE_SIZE"},
	"concurrency.max_batches": {"APP_CONCURRENCY_MAX_BATCHES"},

	"inflight.shards": {"APP_INFLIGHT_SHARDS"},
	"inflight.ttl":    {"APP_INFLIGHT_TTL"},

	"log.level":       {"APP_LOG_LEVEL"},
	"log.development": {"APP_LOG_DEVELOPMENT"},
	"log.file":        {"APP_LOG_FILE"},

	"tracing.enabled":       {"APP_TRACING_ENABLED"},
	"tracing.otlp_endpoint": {"APP_TRACING_OTLP_ENDPOINT"},
	"tracing.insecure":      {"APP_TRACING_INSECURE"},
	"tracing.sample_rate":   {"APP_TRACING_SAMPLE_RATE"},
	"tracing.service_name":  {"APP_TRACING_SERVICE_NAME"},
}

// Get returns the singleton configuration instance
func Get() *Config {
	once.Do(func() {
		mu.Lock()
		if instance == nil {
			instance = &Config{}
		}
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// Load reads .env (if present), the optional YAML file and the environment.
func Load(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	cfg, err := load(configPath)
	if err != nil {
		return err
	}
	instance = cfg
	return nil
}

func load(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads APP_ENV_FILE or ./.env without overriding variables that
// are already set.
func loadDotEnv() error {
	path := os.Getenv("APP_ENV_FILE")
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.request_timeout", 30*time.Minute)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.rate_limit", 100)

	v.SetDefault("store.page_size", 500)
	v.SetDefault("store.request_timeout", 60*time.Second)

	v.SetDefault("converter.base_url", "https://v2.doc2x.noedgeai.com")
	v.SetDefault("converter.poll_interval", 3*time.Second)
	v.SetDefault("converter.timeout", 15*time.Minute)
	v.SetDefault("converter.http_timeout", 2*time.Minute)
	v.SetDefault("converter.max_retries", 3)

	v.SetDefault("staging.root", "files")

	v.SetDefault("concurrency.workers", 5)
	v.SetDefault("concurrency.queue_size", 1024)
	v.SetDefault("concurrency.max_batches", 4)

	v.SetDefault("inflight.shards", 16)
	v.SetDefault("inflight.ttl", 7200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "logs/app.log")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "pdf2md")
}

// bindEnvVars binds environment variables to viper keys
func bindEnvVars(v *viper.Viper) error {
	var errs []error
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		errs = append(errs, v.BindEnv(args...))
	}
	return errors.Join(errs...)
}

// validate performs validation on the configuration
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Server.RateLimit < 1 {
		return fmt.Errorf("server.rate_limit must be at least 1")
	}

	if cfg.Store.AppToken == "" {
		return fmt.Errorf("store.app_token is required")
	}
	if cfg.Store.TableID == "" {
		return fmt.Errorf("store.table_id is required")
	}
	if cfg.Store.PersonalBaseToken == "" && (cfg.Store.AppID == "" || cfg.Store.AppSecret == "") {
		return fmt.Errorf("store.personal_base_token or store.app_id with store.app_secret is required")
	}
	if cfg.Store.PageSize < 1 || cfg.Store.PageSize > 500 {
		return fmt.Errorf("store.page_size must be between 1 and 500")
	}

	var missing []string
	for key, val := range map[string]string{
		"columns.name":           cfg.Columns.Name,
		"columns.origin":         cfg.Columns.Origin,
		"columns.target_file":    cfg.Columns.TargetFile,
		"columns.target_context": cfg.Columns.TargetContext,
	} {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing column names: %s", strings.Join(missing, ", "))
	}

	if cfg.Converter.APIKey == "" {
		return fmt.Errorf("converter.api_key is required")
	}
	if cfg.Converter.PollInterval <= 0 {
		return fmt.Errorf("converter.poll_interval must be positive")
	}
	if cfg.Converter.MaxRetries < 0 {
		return fmt.Errorf("converter.max_retries must be non-negative")
	}

	if cfg.Staging.Root == "" {
		return fmt.Errorf("staging.root is required")
	}

	if cfg.Concurrency.Workers < 1 {
		return fmt.Errorf("concurrency.workers must be at least 1")
	}
	if cfg.Concurrency.QueueSize < 1 {
		return fmt.Errorf("concurrency.queue_size must be at least 1")
	}
	if cfg.Concurrency.MaxBatches < 1 {
		return fmt.Errorf("concurrency.max_batches must be at least 1")
	}

	if cfg.InFlight.Shards < 1 {
		return fmt.Errorf("inflight.shards must be at least 1")
	}
	if cfg.InFlight.TTL < 0 {
		return fmt.Errorf("inflight.ttl must be non-negative")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

// Reload reloads the configuration (thread-safe)
func Reload(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	cfg, err := load(configPath)
	if err != nil {
		return err
	}
	instance = cfg
	return nil
}
