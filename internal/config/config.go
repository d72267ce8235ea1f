package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"marketsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Worker     WorkerConfig     `yaml:"worker"`
	RateLimits []RateLimitRule  `yaml:"rate_limits"`
	Ownership  OwnershipConfig  `yaml:"ownership"`
	Adapters   []AdapterConfig  `yaml:"adapters"`
	Tenants    []models.Tenant  `yaml:"tenants"`
	Products   []models.Product `yaml:"products"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type WorkerConfig struct {
	Count          int           `yaml:"count"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	AdapterTimeout time.Duration `yaml:"adapter_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
}

// RateLimitRule declares the bucket parameters for one (api, endpoint) pair.
// Tenants share the shape but each tenant gets its own bucket row.
type RateLimitRule struct {
	APIName        string  `yaml:"api_name"`
	Endpoint       string  `yaml:"endpoint"`
	CallsPerSecond float64 `yaml:"calls_per_second"`
	BurstSize      int     `yaml:"burst_size"`
}

type OwnershipConfig struct {
	// MergeThreshold drops flapping periods shorter than this and folds the
	// covered time into the following period. Zero keeps everything except
	// zero-duration readings.
	MergeThreshold time.Duration `yaml:"merge_threshold"`
	RebuildOnStart bool          `yaml:"rebuild_on_start"`
}

type AdapterConfig struct {
	Name         string        `yaml:"name"`
	BaseURL      string        `yaml:"base_url"`
	Endpoint     string        `yaml:"endpoint"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Timeout      time.Duration `yaml:"timeout"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env не обязателен: в проде переменные приходят из окружения
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	for _, rule := range c.RateLimits {
		if rule.APIName == "" || rule.Endpoint == "" {
			return errors.New("rate limit rule requires api_name and endpoint")
		}
		if rule.CallsPerSecond <= 0 {
			return fmt.Errorf("rate limit %s/%s: calls_per_second must be positive", rule.APIName, rule.Endpoint)
		}
		if rule.BurstSize <= 0 {
			return fmt.Errorf("rate limit %s/%s: burst_size must be positive", rule.APIName, rule.Endpoint)
		}
	}

	return ValidateTenants(c.Tenants)
}

func ValidateTenants(tenants []models.Tenant) error {
	seen := make(map[string]bool)
	for _, tenant := range tenants {
		if tenant.ID == "" {
			return fmt.Errorf("tenant '%s' has empty id", tenant.Name)
		}
		if seen[tenant.ID] {
			return fmt.Errorf("duplicate tenant id found: %s", tenant.ID)
		}
		seen[tenant.ID] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 5
	}

	if c.Worker.Count == 0 {
		c.Worker.Count = 4
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = models.DefaultPollInterval * time.Second
	}
	if c.Worker.LeaseTTL == 0 {
		c.Worker.LeaseTTL = models.DefaultLeaseTTL * time.Second
	}
	if c.Worker.AdapterTimeout == 0 {
		c.Worker.AdapterTimeout = 30 * time.Second
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = models.DefaultMaxAttempts
	}
	if c.Worker.ReapInterval == 0 {
		c.Worker.ReapInterval = time.Minute
	}

	for i := range c.Tenants {
		if c.Tenants[i].SyncInterval == 0 {
			c.Tenants[i].SyncInterval = 15 * time.Minute
		}
	}
}
