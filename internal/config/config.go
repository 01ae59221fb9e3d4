package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Address      string        `mapstructure:"address"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Driver      string `mapstructure:"driver"`
		Host        string `mapstructure:"host"`
		Port        int    `mapstructure:"port"`
		User        string `mapstructure:"user"`
		Password    string `mapstructure:"password"`
		Name        string `mapstructure:"name"`
		SSLMode     string `mapstructure:"sslmode"`
		SQLitePath  string `mapstructure:"sqlite_path"`
		AutoMigrate bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"db"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Scheduler struct {
		TickInterval    time.Duration `mapstructure:"tick_interval"`
		Workers         int           `mapstructure:"workers"`
		BatchSize       int           `mapstructure:"batch_size"`
		MaxAttempts     int           `mapstructure:"max_attempts"`
		MaxBackoffTicks int           `mapstructure:"max_backoff_ticks"`
	} `mapstructure:"scheduler"`
	Dispatch struct {
		ConcurrencyLimit int           `mapstructure:"concurrency_limit"`
		MaxPending       int           `mapstructure:"max_pending"`
		RequestTimeout   time.Duration `mapstructure:"request_timeout"`
		MaxAttempts      int           `mapstructure:"max_attempts"`
		RatePerSecond    float64       `mapstructure:"rate_per_second"`
		Burst            int           `mapstructure:"burst"`
	} `mapstructure:"dispatch"`
	Provider struct {
		URL    string `mapstructure:"url"`
		APIKey string `mapstructure:"api_key"`
		Model  string `mapstructure:"model"`
	} `mapstructure:"provider"`
	CRM struct {
		URL          string `mapstructure:"url"`
		TokenURL     string `mapstructure:"token_url"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
	} `mapstructure:"crm"`
	Webhooks struct {
		Workers           int           `mapstructure:"workers"`
		MaxAttempts       int           `mapstructure:"max_attempts"`
		InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff        time.Duration `mapstructure:"max_backoff"`
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
		Secret            string        `mapstructure:"secret"`
	} `mapstructure:"webhooks"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "chainflow")
	v.SetDefault("db.name", "chainflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.sqlite_path", "chainflow.db")
	v.SetDefault("db.auto_migrate", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.tick_interval", 60*time.Second)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.batch_size", 500)
	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.max_backoff_ticks", 32)

	v.SetDefault("dispatch.concurrency_limit", 5)
	v.SetDefault("dispatch.max_pending", 100)
	v.SetDefault("dispatch.request_timeout", 60*time.Second)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.rate_per_second", 0)
	v.SetDefault("dispatch.burst", 1)

	v.SetDefault("provider.url", "https://openrouter.ai/api/v1")
	v.SetDefault("provider.model", "openai/gpt-4o-mini")

	v.SetDefault("webhooks.workers", 4)
	v.SetDefault("webhooks.max_attempts", 5)
	v.SetDefault("webhooks.initial_backoff", 2*time.Second)
	v.SetDefault("webhooks.max_backoff", 5*time.Minute)
	v.SetDefault("webhooks.poll_interval", time.Second)
	v.SetDefault("webhooks.visibility_timeout", 5*time.Minute)
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// not an error, defaults and CHAINFLOW_* variables still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("CHAINFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.Workers < 1 || c.Webhooks.Workers < 1 {
		return fmt.Errorf("worker counts must be at least 1")
	}
	if c.Scheduler.MaxAttempts < 1 || c.Webhooks.MaxAttempts < 1 || c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts settings must be at least 1")
	}
	if c.Dispatch.ConcurrencyLimit < 1 {
		return fmt.Errorf("dispatch.concurrency_limit must be at least 1")
	}
	if c.Dispatch.MaxPending < 0 {
		return fmt.Errorf("dispatch.max_pending must not be negative")
	}
	return nil
}

// PostgresDSN builds the pgx connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}
