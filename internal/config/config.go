// Package config loads the daemon configuration from a YAML file with
// environment overrides for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API      APIConfig      `yaml:"api"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Operator credentials for POST /auth/login.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type AdapterConfig struct {
	Address           string        `yaml:"address"`
	Name              string        `yaml:"name"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	TransitionTimeout time.Duration `yaml:"transition_timeout"`
	BacklogDepth      int           `yaml:"backlog_depth"`
	RetryLimit        int           `yaml:"retry_limit"`
	// PowerOnBoot turns the adapter on during startup instead of waiting for
	// a management request.
	PowerOnBoot bool `yaml:"power_on_boot"`
}

type DatabaseConfig struct {
	// DSN selects the bond store. Empty means in-memory, which loses bonds
	// across restarts.
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type NATSConfig struct {
	// URL of the broker. Empty disables event forwarding.
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Listen:       ":8480",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Adapter: AdapterConfig{
			Name:              "blued",
			CommandTimeout:    10 * time.Second,
			TransitionTimeout: 8 * time.Second,
			BacklogDepth:      8,
			RetryLimit:        2,
		},
		NATS: NATSConfig{
			SubjectPrefix: "bt.event",
		},
		JWT: JWTConfig{
			TokenTTL: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads filename and applies environment overrides. An empty filename
// returns the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if password := os.Getenv("API_PASSWORD"); password != "" {
		c.API.Password = password
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

func (c *Config) validate() error {
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen must not be empty")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret must be set (or JWT_SECRET in the environment)")
	}
	if c.API.Username == "" || c.API.Password == "" {
		return fmt.Errorf("api.username and api.password must be set")
	}
	if c.Adapter.BacklogDepth <= 0 {
		return fmt.Errorf("adapter.backlog_depth must be positive")
	}
	if c.Adapter.RetryLimit < 0 {
		return fmt.Errorf("adapter.retry_limit must not be negative")
	}
	return nil
}
