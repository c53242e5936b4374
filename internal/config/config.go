package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Salesforce SalesforceConfig `yaml:"salesforce"`
	Auth       AuthConfig       `yaml:"auth"`
	Queue      QueueConfig      `yaml:"queue"`
	Printers   PrintersConfig   `yaml:"printers"`
	Server     ServerConfig     `yaml:"server"`
	State      StateConfig      `yaml:"state"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type SalesforceConfig struct {
	InstanceURL   string        `yaml:"instance_url"`
	LoginURL      string        `yaml:"login_url"`
	Topic         string        `yaml:"topic"`
	PubSubAddr    string        `yaml:"pubsub_addr"`
	NumRequested  int           `yaml:"num_requested"`
	KeepaliveIdle time.Duration `yaml:"keepalive_idle"`
}

type AuthConfig struct {
	Method         string `yaml:"method"` // jwt | password | web
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"` // password + security token for the password flow
	PrivateKeyPath string `yaml:"private_key_path"`
	TokenFile      string `yaml:"token_file"`
}

type QueueConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	WorkerCount     int           `yaml:"worker_count"`
	QueueSize       int           `yaml:"queue_size"`
	ResultRetention int           `yaml:"result_retention"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PrintersConfig struct {
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	DefaultPort       int           `yaml:"default_port"`
	CapabilityTTL     time.Duration `yaml:"capability_ttl"` // 0 disables expiry
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	APIKeyHash   string        `yaml:"api_key_hash"` // bcrypt hash of the admin API key
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Salesforce: SalesforceConfig{
			LoginURL:      "https://login.salesforce.com",
			Topic:         "/event/Print_Job__e",
			PubSubAddr:    "api.pubsub.salesforce.com:7443",
			NumRequested:  5,
			KeepaliveIdle: 150 * time.Second,
		},
		Auth: AuthConfig{
			Method: "jwt",
		},
		Queue: QueueConfig{
			MaxRetries:      3,
			RetryDelay:      5 * time.Second,
			WorkerCount:     4,
			QueueSize:       64,
			ResultRetention: 1000,
			ShutdownTimeout: 30 * time.Second,
		},
		Printers: PrintersConfig{
			ConnectionTimeout: 10 * time.Second,
			DefaultPort:       9100,
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		State: StateConfig{
			Path: "./data/printbridge.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PRINTBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PRINTBRIDGE_STATE_PATH"); v != "" {
		c.State.Path = v
	}
	if v := os.Getenv("PRINTBRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SF_INSTANCE_URL"); v != "" {
		c.Salesforce.InstanceURL = v
	}
	if v := os.Getenv("SF_CLIENT_ID"); v != "" {
		c.Auth.ClientID = v
	}
	if v := os.Getenv("SF_CLIENT_SECRET"); v != "" {
		c.Auth.ClientSecret = v
	}
	if v := os.Getenv("SF_USERNAME"); v != "" {
		c.Auth.Username = v
	}
	if v := os.Getenv("SF_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
}

func (c *Config) Validate() error {
	if c.Salesforce.InstanceURL == "" {
		return fmt.Errorf("salesforce instance_url is required")
	}

	if c.Salesforce.Topic == "" {
		return fmt.Errorf("salesforce topic is required")
	}

	if c.Salesforce.NumRequested < 1 {
		return fmt.Errorf("num_requested must be at least 1, got %d", c.Salesforce.NumRequested)
	}

	switch c.Auth.Method {
	case "jwt":
		if c.Auth.Username == "" || c.Auth.PrivateKeyPath == "" {
			return fmt.Errorf("jwt auth requires username and private_key_path")
		}
	case "password":
		if c.Auth.Username == "" || c.Auth.Password == "" || c.Auth.ClientSecret == "" {
			return fmt.Errorf("password auth requires username, password and client_secret")
		}
	case "web":
		if c.Auth.ClientSecret == "" || c.Auth.TokenFile == "" {
			return fmt.Errorf("web auth requires client_secret and token_file")
		}
	default:
		return fmt.Errorf("invalid auth method: %s (valid: jwt, password, web)", c.Auth.Method)
	}

	if c.Auth.ClientID == "" {
		return fmt.Errorf("auth client_id is required")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Queue.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative")
	}

	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}

	if c.Queue.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1")
	}

	if c.Printers.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	if c.Printers.DefaultPort < 1 || c.Printers.DefaultPort > 65535 {
		return fmt.Errorf("default printer port must be between 1 and 65535, got %d", c.Printers.DefaultPort)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.State.Path == "" {
		return fmt.Errorf("state path is required")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
