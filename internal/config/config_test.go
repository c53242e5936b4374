package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := defaults()
	cfg.Salesforce.InstanceURL = "https://acme.my.salesforce.com"
	cfg.Auth.Method = "jwt"
	cfg.Auth.ClientID = "3MVG9consumer.key"
	cfg.Auth.Username = "printer@acme.com"
	cfg.Auth.PrivateKeyPath = "/etc/printbridge/server.key"
	return cfg
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() err=%v, want nil", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "missing instance url",
			mutate:  func(c *Config) { c.Salesforce.InstanceURL = "" },
			wantMsg: "instance_url",
		},
		{
			name:    "missing topic",
			mutate:  func(c *Config) { c.Salesforce.Topic = "" },
			wantMsg: "topic",
		},
		{
			name:    "zero credit",
			mutate:  func(c *Config) { c.Salesforce.NumRequested = 0 },
			wantMsg: "num_requested",
		},
		{
			name:    "unknown auth method",
			mutate:  func(c *Config) { c.Auth.Method = "saml" },
			wantMsg: "invalid auth method",
		},
		{
			name: "jwt without key",
			mutate: func(c *Config) {
				c.Auth.Method = "jwt"
				c.Auth.PrivateKeyPath = ""
			},
			wantMsg: "private_key_path",
		},
		{
			name: "password without secret",
			mutate: func(c *Config) {
				c.Auth.Method = "password"
				c.Auth.Password = "hunter2token"
				c.Auth.ClientSecret = ""
			},
			wantMsg: "client_secret",
		},
		{
			name:    "missing client id",
			mutate:  func(c *Config) { c.Auth.ClientID = "" },
			wantMsg: "client_id",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Queue.WorkerCount = 0 },
			wantMsg: "worker count",
		},
		{
			name:    "bad printer port",
			mutate:  func(c *Config) { c.Printers.DefaultPort = 0 },
			wantMsg: "default printer port",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantMsg: "invalid log level",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() err=nil, want error containing %q", tt.wantMsg)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("Validate() err=%q, want it to contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
salesforce:
  instance_url: https://acme.my.salesforce.com
  topic: /event/Warehouse_Print__e
  num_requested: 10
auth:
  method: password
  client_id: abc
  client_secret: shh
  username: printer@acme.com
  password: pw+token
queue:
  worker_count: 8
  retry_delay: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}

	if cfg.Salesforce.Topic != "/event/Warehouse_Print__e" {
		t.Errorf("Topic=%q, want /event/Warehouse_Print__e", cfg.Salesforce.Topic)
	}
	if cfg.Salesforce.NumRequested != 10 {
		t.Errorf("NumRequested=%d, want 10", cfg.Salesforce.NumRequested)
	}
	if cfg.Queue.WorkerCount != 8 {
		t.Errorf("WorkerCount=%d, want 8", cfg.Queue.WorkerCount)
	}
	if cfg.Queue.RetryDelay != 2*time.Second {
		t.Errorf("RetryDelay=%v, want 2s", cfg.Queue.RetryDelay)
	}
	// Untouched keys keep defaults.
	if cfg.Salesforce.PubSubAddr != "api.pubsub.salesforce.com:7443" {
		t.Errorf("PubSubAddr=%q, want default", cfg.Salesforce.PubSubAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() after Load err=%v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("MaxRetries=%d, want default 3", cfg.Queue.MaxRetries)
	}
}
