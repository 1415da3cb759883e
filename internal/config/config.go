package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration. Environment variables applied
// in main override file values.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	ChainID     string `yaml:"chain_id"`

	Sources SourcesConfig `yaml:"sources"`

	// Batch is the flush threshold for the ingestion driver.
	Batch int `yaml:"batch"`
	// InitialBlockHeight overrides the checkpoint-derived starting block.
	InitialBlockHeight *uint64 `yaml:"initial_block_height,omitempty"`
	// CacheUpdates toggles computation invalidation during flushes.
	CacheUpdates *bool `yaml:"cache_updates,omitempty"`
	// WebhooksEnabled toggles webhook enqueueing during flushes.
	WebhooksEnabled *bool `yaml:"webhooks_enabled,omitempty"`

	Soketi   SoketiConfig    `yaml:"soketi"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	API      APIConfig       `yaml:"api"`
	Delivery DeliveryConfig  `yaml:"delivery"`

	LogJSON bool `yaml:"log_json"`
}

// SourcesConfig names the event streams to tail. Wasm accepts a file path,
// "-" for stdin, or an http(s) URL.
type SourcesConfig struct {
	Wasm string `yaml:"wasm"`
}

// SoketiConfig configures the Pusher-protocol client used for soketi
// endpoints.
type SoketiConfig struct {
	Host   string `yaml:"host"`
	AppID  string `yaml:"app_id"`
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
	UseTLS bool   `yaml:"use_tls"`
}

// Configured reports whether soketi delivery can be used.
func (s SoketiConfig) Configured() bool {
	return s.Host != "" && s.AppID != "" && s.Key != "" && s.Secret != ""
}

// WebhookConfig is one declarative subscription from the config file.
type WebhookConfig struct {
	Name      string         `yaml:"name"`
	Contracts []string       `yaml:"contracts"`
	KeyPrefix string         `yaml:"key_prefix"`
	// Value selects what gets delivered: "value" (new value), "change"
	// ({from, to} using the previous value) or "event" (the full event row).
	Value    string         `yaml:"value"`
	Endpoint EndpointConfig `yaml:"endpoint"`
}

// EndpointConfig is the delivery target of a subscription. Type "url" uses
// Method/Headers/URL; type "soketi" uses Channel/Event.
type EndpointConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url,omitempty"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Channel string            `yaml:"channel,omitempty"`
	Event   string            `yaml:"event,omitempty"`
}

// APIConfig configures the HTTP query server.
type APIConfig struct {
	Port       int     `yaml:"port"`
	JWTSecret  string  `yaml:"jwt_secret"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// DeliveryConfig bounds the webhook drain loop.
type DeliveryConfig struct {
	Workers        int `yaml:"workers"`
	MaxFailures    int `yaml:"max_failures"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the per-delivery timeout.
func (d DeliveryConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Load reads and validates a YAML config file, filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Batch <= 0 {
		c.Batch = 5000
	}
	if c.ChainID == "" {
		c.ChainID = "juno-1"
	}
	if c.CacheUpdates == nil {
		t := true
		c.CacheUpdates = &t
	}
	if c.WebhooksEnabled == nil {
		t := true
		c.WebhooksEnabled = &t
	}
	if c.API.Port <= 0 {
		c.API.Port = 8080
	}
	if c.API.RatePerSec <= 0 {
		c.API.RatePerSec = 10
	}
	if c.API.Burst <= 0 {
		c.API.Burst = 30
	}
	if c.Delivery.Workers <= 0 {
		c.Delivery.Workers = 4
	}
	if c.Delivery.MaxFailures <= 0 {
		c.Delivery.MaxFailures = 10
	}
	if c.Delivery.TimeoutSeconds <= 0 {
		c.Delivery.TimeoutSeconds = 10
	}
	for i := range c.Webhooks {
		if c.Webhooks[i].Value == "" {
			c.Webhooks[i].Value = "value"
		}
		if c.Webhooks[i].Endpoint.Type == "url" && c.Webhooks[i].Endpoint.Method == "" {
			c.Webhooks[i].Endpoint.Method = "POST"
		}
	}
}

// Validate rejects configs that cannot run any component.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	for _, w := range c.Webhooks {
		switch w.Endpoint.Type {
		case "url":
			if w.Endpoint.URL == "" {
				return fmt.Errorf("webhook %q: endpoint.url is required for type url", w.Name)
			}
		case "soketi":
			if w.Endpoint.Channel == "" || w.Endpoint.Event == "" {
				return fmt.Errorf("webhook %q: endpoint.channel and endpoint.event are required for type soketi", w.Name)
			}
			if !c.Soketi.Configured() {
				return fmt.Errorf("webhook %q: soketi endpoint configured but soketi credentials are missing", w.Name)
			}
		default:
			return fmt.Errorf("webhook %q: unknown endpoint type %q", w.Name, w.Endpoint.Type)
		}
	}
	return nil
}
