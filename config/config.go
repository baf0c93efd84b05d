// Package config loads the engine configuration from YAML.
//
//	log:
//	  level: info
//	  format: json
//	connect_timeout: 10s
//	message_timeout: 60s
//	cipher: AES128-EAX
//	shadow_file: /etc/xic/shadow
//	registry:
//	  etcd: [127.0.0.1:2379]
//	adapters:
//	  Main:
//	    endpoints: tcp+0.0.0.0+5555
//	    rate_limit: 1000
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"xic/cipher"
	"xic/endpoint"
	"xic/loadbalance"
)

// Duration is a time.Duration written as "30s" or "1m30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// RegistryConfig enables service discovery through etcd.
type RegistryConfig struct {
	Etcd []string `yaml:"etcd,omitempty"`
	TTL  int64    `yaml:"ttl"` // lease seconds
}

// AdapterConfig describes one adapter created by CreateAdapter(name, "").
type AdapterConfig struct {
	Endpoints       string   `yaml:"endpoints"`
	RateLimit       float64  `yaml:"rate_limit,omitempty"` // quests per second, 0 = unlimited
	Burst           int      `yaml:"burst,omitempty"`
	DispatchTimeout Duration `yaml:"dispatch_timeout,omitempty"`
	Publish         bool     `yaml:"publish,omitempty"` // register servants in the registry
}

// Config is the engine configuration.
type Config struct {
	Log LogConfig `yaml:"log"`

	MaxMessageSize uint32 `yaml:"max_message_size"`

	ConnectTimeout Duration `yaml:"connect_timeout"`
	MessageTimeout Duration `yaml:"message_timeout"`
	CloseTimeout   Duration `yaml:"close_timeout"`

	IdleIncoming  Duration `yaml:"idle_incoming"`
	IdleOutgoing  Duration `yaml:"idle_outgoing"`
	ReapInterval  Duration `yaml:"reap_interval"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	Cipher      string `yaml:"cipher"`
	SecretFile  string `yaml:"secret_file,omitempty"`
	ShadowFile  string `yaml:"shadow_file,omitempty"`
	LoadBalance string `yaml:"load_balance"`

	Registry RegistryConfig           `yaml:"registry"`
	Adapters map[string]AdapterConfig `yaml:"adapters,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:            LogConfig{Level: "info", Format: "json"},
		MaxMessageSize: 64 << 20,
		ConnectTimeout: Duration(10 * time.Second),
		MessageTimeout: Duration(60 * time.Second),
		CloseTimeout:   Duration(5 * time.Second),
		IdleIncoming:   Duration(5 * time.Minute),
		IdleOutgoing:   Duration(time.Minute),
		ReapInterval:   Duration(30 * time.Second),
		ShutdownGrace:  Duration(5 * time.Second),
		Cipher:         cipher.AES128EAX.String(),
		LoadBalance:    string(loadbalance.ModeRoundRobin),
		Registry:       RegistryConfig{TTL: 10},
	}
}

// Load reads path over the defaults. Unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	if _, err := cipher.ParseSuite(c.Cipher); err != nil {
		return err
	}
	if _, err := loadbalance.ParseMode(c.LoadBalance); err != nil {
		return err
	}
	if c.MaxMessageSize == 0 {
		return fmt.Errorf("config: max_message_size must be positive")
	}
	for name, d := range map[string]Duration{
		"connect_timeout": c.ConnectTimeout,
		"message_timeout": c.MessageTimeout,
		"close_timeout":   c.CloseTimeout,
		"reap_interval":   c.ReapInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	for name, a := range c.Adapters {
		if _, err := endpoint.ParseList(a.Endpoints); err != nil {
			return fmt.Errorf("config: adapter %s: %w", name, err)
		}
	}
	return nil
}

// Suite returns the configured cipher suite.
func (c *Config) Suite() cipher.Suite {
	s, _ := cipher.ParseSuite(c.Cipher)
	return s
}
