package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace root.
const FileName = "taskline.yml"

// Config models taskline.yml.
type Config struct {
	Sync      SyncConfig      `yaml:"sync"`
	Remote    RemoteConfig    `yaml:"remote"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type SyncConfig struct {
	BatchSize        int           `yaml:"batch_size" validate:"gt=0,lte=1000"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts" validate:"gt=0"`
	ExchangeTimeout  time.Duration `yaml:"exchange_timeout" validate:"gt=0"`
	// Schedule is a cron spec for periodic passes; empty disables them.
	Schedule string `yaml:"schedule"`
}

const (
	RemoteHTTP  = "http"
	RemoteLocal = "local"
)

type RemoteConfig struct {
	Mode     string `yaml:"mode" validate:"oneof=http local"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	BasePath string `yaml:"base_path" validate:"required,startswith=/"`
}

type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=json text"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=otlp-http stdout none"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Validate checks struct tags and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("config.%s failed %s", yamlPath(fe.Namespace()), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Remote.Mode == RemoteHTTP && c.Remote.Endpoint == "" {
		return fmt.Errorf("config.remote.endpoint is required when remote.mode is http")
	}
	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			return fmt.Errorf("config.sync.schedule: %w", err)
		}
	}
	return nil
}

var yamlNames = map[string]string{
	"BatchSize": "batch_size", "MaxRetryAttempts": "max_retry_attempts", "ExchangeTimeout": "exchange_timeout",
	"BasePath": "base_path", "MaxSizeMB": "max_size_mb", "MaxBackups": "max_backups",
	"ServiceName": "service_name", "SampleRate": "sample_rate",
}

// yamlPath turns a validator namespace like Config.Sync.BatchSize into sync.batch_size.
func yamlPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if n, ok := yamlNames[p]; ok {
			parts[i] = n
			continue
		}
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads the workspace config, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the config described by the default template.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML decodes raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// ApplyOverrides copies keys set through the environment or bound flags
// into cfg and revalidates it.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	if v.IsSet("sync.batch_size") {
		c.Sync.BatchSize = v.GetInt("sync.batch_size")
	}
	if v.IsSet("sync.max_retry_attempts") {
		c.Sync.MaxRetryAttempts = v.GetInt("sync.max_retry_attempts")
	}
	if v.IsSet("sync.exchange_timeout") {
		c.Sync.ExchangeTimeout = v.GetDuration("sync.exchange_timeout")
	}
	if v.IsSet("sync.schedule") {
		c.Sync.Schedule = v.GetString("sync.schedule")
	}
	if v.IsSet("remote.mode") {
		c.Remote.Mode = v.GetString("remote.mode")
	}
	if v.IsSet("remote.endpoint") {
		c.Remote.Endpoint = v.GetString("remote.endpoint")
	}
	if v.IsSet("server.addr") {
		c.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("log.level") {
		c.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.format") {
		c.Log.Format = v.GetString("log.format")
	}
	if v.IsSet("log.file") {
		c.Log.File = v.GetString("log.file")
	}
	if v.IsSet("telemetry.enabled") {
		c.Telemetry.Enabled = v.GetBool("telemetry.enabled")
	}
	if v.IsSet("telemetry.exporter") {
		c.Telemetry.Exporter = v.GetString("telemetry.exporter")
	}
	if v.IsSet("telemetry.endpoint") {
		c.Telemetry.Endpoint = v.GetString("telemetry.endpoint")
	}
	return c.Validate()
}

// Encode renders cfg as YAML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const defaultTemplate = `sync:
  batch_size: 50
  max_retry_attempts: 3
  exchange_timeout: 30s
  # cron spec for periodic passes, e.g. "@every 1m"; empty disables
  schedule: ""

remote:
  # http posts batches to endpoint; local reconciles against an in-process authority
  mode: local
  endpoint: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: text
  file: ""
  max_size_mb: 50
  max_backups: 3

telemetry:
  enabled: false
  exporter: stdout
  endpoint: ""
  service_name: taskline
  sample_rate: 1.0
`
