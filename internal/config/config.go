package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	apperrors "deviceauth/internal/errors"
	"deviceauth/internal/security"
)

const (
	// EnvPrefix namespaces every environment variable read by Load
	EnvPrefix = "DEVICEAUTH"
	// ConfigFileEnv names the optional YAML configuration file
	ConfigFileEnv = EnvPrefix + "_CONFIG_FILE"
)

// Config represents the complete module configuration
type Config struct {
	Qualifier  QualifierConfig  `yaml:"qualifier" envconfig:"QUALIFIER"`
	Activation ActivationConfig `yaml:"activation" envconfig:"ACTIVATION"`
	Store      StoreConfig      `yaml:"store" envconfig:"STORE"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// QualifierConfig holds the static secret shared with the device fleet.
// Exactly one of StaticSecret or SealedSecret is expected; the sealed form wins.
type QualifierConfig struct {
	StaticSecret string `yaml:"static_secret" envconfig:"STATIC_SECRET"`
	SealedSecret string `yaml:"sealed_secret" envconfig:"SEALED_SECRET"`
	SealSalt     string `yaml:"seal_salt" envconfig:"SEAL_SALT"`
	AADFlag      string `yaml:"aad_flag" envconfig:"AAD_FLAG" default:"yes"`
}

// ActivationConfig contains activation workflow settings
type ActivationConfig struct {
	DeviceIDPrefix         string        `yaml:"device_id_prefix" envconfig:"DEVICE_ID_PREFIX" default:"HM"`
	AttemptRate            float64       `yaml:"attempt_rate" envconfig:"ATTEMPT_RATE" default:"0.2"`
	AttemptBurst           int           `yaml:"attempt_burst" envconfig:"ATTEMPT_BURST" default:"5"`
	AttemptIdleTTL         time.Duration `yaml:"attempt_idle_ttl" envconfig:"ATTEMPT_IDLE_TTL" default:"30m"`
	ReplayTTL              time.Duration `yaml:"replay_ttl" envconfig:"REPLAY_TTL" default:"24h"`
	ReplayMaxSize          int           `yaml:"replay_max_size" envconfig:"REPLAY_MAX_SIZE" default:"100000"`
	AssociationCodeDefault bool          `yaml:"association_code_default" envconfig:"ASSOCIATION_CODE_DEFAULT" default:"false"`
}

// StoreConfig selects the activation state store
type StoreConfig struct {
	Driver string `yaml:"driver" envconfig:"DRIVER" default:"memory"`
	DSN    string `yaml:"dsn" envconfig:"DSN" default:"file:deviceauth.db?_pragma=busy_timeout(5000)"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level     string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output    string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath  string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/deviceauth.log"`
	AddSource bool   `yaml:"add_source" envconfig:"ADD_SOURCE" default:"false"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME" default:"deviceauth"`
	ServiceVersion string  `yaml:"service_version" envconfig:"SERVICE_VERSION" default:"1.0.0"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1.0"`
}

// Load loads configuration from environment variables and the optional config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if configured
	if configFile := os.Getenv(ConfigFileEnv); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config.
// A variable that is explicitly set in the environment wins; otherwise a non-zero file value
// replaces the envconfig default.
func mergeConfigs(fileConfig, envConfig Config) Config {
	q, fq := &envConfig.Qualifier, fileConfig.Qualifier
	overlay(&q.StaticSecret, fq.StaticSecret, "QUALIFIER_STATIC_SECRET")
	overlay(&q.SealedSecret, fq.SealedSecret, "QUALIFIER_SEALED_SECRET")
	overlay(&q.SealSalt, fq.SealSalt, "QUALIFIER_SEAL_SALT")
	overlay(&q.AADFlag, fq.AADFlag, "QUALIFIER_AAD_FLAG")

	a, fa := &envConfig.Activation, fileConfig.Activation
	overlay(&a.DeviceIDPrefix, fa.DeviceIDPrefix, "ACTIVATION_DEVICE_ID_PREFIX")
	overlay(&a.AttemptRate, fa.AttemptRate, "ACTIVATION_ATTEMPT_RATE")
	overlay(&a.AttemptBurst, fa.AttemptBurst, "ACTIVATION_ATTEMPT_BURST")
	overlay(&a.AttemptIdleTTL, fa.AttemptIdleTTL, "ACTIVATION_ATTEMPT_IDLE_TTL")
	overlay(&a.ReplayTTL, fa.ReplayTTL, "ACTIVATION_REPLAY_TTL")
	overlay(&a.ReplayMaxSize, fa.ReplayMaxSize, "ACTIVATION_REPLAY_MAX_SIZE")
	overlay(&a.AssociationCodeDefault, fa.AssociationCodeDefault, "ACTIVATION_ASSOCIATION_CODE_DEFAULT")

	s, fs := &envConfig.Store, fileConfig.Store
	overlay(&s.Driver, fs.Driver, "STORE_DRIVER")
	overlay(&s.DSN, fs.DSN, "STORE_DSN")

	l, fl := &envConfig.Logging, fileConfig.Logging
	overlay(&l.Level, fl.Level, "LOGGING_LEVEL")
	overlay(&l.Output, fl.Output, "LOGGING_OUTPUT")
	overlay(&l.FilePath, fl.FilePath, "LOGGING_FILE_PATH")
	overlay(&l.AddSource, fl.AddSource, "LOGGING_ADD_SOURCE")

	t, ft := &envConfig.Telemetry, fileConfig.Telemetry
	overlay(&t.ServiceName, ft.ServiceName, "TELEMETRY_SERVICE_NAME")
	overlay(&t.ServiceVersion, ft.ServiceVersion, "TELEMETRY_SERVICE_VERSION")
	overlay(&t.Environment, ft.Environment, "TELEMETRY_ENVIRONMENT")
	overlay(&t.TraceExporter, ft.TraceExporter, "TELEMETRY_TRACE_EXPORTER")
	overlay(&t.MetricExporter, ft.MetricExporter, "TELEMETRY_METRIC_EXPORTER")
	overlay(&t.SampleRatio, ft.SampleRatio, "TELEMETRY_SAMPLE_RATIO")

	return envConfig
}

func overlay[T comparable](dst *T, fileValue T, key string) {
	var zero T
	if fileValue == zero {
		return
	}
	if _, set := os.LookupEnv(EnvPrefix + "_" + key); set {
		return
	}
	*dst = fileValue
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Qualifier.SealedSecret != "" && c.Qualifier.SealSalt == "" {
		return fmt.Errorf("qualifier seal salt is required with a sealed secret")
	}

	if c.Activation.DeviceIDPrefix == "" {
		return fmt.Errorf("device id prefix must not be empty")
	}
	if c.Activation.AttemptRate <= 0 {
		return fmt.Errorf("attempt rate must be positive")
	}
	if c.Activation.AttemptBurst < 1 {
		return fmt.Errorf("attempt burst must be at least 1")
	}
	if c.Activation.ReplayTTL <= 0 {
		return fmt.Errorf("replay ttl must be positive")
	}
	if c.Activation.ReplayMaxSize < 1 {
		return fmt.Errorf("replay max size must be at least 1")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("sqlite store requires a dsn")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	switch strings.ToLower(c.Logging.Output) {
	case "console", "stdout":
	case "file", "both":
		if c.Logging.FilePath == "" {
			return fmt.Errorf("logging output %q requires a file path", c.Logging.Output)
		}
	default:
		return fmt.Errorf("unsupported logging output: %s", c.Logging.Output)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("sample ratio must be within [0, 1]")
	}

	return nil
}

// Secret returns the plaintext static secret, opening the sealed form when present
func (q QualifierConfig) Secret() (string, error) {
	if q.SealedSecret == "" {
		if q.StaticSecret == "" {
			return "", apperrors.ErrSecretNotAvailable
		}
		return q.StaticSecret, nil
	}

	sealed, err := security.DecodeSealedSecret(q.SealedSecret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrSecretNotAvailable, err)
	}

	secret, err := security.OpenSecret(sealed, []byte(q.SealSalt), security.DefaultSealConfig())
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrSecretNotAvailable, err)
	}

	return string(secret), nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Qualifier: QualifierConfig{
			AADFlag: "yes",
		},
		Activation: ActivationConfig{
			DeviceIDPrefix: "HM",
			AttemptRate:    0.2,
			AttemptBurst:   5,
			AttemptIdleTTL: 30 * time.Minute,
			ReplayTTL:      24 * time.Hour,
			ReplayMaxSize:  100000,
		},
		Store: StoreConfig{
			Driver: "memory",
			DSN:    "file:deviceauth.db?_pragma=busy_timeout(5000)",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/deviceauth.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "deviceauth",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
