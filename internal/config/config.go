package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the remediation engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Audit    AuditConfig    `yaml:"audit"`
	Targets  []TargetConfig `yaml:"targets" validate:"dive"`
	Source   SourceConfig   `yaml:"source"`
	Actuator ActuatorConfig `yaml:"actuator"`
	Scorer   ScorerConfig   `yaml:"scorer"`
	Exporter ExporterConfig `yaml:"exporter"`
	Cache    CacheConfig    `yaml:"cache"`
	Playbook PlaybookConfig `yaml:"playbook"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gte=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
}

// EngineConfig tunes the evaluation cycle.
type EngineConfig struct {
	PollInterval         time.Duration `yaml:"pollInterval" validate:"gt=0"`
	Lookback             time.Duration `yaml:"lookback" validate:"gt=0"`
	FetchTimeout         time.Duration `yaml:"fetchTimeout" validate:"gt=0"`
	RemediationTimeout   time.Duration `yaml:"remediationTimeout" validate:"gt=0"`
	WindowCapacity       int           `yaml:"windowCapacity" validate:"gt=1"`
	MinSamples           int           `yaml:"minSamples" validate:"gte=2"`
	MaxRows              int           `yaml:"maxRows" validate:"gte=2"`
	RetrainInterval      time.Duration `yaml:"retrainInterval" validate:"gt=0"`
	StrongCorrelation    float64       `yaml:"strongCorrelation" validate:"gt=0,lte=1"`
	RiskThreshold        float64       `yaml:"riskThreshold" validate:"gt=0,lte=1"`
	AutoRemediate        bool          `yaml:"autoRemediate"`
	MaxActionsPerHour    int           `yaml:"maxActionsPerHour" validate:"gt=0"`
	MaxConcurrentTargets int           `yaml:"maxConcurrentTargets" validate:"gt=0"`
	DetectorCacheSize    int           `yaml:"detectorCacheSize" validate:"gt=0"`
}

// BreakerConfig controls the per-target circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold" validate:"gt=0"`
	SuccessThreshold int           `yaml:"successThreshold" validate:"gt=0"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
}

// AuditConfig bounds the in-process audit log.
type AuditConfig struct {
	Capacity int `yaml:"capacity" validate:"gt=0"`
}

// TargetConfig names a monitored target and its series.
type TargetConfig struct {
	Name   string         `yaml:"name" validate:"required"`
	Series []SeriesConfig `yaml:"series" validate:"required,min=1,dive"`
}

// SeriesConfig is one monitored series; Query may reference $target.
type SeriesConfig struct {
	Name  string `yaml:"name" validate:"required"`
	Query string `yaml:"query"`
}

// SourceConfig selects the metrics backend.
type SourceConfig struct {
	Kind        string        `yaml:"kind" validate:"oneof=prometheus core"`
	Address     string        `yaml:"address" validate:"required_if=Kind prometheus"`
	BaseURL     string        `yaml:"baseURL" validate:"required_if=Kind core"`
	MetricsPath string        `yaml:"metricsPath"`
	Step        time.Duration `yaml:"step" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	CacheTTL    time.Duration `yaml:"cacheTTL" validate:"gte=0"`
}

// ActuatorConfig points at the remediation actuator. An empty BaseURL
// disables remediation.
type ActuatorConfig struct {
	BaseURL string        `yaml:"baseURL" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	Probe   bool          `yaml:"probe"`
}

// ScorerConfig selects the anomaly scorer.
type ScorerConfig struct {
	Kind          string        `yaml:"kind" validate:"oneof=ensemble external"`
	Trees         int           `yaml:"trees" validate:"gt=0"`
	SampleSize    int           `yaml:"sampleSize" validate:"gt=1"`
	Contamination float64       `yaml:"contamination" validate:"gt=0,lt=0.5"`
	ZThreshold    float64       `yaml:"zThreshold" validate:"gt=0"`
	Seed          uint64        `yaml:"seed"`
	Endpoint      string        `yaml:"endpoint" validate:"required_if=Kind external"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ExporterConfig selects where risk and breaker signals are exported.
type ExporterConfig struct {
	Kind           string        `yaml:"kind" validate:"oneof=none registry pushgateway"`
	PushgatewayURL string        `yaml:"pushgatewayURL" validate:"required_if=Kind pushgateway"`
	Job            string        `yaml:"job"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0"`
}

// CacheConfig controls the Valkey-backed lease and response cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr" validate:"required_if=Enabled true"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	LeaseTTL     time.Duration `yaml:"leaseTTL" validate:"gte=0"`
}

// PlaybookConfig controls remediation rule loading.
type PlaybookConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load initialises Config from a YAML file and optional environment
// overrides, then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_REMEDIATION_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and target uniqueness.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("invalid config: duplicate target %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if c.Source.Kind == "prometheus" {
			for _, s := range t.Series {
				if s.Query == "" {
					return fmt.Errorf("invalid config: target %q series %q needs a query", t.Name, s.Name)
				}
			}
		}
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50052",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Engine: EngineConfig{
			PollInterval:         time.Minute,
			Lookback:             time.Hour,
			FetchTimeout:         10 * time.Second,
			RemediationTimeout:   2 * time.Minute,
			WindowCapacity:       288,
			MinSamples:           10,
			MaxRows:              288,
			RetrainInterval:      time.Hour,
			StrongCorrelation:    0.8,
			RiskThreshold:        0.7,
			AutoRemediate:        false,
			MaxActionsPerHour:    20,
			MaxConcurrentTargets: 4,
			DetectorCacheSize:    256,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
		},
		Audit: AuditConfig{Capacity: 1000},
		Source: SourceConfig{
			Kind:        "prometheus",
			Address:     "http://localhost:9090",
			MetricsPath: "/api/v1/rca/metrics",
			Step:        time.Minute,
			Timeout:     5 * time.Second,
		},
		Actuator: ActuatorConfig{Timeout: 30 * time.Second},
		Scorer: ScorerConfig{
			Kind:          "ensemble",
			Trees:         100,
			SampleSize:    256,
			Contamination: 0.1,
			ZThreshold:    2.5,
			Seed:          42,
			Timeout:       5 * time.Second,
		},
		Exporter: ExporterConfig{Kind: "registry", Job: "mirador-remediation", Timeout: 5 * time.Second},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_REMEDIATION_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_AUTO_REMEDIATE"); v != "" {
		cfg.Engine.AutoRemediate = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_RISK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.RiskThreshold = f
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.PollInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_SOURCE_KIND"); v != "" {
		cfg.Source.Kind = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_PROMETHEUS_URL"); v != "" {
		cfg.Source.Address = v
	}
	if v := os.Getenv("MIRADOR_CORE_BASE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_CORE_METRICS_PATH"); v != "" {
		cfg.Source.MetricsPath = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_ACTUATOR_URL"); v != "" {
		cfg.Actuator.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_MODEL_ENDPOINT"); v != "" {
		cfg.Scorer.Kind = "external"
		cfg.Scorer.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_PUSHGATEWAY_URL"); v != "" {
		cfg.Exporter.Kind = "pushgateway"
		cfg.Exporter.PushgatewayURL = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_PLAYBOOK_PATH"); v != "" {
		cfg.Playbook.Path = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_TRACING"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATION_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
