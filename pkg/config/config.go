package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Log         struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"json" validate:"oneof=json console"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`
	Server struct {
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
		CORS            *bool         `yaml:"cors" default:"true"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		RateLimit       struct {
			RPS   float64 `yaml:"rps" default:"200" validate:"gte=0"`
			Burst int     `yaml:"burst" default:"400" validate:"gte=0"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Metrics struct {
		Path string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Kafka struct {
		Enabled         bool     `yaml:"enabled"`
		Brokers         []string `yaml:"brokers"`
		SettlementTopic string   `yaml:"settlement_topic" default:"trade.settlements"`
		DecisionTopic   string   `yaml:"decision_topic" default:"experiment.decisions"`
		RequiredAcks    int      `yaml:"required_acks" default:"-1"`
		Compression     string   `yaml:"compression" default:"gzip" validate:"oneof=none gzip snappy lz4 zstd"`
		Producer        struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3" validate:"gt=0"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			BatchSize    int           `yaml:"batch_size" default:"100" validate:"gt=0"`
			BatchTimeout time.Duration `yaml:"batch_timeout" default:"50ms"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID     string        `yaml:"group_id" default:"stratsplit"`
			StartOffset string        `yaml:"start_offset" default:"earliest" validate:"oneof=earliest latest"`
			Workers     int           `yaml:"workers" default:"4" validate:"gt=0"`
			BufferSize  int           `yaml:"buffer_size" default:"256" validate:"gt=0"`
			RetryMax    int           `yaml:"retry_max" default:"3" validate:"gte=0"`
			BackoffMin  time.Duration `yaml:"backoff_min" default:"50ms"`
			BackoffMax  time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic    string        `yaml:"dlq_topic" default:"trade.settlements.dlq"`
			MinBytes    int           `yaml:"min_bytes" default:"1" validate:"gte=0"`
			MaxBytes    int           `yaml:"max_bytes" default:"10485760" validate:"gte=0"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled      bool          `yaml:"enabled"`
		Host         string        `yaml:"host" default:"localhost"`
		Port         int           `yaml:"port" default:"9000"`
		Database     string        `yaml:"database" default:"stratsplit"`
		User         string        `yaml:"user" default:"default"`
		Password     string        `yaml:"password"`
		UseHTTP      bool          `yaml:"use_http"`
		AsyncInsert  bool          `yaml:"async_insert"`
		WaitForAsync bool          `yaml:"wait_for_async_insert"`
		DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	} `yaml:"clickhouse"`
	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Addr         string        `yaml:"addr" default:"localhost:6379"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		Prefix       string        `yaml:"prefix" default:"stratsplit"`
		ReportTTL    time.Duration `yaml:"report_ttl" default:"10m"`
		PoolSize     int           `yaml:"pool_size" default:"10" validate:"gt=0"`
		MinIdleConns int           `yaml:"min_idle_conns" default:"2" validate:"gte=0"`
		PoolTimeout  time.Duration `yaml:"pool_timeout" default:"30s"`
	} `yaml:"redis"`
	Monitor struct {
		Interval      time.Duration `yaml:"interval" default:"5s"`
		CheckOnSettle bool          `yaml:"check_on_settle"`
	} `yaml:"monitor"`
	Pipeline struct {
		BufferSize    int           `yaml:"buffer_size" default:"4096" validate:"gt=0"`
		BatchSize     int           `yaml:"batch_size" default:"256" validate:"gt=0"`
		FlushInterval time.Duration `yaml:"flush_interval" default:"1s"`
		MaxRetries    int           `yaml:"max_retries" default:"3" validate:"gte=0"`
		BackoffMin    time.Duration `yaml:"backoff_min" default:"100ms"`
		BackoffMax    time.Duration `yaml:"backoff_max" default:"5s"`
	} `yaml:"pipeline"`
	Experiments []ExperimentConfig `yaml:"experiments" validate:"required,min=1,dive"`
}

// ExperimentConfig describes one experiment. Exactly one of TrafficSplit or Rules may be set;
// with neither, traffic is split evenly across variants.
type ExperimentConfig struct {
	Name              string          `yaml:"name" validate:"required"`
	Control           string          `yaml:"control" validate:"required"`
	Variants          []VariantConfig `yaml:"variants" validate:"required,min=2,dive"`
	TrafficSplit      *float64        `yaml:"traffic_split" validate:"omitempty,gte=0,lte=1"`
	Rules             []RuleConfig    `yaml:"rules" validate:"omitempty,dive"`
	SymbolInHash      bool            `yaml:"symbol_in_hash"`
	MinTradesRequired int64           `yaml:"min_trades_required" default:"100" validate:"gt=0"`
	MaxDuration       time.Duration   `yaml:"max_duration" default:"168h" validate:"gt=0"`
	Confidence        float64         `yaml:"confidence" default:"0.95" validate:"gt=0,lt=1"`
	HarmThreshold     float64         `yaml:"harm_threshold" default:"-10" validate:"lt=0"`
	StopOnHarm        *bool           `yaml:"stop_on_harm" default:"true"`
	RiskPerTrade      float64         `yaml:"risk_per_trade" default:"0.01" validate:"gt=0,lte=1"`
}

type VariantConfig struct {
	Name     string         `yaml:"name" validate:"required"`
	Strategy StrategyConfig `yaml:"strategy"`
}

// StrategyConfig selects a built-in strategy. Nil thresholds take the strategy defaults.
type StrategyConfig struct {
	Type       string   `yaml:"type" validate:"required,oneof=rsi_reversion macd_momentum sma_cross"`
	Oversold   *float64 `yaml:"oversold"`
	Overbought *float64 `yaml:"overbought"`
	Threshold  *float64 `yaml:"threshold"`
	MinVolume  float64  `yaml:"min_volume" validate:"gte=0"`
}

type RuleConfig struct {
	Variant    string            `yaml:"variant" validate:"required"`
	Weight     uint32            `yaml:"weight"`
	Conditions []ConditionConfig `yaml:"conditions" validate:"omitempty,dive"`
}

type ConditionConfig struct {
	Kind       string  `yaml:"kind" validate:"required,oneof=always symbol hour_range account_size"`
	Symbol     string  `yaml:"symbol"`
	StartHour  int     `yaml:"start_hour"`
	EndHour    int     `yaml:"end_hour"`
	MinAccount float64 `yaml:"min_account"`
	MaxAccount float64 `yaml:"max_account"`
}

// CORSEnabled reports the effective server.cors flag.
func (c *Config) CORSEnabled() bool {
	return c.Server.CORS == nil || *c.Server.CORS
}

// StopOnHarmEnabled reports the effective stop_on_harm flag.
func (e ExperimentConfig) StopOnHarmEnabled() bool {
	return e.StopOnHarm == nil || *e.StopOnHarm
}

// VariantNames returns the configured variant labels in order.
func (e ExperimentConfig) VariantNames() []string {
	out := make([]string, len(e.Variants))
	for i, v := range e.Variants {
		out[i] = v.Name
	}
	return out
}

var validate = validator.New()

// Load reads a YAML configuration file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv is Load with environment overrides applied before validation.
func LoadWithEnv(path string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML and applies defaults without validating.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	return &c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("KAFKA_SETTLEMENT_TOPIC"); v != "" {
		c.Kafka.SettlementTopic = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
		c.ClickHouse.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers cannot be empty when kafka is enabled", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Experiments))
	for i := range c.Experiments {
		e := &c.Experiments[i]
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("%w: duplicate experiment %q", ErrInvalidConfig, e.Name)
		}
		seen[e.Name] = struct{}{}
		if err := e.validate(); err != nil {
			return fmt.Errorf("%w: experiment %q: %v", ErrInvalidConfig, e.Name, err)
		}
	}
	return nil
}

func (e *ExperimentConfig) validate() error {
	names := make(map[string]struct{}, len(e.Variants))
	for _, v := range e.Variants {
		if _, dup := names[v.Name]; dup {
			return fmt.Errorf("duplicate variant %q", v.Name)
		}
		names[v.Name] = struct{}{}
	}
	if _, ok := names[e.Control]; !ok {
		return fmt.Errorf("control %q is not a variant", e.Control)
	}
	if e.TrafficSplit != nil && len(e.Rules) > 0 {
		return errors.New("traffic_split and rules are mutually exclusive")
	}
	if e.TrafficSplit != nil && len(e.Variants) != 2 {
		return errors.New("traffic_split needs exactly two variants")
	}
	for _, r := range e.Rules {
		if _, ok := names[r.Variant]; !ok {
			return fmt.Errorf("rule targets unknown variant %q", r.Variant)
		}
	}
	return nil
}
