package ops

import (
	"os"
	"time"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"rms/internal/schema"
	"rms/pkg/exception"
)

// Config mirrors the YAML layout of the engine configuration file.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Sharding    ShardingConfig    `yaml:"sharding"`
	RiskLimits  RiskLimitsConfig  `yaml:"risk_limits"`
	Performance PerformanceConfig `yaml:"performance"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Transport   TransportConfig   `yaml:"transport"`
	Journal     JournalConfig     `yaml:"journal"`
	Audit       AuditConfig       `yaml:"audit"`
	Profiling   ProfilingConfig   `yaml:"profiling"`
}

type DatabaseConfig struct {
	Path             string        `yaml:"path"`
	WriteBufferSize  uint64        `yaml:"write_buffer_size"`
	SyncWrites       bool          `yaml:"sync_writes"`
	CheckpointDir    string        `yaml:"checkpoint_dir"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type ShardingConfig struct {
	Count               int    `yaml:"count"`
	InstrumentsPerShard int    `yaml:"instruments_per_shard"`
	AccountsPerShard    int    `yaml:"accounts_per_shard"`
	Routing             string `yaml:"routing"`
}

// RiskLimitsConfig holds the limits every slot starts with.
type RiskLimitsConfig struct {
	DefaultMaxLeverage float64                 `yaml:"default_max_leverage"`
	DefaultMaxDrawdown float64                 `yaml:"default_max_drawdown"`
	DefaultCollateral  float64                 `yaml:"default_collateral"`
	DefaultOrderRate   uint32                  `yaml:"default_max_order_rate_per_sec"`
	Instrument         schema.InstrumentLimits `yaml:"instrument"`
}

type PerformanceConfig struct {
	MaxConcurrentOrders uint32        `yaml:"max_concurrent_orders"`
	OrderQueueSize      int           `yaml:"order_queue_size"`
	PollBatch           int           `yaml:"poll_batch"`
	EnqueueTimeout      time.Duration `yaml:"enqueue_timeout"`
	PinThreads          bool          `yaml:"pin_threads"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	Port     int    `yaml:"port"`
	Endpoint string `yaml:"endpoint"`
}

type TransportConfig struct {
	InboundSocket string         `yaml:"inbound_socket"`
	Outbound      OutboundConfig `yaml:"outbound"`
}

// OutboundConfig selects where trade confirmations go. Kind is "uds",
// "kafka" or "none".
type OutboundConfig struct {
	Kind    string   `yaml:"kind"`
	Socket  string   `yaml:"socket"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Sync    bool     `yaml:"sync"`
}

type JournalConfig struct {
	Dir             string `yaml:"dir"`
	SegmentMaxBytes int64  `yaml:"segment_max_bytes"`
}

// AuditConfig enables the SQL audit mirror when a DSN is set. Driver is
// "postgres" or "sqlite".
type AuditConfig struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type ProfilingConfig struct {
	PyroscopeAddr string `yaml:"pyroscope_addr"`
}

const (
	OutboundNone  = "none"
	OutboundUDS   = "uds"
	OutboundKafka = "kafka"
)

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	acc := schema.DefaultAccountLimits()
	return Config{
		Database: DatabaseConfig{
			Path:             "./data/rms",
			WriteBufferSize:  64 << 20,
			CheckpointDir:    "./data/checkpoints",
			SnapshotInterval: time.Second,
		},
		Sharding: ShardingConfig{
			Count:               schema.DefaultShardCount,
			InstrumentsPerShard: schema.DefaultInstrumentsPerShard,
			AccountsPerShard:    schema.DefaultAccountsPerShard,
			Routing:             "account",
		},
		RiskLimits: RiskLimitsConfig{
			DefaultMaxLeverage: acc.MaxLeverage,
			DefaultMaxDrawdown: acc.MaxDrawdownPct,
			DefaultCollateral:  acc.Collateral,
			DefaultOrderRate:   acc.MaxOrderRatePerSec,
			Instrument:         schema.DefaultInstrumentLimits(),
		},
		Performance: PerformanceConfig{
			MaxConcurrentOrders: acc.MaxConcurrentOrders,
			OrderQueueSize:      1 << 16,
			PollBatch:           10,
			EnqueueTimeout:      50 * time.Microsecond,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Port: 9090, Endpoint: "/metrics"},
		Transport: TransportConfig{
			InboundSocket: "/tmp/rms.in.sock",
			Outbound:      OutboundConfig{Kind: OutboundNone},
		},
		Journal: JournalConfig{Dir: "./data/journal", SegmentMaxBytes: 256 << 20},
		Audit:   AuditConfig{Driver: "postgres"},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AccountDefaults builds the limits every account slot starts with.
func (c Config) AccountDefaults() schema.AccountLimits {
	acc := schema.DefaultAccountLimits()
	acc.MaxLeverage = c.RiskLimits.DefaultMaxLeverage
	acc.MaxDrawdownPct = c.RiskLimits.DefaultMaxDrawdown
	acc.Collateral = c.RiskLimits.DefaultCollateral
	acc.MaxOrderRatePerSec = c.RiskLimits.DefaultOrderRate
	acc.MaxConcurrentOrders = c.Performance.MaxConcurrentOrders
	return acc
}

// InstrumentDefaults returns the limits every instrument slot starts with.
func (c Config) InstrumentDefaults() schema.InstrumentLimits {
	return c.RiskLimits.Instrument
}

// Validate checks ranges the engine relies on.
func (c Config) Validate() error {
	switch {
	case c.Database.Path == "":
		return invalid("database.path is empty")
	case c.Sharding.Count <= 0:
		return invalid("sharding.count must be > 0")
	case c.Sharding.InstrumentsPerShard <= 0:
		return invalid("sharding.instruments_per_shard must be > 0")
	case c.Sharding.AccountsPerShard <= 0:
		return invalid("sharding.accounts_per_shard must be > 0")
	case c.Sharding.Count > 1<<16:
		return invalid("sharding.count must fit in 16 bits")
	case c.Performance.OrderQueueSize <= 0:
		return invalid("performance.order_queue_size must be > 0")
	case c.Performance.PollBatch <= 0:
		return invalid("performance.poll_batch must be > 0")
	case c.Performance.EnqueueTimeout < 0:
		return invalid("performance.enqueue_timeout must be >= 0")
	case c.Database.SnapshotInterval < 0:
		return invalid("database.snapshot_interval must be >= 0")
	case c.RiskLimits.DefaultMaxLeverage < 0:
		return invalid("risk_limits.default_max_leverage must be >= 0")
	case c.RiskLimits.DefaultMaxDrawdown < 0 || c.RiskLimits.DefaultMaxDrawdown > 1:
		return invalid("risk_limits.default_max_drawdown must be within [0, 1]")
	case c.Metrics.Port < 0 || c.Metrics.Port > 65535:
		return invalid("metrics.port out of range")
	case c.Journal.SegmentMaxBytes < 0:
		return invalid("journal.segment_max_bytes must be >= 0")
	}

	switch c.Sharding.Routing {
	case "", "account", "order", "round_robin", "roundrobin":
	default:
		return invalid("sharding.routing %q is unknown", c.Sharding.Routing)
	}

	switch c.Transport.Outbound.Kind {
	case "", OutboundNone:
	case OutboundUDS:
		if c.Transport.Outbound.Socket == "" {
			return invalid("transport.outbound.socket is empty")
		}
	case OutboundKafka:
		if len(c.Transport.Outbound.Brokers) == 0 || c.Transport.Outbound.Topic == "" {
			return invalid("transport.outbound needs brokers and topic for kafka")
		}
	default:
		return invalid("transport.outbound.kind %q is unknown", c.Transport.Outbound.Kind)
	}

	switch c.Audit.Driver {
	case "", "postgres", "sqlite":
	default:
		return invalid("audit.driver %q is unknown", c.Audit.Driver)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(exception.ErrInvalidArgument, format, args...)
}
