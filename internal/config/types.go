package config

import "time"

// Config holds every tunable for cmd/rpcgatewayd: the logger, the
// upstream endpoint list, and the per-component settings wired into
// rpcmanager.New.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Endpoints  []EndpointConfig `yaml:"endpoints"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Pool       PoolConfig       `yaml:"pool"`
	Cache      CacheConfig      `yaml:"cache"`
	Batch      BatchConfig      `yaml:"batch"`
	Hedge      HedgeConfig      `yaml:"hedge"`
	Manager    ManagerConfig    `yaml:"manager"`
	Selector   SelectorConfig   `yaml:"selector"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// LoggingConfig controls internal/logger.New.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FileOutput bool   `yaml:"file_output"`
	LogDir     string `yaml:"log_dir"`
	MaxSize    int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age_days"`
}

// EndpointConfig describes one upstream JSON-RPC node.
type EndpointConfig struct {
	URL    string `yaml:"url"`
	Header string `yaml:"auth_header"`
}

// RateLimitConfig controls internal/ratelimit.New.
type RateLimitConfig struct {
	Capacity      float64 `yaml:"capacity"`
	RefillRate    float64 `yaml:"refill_rate"`
	BurstCapacity float64 `yaml:"burst_capacity"`
}

// BreakerConfig controls internal/breaker.New.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	CooldownPeriod   time.Duration `yaml:"cooldown_period"`
	HalfOpenRetries  int           `yaml:"half_open_retries"`
}

// PoolConfig controls internal/transport.New.
type PoolConfig struct {
	MaxSocketsPerHost int           `yaml:"max_sockets_per_host"`
	MaxSockets        int           `yaml:"max_sockets"`
	IdleConnTimeout   time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// CacheConfig controls internal/cache.New.
type CacheConfig struct {
	MaxEntries int                      `yaml:"max_entries"`
	DefaultTTL time.Duration            `yaml:"default_ttl"`
	MethodTTLs map[string]time.Duration `yaml:"method_ttls"`
}

// BatchConfig controls the batch.Config embedded in rpcmanager.Config.
type BatchConfig struct {
	SupportedMethods []string      `yaml:"supported_methods"`
	BatchSize        int           `yaml:"batch_size"`
	BatchWindow      time.Duration `yaml:"batch_window"`
	MaxQueueSize     int           `yaml:"max_queue_size"`
}

// HedgeConfig controls the hedge.Config embedded in rpcmanager.Config.
type HedgeConfig struct {
	Methods            []string      `yaml:"methods"`
	Delay              time.Duration `yaml:"delay"`
	AdaptiveEnabled    bool          `yaml:"adaptive_enabled"`
	AdaptiveSampleSize int           `yaml:"adaptive_sample_size"`
}

// ManagerConfig controls rpcmanager.Config's retry policy.
type ManagerConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// SelectorConfig controls internal/selector.New.
type SelectorConfig struct {
	Strategy string `yaml:"strategy"`
}

// TelemetryConfig controls whether cmd/rpcgatewayd wires a real OTel
// MeterProvider or a noop one.
type TelemetryConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// DefaultConfig returns a Config with sensible zero-config defaults, a
// single local endpoint, and every resilience component enabled.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Endpoints: []EndpointConfig{
			{URL: "http://localhost:8899"},
		},
		RateLimit: RateLimitConfig{Capacity: 50, RefillRate: 50, BurstCapacity: 50},
		Breaker: BreakerConfig{
			FailureThreshold: 6,
			SuccessThreshold: 3,
			CooldownPeriod:   30 * time.Second,
			HalfOpenRetries:  1,
		},
		Pool: PoolConfig{
			MaxSocketsPerHost: 64,
			MaxSockets:        512,
			IdleConnTimeout:   90 * time.Second,
			DialTimeout:       10 * time.Second,
			KeepAlive:         30 * time.Second,
			SweepInterval:     5 * time.Minute,
		},
		Cache: CacheConfig{MaxEntries: 10_000, DefaultTTL: 5 * time.Second},
		Batch: BatchConfig{
			SupportedMethods: []string{"getMultipleAccounts"},
			BatchSize:        25,
			BatchWindow:      10 * time.Millisecond,
			MaxQueueSize:     500,
		},
		Hedge: HedgeConfig{
			Methods: []string{"getSlot", "getLatestBlockhash"},
			Delay:   50 * time.Millisecond,
		},
		Manager: ManagerConfig{
			MaxRetries:     3,
			RetryBaseDelay: 50 * time.Millisecond,
			RetryMaxDelay:  60 * time.Second,
		},
		Selector:  SelectorConfig{Strategy: "round_robin"},
		Telemetry: TelemetryConfig{MetricsEnabled: false},
	}
}
