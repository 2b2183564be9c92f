package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 模拟器配置结构
type Config struct {
	CSMS    CSMSConfig    `mapstructure:"csms"`
	Session SessionConfig `mapstructure:"session"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Profile ProfileConfig `mapstructure:"profile"`
	Meter   MeterConfig   `mapstructure:"meter"`
	Batch   BatchConfig   `mapstructure:"batch"`
	TNR     TNRConfig     `mapstructure:"tnr"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// CSMSConfig 目标CSMS连接配置
type CSMSConfig struct {
	URL               string        `mapstructure:"url"`
	BasicAuthUser     string        `mapstructure:"basic_auth_user"`
	BasicAuthPassword string        `mapstructure:"basic_auth_password"`
	TLSSkipVerify     bool          `mapstructure:"tls_skip_verify"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
}

// SessionConfig 单会话行为配置
type SessionConfig struct {
	Vendor            string        `mapstructure:"vendor"`
	Model             string        `mapstructure:"model"`
	FirmwareVersion   string        `mapstructure:"firmware_version"`
	ConnectorCount    int           `mapstructure:"connector_count"`
	IdTag             string        `mapstructure:"id_tag"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MeterInterval     time.Duration `mapstructure:"meter_interval"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	PendingCallLimit  int           `mapstructure:"pending_call_limit"`
	InboxSize         int           `mapstructure:"inbox_size"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectDelayMax time.Duration `mapstructure:"reconnect_delay_max"`
}

// PoolConfig 会话池配置
type PoolConfig struct {
	MaxSessions   int           `mapstructure:"max_sessions"`
	RampRate      int           `mapstructure:"ramp_rate"`       // 每秒启动的会话数
	IDPrefix      string        `mapstructure:"id_prefix"`       // 会话ID前缀
	SnapshotEvery time.Duration `mapstructure:"snapshot_every"`  // 指标快照周期
	ReapInterval  time.Duration `mapstructure:"reap_interval"`   // 清理已终止会话的周期
	MemoryLimitMB int           `mapstructure:"memory_limit_mb"` // 超过后拒绝新会话
}

// ProfileConfig 充电配置文件引擎配置
type ProfileConfig struct {
	VoltageV       float64 `mapstructure:"voltage_v"`       // A->W换算电压
	DefaultPhases  int     `mapstructure:"default_phases"`  // numberPhases缺省值
	MaxPowerW      float64 `mapstructure:"max_power_w"`     // 连接器硬件功率上限
	MaxProfiles    int     `mapstructure:"max_profiles"`    // 每会话配置文件上限
	StrictStacking bool    `mapstructure:"strict_stacking"` // 同级别替换是否要求相同profileId
}

// MeterConfig 电表模拟配置
type MeterConfig struct {
	PowerW  float64 `mapstructure:"power_w"`  // 无限制时的充电功率
	NoiseW  float64 `mapstructure:"noise_w"`  // 叠加的随机抖动幅度
	StartWh int     `mapstructure:"start_wh"` // 电表起始读数
}

// BatchConfig 启动时自动执行的批量场景
type BatchConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Count   int           `mapstructure:"count"`
	RampUp  time.Duration `mapstructure:"ramp_up"`
	Hold    time.Duration `mapstructure:"hold"` // 0表示一直保持到进程退出
}

// TNRConfig 录制回放配置
type TNRConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`
	RecordName string `mapstructure:"record_name"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Brokers       []string       `mapstructure:"brokers"`
	EventTopic    string         `mapstructure:"event_topic"`
	CommandTopic  string         `mapstructure:"command_topic"`
	ConsumerGroup string         `mapstructure:"consumer_group"`
	Producer      ProducerConfig `mapstructure:"producer"`
	Consumer      ConsumerConfig `mapstructure:"consumer"`
}

// ProducerConfig Kafka生产者配置
type ProducerConfig struct {
	RetryMax       int           `mapstructure:"retry_max"`
	ReturnSuccess  bool          `mapstructure:"return_successes"`
	FlushFrequency time.Duration `mapstructure:"flush_frequency"`
}

// ConsumerConfig Kafka消费者配置
type ConsumerConfig struct {
	OffsetsInitial string `mapstructure:"offsets_initial"`
}

// RedisConfig Redis快照存储配置
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	SnapshotTTL  time.Duration `mapstructure:"snapshot_ttl"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Async  bool   `mapstructure:"async"`
}

// MetricsConfig 监控指标配置
type MetricsConfig struct {
	Addr            string `mapstructure:"addr"`
	HealthCheckPort int    `mapstructure:"health_check_port"`
}

// Load 加载配置，优先级：环境变量(SIM_前缀) > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("csms.url", "ws://localhost:8887/ocpp")
	v.SetDefault("csms.tls_skip_verify", false)
	v.SetDefault("csms.handshake_timeout", 10*time.Second)

	v.SetDefault("session.vendor", "SimVendor")
	v.SetDefault("session.model", "SimModel-1")
	v.SetDefault("session.firmware_version", "1.0.0")
	v.SetDefault("session.connector_count", 1)
	v.SetDefault("session.id_tag", "SIMTAG001")
	v.SetDefault("session.heartbeat_interval", 300*time.Second)
	v.SetDefault("session.meter_interval", 60*time.Second)
	v.SetDefault("session.call_timeout", 30*time.Second)
	v.SetDefault("session.pending_call_limit", 256)
	v.SetDefault("session.inbox_size", 1024)
	v.SetDefault("session.reconnect_attempts", 5)
	v.SetDefault("session.reconnect_delay", 2*time.Second)
	v.SetDefault("session.reconnect_delay_max", 60*time.Second)

	v.SetDefault("pool.max_sessions", 25000)
	v.SetDefault("pool.ramp_rate", 500)
	v.SetDefault("pool.id_prefix", "CP")
	v.SetDefault("pool.snapshot_every", 1*time.Second)
	v.SetDefault("pool.reap_interval", 5*time.Second)
	v.SetDefault("pool.memory_limit_mb", 0)

	v.SetDefault("profile.voltage_v", 230.0)
	v.SetDefault("profile.default_phases", 1)
	v.SetDefault("profile.max_power_w", 22000.0)
	v.SetDefault("profile.max_profiles", 16)
	v.SetDefault("profile.strict_stacking", false)

	v.SetDefault("meter.power_w", 7360.0)
	v.SetDefault("meter.noise_w", 50.0)
	v.SetDefault("meter.start_wh", 0)

	v.SetDefault("batch.enabled", false)
	v.SetDefault("batch.count", 1)
	v.SetDefault("batch.ramp_up", 10*time.Second)
	v.SetDefault("batch.hold", 0*time.Second)

	v.SetDefault("tnr.enabled", false)
	v.SetDefault("tnr.dir", "tnr")
	v.SetDefault("tnr.record_name", "")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.event_topic", "simulator-events")
	v.SetDefault("kafka.command_topic", "simulator-commands")
	v.SetDefault("kafka.consumer_group", "evse-simulator")
	v.SetDefault("kafka.producer.retry_max", 3)
	v.SetDefault("kafka.producer.return_successes", false)
	v.SetDefault("kafka.producer.flush_frequency", 100*time.Millisecond)
	v.SetDefault("kafka.consumer.offsets_initial", "newest")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.key_prefix", "simulator")
	v.SetDefault("redis.snapshot_ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.async", true)

	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.health_check_port", 8081)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.CSMS.URL == "" {
		return fmt.Errorf("csms.url is required")
	}
	if !strings.HasPrefix(c.CSMS.URL, "ws://") && !strings.HasPrefix(c.CSMS.URL, "wss://") {
		return fmt.Errorf("csms.url must use ws:// or wss:// scheme, got %s", c.CSMS.URL)
	}
	if c.Session.ConnectorCount < 1 {
		return fmt.Errorf("session.connector_count must be >= 1, got %d", c.Session.ConnectorCount)
	}
	if c.Session.PendingCallLimit < 1 {
		return fmt.Errorf("session.pending_call_limit must be >= 1, got %d", c.Session.PendingCallLimit)
	}
	if c.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool.max_sessions must be >= 1, got %d", c.Pool.MaxSessions)
	}
	if c.Pool.RampRate < 1 {
		return fmt.Errorf("pool.ramp_rate must be >= 1, got %d", c.Pool.RampRate)
	}
	if c.Profile.VoltageV <= 0 {
		return fmt.Errorf("profile.voltage_v must be > 0, got %f", c.Profile.VoltageV)
	}
	if c.Profile.DefaultPhases < 1 || c.Profile.DefaultPhases > 3 {
		return fmt.Errorf("profile.default_phases must be 1..3, got %d", c.Profile.DefaultPhases)
	}
	if c.Batch.Enabled && c.Batch.Count < 1 {
		return fmt.Errorf("batch.count must be >= 1 when batch is enabled, got %d", c.Batch.Count)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// GetMetricsAddr 获取监控地址
func (c *Config) GetMetricsAddr() string {
	return c.Metrics.Addr
}

// GetHealthCheckAddr 获取健康检查地址
func (c *Config) GetHealthCheckAddr() string {
	return fmt.Sprintf(":%d", c.Metrics.HealthCheckPort)
}
