// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Legacy fault injection variables, honoured in addition to the
// ARNET_FAULT_INJECTION_* names.
const (
	EnvRxDropRatio = "ARSDK_TRANSPORT_NET_RX_DROP_RATIO"
	EnvTxDropRatio = "ARSDK_TRANSPORT_NET_TX_DROP_RATIO"
)

// Config represents the top-level configuration.
// Maps to the `arnet:` root key in YAML.
type Config struct {
	Transport      TransportConfig      `mapstructure:"transport" yaml:"transport"`
	FaultInjection FaultInjectionConfig `mapstructure:"fault_injection" yaml:"fault_injection"`
	Control        ControlConfig        `mapstructure:"control" yaml:"control"`
	Log            LogConfig            `mapstructure:"log" yaml:"log"`
	Metrics        MetricsConfig        `mapstructure:"metrics" yaml:"metrics"`
}

// ─── Transport ───

// TransportConfig is the net transport configuration. RxPort 0 asks for an
// ephemeral port.
type TransportConfig struct {
	TxAddr netip.Addr `mapstructure:"tx_addr" yaml:"tx_addr"`
	TxPort uint16     `mapstructure:"tx_port" yaml:"tx_port"`
	RxPort uint16     `mapstructure:"rx_port" yaml:"rx_port"`
	QoS    bool       `mapstructure:"qos" yaml:"qos"`
	// Interval between pings sent by the dispatcher, 0 disables them.
	PingPeriod time.Duration `mapstructure:"ping_period" yaml:"ping_period"`
}

// FaultInjectionConfig holds simulated packet loss, in percent.
type FaultInjectionConfig struct {
	RxDropRatio Percent `mapstructure:"rx_drop_ratio" yaml:"rx_drop_ratio"`
	TxDropRatio Percent `mapstructure:"tx_drop_ratio" yaml:"tx_drop_ratio"`
}

// ─── Control ───

type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level        string           `mapstructure:"level" yaml:"level"`   // trace / debug / info / warn / error
	Format       string           `mapstructure:"format" yaml:"format"` // json / text
	Pattern      string           `mapstructure:"pattern" yaml:"pattern,omitempty"`
	TimeFormat   string           `mapstructure:"time" yaml:"time,omitempty"`
	ReportCaller bool             `mapstructure:"report_caller" yaml:"report_caller"`
	Outputs      LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File  FileOutputConfig  `mapstructure:"file" yaml:"file"`
	Loki  LokiOutputConfig  `mapstructure:"loki" yaml:"loki"`
	Kafka KafkaOutputConfig `mapstructure:"kafka" yaml:"kafka"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration     `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// KafkaOutputConfig configures Kafka log output. Each log line is one
// message keyed by Key.
type KafkaOutputConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers,omitempty"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Key          string        `mapstructure:"key" yaml:"key,omitempty"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// ─── Loading ───

// Load loads configuration from file. An empty path loads the defaults,
// still subject to environment overrides.
// Env vars use the ARNET_ prefix, e.g. ARNET_TRANSPORT_TX_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// No explicit env prefix: the `arnet.` key prefix maps to ARNET_ through
	// the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("arnet.fault_injection.rx_drop_ratio", "ARNET_FAULT_INJECTION_RX_DROP_RATIO", EnvRxDropRatio)
	_ = v.BindEnv("arnet.fault_injection.tx_drop_ratio", "ARNET_FAULT_INJECTION_TX_DROP_RATIO", EnvTxDropRatio)

	setDefaults(v)

	cfg, err := decode(v.AllSettings()["arnet"])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func decode(input interface{}) (*Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(input); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "arnet." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Transport defaults
	v.SetDefault("arnet.transport.tx_addr", "192.168.42.1")
	v.SetDefault("arnet.transport.tx_port", 2233)
	v.SetDefault("arnet.transport.rx_port", 9988)
	v.SetDefault("arnet.transport.qos", false)
	v.SetDefault("arnet.transport.ping_period", "2s")

	v.SetDefault("arnet.fault_injection.rx_drop_ratio", 0)
	v.SetDefault("arnet.fault_injection.tx_drop_ratio", 0)

	v.SetDefault("arnet.control.pid_file", "")

	// Log defaults
	v.SetDefault("arnet.log.level", "info")
	v.SetDefault("arnet.log.format", "text")
	v.SetDefault("arnet.log.report_caller", false)
	v.SetDefault("arnet.log.outputs.file.enabled", false)
	v.SetDefault("arnet.log.outputs.file.path", "/var/log/arnet/arnet.log")
	v.SetDefault("arnet.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("arnet.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("arnet.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("arnet.log.outputs.file.rotation.compress", true)
	v.SetDefault("arnet.log.outputs.loki.enabled", false)
	v.SetDefault("arnet.log.outputs.loki.batch_size", 100)
	v.SetDefault("arnet.log.outputs.loki.batch_timeout", "5s")
	v.SetDefault("arnet.log.outputs.kafka.enabled", false)
	v.SetDefault("arnet.log.outputs.kafka.topic", "arnet-logs")
	v.SetDefault("arnet.log.outputs.kafka.batch_timeout", "1s")

	// Metrics defaults
	v.SetDefault("arnet.metrics.enabled", false)
	v.SetDefault("arnet.metrics.listen", ":9091")
	v.SetDefault("arnet.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled")
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return fmt.Errorf("log.outputs.loki.endpoint is required when loki output is enabled")
	}
	if k := cfg.Log.Outputs.Kafka; k.Enabled && (len(k.Brokers) == 0 || k.Topic == "") {
		return fmt.Errorf("log.outputs.kafka.brokers and topic are required when kafka output is enabled")
	}

	// ── Transport validation ──
	if cfg.Transport.TxAddr.IsValid() && !cfg.Transport.TxAddr.Unmap().Is4() {
		return fmt.Errorf("invalid transport.tx_addr: %s (must be IPv4)", cfg.Transport.TxAddr)
	}
	cfg.Transport.TxAddr = cfg.Transport.TxAddr.Unmap()
	if cfg.Transport.PingPeriod < 0 {
		return fmt.Errorf("invalid transport.ping_period: %s", cfg.Transport.PingPeriod)
	}

	cfg.FaultInjection.RxDropRatio = cfg.FaultInjection.RxDropRatio.clamp()
	cfg.FaultInjection.TxDropRatio = cfg.FaultInjection.TxDropRatio.clamp()

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	return nil
}

// Dump renders cfg as YAML under the `arnet:` root key.
func Dump(cfg *Config) ([]byte, error) {
	return yaml.Marshal(map[string]*Config{"arnet": cfg})
}
