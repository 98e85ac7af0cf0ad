// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Bus() BusConfig
	Delegate() DelegateConfig
	Gauge() GaugeConfig
	Analyzer() AnalyzerConfig

	// Delegate Setters
	SetDelegateID(id string)
	SetProbeLogFile(path string)

	// Logger Setters
	SetLoggerLevel(level string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	BusCfg      BusConfig      `mapstructure:"bus" yaml:"bus"`
	DelegateCfg DelegateConfig `mapstructure:"delegate" yaml:"delegate"`
	GaugeCfg    GaugeConfig    `mapstructure:"gauge" yaml:"gauge"`
	AnalyzerCfg AnalyzerConfig `mapstructure:"analyzer" yaml:"analyzer"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Bus() BusConfig           { return c.BusCfg }
func (c *Config) Delegate() DelegateConfig { return c.DelegateCfg }
func (c *Config) Gauge() GaugeConfig       { return c.GaugeCfg }
func (c *Config) Analyzer() AnalyzerConfig { return c.AnalyzerCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetDelegateID(id string)     { c.DelegateCfg.ID = id }
func (c *Config) SetProbeLogFile(path string) { c.DelegateCfg.Probe.LogFile = path }
func (c *Config) SetLoggerLevel(level string) { c.LoggerCfg.Level = level }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the connection details for the optional audit store.
// An empty URL disables recording.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BusConfig configures the event bus and its optional cross-process transport.
type BusConfig struct {
	BufferSize     int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	NATS           NATSConfig    `mapstructure:"nats" yaml:"nats"`
}

// NATSConfig holds the settings for bridging the local bus over NATS.
type NATSConfig struct {
	Enabled       bool     `mapstructure:"enabled" yaml:"enabled"`
	URL           string   `mapstructure:"url" yaml:"url"`
	SubjectPrefix string   `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	Channels      []string `mapstructure:"channels" yaml:"channels"`
}

// DelegateConfig identifies this process and controls its liveness reporting.
type DelegateConfig struct {
	ID              string        `mapstructure:"id" yaml:"id"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period" yaml:"heartbeat_period"`
	StaleAfter      time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	Probe           ProbeConfig   `mapstructure:"probe" yaml:"probe"`
}

// ProbeConfig points a tail probe at the log it should follow.
type ProbeConfig struct {
	ID      string `mapstructure:"id" yaml:"id"`
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
	ReOpen  bool   `mapstructure:"reopen" yaml:"reopen"`
}

// GaugeConfig describes a signal gauge: which value names it reports and how
// each resolved value name maps onto a model command.
type GaugeConfig struct {
	Name       string          `mapstructure:"name" yaml:"name"`
	ValueNames []string        `mapstructure:"value_names" yaml:"value_names"`
	Mappings   []MappingConfig `mapstructure:"mappings" yaml:"mappings"`
	// ParseErrorLogRate caps parse-error warnings per second.
	ParseErrorLogRate float64 `mapstructure:"parse_error_log_rate" yaml:"parse_error_log_rate"`
}

// MappingConfig binds a resolved value name (e.g. "end2endRespTime(lb0)") to a
// model operation. A list is used instead of a map because viper lowercases
// map keys.
type MappingConfig struct {
	ValueName string `mapstructure:"value_name" yaml:"value_name"`
	ModelType string `mapstructure:"model_type" yaml:"model_type"`
	ModelName string `mapstructure:"model_name" yaml:"model_name"`
	Command   string `mapstructure:"command" yaml:"command"`
	Target    string `mapstructure:"target" yaml:"target"`
	Param     string `mapstructure:"param" yaml:"param"`
}

// AnalyzerConfig configures the feasibility analyzer and its energy model.
type AnalyzerConfig struct {
	Period           time.Duration `mapstructure:"period" yaml:"period"`
	GoalRadius       float64       `mapstructure:"goal_radius" yaml:"goal_radius"`
	InstructionGraph string        `mapstructure:"instruction_graph" yaml:"instruction_graph"`
	MissionState     string        `mapstructure:"mission_state" yaml:"mission_state"`
	EnvMap           string        `mapstructure:"env_map" yaml:"env_map"`
	Energy           EnergyConfig  `mapstructure:"energy" yaml:"energy"`
}

// EnergyConfig holds the robot constants and power draw used to predict
// battery consumption.
type EnergyConfig struct {
	HalfSpeed       float64 `mapstructure:"half_speed" yaml:"half_speed"`
	FullSpeed       float64 `mapstructure:"full_speed" yaml:"full_speed"`
	RotationalSpeed float64 `mapstructure:"rotational_speed" yaml:"rotational_speed"`
	HalfSpeedPower  float64 `mapstructure:"half_speed_power" yaml:"half_speed_power"`
	FullSpeedPower  float64 `mapstructure:"full_speed_power" yaml:"full_speed_power"`
	RotationPower   float64 `mapstructure:"rotation_power" yaml:"rotation_power"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "rainbow")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.url", "")

	// -- Bus --
	v.SetDefault("bus.buffer_size", 256)
	v.SetDefault("bus.request_timeout", "2s")
	v.SetDefault("bus.nats.enabled", false)
	v.SetDefault("bus.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.nats.subject_prefix", "rainbow")
	v.SetDefault("bus.nats.channels", []string{"HEALTH", "MODEL_US", "MODEL_CHANGE"})

	// -- Delegate --
	v.SetDefault("delegate.heartbeat_period", "5s")
	v.SetDefault("delegate.stale_after", "15s")
	v.SetDefault("delegate.probe.id", "tail")
	v.SetDefault("delegate.probe.reopen", true)

	// -- Gauge --
	v.SetDefault("gauge.name", "G - End-End Resp Time")
	v.SetDefault("gauge.value_names", []string{"end2endRespTime(*)"})
	v.SetDefault("gauge.parse_error_log_rate", 1.0)
	v.SetDefault("gauge.mappings", []map[string]interface{}{{
		"value_name": "end2endRespTime(*)",
		"model_type": "ServicePerformance",
		"model_name": "Performance",
		"command":    "setExperRespTime",
		"target":     "*",
		"param":      "respTime",
	}})

	// -- Analyzer --
	v.SetDefault("analyzer.period", "2s")
	v.SetDefault("analyzer.goal_radius", 0.5)
	v.SetDefault("analyzer.instruction_graph", "ExecutingInstructionGraph")
	v.SetDefault("analyzer.mission_state", "RobotAndEnvironmentState")
	v.SetDefault("analyzer.env_map", "Map")
	v.SetDefault("analyzer.energy.half_speed", 0.35)
	v.SetDefault("analyzer.energy.full_speed", 0.68)
	v.SetDefault("analyzer.energy.rotational_speed", 1.5)
	v.SetDefault("analyzer.energy.half_speed_power", 8.0)
	v.SetDefault("analyzer.energy.full_speed_power", 14.0)
	v.SetDefault("analyzer.energy.rotation_power", 6.5)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for deployment-specific data
	_ = v.BindEnv("database.url", "RAINBOW_DATABASE_URL")
	_ = v.BindEnv("delegate.id", "RAINBOW_DELEGATE_ID")
	_ = v.BindEnv("bus.nats.url", "RAINBOW_NATS_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BusCfg.BufferSize <= 0 {
		return fmt.Errorf("bus.buffer_size must be a positive integer")
	}
	if c.BusCfg.RequestTimeout <= 0 {
		return fmt.Errorf("bus.request_timeout must be a positive duration")
	}
	if err := c.BusCfg.NATS.Validate(); err != nil {
		return fmt.Errorf("bus.nats configuration invalid: %w", err)
	}
	if c.DelegateCfg.HeartbeatPeriod <= 0 {
		return fmt.Errorf("delegate.heartbeat_period must be a positive duration")
	}
	if err := c.AnalyzerCfg.Validate(); err != nil {
		return fmt.Errorf("analyzer configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the NATS bridge settings.
func (n *NATSConfig) Validate() error {
	if !n.Enabled {
		return nil
	}
	if n.URL == "" {
		return fmt.Errorf("url is required when nats is enabled")
	}
	if n.SubjectPrefix == "" || strings.ContainsAny(n.SubjectPrefix, " *>") {
		return fmt.Errorf("subject_prefix must be a non-empty literal subject token")
	}
	return nil
}

// Validate checks the AnalyzerConfig settings.
func (a *AnalyzerConfig) Validate() error {
	if a.Period <= 0 {
		return fmt.Errorf("period must be a positive duration")
	}
	if a.GoalRadius < 0 {
		return fmt.Errorf("goal_radius must not be negative")
	}
	if a.InstructionGraph == "" || a.MissionState == "" || a.EnvMap == "" {
		return fmt.Errorf("instruction_graph, mission_state, and env_map are required")
	}
	if a.Energy.HalfSpeed <= 0 || a.Energy.FullSpeed <= 0 || a.Energy.RotationalSpeed <= 0 {
		return fmt.Errorf("energy speeds must be positive")
	}
	return nil
}
