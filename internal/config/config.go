// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration. Values come from defaults,
// an optional YAML file, and DROIDRUN_* environment overrides, in that
// order of increasing precedence.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	ADB    ADBConfig    `mapstructure:"adb" yaml:"adb"`
	Device DeviceConfig `mapstructure:"device" yaml:"device"`
	Agent  AgentConfig  `mapstructure:"agent" yaml:"agent"`
	Loop   LoopConfig   `mapstructure:"loop" yaml:"loop"`
}

// LoggerConfig controls the zap setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ADBConfig locates the adb host server and the target device.
type ADBConfig struct {
	Addr   string `mapstructure:"addr" yaml:"addr"`
	Serial string `mapstructure:"serial" yaml:"serial"`
}

// DeviceConfig tunes the portal transport.
type DeviceConfig struct {
	// PortalPort is the device-side TCP port the portal listens on.
	PortalPort int `mapstructure:"portal_port" yaml:"portal_port"`
	// DirectDisabled skips direct-channel probing entirely and goes
	// straight to the shell-mediated path.
	DirectDisabled bool `mapstructure:"direct_disabled" yaml:"direct_disabled"`
}

// AgentConfig configures the LLM decision source.
type AgentConfig struct {
	Provider   string        `mapstructure:"provider" yaml:"provider"`
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens  int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// Temperature is forwarded verbatim; action programs want it low.
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
}

// LoopConfig bounds the think-act-observe loop.
type LoopConfig struct {
	MaxSteps  int  `mapstructure:"max_steps" yaml:"max_steps"`
	Telemetry bool `mapstructure:"telemetry" yaml:"telemetry"`
}

const ProviderGemini = "gemini"

// Load reads configuration from the given file (optional) plus environment.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DROIDRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("droidrun")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/droidrun")
		}
		// A missing default config file is fine; defaults + env carry it.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "droidrun")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("adb.addr", "127.0.0.1:5037")

	v.SetDefault("device.portal_port", 8080)

	v.SetDefault("agent.provider", ProviderGemini)
	v.SetDefault("agent.model", "gemini-2.0-flash")
	v.SetDefault("agent.api_timeout", 90*time.Second)
	v.SetDefault("agent.max_tokens", 4096)
	v.SetDefault("agent.temperature", 0.2)

	v.SetDefault("loop.max_steps", 15)
	v.SetDefault("loop.telemetry", true)
}

func (c *Config) validate() error {
	if c.Device.PortalPort <= 0 || c.Device.PortalPort > 65535 {
		return fmt.Errorf("device.portal_port %d out of range", c.Device.PortalPort)
	}
	if c.Loop.MaxSteps < 0 {
		return fmt.Errorf("loop.max_steps must not be negative")
	}
	return nil
}
