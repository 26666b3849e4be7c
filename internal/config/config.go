package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Service    Service    `mapstructure:"service"`
	Storage    Storage    `mapstructure:"storage"`
	Session    Session    `mapstructure:"session"`
	Web        Web        `mapstructure:"web"`
	Monitoring Monitoring `mapstructure:"monitoring"`
	Logging    Logging    `mapstructure:"logging"`
}

// Service holds the external backup service endpoints
type Service struct {
	URL            string        `mapstructure:"url"`
	PushURL        string        `mapstructure:"push_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Probe          string        `mapstructure:"probe"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// Storage holds persistence settings
type Storage struct {
	Path            string `mapstructure:"path"`
	AgeIdentityFile string `mapstructure:"age_identity_file"`
}

// Session holds backup progress session settings
type Session struct {
	EstimatorInterval time.Duration `mapstructure:"estimator_interval"`
	ClockInterval     time.Duration `mapstructure:"clock_interval"`
	StallTimeout      time.Duration `mapstructure:"stall_timeout"`
	CompletionKeyword string        `mapstructure:"completion_keyword"`
	LogChance         float64       `mapstructure:"log_chance"`
}

// Web holds web server settings
type Web struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Monitoring holds monitoring settings
type Monitoring struct {
	ConnectivitySchedule      string        `mapstructure:"connectivity_schedule"`
	PerformanceUpdateInterval time.Duration `mapstructure:"performance_update_interval"`
	UIUpdateInterval          time.Duration `mapstructure:"ui_update_interval"`
	CPUSmoothingSamples       int           `mapstructure:"cpu_smoothing_samples"`
	NetworkSpeedBps           int64         `mapstructure:"network_speed_bps"`
}

// Logging holds logging settings
type Logging struct {
	Level string `mapstructure:"level"`
}

// Probe kinds
const (
	ProbeHTTP = "http"
	ProbeSSH  = "ssh"
)

// Load reads configuration from file or uses defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.backupdesk")
		v.AddConfigPath("/etc/backupdesk")
	}

	v.SetEnvPrefix("BACKUPDESK")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	// The config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.url", "http://localhost:5000")
	v.SetDefault("service.push_url", "")
	v.SetDefault("service.timeout", "30s")
	v.SetDefault("service.probe", ProbeHTTP)
	v.SetDefault("service.reconnect_delay", "5s")

	v.SetDefault("storage.path", "data/backupdesk.db")
	v.SetDefault("storage.age_identity_file", "")

	v.SetDefault("session.estimator_interval", "500ms")
	v.SetDefault("session.clock_interval", "1s")
	v.SetDefault("session.stall_timeout", "2m")
	v.SetDefault("session.completion_keyword", "completed")
	v.SetDefault("session.log_chance", 0.1)

	v.SetDefault("web.host", "localhost")
	v.SetDefault("web.port", 8080)

	v.SetDefault("monitoring.connectivity_schedule", "@every 5m")
	v.SetDefault("monitoring.performance_update_interval", "1s")
	v.SetDefault("monitoring.ui_update_interval", "2s")
	v.SetDefault("monitoring.cpu_smoothing_samples", 3)
	v.SetDefault("monitoring.network_speed_bps", 1000000000) // 1 Gbps

	v.SetDefault("logging.level", "info")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Service.URL); err != nil {
		return fmt.Errorf("invalid service url %q: %w", c.Service.URL, err)
	}

	if c.Service.PushURL != "" {
		if _, err := url.ParseRequestURI(c.Service.PushURL); err != nil {
			return fmt.Errorf("invalid push url %q: %w", c.Service.PushURL, err)
		}
	}

	if c.Service.Probe != ProbeHTTP && c.Service.Probe != ProbeSSH {
		return fmt.Errorf("unknown probe %q, expected %s or %s", c.Service.Probe, ProbeHTTP, ProbeSSH)
	}

	if c.Service.Timeout <= 0 {
		return fmt.Errorf("service timeout must be positive")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Session.EstimatorInterval <= 0 || c.Session.ClockInterval <= 0 {
		return fmt.Errorf("session intervals must be positive")
	}

	if c.Session.StallTimeout < 0 {
		return fmt.Errorf("stall_timeout must not be negative")
	}

	if c.Session.LogChance < 0 || c.Session.LogChance > 1 {
		return fmt.Errorf("log_chance must be between 0 and 1")
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Web.Port)
	}

	if c.Monitoring.CPUSmoothingSamples < 1 {
		return fmt.Errorf("cpu_smoothing_samples must be at least 1")
	}

	return nil
}

// PushEndpoint returns the websocket URL of the push channel. Without an
// explicit push_url it is derived from the service url.
func (c *Config) PushEndpoint() (string, error) {
	if c.Service.PushURL != "" {
		return c.Service.PushURL, nil
	}
	u, err := url.Parse(c.Service.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/socket"
	return u.String(), nil
}

// Address returns the listen address of the web server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

var envKeyReplacer = strings.NewReplacer(".", "_")
