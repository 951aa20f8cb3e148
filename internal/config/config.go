// Package config provides configuration management for the go-solarlog application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`
	// Plausibility check strictness: basic, standard or strict
	ValidationLevel string `mapstructure:"validation_level"`

	// Solar-Log device settings
	Device struct {
		Host                  string `mapstructure:"host"`
		Password              string `mapstructure:"password"`
		TimeZone              string `mapstructure:"timezone"`
		ExtendedData          bool   `mapstructure:"extended_data"`
		RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
		EnabledDevices        []int  `mapstructure:"enabled_devices"`
	} `mapstructure:"device"`

	// Polling settings
	Poll struct {
		IntervalSeconds           int `mapstructure:"interval_seconds"`
		DeviceListIntervalMinutes int `mapstructure:"device_list_interval_minutes"`
	} `mapstructure:"poll"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled           bool   `mapstructure:"enabled"`
		Host              string `mapstructure:"host"`
		Port              int    `mapstructure:"port"`
		Username          string `mapstructure:"username"`
		Password          string `mapstructure:"password"`
		Topic             string `mapstructure:"topic"`
		Retain            bool   `mapstructure:"retain"`
		PublishInverters  bool   `mapstructure:"publish_inverters"`
		ConnectionTimeout int    `mapstructure:"connection_timeout_seconds"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceName         string `mapstructure:"device_name"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			DeviceModel        string `mapstructure:"device_model"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
			IncludeDiagnostic  bool   `mapstructure:"include_diagnostic"`
			IncludeBattery     bool   `mapstructure:"include_battery"`
			IncludeInverters   bool   `mapstructure:"include_inverters"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool   `mapstructure:"enabled"`
		APIKey             string `mapstructure:"api_key"`
		SystemID           string `mapstructure:"system_id"`
		UpdateLimitMinutes int    `mapstructure:"update_limit_minutes"`
		DisableConsumption bool   `mapstructure:"disable_consumption"`
	} `mapstructure:"pvoutput"`

	// Snapshot history settings
	Storage struct {
		Enabled       bool   `mapstructure:"enabled"`
		Path          string `mapstructure:"path"`
		RetentionDays int    `mapstructure:"retention_days"`
	} `mapstructure:"storage"`

	// Prometheus settings
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`
}

// secretKeys are bound to environment variables explicitly so they can be
// supplied without a config file entry.
var secretKeys = []string{
	"device.host",
	"device.password",
	"mqtt.password",
	"pvoutput.api_key",
	"pvoutput.system_id",
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:        "info",
		ValidationLevel: "standard",
	}

	// Default device settings
	cfg.Device.TimeZone = "UTC"
	cfg.Device.RequestTimeoutSeconds = 10

	// Default polling settings
	cfg.Poll.IntervalSeconds = 60
	cfg.Poll.DeviceListIntervalMinutes = 60

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/solarlog"
	cfg.MQTT.Retain = false
	cfg.MQTT.PublishInverters = true
	cfg.MQTT.ConnectionTimeout = 10

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Solar-Log"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Solare Datensysteme"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true
	cfg.MQTT.HomeAssistantAutoDiscovery.IncludeDiagnostic = true
	cfg.MQTT.HomeAssistantAutoDiscovery.IncludeBattery = true
	cfg.MQTT.HomeAssistantAutoDiscovery.IncludeInverters = true

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.UpdateLimitMinutes = 5 // 5 minutes between updates

	// Default storage settings
	cfg.Storage.Enabled = false
	cfg.Storage.Path = "solarlog.db"
	cfg.Storage.RetentionDays = 30

	// Default metrics settings
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			log.Info().Str("component", "config").Msg("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables, SOLARLOG_DEVICE_HOST for device.host
	v.SetEnvPrefix("SOLARLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range secretKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("unable to bind %s: %w", key, err)
		}
	}

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Device.Host) == "" {
		errs = append(errs, errors.New("device.host is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("device.timezone: %w", err))
	}
	if c.Device.RequestTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("device.request_timeout_seconds must be positive"))
	}
	if c.Poll.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("poll.interval_seconds must be positive"))
	}
	if c.Poll.DeviceListIntervalMinutes <= 0 {
		errs = append(errs, errors.New("poll.device_list_interval_minutes must be positive"))
	}
	if c.PVOutput.Enabled && (c.PVOutput.APIKey == "" || c.PVOutput.SystemID == "") {
		errs = append(errs, errors.New("pvoutput requires api_key and system_id"))
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required when storage is enabled"))
	}

	return errors.Join(errs...)
}

// Location returns the zone of the device clock.
func (c *Config) Location() (*time.Location, error) {
	if c.Device.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Device.TimeZone)
}

// RequestTimeout returns the per-request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Device.RequestTimeoutSeconds) * time.Second
}

// PollInterval returns the snapshot poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

// DeviceListInterval returns the device list refresh interval.
func (c *Config) DeviceListInterval() time.Duration {
	return time.Duration(c.Poll.DeviceListIntervalMinutes) * time.Minute
}

// EnabledDeviceFlags returns the configured device ids as enabled flags.
func (c *Config) EnabledDeviceFlags() map[int]bool {
	flags := make(map[int]bool, len(c.Device.EnabledDevices))
	for _, id := range c.Device.EnabledDevices {
		flags[id] = true
	}
	return flags
}

// Print displays the current configuration. Secrets are never printed.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-solarlog Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Str("validation_level", c.ValidationLevel).Msg("Validation Level")

	logger.Info().
		Str("host", c.Device.Host).
		Bool("password_set", c.Device.Password != "").
		Str("timezone", c.Device.TimeZone).
		Bool("extended_data", c.Device.ExtendedData).
		Int("request_timeout_seconds", c.Device.RequestTimeoutSeconds).
		Ints("enabled_devices", c.Device.EnabledDevices).
		Msg("Device")

	logger.Info().
		Int("interval_seconds", c.Poll.IntervalSeconds).
		Int("device_list_interval_minutes", c.Poll.DeviceListIntervalMinutes).
		Msg("Polling")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("publish_inverters", c.MQTT.PublishInverters).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput Configuration")
	}

	logger.Info().Bool("enabled", c.Storage.Enabled).Str("path", c.Storage.Path).Msg("Storage")
	logger.Info().Bool("enabled", c.Metrics.Enabled).Str("path", c.Metrics.Path).Msg("Metrics")
	logger.Info().Msg("-----------------------------")
}
