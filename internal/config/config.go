package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bluetooth-peer/internal/devclass"
)

// Config is the root configuration structure for btpeerd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Profile   ProfileConfig   `yaml:"profile"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// BluetoothConfig selects the adapter and the devices worth tracking.
type BluetoothConfig struct {
	// Adapter is the controller name, e.g. "hci0". Empty watches all adapters.
	Adapter string `yaml:"adapter"`
	// AllowedClasses lists major device classes by name ("phone", "audio_video", ...).
	AllowedClasses []string `yaml:"allowed_classes"`
	// TeardownTimeout bounds disconnect calls on removal, in seconds.
	TeardownTimeout int `yaml:"teardown_timeout"`
}

// ProfileConfig contains the Profile1 registration settings.
type ProfileConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Name                  string `yaml:"name"`
	UUID                  string `yaml:"uuid"`
	Role                  string `yaml:"role"`
	Channel               uint16 `yaml:"channel"`
	PSM                   uint16 `yaml:"psm"`
	RequireAuthentication bool   `yaml:"require_authentication"`
	RequireAuthorization  bool   `yaml:"require_authorization"`
}

// SessionConfig tunes the duplex session run on every connection.
type SessionConfig struct {
	BufferSize int `yaml:"buffer_size"`
	// WriteInterval is the delay between writes, in milliseconds.
	WriteInterval int    `yaml:"write_interval_ms"`
	PayloadPrefix string `yaml:"payload_prefix"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Broker      MQTTBrokerConfig `yaml:"broker"`
	Auth        MQTTAuthConfig   `yaml:"auth"`
	QoS         int              `yaml:"qos"`
	TopicPrefix string           `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BTPEERD_SECTION_KEY
// For example: BTPEERD_BLUETOOTH_ADAPTER, BTPEERD_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bluetooth: BluetoothConfig{
			Adapter:         "hci0",
			AllowedClasses:  []string{"phone", "audio_video"},
			TeardownTimeout: 5,
		},
		Profile: ProfileConfig{
			Enabled: true,
			Name:    "Test SPP Profile",
			UUID:    "00001101-0000-1000-8000-00805f9b34fb",
			Role:    "client",
			PSM:     0x0003,
		},
		Session: SessionConfig{
			BufferSize:    1024,
			WriteInterval: 1000,
			PayloadPrefix: "Ping ",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "btpeerd",
			},
			QoS:         1,
			TopicPrefix: "btpeerd",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	// Bluetooth
	if v, ok := os.LookupEnv("BTPEERD_BLUETOOTH_ADAPTER"); ok {
		cfg.Bluetooth.Adapter = v
	}
	if v := os.Getenv("BTPEERD_BLUETOOTH_ALLOWED_CLASSES"); v != "" {
		cfg.Bluetooth.AllowedClasses = splitList(v)
	}

	// Profile
	if v := os.Getenv("BTPEERD_PROFILE_ROLE"); v != "" {
		cfg.Profile.Role = v
	}
	if v := os.Getenv("BTPEERD_PROFILE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BTPEERD_PROFILE_ENABLED: %w", err)
		}
		cfg.Profile.Enabled = b
	}

	// Logging
	if v := os.Getenv("BTPEERD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// MQTT
	if v := os.Getenv("BTPEERD_MQTT_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BTPEERD_MQTT_ENABLED: %w", err)
		}
		cfg.MQTT.Enabled = b
	}
	if v := os.Getenv("BTPEERD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BTPEERD_MQTT_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BTPEERD_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Broker.Port = p
	}
	if v := os.Getenv("BTPEERD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BTPEERD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if _, err := devclass.FilterFromNames(c.Bluetooth.AllowedClasses); err != nil {
		errs = append(errs, fmt.Sprintf("bluetooth.allowed_classes: %v", err))
	}
	if c.Bluetooth.Adapter != "" && strings.ContainsRune(c.Bluetooth.Adapter, '/') {
		errs = append(errs, "bluetooth.adapter must be a controller name such as hci0")
	}
	if c.Bluetooth.TeardownTimeout < 0 {
		errs = append(errs, "bluetooth.teardown_timeout must not be negative")
	}

	if c.Profile.Enabled {
		if c.Profile.Role != "client" && c.Profile.Role != "server" {
			errs = append(errs, "profile.role must be client or server")
		}
		if c.Profile.UUID == "" {
			errs = append(errs, "profile.uuid is required")
		}
		if c.Profile.Channel > 30 {
			errs = append(errs, "profile.channel must be between 1 and 30")
		}
	}

	if c.Session.BufferSize < 1 {
		errs = append(errs, "session.buffer_size must be positive")
	}
	if c.Session.WriteInterval < 1 {
		errs = append(errs, "session.write_interval_ms must be positive")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required")
		}
		if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
			errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetWriteInterval returns the session write interval as a Duration.
func (c *Config) GetWriteInterval() time.Duration {
	return time.Duration(c.Session.WriteInterval) * time.Millisecond
}

// GetTeardownTimeout returns the removal timeout as a Duration.
func (c *Config) GetTeardownTimeout() time.Duration {
	return time.Duration(c.Bluetooth.TeardownTimeout) * time.Second
}
