// Package config loads the service configuration: Home Assistant
// connection, MQTT, HTTP API, storage, InfluxDB, logging and the list of
// template humidifiers.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"templatehumidifier/internal/humidifier"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is matched by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration document
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	Storage       StorageConfig       `yaml:"storage"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`
	Humidifiers   []humidifier.Config `yaml:"humidifier"`
}

// HomeAssistantConfig holds the websocket API connection
type HomeAssistantConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	ReadOnly bool   `yaml:"read_only"`
}

// MQTTConfig holds the broker connection and discovery settings
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	QoS             byte   `yaml:"qos"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
	ConnectTimeout  int    `yaml:"connect_timeout"`
}

// APIConfig holds the HTTP API listener
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// StorageConfig holds the restore-state database
type StorageConfig struct {
	Path string `yaml:"path"`
}

// InfluxDBConfig holds the optional history writer
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     uint   `yaml:"batch_size"`
	FlushInterval uint   `yaml:"flush_interval"`
}

// LoggingConfig holds the logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and validates the configuration file. Values from the
// environment override the file.
func Load(path string, logger *zap.Logger) (*Config, error) {
	logger.Info("Loading configuration", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.Int("humidifiers", len(cfg.Humidifiers)),
		zap.Bool("mqtt", cfg.MQTT.Enabled),
		zap.Bool("influxdb", cfg.InfluxDB.Enabled))
	return cfg, nil
}

// Parse decodes a configuration document on top of the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// into the process environment. A missing file is not an error.
func LoadDotEnv(logger *zap.Logger, files ...string) {
	if err := godotenv.Load(files...); err != nil {
		logger.Debug("No .env file found, using environment variables", zap.Error(err))
	}
}

// Default returns the configuration used for keys missing from the file
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:          "tcp://localhost:1883",
			ClientID:        "templatehumidifier",
			QoS:             1,
			DiscoveryPrefix: "homeassistant",
			TopicPrefix:     "templatehumidifier",
			ConnectTimeout:  10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Storage: StorageConfig{
			Path: "./data/templatehumidifier.db",
		},
		InfluxDB: InfluxDBConfig{
			Org:           "home",
			Bucket:        "humidifiers",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HA_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := os.Getenv("HA_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
	}
	if v := os.Getenv("READ_ONLY"); v != "" {
		cfg.HomeAssistant.ReadOnly = v == "true"
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("STATE_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []string

	if c.HomeAssistant.URL == "" {
		errs = append(errs, "homeassistant.url is required (or HA_URL)")
	}
	if c.HomeAssistant.Token == "" {
		errs = append(errs, "homeassistant.token is required (or HA_TOKEN)")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	uniqueIDs := make(map[string]bool)
	names := make(map[string]bool)
	for i := range c.Humidifiers {
		h := &c.Humidifiers[i]
		if err := h.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("humidifier[%d]: %v", i, err))
		}
		if h.UniqueID != "" {
			if uniqueIDs[h.UniqueID] {
				errs = append(errs, fmt.Sprintf("humidifier[%d]: duplicate unique_id %q", i, h.UniqueID))
			}
			uniqueIDs[h.UniqueID] = true
			continue
		}
		if names[h.Name] {
			errs = append(errs, fmt.Sprintf("humidifier[%d]: duplicate name %q without unique_id", i, h.Name))
		}
		names[h.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}
