package config

import (
	"os"
	"path/filepath"
	"testing"

	"templatehumidifier/internal/humidifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleConfig = `
homeassistant:
  url: ws://homeassistant.local:8123/api/websocket
  token: secret
mqtt:
  enabled: true
  broker: tcp://mosquitto:1883
logging:
  level: debug
humidifier:
  - name: Bedroom Humidifier
    unique_id: bedroom
    target_humidity_template: "{{ states('input_number.bedroom_target') }}"
    set_target_humidity_action:
      - action: input_number.set_value
        target:
          entity_id: input_number.bedroom_target
        data:
          value: "{{ humidity }}"
  - name: Basement
    device_class: dehumidifier
    modes: eco
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "ws://homeassistant.local:8123/api/websocket", cfg.HomeAssistant.URL)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://mosquitto:1883", cfg.MQTT.Broker)
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.InfluxDB.Enabled)

	require.Len(t, cfg.Humidifiers, 2)
	assert.Equal(t, "bedroom", cfg.Humidifiers[0].UniqueID)
	assert.NotNil(t, cfg.Humidifiers[0].SetTargetHumidityAction)
	assert.Equal(t, 40.0, cfg.Humidifiers[1].MinHumidity)
	assert.Equal(t, humidifier.Modes{"eco"}, cfg.Humidifiers[1].Modes)
	assert.Equal(t, humidifier.DeviceClassDehumidifier, cfg.Humidifiers[1].DeviceClass)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop())
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HA_URL", "ws://override:8123/api/websocket")
	t.Setenv("HA_TOKEN", "override-token")
	t.Setenv("READ_ONLY", "true")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("API_PORT", "9090")
	t.Setenv("STATE_DB_PATH", "/tmp/state.db")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "humidifier: []\n"), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "ws://override:8123/api/websocket", cfg.HomeAssistant.URL)
	assert.Equal(t, "override-token", cfg.HomeAssistant.Token)
	assert.True(t, cfg.HomeAssistant.ReadOnly)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "/tmp/state.db", cfg.Storage.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Parse([]byte(sampleConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing url", func(c *Config) { c.HomeAssistant.URL = "" }},
		{"missing token", func(c *Config) { c.HomeAssistant.Token = "" }},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }},
		{"bad port", func(c *Config) { c.API.Port = 0 }},
		{"influx without url", func(c *Config) { c.InfluxDB.Enabled = true }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"min above max", func(c *Config) { c.Humidifiers[0].MinHumidity = 90 }},
		{"duplicate unique id", func(c *Config) { c.Humidifiers[1].UniqueID = "bedroom" }},
		{"duplicate name", func(c *Config) { c.Humidifiers[0].UniqueID = ""; c.Humidifiers[0].Name = "Basement" }},
	}

	require.NoError(t, valid().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestParse_InvalidHumidifier(t *testing.T) {
	_, err := Parse([]byte(`
humidifier:
  - name: Broken
    state_template: "{% if %}"
`))
	assert.Error(t, err)

	_, err = Parse([]byte(`
humidifier:
  - name: Broken
    turn_on_action:
      - wait_for_trigger: []
`))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEMPLATEHUMIDIFIER_TEST_VAR=from-dotenv\n"), 0o644))
	t.Setenv("TEMPLATEHUMIDIFIER_TEST_VAR", "")
	require.NoError(t, os.Unsetenv("TEMPLATEHUMIDIFIER_TEST_VAR"))

	LoadDotEnv(zap.NewNop(), path)
	assert.Equal(t, "from-dotenv", os.Getenv("TEMPLATEHUMIDIFIER_TEST_VAR"))

	LoadDotEnv(zap.NewNop(), filepath.Join(t.TempDir(), "missing.env"))
}
