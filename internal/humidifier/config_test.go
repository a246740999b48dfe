package humidifier

import (
	"testing"

	"templatehumidifier/internal/script"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := parseConfig(t, `{}`)

	assert.Equal(t, DefaultName, cfg.Name)
	assert.Empty(t, cfg.UniqueID)
	assert.Equal(t, 40.0, cfg.MinHumidity)
	assert.Equal(t, 70.0, cfg.MaxHumidity)
	assert.Equal(t, Modes{"normal", "eco", "away", "boost", "comfort", "home", "sleep", "auto", "baby"}, cfg.Modes)
	assert.Equal(t, DeviceClassHumidifier, cfg.DeviceClass)
	assert.Nil(t, cfg.StateTemplate)
	assert.Nil(t, cfg.TargetHumidityTemplate)
	assert.Nil(t, cfg.CurrentHumidityTemplate)
	assert.Nil(t, cfg.ModeTemplate)
	assert.Nil(t, cfg.ActionTemplate)
	assert.Nil(t, cfg.TurnOnAction)
	assert.Nil(t, cfg.TurnOffAction)
	assert.Nil(t, cfg.SetTargetHumidityAction)
	assert.Nil(t, cfg.SetModeAction)
	require.NoError(t, cfg.Validate())
}

func TestConfig_DefaultModesNotShared(t *testing.T) {
	a := DefaultConfig()
	a.Modes[0] = "changed"
	assert.Equal(t, "normal", DefaultModes[0])
}

func TestConfig_Full(t *testing.T) {
	cfg := parseConfig(t, `
name: Bedroom
unique_id: bedroom_humidifier
min_humidity: "35"
max_humidity: 65.5
modes: eco
device_class: dehumidifier
state_template: "{{ states('switch.bedroom') }}"
set_mode_action:
  mode: restart
  sequence:
    - action: input_select.select_option
      data:
        option: "{{ mode }}"
`)

	assert.Equal(t, "Bedroom", cfg.Name)
	assert.Equal(t, "bedroom_humidifier", cfg.UniqueID)
	assert.Equal(t, 35.0, cfg.MinHumidity)
	assert.Equal(t, 65.5, cfg.MaxHumidity)
	assert.Equal(t, Modes{"eco"}, cfg.Modes)
	assert.Equal(t, DeviceClassDehumidifier, cfg.DeviceClass)
	require.NotNil(t, cfg.StateTemplate)
	assert.Equal(t, "{{ states('switch.bedroom') }}", cfg.StateTemplate.Source())
	require.NotNil(t, cfg.SetModeAction)
	assert.Equal(t, script.ModeRestart, cfg.SetModeAction.Mode)
	assert.Len(t, cfg.SetModeAction.Sequence, 1)
}

func TestConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad min", `min_humidity: low`},
		{"bad template", `state_template: "{{ states('x') "`},
		{"bad script", `turn_on_action: [{unknown_step: 1}]`},
		{"bad modes", `modes: {a: b}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			assert.Error(t, yaml.Unmarshal([]byte(tt.src), &cfg))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"min equals max", func(c *Config) { c.MinHumidity = 50; c.MaxHumidity = 50 }, true},
		{"min above max", func(c *Config) { c.MinHumidity = 80; c.MaxHumidity = 50 }, true},
		{"max above 100", func(c *Config) { c.MaxHumidity = 120 }, true},
		{"empty name", func(c *Config) { c.Name = " " }, true},
		{"unknown device class", func(c *Config) { c.DeviceClass = "fan" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestModes_Contains(t *testing.T) {
	modes := Modes{"normal", "eco"}
	assert.True(t, modes.Contains("eco"))
	assert.False(t, modes.Contains("Eco"))
	assert.False(t, Modes(nil).Contains("eco"))
}
