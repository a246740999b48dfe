package humidifier

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"templatehumidifier/internal/script"
	"templatehumidifier/internal/template"

	"gopkg.in/yaml.v3"
)

// Defaults applied to fields missing from a humidifier definition
const (
	DefaultName        = "Template Humidifier"
	DefaultMinHumidity = 40
	DefaultMaxHumidity = 70
)

// DefaultModes are the standard humidifier modes
var DefaultModes = []string{"normal", "eco", "away", "boost", "comfort", "home", "sleep", "auto", "baby"}

// DeviceClass is the kind of device reported to Home Assistant
type DeviceClass string

// Device classes
const (
	DeviceClassHumidifier   DeviceClass = "humidifier"
	DeviceClassDehumidifier DeviceClass = "dehumidifier"
)

// ErrInvalidConfig is matched by every configuration validation failure
var ErrInvalidConfig = errors.New("invalid humidifier config")

// Modes is the list of available modes. A single scalar is accepted and
// wrapped into a one-element list.
type Modes []string

// UnmarshalYAML accepts a list or a single value
func (m *Modes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*m = list
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*m = Modes{}
			return nil
		}
		*m = Modes{node.Value}
	default:
		return fmt.Errorf("line %d: modes must be a list or a string", node.Line)
	}
	return nil
}

// Contains reports whether mode is one of the available modes
func (m Modes) Contains(mode string) bool {
	for _, candidate := range m {
		if candidate == mode {
			return true
		}
	}
	return false
}

// Config is one template humidifier definition
type Config struct {
	Name        string      `yaml:"name"`
	UniqueID    string      `yaml:"unique_id"`
	MinHumidity float64     `yaml:"-"`
	MaxHumidity float64     `yaml:"-"`
	Modes       Modes       `yaml:"modes"`
	DeviceClass DeviceClass `yaml:"device_class"`

	StateTemplate           *template.Template `yaml:"state_template"`
	TargetHumidityTemplate  *template.Template `yaml:"target_humidity_template"`
	CurrentHumidityTemplate *template.Template `yaml:"current_humidity_template"`
	ModeTemplate            *template.Template `yaml:"mode_template"`
	ActionTemplate          *template.Template `yaml:"action_template"`
	AvailabilityTemplate    *template.Template `yaml:"availability_template"`

	TurnOnAction            *script.Config `yaml:"turn_on_action"`
	TurnOffAction           *script.Config `yaml:"turn_off_action"`
	SetTargetHumidityAction *script.Config `yaml:"set_target_humidity_action"`
	SetModeAction           *script.Config `yaml:"set_mode_action"`
}

// DefaultConfig returns a definition with every default applied
func DefaultConfig() Config {
	return Config{
		Name:        DefaultName,
		MinHumidity: DefaultMinHumidity,
		MaxHumidity: DefaultMaxHumidity,
		Modes:       append(Modes(nil), DefaultModes...),
		DeviceClass: DeviceClassHumidifier,
	}
}

// UnmarshalYAML decodes a definition on top of the defaults. Humidity bounds
// are coerced to float so quoted numbers are accepted.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type plain Config
	cfg := plain(DefaultConfig())
	if err := node.Decode(&cfg); err != nil {
		return err
	}

	var bounds struct {
		MinHumidity interface{} `yaml:"min_humidity"`
		MaxHumidity interface{} `yaml:"max_humidity"`
	}
	if err := node.Decode(&bounds); err != nil {
		return err
	}
	if bounds.MinHumidity != nil {
		v, err := coerceFloat(bounds.MinHumidity)
		if err != nil {
			return fmt.Errorf("line %d: min_humidity: %w", node.Line, err)
		}
		cfg.MinHumidity = v
	}
	if bounds.MaxHumidity != nil {
		v, err := coerceFloat(bounds.MaxHumidity)
		if err != nil {
			return fmt.Errorf("line %d: max_humidity: %w", node.Line, err)
		}
		cfg.MaxHumidity = v
	}

	*c = Config(cfg)
	return nil
}

// Validate checks the definition for values the entity cannot work with
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidConfig)
	}
	if c.MinHumidity < 0 || c.MaxHumidity > 100 {
		return fmt.Errorf("%w: %s: humidity bounds must be within 0-100", ErrInvalidConfig, c.Name)
	}
	if c.MinHumidity >= c.MaxHumidity {
		return fmt.Errorf("%w: %s: min_humidity %.1f must be below max_humidity %.1f",
			ErrInvalidConfig, c.Name, c.MinHumidity, c.MaxHumidity)
	}
	switch c.DeviceClass {
	case DeviceClassHumidifier, DeviceClassDehumidifier:
	default:
		return fmt.Errorf("%w: %s: unknown device_class %q", ErrInvalidConfig, c.Name, c.DeviceClass)
	}
	return nil
}

func coerceFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case int:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", val)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %v", val)
	}
}
