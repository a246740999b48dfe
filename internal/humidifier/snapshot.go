package humidifier

import (
	"time"

	"templatehumidifier/internal/template"
)

// Snapshot is the published state of a humidifier
type Snapshot struct {
	EntityID          string      `json:"entity_id"`
	UniqueID          string      `json:"unique_id,omitempty"`
	Name              string      `json:"name"`
	Available         bool        `json:"available"`
	IsOn              bool        `json:"is_on"`
	TargetHumidity    *float64    `json:"target_humidity"`
	CurrentHumidity   *float64    `json:"current_humidity"`
	Mode              *string     `json:"mode"`
	Action            *string     `json:"action"`
	MinHumidity       float64     `json:"min_humidity"`
	MaxHumidity       float64     `json:"max_humidity"`
	AvailableModes    []string    `json:"available_modes,omitempty"`
	SupportedFeatures Feature     `json:"supported_features"`
	DeviceClass       DeviceClass `json:"device_class"`
	LastUpdated       time.Time   `json:"last_updated"`
}

// State returns the entity state string
func (s Snapshot) State() string {
	switch {
	case !s.Available:
		return template.StateUnavailable
	case s.IsOn:
		return template.StateOn
	default:
		return template.StateOff
	}
}

// Attributes returns the state attributes the way Home Assistant reports
// them for a humidifier entity.
func (s Snapshot) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"friendly_name":      s.Name,
		"min_humidity":       s.MinHumidity,
		"max_humidity":       s.MaxHumidity,
		"supported_features": int(s.SupportedFeatures),
		"device_class":       string(s.DeviceClass),
	}
	if s.SupportedFeatures&FeatureModes != 0 {
		attrs["available_modes"] = s.AvailableModes
		attrs["mode"] = derefString(s.Mode)
	}
	attrs["humidity"] = derefFloat(s.TargetHumidity)
	attrs["current_humidity"] = derefFloat(s.CurrentHumidity)
	attrs["action"] = derefString(s.Action)
	return attrs
}

func derefFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func derefString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
