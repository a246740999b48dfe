package script

import (
	"fmt"
	"strings"

	"templatehumidifier/internal/ha"
	"templatehumidifier/internal/template"
)

// compileTree walks a decoded YAML value and replaces every string that
// contains template markup with a parsed template.
func compileTree(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") && !strings.Contains(val, "{%") {
			return val, nil
		}
		return template.Parse(val)
	case map[string]interface{}:
		return compileMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			compiled, err := compileTree(item)
			if err != nil {
				return nil, err
			}
			out[i] = compiled
		}
		return out, nil
	default:
		return val, nil
	}
}

func compileMap(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		compiled, err := compileTree(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = compiled
	}
	return out, nil
}

// renderTree renders every template leaf to its native value
func renderTree(engine *template.Engine, v interface{}, vars map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case *template.Template:
		result, err := engine.Render(val, vars)
		if err != nil {
			return nil, err
		}
		return result.Value, nil
	case map[string]interface{}:
		return renderMap(engine, val, vars)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			rendered, err := renderTree(engine, item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return val, nil
	}
}

func renderMap(engine *template.Engine, m map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		rendered, err := renderTree(engine, v, vars)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

// toTarget converts a rendered target mapping into a service target. Ids may
// be given as a list or as a comma separated string.
func toTarget(v interface{}) (*ha.ServiceTarget, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("target must be a mapping, got %T", v)
	}

	target := &ha.ServiceTarget{
		EntityID: toIDs(m["entity_id"]),
		DeviceID: toIDs(m["device_id"]),
		AreaID:   toIDs(m["area_id"]),
	}
	if target.IsEmpty() {
		return nil, nil
	}
	return target, nil
}

func toIDs(v interface{}) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		var ids []string
		for _, id := range strings.Split(val, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	case []interface{}:
		ids := make([]string, 0, len(val))
		for _, item := range val {
			ids = append(ids, toIDs(item)...)
		}
		return ids
	default:
		return []string{fmt.Sprint(val)}
	}
}
