package template

import (
	"fmt"
	"sort"
	"sync"

	"templatehumidifier/internal/ha"

	"github.com/flosch/pongo2/v6"
)

// StateReader is the view of the entity-state graph templates read from
type StateReader interface {
	Get(entityID string) (*ha.State, bool)
}

// Engine renders templates against a StateReader
type Engine struct {
	states StateReader
}

// NewEngine creates a render engine backed by states
func NewEngine(states StateReader) *Engine {
	return &Engine{states: states}
}

// Render evaluates t with the given variables
func (e *Engine) Render(t *Template, vars map[string]interface{}) (Result, error) {
	result, _, err := e.RenderInfo(t, vars)
	return result, err
}

// RenderInfo evaluates t and also returns the sorted ids of every entity the
// render read. The entity list is returned even when rendering fails part
// way through.
func (e *Engine) RenderInfo(t *Template, vars map[string]interface{}) (Result, []string, error) {
	if t == nil || t.tpl == nil {
		return Result{}, nil, &Error{Err: fmt.Errorf("template not parsed")}
	}

	tracker := &entityTracker{seen: make(map[string]struct{})}
	ctx := e.context(tracker, vars)

	out, err := t.tpl.Execute(ctx)
	entities := tracker.list()
	if err != nil {
		return Result{}, entities, &Error{Source: t.source, Err: err}
	}
	return NewResult(out), entities, nil
}

// RenderString renders a template source that has not been parsed yet
func (e *Engine) RenderString(source string, vars map[string]interface{}) (Result, []string, error) {
	t, err := Parse(source)
	if err != nil {
		return Result{}, nil, err
	}
	return e.RenderInfo(t, vars)
}

func (e *Engine) context(tracker *entityTracker, vars map[string]interface{}) pongo2.Context {
	ctx := pongo2.Context{}
	for k, v := range vars {
		ctx[k] = v
	}

	lookup := func(entityID string) (*ha.State, bool) {
		tracker.add(entityID)
		if e.states == nil {
			return nil, false
		}
		return e.states.Get(entityID)
	}

	ctx["states"] = func(entityID string) string {
		if s, ok := lookup(entityID); ok && s != nil {
			return s.State
		}
		return StateUnknown
	}
	ctx["is_state"] = func(entityID string, value interface{}) bool {
		s, ok := lookup(entityID)
		if !ok || s == nil {
			return false
		}
		return matchesValue(s.State, value)
	}
	ctx["state_attr"] = func(entityID, name string) interface{} {
		s, ok := lookup(entityID)
		if !ok {
			return nil
		}
		return s.Attribute(name)
	}
	ctx["is_state_attr"] = func(entityID, name string, value interface{}) bool {
		s, ok := lookup(entityID)
		if !ok {
			return false
		}
		attr := s.Attribute(name)
		if attr == nil {
			return value == nil
		}
		return fmt.Sprint(attr) == fmt.Sprint(value)
	}
	ctx["has_value"] = func(entityID string) bool {
		s, ok := lookup(entityID)
		if !ok || s == nil {
			return false
		}
		return s.State != StateUnknown && s.State != StateUnavailable
	}
	return ctx
}

func matchesValue(state string, value interface{}) bool {
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			if state == fmt.Sprint(item) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if state == item {
				return true
			}
		}
		return false
	default:
		return state == fmt.Sprint(v)
	}
}

type entityTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (t *entityTracker) add(entityID string) {
	t.mu.Lock()
	t.seen[entityID] = struct{}{}
	t.mu.Unlock()
}

func (t *entityTracker) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.seen))
	for id := range t.seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
