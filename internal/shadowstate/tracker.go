package shadowstate

import (
	"sync"
	"time"
)

// Tracker indexes the shadow state of every entity
type Tracker struct {
	mu        sync.RWMutex
	providers map[string]func() EntityShadowState
}

// NewTracker creates a new shadow state tracker
func NewTracker() *Tracker {
	return &Tracker{
		providers: make(map[string]func() EntityShadowState),
	}
}

// Register registers a function that provides an entity's shadow state
func (t *Tracker) Register(entityID string, provider func() EntityShadowState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers[entityID] = provider
}

// Unregister removes an entity
func (t *Tracker) Unregister(entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.providers, entityID)
}

// Get retrieves an entity's shadow state
func (t *Tracker) Get(entityID string) (EntityShadowState, bool) {
	t.mu.RLock()
	provider, ok := t.providers[entityID]
	t.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return provider(), true
}

// All retrieves every registered shadow state
func (t *Tracker) All() map[string]EntityShadowState {
	t.mu.RLock()
	providers := make(map[string]func() EntityShadowState, len(t.providers))
	for k, v := range t.providers {
		providers[k] = v
	}
	t.mu.RUnlock()

	states := make(map[string]EntityShadowState, len(providers))
	for k, provider := range providers {
		states[k] = provider()
	}
	return states
}

// HumidifierTracker manages the shadow state of one humidifier
type HumidifierTracker struct {
	mu    sync.RWMutex
	state *HumidifierShadowState
}

// NewHumidifierTracker creates a new humidifier shadow state tracker
func NewHumidifierTracker(entityID string) *HumidifierTracker {
	return &HumidifierTracker{
		state: NewHumidifierShadowState(entityID),
	}
}

// UpdateCurrentInputs updates the current input values
func (ht *HumidifierTracker) UpdateCurrentInputs(inputs map[string]interface{}, now time.Time) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	for key, value := range inputs {
		ht.state.Inputs.Current[key] = value
	}
	ht.state.Metadata.LastUpdated = now
}

// RecordRender stores the outcome of rendering one template
func (ht *HumidifierTracker) RecordRender(name, result string, err error, entities []string, now time.Time) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	out := TemplateOutput{
		Result:     result,
		Entities:   append([]string(nil), entities...),
		RenderedAt: now,
	}
	if err != nil {
		out.Result = ""
		out.Error = err.Error()
	}
	ht.state.Outputs.Templates[name] = out
	ht.state.Metadata.LastUpdated = now
}

// RecordAction records a control operation and snapshots the inputs it saw
func (ht *HumidifierTracker) RecordAction(actionType, reason string, details map[string]interface{}, now time.Time) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	ht.state.Inputs.AtLastAction = make(map[string]interface{}, len(ht.state.Inputs.Current))
	for key, value := range ht.state.Inputs.Current {
		ht.state.Inputs.AtLastAction[key] = value
	}

	ht.state.Outputs.LastAction = &ActionRecord{
		Timestamp:  now,
		ActionType: actionType,
		Reason:     reason,
		Details:    details,
	}
	ht.state.Outputs.LastActionTime = now
	ht.state.Metadata.LastUpdated = now
}

// GetState returns the current shadow state (thread-safe copy)
func (ht *HumidifierTracker) GetState() *HumidifierShadowState {
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	stateCopy := NewHumidifierShadowState(ht.state.Entity)
	stateCopy.Metadata = ht.state.Metadata
	stateCopy.Outputs.LastActionTime = ht.state.Outputs.LastActionTime

	for k, v := range ht.state.Inputs.Current {
		stateCopy.Inputs.Current[k] = v
	}
	for k, v := range ht.state.Inputs.AtLastAction {
		stateCopy.Inputs.AtLastAction[k] = v
	}
	for k, v := range ht.state.Outputs.Templates {
		stateCopy.Outputs.Templates[k] = v
	}
	if ht.state.Outputs.LastAction != nil {
		action := *ht.state.Outputs.LastAction
		stateCopy.Outputs.LastAction = &action
	}

	return stateCopy
}
